// Package scoring implements the match-compatibility scorer used to pair
// queued agents into battles.
//
// The score is a weighted sum of four signals in [0,1]:
//   - Duration compatibility (0.25): closer content lengths score higher.
//   - Skill balance (0.35): closer win rates score higher.
//   - History (0.20): recent rematches within the avoid window decay the
//     score in fixed steps (1.0 / 0.7 / 0.4 / 0.2).
//   - Strategy diversity (0.20): complementary strategies score highest.
//
// The scorer is pure and stateless — profiles are passed as arguments, not
// stored. A pair is admissible only when the weighted sum exceeds the
// configured threshold; the threshold itself is policy, not part of this
// package.
package scoring

import (
	"errors"
	"time"
)

var (
	// ErrSelfMatch is returned when an agent is scored against itself.
	// Such a pair is undefined, never a valid zero.
	ErrSelfMatch = errors.New("scoring: agent cannot be scored against itself")

	// ErrInvalidDuration is returned when a profile carries a non-positive
	// content duration.
	ErrInvalidDuration = errors.New("scoring: content duration must be positive")
)

// Component weights. These define the meaning of the score and are fixed at
// compile time; tuning happens at the admission threshold, not here.
const (
	WeightDuration = 0.25
	WeightSkill    = 0.35
	WeightHistory  = 0.20
	WeightStrategy = 0.20
)

// StrategyAny opts an agent out of strategy-diversity scoring.
const StrategyAny = "any"

// complements maps each strategy tag to the tag it pairs best with.
var complements = map[string]string{
	"aggressive": "defensive",
	"defensive":  "aggressive",
	"momentum":   "contrarian",
	"contrarian": "momentum",
}

// Profile is the scoring view of one queued agent.
type Profile struct {
	AgentID         string
	ContentDuration int     // seconds
	WinRate         float64 // wins/(wins+losses), 0.5 for unplayed agents
	Strategy        string
	// RecentMeetings holds timestamps of past matches keyed by opponent id.
	// Entries older than the avoid window are ignored by the scorer.
	RecentMeetings map[string][]time.Time
}

// Score computes the compatibility of candidate a with target b at time now,
// using window as the rematch-decay horizon. The result is always in [0,1].
// The history term uses the larger of the two directional rematch counts, so
// Score(a,b) and Score(b,a) agree on admission.
func Score(a, b Profile, now time.Time, window time.Duration) (float64, error) {
	if a.AgentID == b.AgentID {
		return 0, ErrSelfMatch
	}
	if a.ContentDuration <= 0 || b.ContentDuration <= 0 {
		return 0, ErrInvalidDuration
	}

	s := WeightDuration*durationTerm(a.ContentDuration, b.ContentDuration) +
		WeightSkill*skillTerm(a.WinRate, b.WinRate) +
		WeightHistory*historyTerm(a, b, now, window) +
		WeightStrategy*strategyTerm(a.Strategy, b.Strategy)

	return clamp01(s), nil
}

// durationTerm scores content-length compatibility:
// 1 − (|dA − dB| / max(dA, dB)) × 0.5, clamped to [0,1].
func durationTerm(da, db int) float64 {
	diff := float64(da - db)
	if diff < 0 {
		diff = -diff
	}
	max := float64(da)
	if db > da {
		max = float64(db)
	}
	return clamp01(1 - diff/max*0.5)
}

// skillTerm scores win-rate proximity: 1 − |wrA − wrB|.
func skillTerm(wa, wb float64) float64 {
	d := wa - wb
	if d < 0 {
		d = -d
	}
	return clamp01(1 - d)
}

// historyTerm decays the score for recent rematches. Counts are strictly
// decreasing with recency: 0 → 1.0, 1 → 0.7, 2 → 0.4, 3+ → 0.2.
func historyTerm(a, b Profile, now time.Time, window time.Duration) float64 {
	cutoff := now.Add(-window)
	n := meetingsSince(a.RecentMeetings[b.AgentID], cutoff)
	if m := meetingsSince(b.RecentMeetings[a.AgentID], cutoff); m > n {
		n = m
	}
	switch n {
	case 0:
		return 1.0
	case 1:
		return 0.7
	case 2:
		return 0.4
	default:
		return 0.2
	}
}

func meetingsSince(stamps []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range stamps {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}

// strategyTerm scores tag diversity: 1.0 for complementary tags, 0.8 when
// either side is "any", 0.5 for identical non-"any" tags, 0.7 otherwise.
func strategyTerm(sa, sb string) float64 {
	if sa == StrategyAny || sb == StrategyAny {
		return 0.8
	}
	if complements[sa] == sb {
		return 1.0
	}
	if sa == sb {
		return 0.5
	}
	return 0.7
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
