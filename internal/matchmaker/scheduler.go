// Package matchmaker runs the queue scheduler: a recurring, single-flight
// pairing loop that drains the queue into new battles under a global
// concurrency cap.
package matchmaker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/soundclash/battle-engine/internal/hub"
	"github.com/soundclash/battle-engine/internal/metrics"
	"github.com/soundclash/battle-engine/internal/model"
	"github.com/soundclash/battle-engine/internal/scoring"
	"github.com/soundclash/battle-engine/internal/store"
)

// Config holds the scheduler's policy values.
type Config struct {
	Interval           time.Duration
	MaxConcurrent      int
	AdmissionThreshold float64
	AvoidWindow        time.Duration
}

// BattleCreator forms a battle from two claimed queue entries. Implemented
// by the lifecycle manager.
type BattleCreator interface {
	CreateBattle(ctx context.Context, a, b model.QueueEntry, score float64) (*model.Battle, error)
}

// Scheduler is the matchmaking loop. One logical recurring task: ticks
// never overlap, enforced structurally by the inflight guard.
type Scheduler struct {
	store   store.Store
	battles BattleCreator
	hub     *hub.Hub // nil disables queue broadcasts
	cfg     Config

	clock    func() time.Time
	inflight atomic.Bool
}

// New creates a scheduler.
func New(st store.Store, battles BattleCreator, h *hub.Hub, cfg Config) *Scheduler {
	return &Scheduler{
		store:   st,
		battles: battles,
		hub:     h,
		cfg:     cfg,
		clock:   time.Now,
	}
}

// Run executes the tick loop until the context is cancelled. A single
// failed cycle is logged and retried on the next tick, never fatal.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("matchmaker starting",
		"interval", s.cfg.Interval,
		"max_concurrent", s.cfg.MaxConcurrent,
		"threshold", s.cfg.AdmissionThreshold,
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("matchmaker stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one matchmaking cycle. If a previous tick is still in flight
// the cycle is skipped — pairing assumes exclusive access to the queue
// snapshot it iterates, so overlap is never allowed.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.inflight.CompareAndSwap(false, true) {
		metrics.TicksSkipped.Inc()
		slog.Warn("matchmaker tick still in flight, skipping")
		return
	}
	defer s.inflight.Store(false)

	start := time.Now()
	if err := s.cycle(ctx); err != nil {
		slog.Error("matchmaker cycle failed", "err", err)
	}
	metrics.TickDuration.Observe(time.Since(start).Seconds())
}

func (s *Scheduler) cycle(ctx context.Context) error {
	now := s.clock()

	// Preference maintenance happens every tick, gated or not.
	if err := s.store.PruneAvoidSets(ctx, now.Add(-s.cfg.AvoidWindow)); err != nil {
		slog.Error("avoid-set prune failed", "err", err)
	}

	active, err := s.store.CountActiveBattles(ctx)
	if err != nil {
		return err
	}
	entries, err := s.store.ListQueue(ctx)
	if err != nil {
		return err
	}
	metrics.QueueDepth.Set(float64(len(entries)))

	if active >= s.cfg.MaxConcurrent {
		slog.Debug("concurrency gate saturated, skipping pairing",
			"active", active, "max", s.cfg.MaxConcurrent)
		return nil
	}
	if len(entries) < 2 {
		return nil // a singleton queue never produces a match
	}

	profiles, err := s.buildProfiles(ctx, entries)
	if err != nil {
		return err
	}

	matched := make(map[string]bool, len(entries))
	paired := 0

	for i := range entries {
		if active+paired >= s.cfg.MaxConcurrent {
			break
		}
		a := &entries[i]
		if matched[a.AgentID] {
			continue
		}

		best := s.bestOpponent(entries, profiles, matched, i, now)
		if best < 0 {
			continue // pairing deferred; entry stays queued for the next cycle
		}
		b := &entries[best]

		if s.pair(ctx, a, b, profiles, now) {
			matched[a.AgentID] = true
			matched[b.AgentID] = true
			paired++
		}
	}

	if paired > 0 {
		metrics.QueueDepth.Set(float64(len(entries) - 2*paired))
		s.publishQueueUpdate(ctx)
	}
	return nil
}

// bestOpponent scans all unmatched entries after position i's candidate
// set and returns the index of the best-scoring acceptable opponent, or -1.
// Equal scores break toward the earliest join timestamp; since entries are
// in FIFO order, the first best seen wins ties.
func (s *Scheduler) bestOpponent(entries []model.QueueEntry, profiles map[string]scoring.Profile,
	matched map[string]bool, i int, now time.Time) int {

	a := &entries[i]
	best := -1
	bestScore := 0.0

	for j := range entries {
		if j == i || matched[entries[j].AgentID] {
			continue
		}
		score, err := scoring.Score(profiles[a.AgentID], profiles[entries[j].AgentID], now, s.cfg.AvoidWindow)
		if err != nil {
			slog.Error("scoring failed", "agent", a.AgentID, "opponent", entries[j].AgentID, "err", err)
			continue
		}
		if score <= s.cfg.AdmissionThreshold {
			continue
		}
		if score > bestScore {
			best = j
			bestScore = score
		}
	}
	return best
}

// pair atomically claims both entries and hands them to battle creation.
// A claim lost to a concurrent withdrawal is silent; a failed creation
// restores both entries unchanged — no entry is ever dropped.
func (s *Scheduler) pair(ctx context.Context, a, b *model.QueueEntry,
	profiles map[string]scoring.Profile, now time.Time) bool {

	score, err := scoring.Score(profiles[a.AgentID], profiles[b.AgentID], now, s.cfg.AvoidWindow)
	if err != nil {
		return false
	}

	ea, eb, err := s.store.ClaimPair(ctx, a.AgentID, b.AgentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotQueued) {
			slog.Error("claim failed", "a", a.AgentID, "b", b.AgentID, "err", err)
		}
		return false
	}

	battle, err := s.battles.CreateBattle(ctx, *ea, *eb, score)
	if err != nil {
		slog.Error("battle creation failed, restoring entries",
			"a", ea.AgentID, "b", eb.AgentID, "err", err)
		if rerr := s.store.Restore(ctx, *ea, *eb); rerr != nil {
			slog.Error("restore failed", "err", rerr)
		}
		return false
	}

	s.recordMatch(ctx, battle, ea, eb, score, now)

	slog.Info("match made",
		"battle", battle.ID,
		"a", ea.AgentID,
		"b", eb.AgentID,
		"score", score,
		"wait_a", now.Sub(ea.JoinedAt),
		"wait_b", now.Sub(eb.JoinedAt),
	)
	metrics.MatchesTotal.Inc()
	metrics.MatchScores.Observe(score)
	return true
}

// recordMatch persists pairing analytics and pushes each agent onto the
// other's avoid set. Analytics failures never unwind a made match.
func (s *Scheduler) recordMatch(ctx context.Context, battle *model.Battle,
	ea, eb *model.QueueEntry, score float64, now time.Time) {

	err := s.store.RecordMatch(ctx,
		model.MatchRecord{
			BattleID: battle.ID, AgentID: ea.AgentID, OpponentID: eb.AgentID,
			WaitSeconds: now.Sub(ea.JoinedAt).Seconds(), Score: score, MatchedAt: now,
		},
		model.MatchRecord{
			BattleID: battle.ID, AgentID: eb.AgentID, OpponentID: ea.AgentID,
			WaitSeconds: now.Sub(eb.JoinedAt).Seconds(), Score: score, MatchedAt: now,
		},
	)
	if err != nil {
		slog.Error("match analytics failed", "battle", battle.ID, "err", err)
	}

	for _, pair := range [][2]string{{ea.AgentID, eb.AgentID}, {eb.AgentID, ea.AgentID}} {
		prefs, err := s.store.GetPreferences(ctx, pair[0])
		if err != nil {
			slog.Error("load preferences failed", "agent", pair[0], "err", err)
			continue
		}
		prefs.AvoidSet = append(prefs.AvoidSet, model.AvoidEntry{OpponentID: pair[1], MatchedAt: now})
		if err := s.store.SavePreferences(ctx, prefs); err != nil {
			slog.Error("save preferences failed", "agent", pair[0], "err", err)
		}
	}
}

// buildProfiles assembles the scoring view of every queued agent.
func (s *Scheduler) buildProfiles(ctx context.Context, entries []model.QueueEntry) (map[string]scoring.Profile, error) {
	profiles := make(map[string]scoring.Profile, len(entries))
	for _, e := range entries {
		prefs, err := s.store.GetPreferences(ctx, e.AgentID)
		if err != nil {
			return nil, err
		}
		stats, err := s.store.GetAgentStats(ctx, e.AgentID)
		if err != nil {
			return nil, err
		}

		meetings := make(map[string][]time.Time, len(prefs.AvoidSet))
		for _, av := range prefs.AvoidSet {
			meetings[av.OpponentID] = append(meetings[av.OpponentID], av.MatchedAt)
		}

		profiles[e.AgentID] = scoring.Profile{
			AgentID:         e.AgentID,
			ContentDuration: e.ContentDuration,
			WinRate:         stats.WinRate,
			Strategy:        prefs.Strategy,
			RecentMeetings:  meetings,
		}
	}
	return profiles, nil
}

func (s *Scheduler) publishQueueUpdate(ctx context.Context) {
	if s.hub == nil {
		return
	}
	entries, err := s.store.ListQueue(ctx)
	if err != nil {
		return
	}
	active, _ := s.store.CountActiveBattles(ctx)
	s.hub.Publish(hub.KeyQueue, hub.Event{
		Type: hub.EventQueueUpdate,
		Queue: &hub.QueueSnapshot{
			Entries:           entries,
			ActiveBattleCount: active,
			MaxConcurrent:     s.cfg.MaxConcurrent,
		},
	})
}
