package scoring

import (
	"math"
	"testing"
	"time"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const window = 24 * time.Hour

func profile(id string, duration int, winRate float64, strategy string) Profile {
	return Profile{
		AgentID:         id,
		ContentDuration: duration,
		WinRate:         winRate,
		Strategy:        strategy,
		RecentMeetings:  map[string][]time.Time{},
	}
}

func approx(t *testing.T, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("got %.6f, want %.6f (±%.6f)", got, want, tol)
	}
}

// --- Score ---

func TestScore_SelfMatchRejected(t *testing.T) {
	a := profile("x", 180, 0.5, "any")
	if _, err := Score(a, a, now, window); err != ErrSelfMatch {
		t.Errorf("expected ErrSelfMatch, got %v", err)
	}
}

func TestScore_InvalidDuration(t *testing.T) {
	a := profile("x", 0, 0.5, "any")
	b := profile("y", 180, 0.5, "any")
	if _, err := Score(a, b, now, window); err != ErrInvalidDuration {
		t.Errorf("expected ErrInvalidDuration, got %v", err)
	}
}

func TestScore_FreshComplementaryPair(t *testing.T) {
	// 180s vs 170s, win rates 0.60 vs 0.58, never matched, complementary
	// strategies. Expected:
	//   0.25×(1−(10/180×0.5)) + 0.35×(1−0.02) + 0.20×1.0 + 0.20×1.0 ≈ 0.966
	a := profile("x", 180, 0.60, "aggressive")
	b := profile("y", 170, 0.58, "defensive")

	s, err := Score(a, b, now, window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, s, 0.9661, 0.001)
}

func TestScore_AlwaysInUnitInterval(t *testing.T) {
	tests := []struct {
		da, db int
		wa, wb float64
		sa, sb string
	}{
		{1, 10000, 0, 1, "aggressive", "aggressive"},
		{180, 180, 0.5, 0.5, "any", "any"},
		{60, 600, 1, 0, "momentum", "contrarian"},
		{300, 1, 0.99, 0.01, "foo", "bar"},
	}
	for _, tt := range tests {
		a := profile("x", tt.da, tt.wa, tt.sa)
		b := profile("y", tt.db, tt.wb, tt.sb)
		s, err := Score(a, b, now, window)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if s < 0 || s > 1 {
			t.Errorf("score %.4f outside [0,1] for %+v", s, tt)
		}
	}
}

func TestScore_DirectionAgreesOnAdmission(t *testing.T) {
	// History is recorded only on one side; the max of both directions
	// must make score(a,b) and score(b,a) identical.
	a := profile("x", 180, 0.6, "aggressive")
	b := profile("y", 170, 0.58, "defensive")
	a.RecentMeetings["y"] = []time.Time{now.Add(-2 * time.Hour)}

	sab, _ := Score(a, b, now, window)
	sba, _ := Score(b, a, now, window)
	approx(t, sab, sba, 1e-9)
}

// --- History decay ---

func TestHistoryTerm_Decay(t *testing.T) {
	tests := []struct {
		meetings int
		want     float64
	}{
		{0, 1.0},
		{1, 0.7},
		{2, 0.4},
		{3, 0.2},
		{5, 0.2},
	}
	for _, tt := range tests {
		a := profile("x", 180, 0.5, "any")
		b := profile("y", 180, 0.5, "any")
		for i := 0; i < tt.meetings; i++ {
			a.RecentMeetings["y"] = append(a.RecentMeetings["y"],
				now.Add(-time.Duration(i+1)*time.Hour))
		}
		got := historyTerm(a, b, now, window)
		if got != tt.want {
			t.Errorf("%d meetings: got %.2f, want %.2f", tt.meetings, got, tt.want)
		}
	}
}

func TestHistoryTerm_ExpiredMeetingsIgnored(t *testing.T) {
	a := profile("x", 180, 0.5, "any")
	b := profile("y", 180, 0.5, "any")
	a.RecentMeetings["y"] = []time.Time{
		now.Add(-25 * time.Hour), // outside window
		now.Add(-48 * time.Hour),
	}
	if got := historyTerm(a, b, now, window); got != 1.0 {
		t.Errorf("expired meetings should not decay: got %.2f", got)
	}
}

func TestScore_ThreeRematchesDropsHistoryFloor(t *testing.T) {
	a := profile("x", 180, 0.60, "aggressive")
	b := profile("y", 170, 0.58, "defensive")
	for i := 0; i < 3; i++ {
		a.RecentMeetings["y"] = append(a.RecentMeetings["y"],
			now.Add(-time.Duration(i+1)*time.Hour))
	}

	fresh := 0.25*(1-(10.0/180.0)*0.5) + 0.35*0.98 + 0.20*1.0 + 0.20*1.0
	s, err := Score(a, b, now, window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, s, fresh-0.20*0.8, 0.001) // history term 1.0 → 0.2
}

// --- Strategy diversity ---

func TestStrategyTerm(t *testing.T) {
	tests := []struct {
		sa, sb string
		want   float64
	}{
		{"aggressive", "defensive", 1.0},
		{"momentum", "contrarian", 1.0},
		{"any", "aggressive", 0.8},
		{"defensive", "any", 0.8},
		{"any", "any", 0.8},
		{"aggressive", "aggressive", 0.5},
		{"custom", "custom", 0.5},
		{"aggressive", "momentum", 0.7},
		{"custom", "other", 0.7},
	}
	for _, tt := range tests {
		if got := strategyTerm(tt.sa, tt.sb); got != tt.want {
			t.Errorf("strategyTerm(%q, %q) = %.2f, want %.2f", tt.sa, tt.sb, got, tt.want)
		}
	}
}

// --- Duration compatibility ---

func TestDurationTerm(t *testing.T) {
	tests := []struct {
		da, db int
		want   float64
	}{
		{180, 180, 1.0},
		{180, 90, 0.75},  // 1 − (90/180)×0.5
		{180, 170, 1 - (10.0 / 180.0 * 0.5)},
		{60, 600, 0.55}, // 1 − (540/600)×0.5
	}
	for _, tt := range tests {
		got := durationTerm(tt.da, tt.db)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("durationTerm(%d, %d) = %.4f, want %.4f", tt.da, tt.db, got, tt.want)
		}
		if got != durationTerm(tt.db, tt.da) {
			t.Errorf("durationTerm not symmetric for (%d, %d)", tt.da, tt.db)
		}
	}
}

// --- Skill balance ---

func TestSkillTerm(t *testing.T) {
	if got := skillTerm(0.6, 0.58); math.Abs(got-0.98) > 1e-9 {
		t.Errorf("skillTerm(0.6, 0.58) = %.4f, want 0.98", got)
	}
	if got := skillTerm(1, 0); got != 0 {
		t.Errorf("skillTerm(1, 0) = %.4f, want 0", got)
	}
	if got := skillTerm(0.5, 0.5); got != 1 {
		t.Errorf("skillTerm(0.5, 0.5) = %.4f, want 1", got)
	}
}
