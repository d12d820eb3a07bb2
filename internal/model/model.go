// Package model defines the core domain types shared across the battle engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BattleStatus is the lifecycle state of a battle. Transitions are monotonic:
// pending → active → completed → settled, with an active → settled
// short-circuit when the chain reports a winner before the scheduled end.
type BattleStatus string

const (
	StatusPending   BattleStatus = "pending"
	StatusActive    BattleStatus = "active"
	StatusCompleted BattleStatus = "completed"
	StatusSettled   BattleStatus = "settled"
)

// Terminal reports whether the status admits no further transitions.
// Only settled battles are terminal; completed battles still await payout.
func (s BattleStatus) Terminal() bool {
	return s == StatusSettled
}

// rank orders statuses along the forward-only lifecycle.
func (s BattleStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusActive:
		return 1
	case StatusCompleted:
		return 2
	case StatusSettled:
		return 3
	}
	return -1
}

// CanTransition reports whether moving from s to next is a legal forward
// step. Backward moves and unknown statuses are always rejected.
func (s BattleStatus) CanTransition(next BattleStatus) bool {
	return s.rank() >= 0 && next.rank() > s.rank()
}

// Side identifies one of the two competing positions within a battle.
type Side string

const (
	SideA Side = "a"
	SideB Side = "b"
)

// TradeType is the direction of a trade against a battle pool.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// QueueEntry is one agent waiting for an opponent. An agent id appears in
// the queue at most once; entries leave only by withdrawal or by atomic
// consumption into a battle.
type QueueEntry struct {
	AgentID         string    `json:"agent_id" db:"agent_id"`
	Wallet          string    `json:"wallet" db:"wallet"`
	ContentRef      string    `json:"content_ref" db:"content_ref"`
	ContentDuration int       `json:"content_duration" db:"content_duration"` // seconds
	JoinedAt        time.Time `json:"joined_at" db:"joined_at"`
}

// AvoidEntry records one recent opponent inside a preference avoid set.
// Entries expire after the configured avoid window and are lazily pruned.
type AvoidEntry struct {
	OpponentID string    `json:"opponent_id"`
	MatchedAt  time.Time `json:"matched_at"`
}

// Preferences holds an agent's matchmaking preferences.
type Preferences struct {
	AgentID     string       `json:"agent_id" db:"agent_id"`
	SkillTier   int          `json:"skill_tier" db:"skill_tier"`
	Strategy    string       `json:"strategy" db:"strategy"` // "any" opts out of diversity scoring
	MinDuration int          `json:"min_duration" db:"min_duration"`
	MaxDuration int          `json:"max_duration" db:"max_duration"`
	AvoidSet    []AvoidEntry `json:"avoid_set" db:"avoid_set"`
}

// RecentOpponentCount returns how many times opponentID appears in the
// avoid set no earlier than cutoff.
func (p *Preferences) RecentOpponentCount(opponentID string, cutoff time.Time) int {
	n := 0
	for _, e := range p.AvoidSet {
		if e.OpponentID == opponentID && !e.MatchedAt.Before(cutoff) {
			n++
		}
	}
	return n
}

// BattleSide is one competitor's slot within a battle.
type BattleSide struct {
	AgentID    string `json:"agent_id" db:"agent_id"`
	Wallet     string `json:"wallet" db:"wallet"`
	ContentRef string `json:"content_ref" db:"content_ref"`
}

// Battle is a timed two-sided competitive event. Pool and supply values
// mirror on-chain state and are refreshed by explicit sync; the store copy
// is a cache, the chain is ground truth.
type Battle struct {
	ID             string          `json:"id" db:"id"`
	SideA          BattleSide      `json:"side_a"`
	SideB          BattleSide      `json:"side_b"`
	ScheduledStart time.Time       `json:"scheduled_start" db:"scheduled_start"`
	ScheduledEnd   time.Time       `json:"scheduled_end" db:"scheduled_end"`
	Denom          string          `json:"denom" db:"denom"`
	PoolA          decimal.Decimal `json:"pool_a" db:"pool_a"`
	PoolB          decimal.Decimal `json:"pool_b" db:"pool_b"`
	SupplyA        decimal.Decimal `json:"supply_a" db:"supply_a"`
	SupplyB        decimal.Decimal `json:"supply_b" db:"supply_b"`
	Status         BattleStatus    `json:"status" db:"status"`
	WinnerDecided  bool            `json:"winner_decided" db:"winner_decided"`
	Winner         Side            `json:"winner,omitempty" db:"winner"` // empty until decided; empty in a tie
	MatchScore     float64         `json:"match_score" db:"match_score"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// AgentFor returns the agent id occupying the given side.
func (b *Battle) AgentFor(side Side) string {
	if side == SideA {
		return b.SideA.AgentID
	}
	return b.SideB.AgentID
}

// Trade is an immutable record of one confirmed buy/sell action.
// Once created, these are never modified or deleted.
type Trade struct {
	ID            string          `json:"id" db:"id"`
	BattleID      string          `json:"battle_id" db:"battle_id"`
	Side          Side            `json:"side" db:"side"`
	Type          TradeType       `json:"type" db:"type"`
	TokenAmount   decimal.Decimal `json:"token_amount" db:"token_amount"`
	PaymentAmount decimal.Decimal `json:"payment_amount" db:"payment_amount"`
	Fee           decimal.Decimal `json:"fee" db:"fee"`
	Wallet        string          `json:"wallet" db:"wallet"`
	TxRef         string          `json:"tx_ref" db:"tx_ref"`
	Nonce         uint64          `json:"nonce" db:"nonce"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// Settlement is the one-time payout record for a finished battle.
// Winner is empty when the final pools tied exactly; in that case each side
// is refunded its own pool minus half the platform fee.
type Settlement struct {
	BattleID     string          `json:"battle_id" db:"battle_id"`
	Winner       Side            `json:"winner,omitempty" db:"winner"`
	FinalPoolA   decimal.Decimal `json:"final_pool_a" db:"final_pool_a"`
	FinalPoolB   decimal.Decimal `json:"final_pool_b" db:"final_pool_b"`
	WinnerPayout decimal.Decimal `json:"winner_payout" db:"winner_payout"`
	LoserRefund  decimal.Decimal `json:"loser_refund" db:"loser_refund"`
	PlatformFee  decimal.Decimal `json:"platform_fee" db:"platform_fee"`
	SettledAt    time.Time       `json:"settled_at" db:"settled_at"`
}

// MatchRecord is the analytics row persisted for each successful pairing.
type MatchRecord struct {
	BattleID    string    `json:"battle_id" db:"battle_id"`
	AgentID     string    `json:"agent_id" db:"agent_id"`
	OpponentID  string    `json:"opponent_id" db:"opponent_id"`
	WaitSeconds float64   `json:"wait_seconds" db:"wait_seconds"`
	Score       float64   `json:"score" db:"score"`
	MatchedAt   time.Time `json:"matched_at" db:"matched_at"`
}

// AgentStats aggregates an agent's matchmaking history.
type AgentStats struct {
	AgentID          string  `json:"agent_id"`
	TotalMatches     int     `json:"total_matches"`
	Wins             int     `json:"wins"`
	Losses           int     `json:"losses"`
	TotalWaitSeconds float64 `json:"-"`
	TotalQuality     float64 `json:"-"`
	AvgWaitSeconds   float64 `json:"avg_wait"`
	AvgQuality       float64 `json:"avg_quality"`
	WinRate          float64 `json:"win_rate"`
}

// Finalize fills the derived averages and win rate. Agents with no decided
// battles get the neutral 0.5 win rate used by the skill-balance term.
func (s *AgentStats) Finalize() {
	if s.TotalMatches > 0 {
		s.AvgWaitSeconds = s.TotalWaitSeconds / float64(s.TotalMatches)
		s.AvgQuality = s.TotalQuality / float64(s.TotalMatches)
	}
	decided := s.Wins + s.Losses
	if decided == 0 {
		s.WinRate = 0.5
		return
	}
	s.WinRate = float64(s.Wins) / float64(decided)
}
