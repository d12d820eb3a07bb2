// Package store defines the persistence interface for the battle engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and dev mode).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/soundclash/battle-engine/internal/model"
)

var (
	// ErrAlreadyQueued is returned when an agent joins while already queued.
	ErrAlreadyQueued = errors.New("store: agent already queued")

	// ErrNotQueued is returned when withdrawing or claiming an agent that
	// is not in the queue.
	ErrNotQueued = errors.New("store: agent not queued")

	// ErrBattleNotFound is returned for unknown battle ids.
	ErrBattleNotFound = errors.New("store: battle not found")

	// ErrDuplicateBattle is returned when a battle id is created twice.
	ErrDuplicateBattle = errors.New("store: battle already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for hot battle reads.
type Store interface {
	// --- Queue ---

	// Enqueue adds a waiting agent. Fails with ErrAlreadyQueued if the
	// agent has an active entry.
	Enqueue(ctx context.Context, entry *model.QueueEntry) error

	// Withdraw removes an agent's entry. Fails with ErrNotQueued if
	// absent — including when a concurrent match claimed it first.
	Withdraw(ctx context.Context, agentID string) error

	// ListQueue returns all entries in FIFO join order.
	ListQueue(ctx context.Context) ([]model.QueueEntry, error)

	// ClaimPair atomically removes both agents' entries. Either both are
	// removed and returned, or neither is touched and ErrNotQueued is
	// returned. This is the compare-and-remove primitive the scheduler
	// relies on; a racing Withdraw loses or wins cleanly, never partially.
	ClaimPair(ctx context.Context, agentA, agentB string) (*model.QueueEntry, *model.QueueEntry, error)

	// Restore re-inserts entries with their original join timestamps after
	// a failed battle creation. Entries whose agent re-queued meanwhile
	// are skipped.
	Restore(ctx context.Context, entries ...model.QueueEntry) error

	// --- Preferences ---

	// GetPreferences returns the agent's preferences, or neutral defaults
	// if the agent never set any.
	GetPreferences(ctx context.Context, agentID string) (*model.Preferences, error)

	// SavePreferences upserts the agent's preferences.
	SavePreferences(ctx context.Context, prefs *model.Preferences) error

	// PruneAvoidSets drops avoid-set entries older than cutoff from every
	// preference row.
	PruneAvoidSets(ctx context.Context, cutoff time.Time) error

	// --- Battles ---

	// NextBattleID allocates a monotonic battle identifier.
	NextBattleID(ctx context.Context) (string, error)

	// CreateBattle persists a new battle.
	CreateBattle(ctx context.Context, b *model.Battle) error

	// GetBattle retrieves a battle by id.
	GetBattle(ctx context.Context, id string) (*model.Battle, error)

	// ListBattles returns battles filtered by status; no filter returns all.
	ListBattles(ctx context.Context, statuses ...model.BattleStatus) ([]model.Battle, error)

	// CountActiveBattles counts non-terminal battles (the concurrency gate).
	CountActiveBattles(ctx context.Context) (int, error)

	// CASBattleStatus transitions id from `from` to `to` only if the
	// current status equals `from`. Returns whether the transition applied.
	// This is the only status write path; it makes lifecycle transitions
	// atomic with respect to concurrent readers and other transitions.
	CASBattleStatus(ctx context.Context, id string, from, to model.BattleStatus) (bool, error)

	// SetBattleWinner records the winner decision flag and side.
	SetBattleWinner(ctx context.Context, id string, winner model.Side, decided bool) error

	// UpdateBattlePools refreshes the pool/supply mirror after a chain sync.
	UpdateBattlePools(ctx context.Context, id string, poolA, poolB, supplyA, supplyB decimal.Decimal) error

	// --- Immutable trades ---

	// InsertTrade appends a confirmed trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// ListTradesByBattle returns all trades for a battle in confirmation order.
	ListTradesByBattle(ctx context.Context, battleID string) ([]model.Trade, error)

	// --- Settlements ---

	// CreateSettlement records the one-time settlement for a battle. If a
	// settlement already exists, the existing record is returned unchanged
	// and no write occurs — idempotence is enforced at the storage layer.
	CreateSettlement(ctx context.Context, s *model.Settlement) (*model.Settlement, error)

	// GetSettlement returns the settlement for a battle, or nil if none.
	GetSettlement(ctx context.Context, battleID string) (*model.Settlement, error)

	// --- Matchmaking analytics ---

	// RecordMatch persists analytics rows for a successful pairing.
	RecordMatch(ctx context.Context, records ...model.MatchRecord) error

	// RecordOutcome increments win/loss counters after settlement. Both
	// ids may be empty on a tie.
	RecordOutcome(ctx context.Context, winnerID, loserID string) error

	// GetAgentStats aggregates an agent's matchmaking history.
	GetAgentStats(ctx context.Context, agentID string) (*model.AgentStats, error)
}
