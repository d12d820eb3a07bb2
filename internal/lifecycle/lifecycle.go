// Package lifecycle owns battle status. Every status change flows through
// the Manager, which advances battles along the monotonic path
// pending → active → completed → settled, reconciling wall-clock time with
// out-of-band winner decisions from the chain without ever settling twice.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/soundclash/battle-engine/internal/chain"
	"github.com/soundclash/battle-engine/internal/hub"
	"github.com/soundclash/battle-engine/internal/metrics"
	"github.com/soundclash/battle-engine/internal/model"
	"github.com/soundclash/battle-engine/internal/store"
)

// Config holds battle timing and settlement economics.
type Config struct {
	StartDelay      time.Duration
	Duration        time.Duration
	Denom           string
	PlatformFeeRate decimal.Decimal
	LoserRefundRate decimal.Decimal
	PollInterval    time.Duration
}

// Manager is the battle lifecycle state machine. All other components read
// battles but route status changes here.
type Manager struct {
	store store.Store
	chain chain.Client
	hub   *hub.Hub // nil disables broadcasting
	cfg   Config

	clock func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(st store.Store, ch chain.Client, h *hub.Hub, cfg Config) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Manager{
		store: st,
		chain: ch,
		hub:   h,
		cfg:   cfg,
		clock: time.Now,
	}
}

// CreateBattle forms a battle from two claimed queue entries: deploys the
// chain pools, persists the pending battle, and announces it. Any failure
// is returned to the scheduler, which restores both entries to the queue.
func (m *Manager) CreateBattle(ctx context.Context, a, b model.QueueEntry, score float64) (*model.Battle, error) {
	id, err := m.store.NextBattleID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate battle id: %w", err)
	}

	if err := m.chain.CreatePools(ctx, id, m.cfg.Denom); err != nil {
		return nil, fmt.Errorf("create pools for %s: %w", id, err)
	}

	now := m.clock()
	battle := &model.Battle{
		ID:             id,
		SideA:          model.BattleSide{AgentID: a.AgentID, Wallet: a.Wallet, ContentRef: a.ContentRef},
		SideB:          model.BattleSide{AgentID: b.AgentID, Wallet: b.Wallet, ContentRef: b.ContentRef},
		ScheduledStart: now.Add(m.cfg.StartDelay),
		ScheduledEnd:   now.Add(m.cfg.StartDelay + m.cfg.Duration),
		Denom:          m.cfg.Denom,
		PoolA:          decimal.Zero,
		PoolB:          decimal.Zero,
		SupplyA:        decimal.Zero,
		SupplyB:        decimal.Zero,
		Status:         model.StatusPending,
		MatchScore:     score,
		CreatedAt:      now,
	}

	if err := m.store.CreateBattle(ctx, battle); err != nil {
		return nil, fmt.Errorf("persist battle %s: %w", id, err)
	}

	slog.Info("battle created",
		"battle", id,
		"agent_a", a.AgentID,
		"agent_b", b.AgentID,
		"start", battle.ScheduledStart,
		"score", score,
	)

	m.publishBattleUpdate(battle)
	return battle, nil
}

// Run drives time-based transitions and consumes chain events until the
// context is cancelled. Lifecycle and delivery problems are logged, never
// fatal: a failed transition is retried on the next poll.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	events := m.chain.Events()
	slog.Info("lifecycle manager starting", "poll", m.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("lifecycle manager stopped")
			return
		case <-ticker.C:
			if err := m.Advance(ctx); err != nil {
				slog.Error("lifecycle advance failed", "err", err)
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.handleEvent(ctx, ev)
		}
	}
}

// Advance performs one pass of time-based transitions over all
// non-terminal battles. Exported so tests and operators can step the
// machine without the ticker.
func (m *Manager) Advance(ctx context.Context) error {
	now := m.clock()

	battles, err := m.store.ListBattles(ctx,
		model.StatusPending, model.StatusActive, model.StatusCompleted)
	if err != nil {
		return fmt.Errorf("list non-terminal battles: %w", err)
	}

	for i := range battles {
		b := &battles[i]
		switch b.Status {
		case model.StatusPending:
			if !now.Before(b.ScheduledStart) {
				m.activate(ctx, b)
			}
		case model.StatusActive:
			if b.WinnerDecided {
				// A winner event landed but settlement did not finish
				// (dropped event, crash). Catch up here.
				m.settle(ctx, b.ID)
			} else if !now.Before(b.ScheduledEnd) {
				m.complete(ctx, b)
			}
		case model.StatusCompleted:
			m.settle(ctx, b.ID)
		}
	}

	if n, err := m.store.CountActiveBattles(ctx); err == nil {
		metrics.ActiveBattles.Set(float64(n))
	}
	return nil
}

func (m *Manager) activate(ctx context.Context, b *model.Battle) {
	applied, err := m.store.CASBattleStatus(ctx, b.ID, model.StatusPending, model.StatusActive)
	if err != nil {
		slog.Error("activate failed", "battle", b.ID, "err", err)
		return
	}
	if !applied {
		return // another transition won the race; next pass sees the truth
	}
	b.Status = model.StatusActive
	slog.Info("battle active", "battle", b.ID, "end", b.ScheduledEnd)
	m.publishBattleUpdate(b)
}

func (m *Manager) complete(ctx context.Context, b *model.Battle) {
	applied, err := m.store.CASBattleStatus(ctx, b.ID, model.StatusActive, model.StatusCompleted)
	if err != nil {
		slog.Error("complete failed", "battle", b.ID, "err", err)
		return
	}
	if !applied {
		return
	}
	b.Status = model.StatusCompleted
	slog.Info("battle completed", "battle", b.ID)
	m.publishBattleUpdate(b)
}

// Settle finalizes a battle: refreshes the pool mirror, determines the
// winner, records the one-time Settlement, and transitions to settled.
// Idempotent: a second call returns the existing Settlement unchanged.
func (m *Manager) Settle(ctx context.Context, battleID string) (*model.Settlement, error) {
	return m.settle(ctx, battleID)
}

func (m *Manager) settle(ctx context.Context, battleID string) (*model.Settlement, error) {
	if existing, err := m.store.GetSettlement(ctx, battleID); err != nil {
		return nil, err
	} else if existing != nil {
		// A crash or a failed CAS can leave the settlement recorded while
		// the battle is still non-terminal; finish the transition so the
		// battle stops occupying a concurrency-gate slot.
		b, err := m.store.GetBattle(ctx, battleID)
		if err != nil {
			return existing, err
		}
		if b.Status != model.StatusSettled {
			if err := m.finalize(ctx, b, existing); err != nil {
				return existing, err
			}
		}
		return existing, nil
	}

	b, err := m.store.GetBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if b.Status == model.StatusSettled {
		return m.store.GetSettlement(ctx, battleID)
	}
	if b.Status != model.StatusActive && b.Status != model.StatusCompleted {
		return nil, fmt.Errorf("battle %s not settleable from %s", battleID, b.Status)
	}

	// Final pools come from the chain, not the mirror.
	pools, err := m.chain.PoolState(ctx, battleID)
	if err != nil {
		return nil, fmt.Errorf("final pool state for %s: %w", battleID, err)
	}
	if err := m.store.UpdateBattlePools(ctx, battleID,
		pools.PoolA, pools.PoolB, pools.SupplyA, pools.SupplyB); err != nil {
		return nil, err
	}

	winner := b.Winner
	if !b.WinnerDecided {
		winner, _ = DetermineWinner(pools.PoolA, pools.PoolB)
	}

	settlement := ComputeSettlement(battleID, pools.PoolA, pools.PoolB, winner,
		m.cfg.PlatformFeeRate, m.cfg.LoserRefundRate, m.clock())

	// The settlement record lands before the status flips so a crash in
	// between is healed by the next advance pass, not double-paid: the
	// store returns the existing record on re-insert.
	recorded, err := m.store.CreateSettlement(ctx, settlement)
	if err != nil {
		return nil, fmt.Errorf("record settlement %s: %w", battleID, err)
	}

	b.SupplyA, b.SupplyB = pools.SupplyA, pools.SupplyB
	if err := m.finalize(ctx, b, recorded); err != nil {
		return recorded, err
	}
	return recorded, nil
}

// finalize transitions b to settled and runs the once-only side effects
// when the CAS applies. Safe to call again after a crash left the
// settlement recorded but the status stuck: the retried CAS wins exactly
// once, and the winner is taken from the immutable Settlement.
func (m *Manager) finalize(ctx context.Context, b *model.Battle, s *model.Settlement) error {
	applied, err := m.store.CASBattleStatus(ctx, b.ID, b.Status, model.StatusSettled)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	winner := s.Winner
	if err := m.store.SetBattleWinner(ctx, b.ID, winner, true); err != nil {
		slog.Error("record winner failed", "battle", b.ID, "err", err)
	}
	outcome := "winner"
	winnerID, loserID := "", ""
	if winner == "" {
		outcome = "tie"
	} else {
		winnerID = b.AgentFor(winner)
		loserID = b.AgentFor(opposite(winner))
	}
	if err := m.store.RecordOutcome(ctx, winnerID, loserID); err != nil {
		slog.Error("record outcome failed", "battle", b.ID, "err", err)
	}
	metrics.SettlementsTotal.WithLabelValues(outcome).Inc()

	slog.Info("battle settled",
		"battle", b.ID,
		"winner", string(winner),
		"payout", s.WinnerPayout.String(),
		"refund", s.LoserRefund.String(),
		"fee", s.PlatformFee.String(),
	)

	if m.hub != nil {
		b.Status = model.StatusSettled
		b.Winner = winner
		b.WinnerDecided = true
		b.PoolA, b.PoolB = s.FinalPoolA, s.FinalPoolB
		m.hub.Publish(hub.BattleKey(b.ID), hub.Event{
			Type:       hub.EventBattleEnded,
			BattleID:   b.ID,
			Battle:     b,
			Settlement: s,
		})
	}
	return nil
}

// SyncPools refreshes a battle's pool mirror from the chain and broadcasts
// the update. Called by the executor after every confirmed trade.
func (m *Manager) SyncPools(ctx context.Context, battleID string) (*model.Battle, error) {
	pools, err := m.chain.PoolState(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if err := m.store.UpdateBattlePools(ctx, battleID,
		pools.PoolA, pools.PoolB, pools.SupplyA, pools.SupplyB); err != nil {
		return nil, err
	}
	b, err := m.store.GetBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	m.publishBattleUpdate(b)
	return b, nil
}

// handleEvent consumes one typed chain event. Arrival order is decoupled
// from processing: every handler is safe against duplicates and staleness.
func (m *Manager) handleEvent(ctx context.Context, ev chain.Event) {
	switch ev.Type {
	case chain.EventPoolUpdated:
		if err := m.store.UpdateBattlePools(ctx, ev.BattleID,
			ev.Pools.PoolA, ev.Pools.PoolB, ev.Pools.SupplyA, ev.Pools.SupplyB); err != nil {
			slog.Error("pool sync from event failed", "battle", ev.BattleID, "err", err)
			return
		}
		if b, err := m.store.GetBattle(ctx, ev.BattleID); err == nil {
			m.publishBattleUpdate(b)
		}

	case chain.EventWinnerDecided:
		// Valid terminal short-circuit: active → settled without waiting
		// for the scheduled end.
		b, err := m.store.GetBattle(ctx, ev.BattleID)
		if err != nil {
			slog.Error("winner event for unknown battle", "battle", ev.BattleID, "err", err)
			return
		}
		if b.Status.Terminal() {
			// Late duplicate; the battle row must keep agreeing with the
			// immutable Settlement.
			slog.Debug("winner event for settled battle ignored", "battle", ev.BattleID)
			return
		}
		if err := m.store.SetBattleWinner(ctx, ev.BattleID, ev.Winner, true); err != nil {
			slog.Error("winner flag failed", "battle", ev.BattleID, "err", err)
			return
		}
		if _, err := m.settle(ctx, ev.BattleID); err != nil {
			slog.Error("short-circuit settle failed", "battle", ev.BattleID, "err", err)
		}

	default:
		slog.Warn("unhandled chain event", "type", string(ev.Type))
	}
}

func (m *Manager) publishBattleUpdate(b *model.Battle) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(hub.BattleKey(b.ID), hub.Event{
		Type:     hub.EventBattleUpdate,
		BattleID: b.ID,
		Battle:   b,
	})
}

func opposite(s model.Side) model.Side {
	if s == model.SideA {
		return model.SideB
	}
	return model.SideA
}
