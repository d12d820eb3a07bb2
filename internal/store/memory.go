package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/soundclash/battle-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// dev mode. A single mutex covers every table, so the multi-row operations
// (ClaimPair, CASBattleStatus, CreateSettlement) are naturally atomic.
type MemoryStore struct {
	mu          sync.RWMutex
	queue       map[string]*model.QueueEntry
	prefs       map[string]*model.Preferences
	battles     map[string]*model.Battle
	trades      []model.Trade
	settlements map[string]*model.Settlement
	matches     []model.MatchRecord
	outcomes    map[string]*winLoss
	battleSeq   int
}

type winLoss struct {
	wins   int
	losses int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queue:       make(map[string]*model.QueueEntry),
		prefs:       make(map[string]*model.Preferences),
		battles:     make(map[string]*model.Battle),
		settlements: make(map[string]*model.Settlement),
		outcomes:    make(map[string]*winLoss),
	}
}

// --- Queue ---

func (s *MemoryStore) Enqueue(_ context.Context, entry *model.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queue[entry.AgentID]; ok {
		return ErrAlreadyQueued
	}
	cp := *entry
	s.queue[entry.AgentID] = &cp
	return nil
}

func (s *MemoryStore) Withdraw(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queue[agentID]; !ok {
		return ErrNotQueued
	}
	delete(s.queue, agentID)
	return nil
}

func (s *MemoryStore) ListQueue(_ context.Context) ([]model.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]model.QueueEntry, 0, len(s.queue))
	for _, e := range s.queue {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].AgentID < entries[j].AgentID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
	return entries, nil
}

func (s *MemoryStore) ClaimPair(_ context.Context, agentA, agentB string) (*model.QueueEntry, *model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ea, okA := s.queue[agentA]
	eb, okB := s.queue[agentB]
	if !okA || !okB {
		// Both-or-neither: a withdrawal of either agent between scoring
		// and claiming loses the whole claim, leaving the other queued.
		return nil, nil, ErrNotQueued
	}
	delete(s.queue, agentA)
	delete(s.queue, agentB)
	ca, cb := *ea, *eb
	return &ca, &cb, nil
}

func (s *MemoryStore) Restore(_ context.Context, entries ...model.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if _, ok := s.queue[e.AgentID]; ok {
			continue // agent re-queued while the battle creation was in flight
		}
		cp := e
		s.queue[e.AgentID] = &cp
	}
	return nil
}

// --- Preferences ---

func (s *MemoryStore) GetPreferences(_ context.Context, agentID string) (*model.Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prefs[agentID]
	if !ok {
		return defaultPreferences(agentID), nil
	}
	cp := *p
	cp.AvoidSet = append([]model.AvoidEntry(nil), p.AvoidSet...)
	return &cp, nil
}

func (s *MemoryStore) SavePreferences(_ context.Context, prefs *model.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *prefs
	cp.AvoidSet = append([]model.AvoidEntry(nil), prefs.AvoidSet...)
	s.prefs[prefs.AgentID] = &cp
	return nil
}

func (s *MemoryStore) PruneAvoidSets(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.prefs {
		kept := p.AvoidSet[:0]
		for _, e := range p.AvoidSet {
			if !e.MatchedAt.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		p.AvoidSet = kept
	}
	return nil
}

// --- Battles ---

func (s *MemoryStore) NextBattleID(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.battleSeq++
	return fmt.Sprintf("battle-%06d", s.battleSeq), nil
}

func (s *MemoryStore) CreateBattle(_ context.Context, b *model.Battle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.battles[b.ID]; ok {
		return ErrDuplicateBattle
	}
	cp := *b
	s.battles[b.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBattle(_ context.Context, id string) (*model.Battle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.battles[id]
	if !ok {
		return nil, ErrBattleNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBattles(_ context.Context, statuses ...model.BattleStatus) ([]model.Battle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[model.BattleStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var battles []model.Battle
	for _, b := range s.battles {
		if len(want) == 0 || want[b.Status] {
			battles = append(battles, *b)
		}
	}
	sort.Slice(battles, func(i, j int) bool {
		return battles[i].ID < battles[j].ID
	})
	return battles, nil
}

func (s *MemoryStore) CountActiveBattles(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, b := range s.battles {
		if !b.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CASBattleStatus(_ context.Context, id string, from, to model.BattleStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.battles[id]
	if !ok {
		return false, ErrBattleNotFound
	}
	if b.Status != from || !from.CanTransition(to) {
		return false, nil
	}
	b.Status = to
	return true, nil
}

func (s *MemoryStore) SetBattleWinner(_ context.Context, id string, winner model.Side, decided bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.battles[id]
	if !ok {
		return ErrBattleNotFound
	}
	b.Winner = winner
	b.WinnerDecided = decided
	return nil
}

func (s *MemoryStore) UpdateBattlePools(_ context.Context, id string, poolA, poolB, supplyA, supplyB decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.battles[id]
	if !ok {
		return ErrBattleNotFound
	}
	b.PoolA, b.PoolB = poolA, poolB
	b.SupplyA, b.SupplyB = supplyA, supplyB
	return nil
}

// --- Trades ---

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTradesByBattle(_ context.Context, battleID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.BattleID == battleID {
			result = append(result, t)
		}
	}
	return result, nil
}

// --- Settlements ---

func (s *MemoryStore) CreateSettlement(_ context.Context, st *model.Settlement) (*model.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.settlements[st.BattleID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *st
	s.settlements[st.BattleID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, battleID string) (*model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settlements[battleID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

// --- Analytics ---

func (s *MemoryStore) RecordMatch(_ context.Context, records ...model.MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.matches = append(s.matches, records...)
	return nil
}

func (s *MemoryStore) RecordOutcome(_ context.Context, winnerID, loserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if winnerID != "" {
		s.outcome(winnerID).wins++
	}
	if loserID != "" {
		s.outcome(loserID).losses++
	}
	return nil
}

func (s *MemoryStore) outcome(agentID string) *winLoss {
	wl, ok := s.outcomes[agentID]
	if !ok {
		wl = &winLoss{}
		s.outcomes[agentID] = wl
	}
	return wl
}

func (s *MemoryStore) GetAgentStats(_ context.Context, agentID string) (*model.AgentStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &model.AgentStats{AgentID: agentID}
	for _, m := range s.matches {
		if m.AgentID == agentID {
			stats.TotalMatches++
			stats.TotalWaitSeconds += m.WaitSeconds
			stats.TotalQuality += m.Score
		}
	}
	if wl, ok := s.outcomes[agentID]; ok {
		stats.Wins = wl.wins
		stats.Losses = wl.losses
	}
	stats.Finalize()
	return stats, nil
}

// defaultPreferences is the neutral profile for agents that never set any.
func defaultPreferences(agentID string) *model.Preferences {
	return &model.Preferences{
		AgentID:     agentID,
		SkillTier:   0,
		Strategy:    "any",
		MinDuration: 0,
		MaxDuration: 0,
	}
}
