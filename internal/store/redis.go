package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/soundclash/battle-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for hot battle and settlement reads. Queue operations always pass
// through: the scheduler's claim semantics depend on uncached state.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: primary, rdb: rdb, ttl: ttl}
}

// --- Read-through ---

func (s *CachedStore) GetBattle(ctx context.Context, id string) (*model.Battle, error) {
	data, err := s.rdb.Get(ctx, battleKey(id)).Bytes()
	if err == nil {
		var b model.Battle
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.Store.GetBattle(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheBattle(ctx, b)
	return b, nil
}

func (s *CachedStore) GetSettlement(ctx context.Context, battleID string) (*model.Settlement, error) {
	data, err := s.rdb.Get(ctx, settlementKey(battleID)).Bytes()
	if err == nil {
		var st model.Settlement
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.Store.GetSettlement(ctx, battleID)
	if err != nil || st == nil {
		return st, err
	}
	if data, err := json.Marshal(st); err == nil {
		// Settlements are immutable, but the ttl keeps a lost invalidation
		// from pinning stale data forever.
		s.rdb.Set(ctx, settlementKey(battleID), data, s.ttl)
	}
	return st, nil
}

// --- Write-through (invalidate on every battle mutation) ---

func (s *CachedStore) CreateBattle(ctx context.Context, b *model.Battle) error {
	if err := s.Store.CreateBattle(ctx, b); err != nil {
		return err
	}
	s.cacheBattle(ctx, b)
	return nil
}

func (s *CachedStore) CASBattleStatus(ctx context.Context, id string, from, to model.BattleStatus) (bool, error) {
	applied, err := s.Store.CASBattleStatus(ctx, id, from, to)
	if applied {
		s.rdb.Del(ctx, battleKey(id))
	}
	return applied, err
}

func (s *CachedStore) SetBattleWinner(ctx context.Context, id string, winner model.Side, decided bool) error {
	if err := s.Store.SetBattleWinner(ctx, id, winner, decided); err != nil {
		return err
	}
	s.rdb.Del(ctx, battleKey(id))
	return nil
}

func (s *CachedStore) UpdateBattlePools(ctx context.Context, id string, poolA, poolB, supplyA, supplyB decimal.Decimal) error {
	if err := s.Store.UpdateBattlePools(ctx, id, poolA, poolB, supplyA, supplyB); err != nil {
		return err
	}
	s.rdb.Del(ctx, battleKey(id))
	return nil
}

func (s *CachedStore) CreateSettlement(ctx context.Context, st *model.Settlement) (*model.Settlement, error) {
	out, err := s.Store.CreateSettlement(ctx, st)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(out); err == nil {
		s.rdb.Set(ctx, settlementKey(out.BattleID), data, s.ttl)
	}
	return out, nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheBattle(ctx context.Context, b *model.Battle) {
	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, battleKey(b.ID), data, s.ttl)
	}
}

func battleKey(id string) string       { return fmt.Sprintf("battle:%s", id) }
func settlementKey(id string) string   { return fmt.Sprintf("settlement:%s", id) }
