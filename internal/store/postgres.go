package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/soundclash/battle-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// avoid sets are stored as JSONB on the preferences row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Queue ---

func (s *PostgresStore) Enqueue(ctx context.Context, e *model.QueueEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue_entries (agent_id, wallet, content_ref, content_duration, joined_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.AgentID, e.Wallet, e.ContentRef, e.ContentDuration, e.JoinedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyQueued
	}
	return err
}

func (s *PostgresStore) Withdraw(ctx context.Context, agentID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM queue_entries WHERE agent_id = $1`, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotQueued
	}
	return nil
}

func (s *PostgresStore) ListQueue(ctx context.Context) ([]model.QueueEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, wallet, content_ref, content_duration, joined_at
		 FROM queue_entries ORDER BY joined_at, agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		if err := rows.Scan(&e.AgentID, &e.Wallet, &e.ContentRef, &e.ContentDuration, &e.JoinedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClaimPair deletes both entries inside one transaction. A racing withdraw
// of either agent makes the delete return fewer than two rows, at which
// point the whole transaction rolls back leaving the survivor queued.
func (s *PostgresStore) ClaimPair(ctx context.Context, agentA, agentB string) (*model.QueueEntry, *model.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`DELETE FROM queue_entries WHERE agent_id = ANY($1::TEXT[])
		 RETURNING agent_id, wallet, content_ref, content_duration, joined_at`,
		[]string{agentA, agentB})
	if err != nil {
		return nil, nil, err
	}

	claimed := make(map[string]*model.QueueEntry, 2)
	for rows.Next() {
		var e model.QueueEntry
		if err := rows.Scan(&e.AgentID, &e.Wallet, &e.ContentRef, &e.ContentDuration, &e.JoinedAt); err != nil {
			rows.Close()
			return nil, nil, err
		}
		claimed[e.AgentID] = &e
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	if len(claimed) != 2 {
		return nil, nil, ErrNotQueued // rollback restores any single delete
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return claimed[agentA], claimed[agentB], nil
}

func (s *PostgresStore) Restore(ctx context.Context, entries ...model.QueueEntry) error {
	for _, e := range entries {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO queue_entries (agent_id, wallet, content_ref, content_duration, joined_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (agent_id) DO NOTHING`,
			e.AgentID, e.Wallet, e.ContentRef, e.ContentDuration, e.JoinedAt,
		)
		if err != nil {
			return fmt.Errorf("restore %s: %w", e.AgentID, err)
		}
	}
	return nil
}

// --- Preferences ---

func (s *PostgresStore) GetPreferences(ctx context.Context, agentID string) (*model.Preferences, error) {
	var p model.Preferences
	var avoidJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT agent_id, skill_tier, strategy, min_duration, max_duration, avoid_set
		 FROM matchmaking_preferences WHERE agent_id = $1`, agentID).
		Scan(&p.AgentID, &p.SkillTier, &p.Strategy, &p.MinDuration, &p.MaxDuration, &avoidJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return defaultPreferences(agentID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences %s: %w", agentID, err)
	}

	if len(avoidJSON) > 0 {
		if err := json.Unmarshal(avoidJSON, &p.AvoidSet); err != nil {
			return nil, fmt.Errorf("decode avoid set %s: %w", agentID, err)
		}
	}
	return &p, nil
}

func (s *PostgresStore) SavePreferences(ctx context.Context, p *model.Preferences) error {
	avoidJSON, err := json.Marshal(p.AvoidSet)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO matchmaking_preferences (agent_id, skill_tier, strategy, min_duration, max_duration, avoid_set)
		 VALUES ($1, $2, $3, $4, $5, $6::JSONB)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   skill_tier = EXCLUDED.skill_tier,
		   strategy = EXCLUDED.strategy,
		   min_duration = EXCLUDED.min_duration,
		   max_duration = EXCLUDED.max_duration,
		   avoid_set = EXCLUDED.avoid_set`,
		p.AgentID, p.SkillTier, p.Strategy, p.MinDuration, p.MaxDuration, avoidJSON,
	)
	return err
}

func (s *PostgresStore) PruneAvoidSets(ctx context.Context, cutoff time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE matchmaking_preferences
		 SET avoid_set = COALESCE(
		   (SELECT jsonb_agg(e) FROM jsonb_array_elements(avoid_set) e
		    WHERE (e->>'matched_at')::TIMESTAMPTZ >= $1),
		   '[]'::JSONB)
		 WHERE avoid_set <> '[]'::JSONB`, cutoff)
	return err
}

// --- Battles ---

func (s *PostgresStore) NextBattleID(ctx context.Context) (string, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('battle_seq')`).Scan(&seq); err != nil {
		return "", err
	}
	return fmt.Sprintf("battle-%06d", seq), nil
}

const battleColumns = `id, agent_a, wallet_a, content_a, agent_b, wallet_b, content_b,
	scheduled_start, scheduled_end, denom,
	pool_a::TEXT, pool_b::TEXT, supply_a::TEXT, supply_b::TEXT,
	status, winner_decided, winner, match_score, created_at`

func (s *PostgresStore) CreateBattle(ctx context.Context, b *model.Battle) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO battles (id, agent_a, wallet_a, content_a, agent_b, wallet_b, content_b,
		   scheduled_start, scheduled_end, denom,
		   pool_a, pool_b, supply_a, supply_b,
		   status, winner_decided, winner, match_score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		   $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC,
		   $15, $16, $17, $18, $19)`,
		b.ID, b.SideA.AgentID, b.SideA.Wallet, b.SideA.ContentRef,
		b.SideB.AgentID, b.SideB.Wallet, b.SideB.ContentRef,
		b.ScheduledStart, b.ScheduledEnd, b.Denom,
		b.PoolA.String(), b.PoolB.String(), b.SupplyA.String(), b.SupplyB.String(),
		string(b.Status), b.WinnerDecided, string(b.Winner), b.MatchScore, b.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateBattle
	}
	return err
}

func scanBattle(row pgx.Row) (*model.Battle, error) {
	var b model.Battle
	var poolA, poolB, supplyA, supplyB string
	var status, winner string

	err := row.Scan(&b.ID, &b.SideA.AgentID, &b.SideA.Wallet, &b.SideA.ContentRef,
		&b.SideB.AgentID, &b.SideB.Wallet, &b.SideB.ContentRef,
		&b.ScheduledStart, &b.ScheduledEnd, &b.Denom,
		&poolA, &poolB, &supplyA, &supplyB,
		&status, &b.WinnerDecided, &winner, &b.MatchScore, &b.CreatedAt)
	if err != nil {
		return nil, err
	}

	b.PoolA, _ = decimal.NewFromString(poolA)
	b.PoolB, _ = decimal.NewFromString(poolB)
	b.SupplyA, _ = decimal.NewFromString(supplyA)
	b.SupplyB, _ = decimal.NewFromString(supplyB)
	b.Status = model.BattleStatus(status)
	b.Winner = model.Side(winner)
	return &b, nil
}

func (s *PostgresStore) GetBattle(ctx context.Context, id string) (*model.Battle, error) {
	b, err := scanBattle(s.pool.QueryRow(ctx,
		`SELECT `+battleColumns+` FROM battles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBattleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get battle %s: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) ListBattles(ctx context.Context, statuses ...model.BattleStatus) ([]model.Battle, error) {
	query := `SELECT ` + battleColumns + ` FROM battles`
	args := []any{}
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, st := range statuses {
			ss[i] = string(st)
		}
		query += ` WHERE status = ANY($1::TEXT[])`
		args = append(args, ss)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var battles []model.Battle
	for rows.Next() {
		b, err := scanBattle(rows)
		if err != nil {
			return nil, err
		}
		battles = append(battles, *b)
	}
	return battles, rows.Err()
}

func (s *PostgresStore) CountActiveBattles(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM battles WHERE status <> $1`,
		string(model.StatusSettled)).Scan(&n)
	return n, err
}

func (s *PostgresStore) CASBattleStatus(ctx context.Context, id string, from, to model.BattleStatus) (bool, error) {
	if !from.CanTransition(to) {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE battles SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetBattleWinner(ctx context.Context, id string, winner model.Side, decided bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE battles SET winner = $2, winner_decided = $3 WHERE id = $1`,
		id, string(winner), decided)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBattleNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateBattlePools(ctx context.Context, id string, poolA, poolB, supplyA, supplyB decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE battles
		 SET pool_a = $2::NUMERIC, pool_b = $3::NUMERIC,
		     supply_a = $4::NUMERIC, supply_b = $5::NUMERIC
		 WHERE id = $1`,
		id, poolA.String(), poolB.String(), supplyA.String(), supplyB.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBattleNotFound
	}
	return nil
}

// --- Trades ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, battle_id, side, type, token_amount, payment_amount, fee, wallet, tx_ref, nonce, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)`,
		t.ID, t.BattleID, string(t.Side), string(t.Type),
		t.TokenAmount.String(), t.PaymentAmount.String(), t.Fee.String(),
		t.Wallet, t.TxRef, t.Nonce, t.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListTradesByBattle(ctx context.Context, battleID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, battle_id, side, type,
		        token_amount::TEXT, payment_amount::TEXT, fee::TEXT,
		        wallet, tx_ref, nonce, timestamp
		 FROM trades WHERE battle_id = $1 ORDER BY timestamp, nonce`, battleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, typ, tokenS, paymentS, feeS string
		if err := rows.Scan(&t.ID, &t.BattleID, &side, &typ,
			&tokenS, &paymentS, &feeS,
			&t.Wallet, &t.TxRef, &t.Nonce, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Type = model.TradeType(typ)
		t.TokenAmount, _ = decimal.NewFromString(tokenS)
		t.PaymentAmount, _ = decimal.NewFromString(paymentS)
		t.Fee, _ = decimal.NewFromString(feeS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Settlements ---

func (s *PostgresStore) CreateSettlement(ctx context.Context, st *model.Settlement) (*model.Settlement, error) {
	// ON CONFLICT DO NOTHING + read-back makes duplicate settlement a
	// storage-level no-op, independent of the lifecycle's own guard.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (battle_id, winner, final_pool_a, final_pool_b,
		   winner_payout, loser_refund, platform_fee, settled_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT (battle_id) DO NOTHING`,
		st.BattleID, string(st.Winner),
		st.FinalPoolA.String(), st.FinalPoolB.String(),
		st.WinnerPayout.String(), st.LoserRefund.String(), st.PlatformFee.String(),
		st.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	return s.GetSettlement(ctx, st.BattleID)
}

func (s *PostgresStore) GetSettlement(ctx context.Context, battleID string) (*model.Settlement, error) {
	var st model.Settlement
	var winner, poolA, poolB, payout, refund, fee string

	err := s.pool.QueryRow(ctx,
		`SELECT battle_id, winner, final_pool_a::TEXT, final_pool_b::TEXT,
		        winner_payout::TEXT, loser_refund::TEXT, platform_fee::TEXT, settled_at
		 FROM settlements WHERE battle_id = $1`, battleID).
		Scan(&st.BattleID, &winner, &poolA, &poolB, &payout, &refund, &fee, &st.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", battleID, err)
	}

	st.Winner = model.Side(winner)
	st.FinalPoolA, _ = decimal.NewFromString(poolA)
	st.FinalPoolB, _ = decimal.NewFromString(poolB)
	st.WinnerPayout, _ = decimal.NewFromString(payout)
	st.LoserRefund, _ = decimal.NewFromString(refund)
	st.PlatformFee, _ = decimal.NewFromString(fee)
	return &st, nil
}

// --- Analytics ---

func (s *PostgresStore) RecordMatch(ctx context.Context, records ...model.MatchRecord) error {
	for _, r := range records {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO match_records (battle_id, agent_id, opponent_id, wait_seconds, score, matched_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			r.BattleID, r.AgentID, r.OpponentID, r.WaitSeconds, r.Score, r.MatchedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, winnerID, loserID string) error {
	if winnerID != "" {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO agent_records (agent_id, wins, losses) VALUES ($1, 1, 0)
			 ON CONFLICT (agent_id) DO UPDATE SET wins = agent_records.wins + 1`,
			winnerID); err != nil {
			return err
		}
	}
	if loserID != "" {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO agent_records (agent_id, wins, losses) VALUES ($1, 0, 1)
			 ON CONFLICT (agent_id) DO UPDATE SET losses = agent_records.losses + 1`,
			loserID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) GetAgentStats(ctx context.Context, agentID string) (*model.AgentStats, error) {
	stats := &model.AgentStats{AgentID: agentID}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(wait_seconds), 0), COALESCE(SUM(score), 0)
		 FROM match_records WHERE agent_id = $1`, agentID).
		Scan(&stats.TotalMatches, &stats.TotalWaitSeconds, &stats.TotalQuality)
	if err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx,
		`SELECT wins, losses FROM agent_records WHERE agent_id = $1`, agentID).
		Scan(&stats.Wins, &stats.Losses)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	stats.Finalize()
	return stats, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
