package arena

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/soundclash/battle-engine/internal/chain"
	"github.com/soundclash/battle-engine/internal/executor"
	"github.com/soundclash/battle-engine/internal/model"
	"github.com/soundclash/battle-engine/internal/store"
)

type storeSyncer struct {
	st store.Store
}

func (s storeSyncer) SyncPools(ctx context.Context, battleID string) (*model.Battle, error) {
	return s.st.GetBattle(ctx, battleID)
}

type testEnv struct {
	store  *store.MemoryStore
	chain  *chain.SimClient
	router *chi.Mux
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	sim := chain.NewSimClient()
	t.Cleanup(sim.Close)

	exec := executor.New(st, sim, storeSyncer{st: st}, nil, executor.Config{
		MaxRetries:   1,
		RetryBase:    time.Millisecond,
		WalletBuffer: 4,
	})
	t.Cleanup(exec.Close)

	svc := NewService(st, exec, nil, cfg)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/queue", svc.GetQueueStatus)
		r.Post("/queue/join", svc.JoinQueue)
		r.Post("/queue/leave", svc.LeaveQueue)
		r.Put("/agents/{agentID}/preferences", svc.UpdatePreferences)
		r.Get("/agents/{agentID}/stats", svc.GetMatchmakingStats)
		r.Post("/trade", svc.SubmitTrade)
		r.Get("/battles", svc.ListBattles)
		r.Get("/battles/{battleID}", svc.GetBattle)
		r.Get("/battles/{battleID}/trades", svc.ListBattleTrades)
	})

	return &testEnv{store: st, chain: sim, router: r}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) activeBattle(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()

	if err := env.chain.CreatePools(ctx, id, "USDC"); err != nil {
		t.Fatalf("create pools: %v", err)
	}
	env.chain.SeedPool(id, 500, 500, 1000, 1000)
	err := env.store.CreateBattle(ctx, &model.Battle{
		ID:     id,
		Status: model.StatusActive,
		Denom:  "USDC",
		PoolA:  decimal.NewFromInt(500), PoolB: decimal.NewFromInt(500),
		SupplyA: decimal.NewFromInt(1000), SupplyB: decimal.NewFromInt(1000),
	})
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}
}

func joinBody(agentID string) JoinQueueRequest {
	return JoinQueueRequest{
		AgentID:         agentID,
		Wallet:          "wallet-" + agentID,
		ContentRef:      "track-" + agentID,
		ContentDuration: 180,
	}
}

func TestJoinQueue(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrent: 10})

	rec := env.do(t, http.MethodPost, "/api/v1/queue/join", joinBody("alpha"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var entry model.QueueEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.AgentID != "alpha" || entry.JoinedAt.IsZero() {
		t.Errorf("entry = %+v, want alpha with join timestamp", entry)
	}

	// Second join while queued conflicts.
	rec = env.do(t, http.MethodPost, "/api/v1/queue/join", joinBody("alpha"))
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate join status = %d, want 409", rec.Code)
	}
}

func TestJoinQueue_Validation(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrent: 10})

	cases := []struct {
		name string
		req  JoinQueueRequest
	}{
		{"missing agent", JoinQueueRequest{Wallet: "w", ContentRef: "c", ContentDuration: 60}},
		{"missing wallet", JoinQueueRequest{AgentID: "a", ContentRef: "c", ContentDuration: 60}},
		{"missing content", JoinQueueRequest{AgentID: "a", Wallet: "w", ContentDuration: 60}},
		{"zero duration", JoinQueueRequest{AgentID: "a", Wallet: "w", ContentRef: "c"}},
		{"negative duration", JoinQueueRequest{AgentID: "a", Wallet: "w", ContentRef: "c", ContentDuration: -5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/queue/join", tc.req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestLeaveQueue(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrent: 10})

	env.do(t, http.MethodPost, "/api/v1/queue/join", joinBody("alpha"))

	rec := env.do(t, http.MethodPost, "/api/v1/queue/leave", LeaveQueueRequest{AgentID: "alpha"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	// Leaving again: the entry is gone.
	rec = env.do(t, http.MethodPost, "/api/v1/queue/leave", LeaveQueueRequest{AgentID: "alpha"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("repeat leave status = %d, want 404", rec.Code)
	}
}

func TestGetQueueStatus(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrent: 7})

	env.do(t, http.MethodPost, "/api/v1/queue/join", joinBody("alpha"))
	env.do(t, http.MethodPost, "/api/v1/queue/join", joinBody("beta"))
	env.activeBattle(t, "battle-000001")

	rec := env.do(t, http.MethodGet, "/api/v1/queue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp QueueStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entries) != 2 {
		t.Errorf("entries = %d, want 2", len(resp.Entries))
	}
	if resp.ActiveBattleCount != 1 {
		t.Errorf("active battles = %d, want 1", resp.ActiveBattleCount)
	}
	if resp.MaxConcurrent != 7 {
		t.Errorf("max concurrent = %d, want 7", resp.MaxConcurrent)
	}
}

func TestUpdatePreferences(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrent: 10})
	ctx := context.Background()

	// A prior match put beta on alpha's avoid set; the agent cannot
	// clear it through this endpoint.
	prefs, _ := env.store.GetPreferences(ctx, "alpha")
	prefs.AvoidSet = append(prefs.AvoidSet, model.AvoidEntry{OpponentID: "beta", MatchedAt: time.Now()})
	if err := env.store.SavePreferences(ctx, prefs); err != nil {
		t.Fatalf("seed preferences: %v", err)
	}

	rec := env.do(t, http.MethodPut, "/api/v1/agents/alpha/preferences", UpdatePreferencesRequest{
		SkillTier:   2,
		Strategy:    "aggressive",
		MinDuration: 60,
		MaxDuration: 300,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	saved, err := env.store.GetPreferences(ctx, "alpha")
	if err != nil {
		t.Fatalf("reload preferences: %v", err)
	}
	if saved.Strategy != "aggressive" || saved.SkillTier != 2 {
		t.Errorf("preferences not applied: %+v", saved)
	}
	if len(saved.AvoidSet) != 1 || saved.AvoidSet[0].OpponentID != "beta" {
		t.Errorf("avoid set was clobbered: %+v", saved.AvoidSet)
	}
}

func TestUpdatePreferences_Validation(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrent: 10})

	rec := env.do(t, http.MethodPut, "/api/v1/agents/alpha/preferences", UpdatePreferencesRequest{
		Strategy: "yolo",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown strategy status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/api/v1/agents/alpha/preferences", UpdatePreferencesRequest{
		Strategy:    "any",
		MinDuration: 300,
		MaxDuration: 60,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("inverted bounds status = %d, want 400", rec.Code)
	}
}

func TestGetMatchmakingStats(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrent: 10})
	ctx := context.Background()

	err := env.store.RecordMatch(ctx, model.MatchRecord{
		BattleID: "battle-000001", AgentID: "alpha", OpponentID: "beta",
		WaitSeconds: 12, Score: 0.9, MatchedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("record match: %v", err)
	}
	if err := env.store.RecordOutcome(ctx, "alpha", "beta"); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/agents/alpha/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var stats model.AgentStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalMatches != 1 || stats.Wins != 1 || stats.WinRate != 1 {
		t.Errorf("stats = %+v, want one win", stats)
	}
}

func TestSubmitTrade(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrent: 10})
	env.activeBattle(t, "battle-000001")

	rec := env.do(t, http.MethodPost, "/api/v1/trade", SubmitTradeRequest{
		AgentID:  "alpha",
		BattleID: "battle-000001",
		Side:     "a",
		Type:     "buy",
		Wallet:   "wallet-alpha",
		Amount:   decimal.NewFromInt(25),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var trade model.Trade
	if err := json.Unmarshal(rec.Body.Bytes(), &trade); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if trade.Nonce != 1 || trade.TxRef == "" {
		t.Errorf("trade = %+v, want confirmed with nonce 1", trade)
	}
}

func TestSubmitTrade_Errors(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrent: 10})
	env.activeBattle(t, "battle-000001")

	ctx := context.Background()
	if err := env.chain.CreatePools(ctx, "battle-000002", "USDC"); err != nil {
		t.Fatalf("create pools: %v", err)
	}
	err := env.store.CreateBattle(ctx, &model.Battle{
		ID: "battle-000002", Status: model.StatusPending,
		PoolA: decimal.Zero, PoolB: decimal.Zero,
		SupplyA: decimal.Zero, SupplyB: decimal.Zero,
	})
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}

	base := SubmitTradeRequest{
		AgentID: "alpha", BattleID: "battle-000001",
		Side: "a", Type: "buy", Wallet: "wallet-alpha",
		Amount: decimal.NewFromInt(10),
	}

	cases := []struct {
		name   string
		mutate func(*SubmitTradeRequest)
		want   int
	}{
		{"bad side", func(r *SubmitTradeRequest) { r.Side = "yes" }, http.StatusBadRequest},
		{"bad type", func(r *SubmitTradeRequest) { r.Type = "short" }, http.StatusBadRequest},
		{"zero amount", func(r *SubmitTradeRequest) { r.Amount = decimal.Zero }, http.StatusBadRequest},
		{"negative min output", func(r *SubmitTradeRequest) { r.MinOutput = decimal.NewFromInt(-1) }, http.StatusBadRequest},
		{"unknown battle", func(r *SubmitTradeRequest) { r.BattleID = "battle-999999" }, http.StatusNotFound},
		{"pending battle", func(r *SubmitTradeRequest) { r.BattleID = "battle-000002" }, http.StatusConflict},
		{"slippage", func(r *SubmitTradeRequest) { r.MinOutput = decimal.NewFromInt(1_000_000) }, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			rec := env.do(t, http.MethodPost, "/api/v1/trade", req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestListBattles(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrent: 10})
	env.activeBattle(t, "battle-000001")

	ctx := context.Background()
	err := env.store.CreateBattle(ctx, &model.Battle{
		ID: "battle-000002", Status: model.StatusSettled,
		PoolA: decimal.Zero, PoolB: decimal.Zero,
		SupplyA: decimal.Zero, SupplyB: decimal.Zero,
	})
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/battles", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var all []model.Battle
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("unfiltered battles = %d, want 2", len(all))
	}

	rec = env.do(t, http.MethodGet, "/api/v1/battles?status=active", nil)
	var active []model.Battle
	if err := json.Unmarshal(rec.Body.Bytes(), &active); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(active) != 1 || active[0].ID != "battle-000001" {
		t.Errorf("active filter = %+v, want battle-000001", active)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/battles?status=imaginary", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad filter status = %d, want 400", rec.Code)
	}
}

func TestGetBattle_IncludesSettlement(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrent: 10})
	ctx := context.Background()

	err := env.store.CreateBattle(ctx, &model.Battle{
		ID: "battle-000001", Status: model.StatusSettled, Winner: model.SideA,
		PoolA: decimal.NewFromInt(100), PoolB: decimal.NewFromInt(60),
		SupplyA: decimal.Zero, SupplyB: decimal.Zero,
	})
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}
	_, err = env.store.CreateSettlement(ctx, &model.Settlement{
		BattleID: "battle-000001", Winner: model.SideA,
		FinalPoolA: decimal.NewFromInt(100), FinalPoolB: decimal.NewFromInt(60),
		WinnerPayout: decimal.NewFromInt(146), LoserRefund: decimal.NewFromInt(6),
		PlatformFee: decimal.NewFromInt(8), SettledAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("create settlement: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/battles/battle-000001", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp BattleDetailResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Battle == nil || resp.Battle.ID != "battle-000001" {
		t.Fatalf("battle missing from detail")
	}
	if resp.Settlement == nil || resp.Settlement.Winner != model.SideA {
		t.Errorf("settlement missing from settled battle detail")
	}

	rec = env.do(t, http.MethodGet, "/api/v1/battles/battle-404", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown battle status = %d, want 404", rec.Code)
	}
}

func TestListBattleTrades(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrent: 10})
	env.activeBattle(t, "battle-000001")

	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/trade", SubmitTradeRequest{
			AgentID: "alpha", BattleID: "battle-000001",
			Side: "a", Type: "buy", Wallet: "wallet-alpha",
			Amount: decimal.NewFromInt(5),
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("trade %d: status %d", i, rec.Code)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/v1/battles/battle-000001/trades", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var trades []model.Trade
	if err := json.Unmarshal(rec.Body.Bytes(), &trades); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(trades) != 3 {
		t.Fatalf("trades = %d, want 3", len(trades))
	}
	for i, tr := range trades {
		if tr.Nonce != uint64(i+1) {
			t.Errorf("trade %d nonce = %d, want %d", i, tr.Nonce, i+1)
		}
	}

	rec = env.do(t, http.MethodGet, "/api/v1/battles/battle-404/trades", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown battle status = %d, want 404", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrent: 10, AgentRatePerSec: 0.001, AgentRateBurst: 2})

	// Burst of 2 admits the first joins; the third is throttled.
	rec := env.do(t, http.MethodPost, "/api/v1/queue/join", joinBody("alpha"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("first join status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/v1/queue/leave", LeaveQueueRequest{AgentID: "alpha"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("leave status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/v1/queue/join", joinBody("alpha"))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", rec.Code)
	}

	// Other agents are unaffected.
	rec = env.do(t, http.MethodPost, "/api/v1/queue/join", joinBody("beta"))
	if rec.Code != http.StatusCreated {
		t.Errorf("other agent status = %d, want 201", rec.Code)
	}
}
