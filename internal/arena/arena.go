// Package arena provides the HTTP and WebSocket surface of the battle
// engine: queue membership, preferences, trade submission, and battle
// queries.
package arena

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/soundclash/battle-engine/internal/executor"
	"github.com/soundclash/battle-engine/internal/hub"
	"github.com/soundclash/battle-engine/internal/model"
	"github.com/soundclash/battle-engine/internal/scoring"
	"github.com/soundclash/battle-engine/internal/store"
)

// Config holds the arena's surface policy.
type Config struct {
	MaxConcurrent   int     // echoed in queue snapshots
	AgentRatePerSec float64 // per-agent mutating-request limit
	AgentRateBurst  int
}

// Service handles arena operations. One instance per process; per-agent
// rate limiters are created lazily and never evicted (agent cardinality
// is bounded by the roster).
type Service struct {
	store store.Store
	exec  *executor.Executor
	hub   *hub.Hub
	cfg   Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewService creates an arena service.
func NewService(st store.Store, exec *executor.Executor, h *hub.Hub, cfg Config) *Service {
	return &Service{
		store:    st,
		exec:     exec,
		hub:      h,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// --- Request/Response types ---

// JoinQueueRequest is the JSON body for POST /queue/join.
type JoinQueueRequest struct {
	AgentID         string `json:"agent_id"`
	Wallet          string `json:"wallet"`
	ContentRef      string `json:"content_ref"`
	ContentDuration int    `json:"content_duration"` // seconds
}

// LeaveQueueRequest is the JSON body for POST /queue/leave.
type LeaveQueueRequest struct {
	AgentID string `json:"agent_id"`
}

// QueueStatusResponse is the queue snapshot returned from GET /queue.
type QueueStatusResponse struct {
	Entries           []model.QueueEntry `json:"entries"`
	ActiveBattleCount int                `json:"active_battle_count"`
	MaxConcurrent     int                `json:"max_concurrent"`
}

// UpdatePreferencesRequest is the JSON body for PUT /agents/{agentID}/preferences.
type UpdatePreferencesRequest struct {
	SkillTier   int    `json:"skill_tier"`
	Strategy    string `json:"strategy"`
	MinDuration int    `json:"min_duration"`
	MaxDuration int    `json:"max_duration"`
}

// SubmitTradeRequest is the JSON body for POST /trade.
type SubmitTradeRequest struct {
	AgentID   string          `json:"agent_id"`
	BattleID  string          `json:"battle_id"`
	Side      string          `json:"side"` // "a" or "b"
	Type      string          `json:"type"` // "buy" or "sell"
	Wallet    string          `json:"wallet"`
	Amount    decimal.Decimal `json:"amount"`
	MinOutput decimal.Decimal `json:"min_output"`
}

// BattleDetailResponse is the JSON body returned from GET /battles/{battleID}.
type BattleDetailResponse struct {
	Battle     *model.Battle     `json:"battle"`
	Settlement *model.Settlement `json:"settlement,omitempty"`
}

// --- HTTP Handlers ---

// JoinQueue handles POST /api/v1/queue/join.
func (s *Service) JoinQueue(w http.ResponseWriter, r *http.Request) {
	var req JoinQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || req.Wallet == "" || req.ContentRef == "" {
		writeError(w, "agent_id, wallet, and content_ref are required", http.StatusBadRequest)
		return
	}
	if req.ContentDuration <= 0 {
		writeError(w, "content_duration must be positive", http.StatusBadRequest)
		return
	}
	if !s.allow(req.AgentID) {
		writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	entry := &model.QueueEntry{
		AgentID:         req.AgentID,
		Wallet:          req.Wallet,
		ContentRef:      req.ContentRef,
		ContentDuration: req.ContentDuration,
		JoinedAt:        time.Now().UTC(),
	}
	if err := s.store.Enqueue(r.Context(), entry); err != nil {
		if errors.Is(err, store.ErrAlreadyQueued) {
			writeError(w, "agent already queued", http.StatusConflict)
			return
		}
		slog.Error("enqueue failed", "agent", req.AgentID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.publishQueueUpdate(r)
	writeJSON(w, http.StatusCreated, entry)
}

// LeaveQueue handles POST /api/v1/queue/leave.
func (s *Service) LeaveQueue(w http.ResponseWriter, r *http.Request) {
	var req LeaveQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		writeError(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	if !s.allow(req.AgentID) {
		writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if err := s.store.Withdraw(r.Context(), req.AgentID); err != nil {
		if errors.Is(err, store.ErrNotQueued) {
			// Includes the case where a concurrent match already claimed
			// the entry; the agent is in a battle, not in the queue.
			writeError(w, "agent not queued", http.StatusNotFound)
			return
		}
		slog.Error("withdraw failed", "agent", req.AgentID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.publishQueueUpdate(r)
	w.WriteHeader(http.StatusNoContent)
}

// GetQueueStatus handles GET /api/v1/queue.
func (s *Service) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.queueStatus(r)
	if err != nil {
		slog.Error("queue status failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdatePreferences handles PUT /api/v1/agents/{agentID}/preferences.
func (s *Service) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req UpdatePreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !validStrategy(req.Strategy) {
		writeError(w, "unknown strategy tag", http.StatusBadRequest)
		return
	}
	if req.MinDuration < 0 || req.MaxDuration < 0 ||
		(req.MaxDuration > 0 && req.MaxDuration < req.MinDuration) {
		writeError(w, "invalid duration bounds", http.StatusBadRequest)
		return
	}
	if !s.allow(agentID) {
		writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	// Preserve the avoid set; it belongs to the matchmaker, not the agent.
	prefs, err := s.store.GetPreferences(r.Context(), agentID)
	if err != nil {
		slog.Error("load preferences failed", "agent", agentID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	prefs.SkillTier = req.SkillTier
	prefs.Strategy = req.Strategy
	prefs.MinDuration = req.MinDuration
	prefs.MaxDuration = req.MaxDuration

	if err := s.store.SavePreferences(r.Context(), prefs); err != nil {
		slog.Error("save preferences failed", "agent", agentID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// GetMatchmakingStats handles GET /api/v1/agents/{agentID}/stats.
func (s *Service) GetMatchmakingStats(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	stats, err := s.store.GetAgentStats(r.Context(), agentID)
	if err != nil {
		slog.Error("agent stats failed", "agent", agentID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// SubmitTrade handles POST /api/v1/trade.
func (s *Service) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	var req SubmitTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	side := model.Side(req.Side)
	if side != model.SideA && side != model.SideB {
		writeError(w, "side must be \"a\" or \"b\"", http.StatusBadRequest)
		return
	}
	tradeType := model.TradeType(req.Type)
	if tradeType != model.TradeBuy && tradeType != model.TradeSell {
		writeError(w, "type must be \"buy\" or \"sell\"", http.StatusBadRequest)
		return
	}
	if req.Wallet == "" || req.BattleID == "" {
		writeError(w, "battle_id and wallet are required", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	if req.MinOutput.IsNegative() {
		writeError(w, "min_output must not be negative", http.StatusBadRequest)
		return
	}

	key := req.AgentID
	if key == "" {
		key = req.Wallet
	}
	if !s.allow(key) {
		writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	trade, err := s.exec.Submit(r.Context(), executor.Intent{
		BattleID:  req.BattleID,
		Side:      side,
		Type:      tradeType,
		Wallet:    req.Wallet,
		Amount:    req.Amount,
		MinOutput: req.MinOutput,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrBattleNotFound):
			writeError(w, "battle not found", http.StatusNotFound)
		case errors.Is(err, executor.ErrBattleNotTradable):
			writeError(w, "battle not accepting trades", http.StatusConflict)
		case errors.Is(err, executor.ErrSlippageExceeded):
			writeError(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			slog.Error("trade submission failed", "battle", req.BattleID, "wallet", req.Wallet, "err", err)
			writeError(w, "trade failed", http.StatusBadGateway)
		}
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// ListBattles handles GET /api/v1/battles. An optional ?status= filter
// accepts a single battle status.
func (s *Service) ListBattles(w http.ResponseWriter, r *http.Request) {
	var statuses []model.BattleStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := model.BattleStatus(raw)
		switch st {
		case model.StatusPending, model.StatusActive, model.StatusCompleted, model.StatusSettled:
			statuses = append(statuses, st)
		default:
			writeError(w, "unknown status filter", http.StatusBadRequest)
			return
		}
	}

	battles, err := s.store.ListBattles(r.Context(), statuses...)
	if err != nil {
		slog.Error("list battles failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, battles)
}

// GetBattle handles GET /api/v1/battles/{battleID}.
func (s *Service) GetBattle(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")

	b, err := s.store.GetBattle(r.Context(), battleID)
	if err != nil {
		if errors.Is(err, store.ErrBattleNotFound) {
			writeError(w, "battle not found", http.StatusNotFound)
			return
		}
		slog.Error("get battle failed", "battle", battleID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := BattleDetailResponse{Battle: b}
	if b.Status == model.StatusSettled {
		settlement, err := s.store.GetSettlement(r.Context(), battleID)
		if err != nil {
			slog.Error("get settlement failed", "battle", battleID, "err", err)
		} else {
			resp.Settlement = settlement
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListBattleTrades handles GET /api/v1/battles/{battleID}/trades.
func (s *Service) ListBattleTrades(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")

	if _, err := s.store.GetBattle(r.Context(), battleID); err != nil {
		if errors.Is(err, store.ErrBattleNotFound) {
			writeError(w, "battle not found", http.StatusNotFound)
			return
		}
		slog.Error("get battle failed", "battle", battleID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	trades, err := s.store.ListTradesByBattle(r.Context(), battleID)
	if err != nil {
		slog.Error("list trades failed", "battle", battleID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- WebSocket Handlers ---

// ServeQueueWS handles GET /api/v1/ws/queue.
func (s *Service) ServeQueueWS(w http.ResponseWriter, r *http.Request) {
	s.hub.Serve(w, r, hub.KeyQueue)
}

// ServeBattleWS handles GET /api/v1/ws/battles/{battleID}.
func (s *Service) ServeBattleWS(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")
	if _, err := s.store.GetBattle(r.Context(), battleID); err != nil {
		if errors.Is(err, store.ErrBattleNotFound) {
			writeError(w, "battle not found", http.StatusNotFound)
			return
		}
		slog.Error("get battle failed", "battle", battleID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.hub.Serve(w, r, hub.BattleKey(battleID))
}

// Snapshot builds the hub's connect-time state function: new queue
// subscribers get the full queue, new battle subscribers get the battle
// (plus settlement once settled). The hub is constructed before the
// service, so this closes over the store directly.
func Snapshot(st store.Store, maxConcurrent int) hub.SnapshotFunc {
	return func(ctx context.Context, key string) *hub.Event {
		if key == hub.KeyQueue {
			entries, err := st.ListQueue(ctx)
			if err != nil {
				slog.Error("queue snapshot failed", "err", err)
				return nil
			}
			active, _ := st.CountActiveBattles(ctx)
			return &hub.Event{
				Type: hub.EventSnapshot,
				Queue: &hub.QueueSnapshot{
					Entries:           entries,
					ActiveBattleCount: active,
					MaxConcurrent:     maxConcurrent,
				},
			}
		}

		battleID, ok := hub.ParseBattleKey(key)
		if !ok {
			return nil
		}
		b, err := st.GetBattle(ctx, battleID)
		if err != nil {
			slog.Error("battle snapshot failed", "battle", battleID, "err", err)
			return nil
		}
		ev := &hub.Event{Type: hub.EventSnapshot, BattleID: battleID, Battle: b}
		if b.Status == model.StatusSettled {
			if settlement, err := st.GetSettlement(ctx, battleID); err == nil {
				ev.Settlement = settlement
			}
		}
		return ev
	}
}

// --- Helpers ---

func (s *Service) queueStatus(r *http.Request) (*QueueStatusResponse, error) {
	entries, err := s.store.ListQueue(r.Context())
	if err != nil {
		return nil, err
	}
	active, err := s.store.CountActiveBattles(r.Context())
	if err != nil {
		return nil, err
	}
	return &QueueStatusResponse{
		Entries:           entries,
		ActiveBattleCount: active,
		MaxConcurrent:     s.cfg.MaxConcurrent,
	}, nil
}

func (s *Service) publishQueueUpdate(r *http.Request) {
	if s.hub == nil {
		return
	}
	resp, err := s.queueStatus(r)
	if err != nil {
		return
	}
	s.hub.Publish(hub.KeyQueue, hub.Event{
		Type: hub.EventQueueUpdate,
		Queue: &hub.QueueSnapshot{
			Entries:           resp.Entries,
			ActiveBattleCount: resp.ActiveBattleCount,
			MaxConcurrent:     resp.MaxConcurrent,
		},
	})
}

// allow applies the per-agent rate limit for mutating requests.
func (s *Service) allow(agentKey string) bool {
	if s.cfg.AgentRatePerSec <= 0 {
		return true
	}
	s.mu.Lock()
	lim, ok := s.limiters[agentKey]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.AgentRatePerSec), s.cfg.AgentRateBurst)
		s.limiters[agentKey] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

func validStrategy(s string) bool {
	switch s {
	case scoring.StrategyAny, "aggressive", "defensive", "momentum", "contrarian":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
