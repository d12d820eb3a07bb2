package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/soundclash/battle-engine/internal/arena"
	"github.com/soundclash/battle-engine/internal/chain"
	"github.com/soundclash/battle-engine/internal/config"
	"github.com/soundclash/battle-engine/internal/executor"
	"github.com/soundclash/battle-engine/internal/hub"
	"github.com/soundclash/battle-engine/internal/lifecycle"
	"github.com/soundclash/battle-engine/internal/matchmaker"
	"github.com/soundclash/battle-engine/internal/metrics"
	"github.com/soundclash/battle-engine/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	setupLogger(cfg)

	feeRate, err := decimal.NewFromString(cfg.Battle.PlatformFeePct)
	if err != nil {
		slog.Error("invalid platform_fee_pct", "err", err)
		os.Exit(1)
	}
	refundRate, err := decimal.NewFromString(cfg.Battle.LoserRefundPct)
	if err != nil {
		slog.Error("invalid loser_refund_pct", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := cfg.Storage.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := cfg.Storage.RedisURL; redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, time.Duration(cfg.Storage.CacheTTL)*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Chain client ---
	// The simulated chain runs in-process; swap for an RPC-backed client
	// when the settlement contracts land.
	chainClient := chain.NewSimClient()
	defer chainClient.Close()

	// --- WebSocket hub ---
	eventHub := hub.New(arena.Snapshot(st, cfg.Matchmaking.MaxConcurrent))
	defer eventHub.Close()

	// --- Lifecycle manager ---
	lifecycleMgr := lifecycle.NewManager(st, chainClient, eventHub, lifecycle.Config{
		StartDelay:      time.Duration(cfg.Battle.StartDelay) * time.Second,
		Duration:        cfg.BattleDuration(),
		Denom:           cfg.Battle.Denom,
		PlatformFeeRate: feeRate,
		LoserRefundRate: refundRate,
		PollInterval:    time.Duration(cfg.Battle.LifecyclePoll) * time.Second,
	})

	// --- Trade executor ---
	exec := executor.New(st, chainClient, lifecycleMgr, eventHub, executor.Config{
		MaxRetries:   cfg.Executor.MaxRetries,
		RetryBase:    time.Duration(cfg.Executor.RetryBaseMS) * time.Millisecond,
		WalletBuffer: cfg.Executor.WalletBuffer,
	})
	defer exec.Close()

	// --- Arena service ---
	arenaSvc := arena.NewService(st, exec, eventHub, arena.Config{
		MaxConcurrent:   cfg.Matchmaking.MaxConcurrent,
		AgentRatePerSec: cfg.Server.AgentRatePerSec,
		AgentRateBurst:  cfg.Server.AgentRateBurst,
	})

	// --- Matchmaker ---
	scheduler := matchmaker.New(st, lifecycleMgr, eventHub, matchmaker.Config{
		Interval:           cfg.TickInterval(),
		MaxConcurrent:      cfg.Matchmaking.MaxConcurrent,
		AdmissionThreshold: cfg.Matchmaking.AdmissionThreshold,
		AvoidWindow:        cfg.AvoidWindow(),
	})

	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go lifecycleMgr.Run(runCtx)
	go scheduler.Run(runCtx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(time.Duration(cfg.Server.RequestTimeout) * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"battle-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoints for real-time queue and battle streams.
		r.Get("/ws/queue", arenaSvc.ServeQueueWS)
		r.Get("/ws/battles/{battleID}", arenaSvc.ServeBattleWS)

		// Queue membership.
		r.Get("/queue", arenaSvc.GetQueueStatus)
		r.Post("/queue/join", arenaSvc.JoinQueue)
		r.Post("/queue/leave", arenaSvc.LeaveQueue)

		// Agent preferences and matchmaking stats.
		r.Put("/agents/{agentID}/preferences", arenaSvc.UpdatePreferences)
		r.Get("/agents/{agentID}/stats", arenaSvc.GetMatchmakingStats)

		// Trade execution.
		r.Post("/trade", arenaSvc.SubmitTrade)

		// Battle queries.
		r.Get("/battles", arenaSvc.ListBattles)
		r.Get("/battles/{battleID}", arenaSvc.GetBattle)
		r.Get("/battles/{battleID}/trades", arenaSvc.ListBattleTrades)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("battle-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down battle-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stopWorkers()
}

func setupLogger(cfg *config.Config) {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
