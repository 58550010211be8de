package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/perpex/margin-engine/internal/api"
	"github.com/perpex/margin-engine/internal/config"
	"github.com/perpex/margin-engine/internal/metrics"
	"github.com/perpex/margin-engine/internal/oracle"
	"github.com/perpex/margin-engine/internal/store"
	"github.com/perpex/margin-engine/internal/vault"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Store.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Store.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Store.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Store.RedisURL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// Keepers carry signed quotes in their requests; the static source
	// backs dev setups and the read-side price endpoints.
	source := oracle.NewStaticSource()

	// --- Vault engine ---
	eng := vault.New(st, source, logger, vault.Config{
		LiquidatorRewardRate:     cfg.Engine.LiquidatorRewardRate,
		StopOrderExecutionReward: cfg.Engine.StopOrderExecutionReward,
		MaxPnlRate:               cfg.Engine.MaxPnlRate,
		InsuranceFundLimit:       cfg.Engine.InsuranceFundLimit,
	})
	if err := eng.EnsureDetails(context.Background()); err != nil {
		slog.Error("vault details init failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- API service ---
	svc := api.NewService(eng, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
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
		w.Write([]byte(`{"status":"ok","service":"margin-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time settlement events.
		r.Get("/ws", wsHub.HandleWS)

		// Market management.
		r.Get("/markets", svc.ListMarkets)
		r.Post("/markets", svc.CreateMarkets)
		r.Get("/markets/{marketIdx}", svc.GetMarket)
		r.Get("/markets/{marketIdx}/price", svc.GetMarketPrice)
		r.Post("/markets/{marketIdx}/pause", svc.SetMarketPaused)
		r.Put("/markets/{marketIdx}/oracle", svc.SetOracleConfig)
		r.Put("/settings/max-pnl-rate", svc.SetMaxPnlRate)

		// Position lifecycle.
		r.Post("/positions/open", svc.OpenPosition)
		r.Post("/positions/close", svc.ClosePosition)
		r.Post("/positions/collateral/add", svc.AddCollateral)
		r.Post("/positions/collateral/remove", svc.RemoveCollateral)
		r.Post("/positions/triggers", svc.SetTriggers)
		r.Post("/positions/triggers/execute", svc.ExecuteTriggers)

		// Pending orders.
		r.Post("/orders/limit", svc.PlaceLimitOrder)
		r.Post("/orders/cancel", svc.CancelLimitOrder)
		r.Post("/orders/execute", svc.ExecuteLimitOrders)

		// Liquidations.
		r.Post("/liquidations", svc.Liquidate)

		// Liquidity pool and referrals.
		r.Post("/liquidity/deposit", svc.DepositLiquidity)
		r.Post("/liquidity/withdraw", svc.WithdrawLiquidity)
		r.Post("/referrals/withdraw", svc.WithdrawReferral)

		// Account reads.
		r.Get("/accounts/{user}", svc.GetAccount)
		r.Post("/accounts/{user}/upgrade", svc.UpgradeAccount)
		r.Get("/accounts/{user}/positions/{key}/view", svc.GetPositionView)
		r.Get("/accounts/{user}/events", svc.GetEvents)

		// Vault accounting.
		r.Get("/details", svc.GetDetails)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("margin-engine listening", "port", cfg.Server.Port)
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

	slog.Info("shutting down margin-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("margin-engine stopped")
}
