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
	"github.com/shopspring/decimal"

	"github.com/basketlabs/basket-engine/internal/adapter"
	"github.com/basketlabs/basket-engine/internal/bank"
	"github.com/basketlabs/basket-engine/internal/basket"
	"github.com/basketlabs/basket-engine/internal/events"
	"github.com/basketlabs/basket-engine/internal/fees"
	"github.com/basketlabs/basket-engine/internal/metrics"
	"github.com/basketlabs/basket-engine/internal/staking"
	"github.com/basketlabs/basket-engine/internal/store"
	"github.com/basketlabs/basket-engine/internal/trade"
	"github.com/basketlabs/basket-engine/internal/venue"
)

// Default sandbox addresses, overridable by environment.
const (
	defaultSwapVenueAddr  = "0x00000000000000000000000000000000000000e1"
	defaultStakeVenueAddr = "0x00000000000000000000000000000000000000e2"
	defaultStakeToken     = "0x00000000000000000000000000000000000000aa"
	defaultFeeRecipient   = "0x00000000000000000000000000000000000000fe"
	defaultIssuanceCaller = "0x0000000000000000000000000000000000000033"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := envOr("PORT", "8080")

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
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

	// --- Balance book and external call dispatch ---
	bk := bank.New()
	invoker := basket.NewInvoker()

	// --- Adapter registry and sandbox venues ---
	gateway := adapter.NewGateway()

	swapAddr := envOr("SWAP_VENUE_ADDR", defaultSwapVenueAddr)
	swapVenue := venue.NewSwapVenue(swapAddr, bk)
	swapVenue.Register(invoker)
	gateway.Register("fixed-swap", adapter.NewSwapAdapter(swapAddr))

	stakeAddr := envOr("STAKE_VENUE_ADDR", defaultStakeVenueAddr)
	stakeToken := envOr("STAKE_TOKEN", defaultStakeToken)
	stakeVenue := venue.NewStakeVenue(stakeAddr, stakeToken, bk)
	stakeVenue.Register(invoker)
	gateway.Register("custody-staking", adapter.NewStakeAdapter(stakeToken))

	// --- Fee schedule ---
	schedule := fees.NewSchedule(envOr("FEE_RECIPIENT", defaultFeeRecipient))
	if raw := os.Getenv("TRADE_FEE_FRACTION"); raw != "" {
		fraction, err := decimal.NewFromString(raw)
		if err != nil {
			slog.Error("invalid TRADE_FEE_FRACTION", "err", err)
			os.Exit(1)
		}
		if err := schedule.Set(fees.TradeFeeIndex, fraction); err != nil {
			slog.Error("invalid TRADE_FEE_FRACTION", "err", err)
			os.Exit(1)
		}
		slog.Info("trade fee configured", "fraction", fraction.String())
	}

	// --- WebSocket hub ---
	hub := events.NewHub()
	go hub.Run()

	// --- Engines ---
	tradeSvc := trade.NewService(st, bk, invoker, gateway, schedule, hub)
	stakingSvc := staking.NewService(st, bk, invoker, gateway,
		envOr("ISSUANCE_CALLER", defaultIssuanceCaller), hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"basket-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time trade and staking events.
		r.Get("/ws", hub.HandleWS)

		// Basket management.
		r.Get("/baskets", tradeSvc.ListBaskets)
		r.Post("/baskets", tradeSvc.CreateBasket)
		r.Get("/baskets/{basketAddr}", tradeSvc.GetBasket)
		r.Get("/baskets/{basketAddr}/trades", tradeSvc.GetTradeHistory)
		r.Get("/baskets/{basketAddr}/staking/{component}", stakingSvc.GetVenueLedger)
		r.Delete("/baskets/{basketAddr}/staking-module", stakingSvc.DetachModule)

		// Trade execution.
		r.Post("/trade", tradeSvc.ExecuteTrade)

		// Staking operations.
		r.Post("/stake", stakingSvc.ExecuteStake)
		r.Post("/unstake", stakingSvc.ExecuteUnstake)

		// Issuance replication hooks.
		r.Post("/hooks/issue", stakingSvc.IssueHook)
		r.Post("/hooks/redeem", stakingSvc.RedeemHook)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("basket-engine listening", "port", port)
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

	slog.Info("shutting down basket-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("basket-engine stopped")
}
