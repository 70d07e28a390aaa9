package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ecolebourse/plus-engine/internal/admin"
	"github.com/ecolebourse/plus-engine/internal/cache"
	"github.com/ecolebourse/plus-engine/internal/config"
	"github.com/ecolebourse/plus-engine/internal/httpserver"
	"github.com/ecolebourse/plus-engine/internal/identity"
	"github.com/ecolebourse/plus-engine/internal/leaderboard"
	"github.com/ecolebourse/plus-engine/internal/quote"
	"github.com/ecolebourse/plus-engine/internal/risk"
	"github.com/ecolebourse/plus-engine/internal/store"
	"github.com/ecolebourse/plus-engine/internal/trade"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	level, _ := config.ParseLevel(cfg.Logging.Level)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if cfg.Auth.JWTSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis cache enabled")
	}

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.SettingsTTL)
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

	// --- Market data ---
	var sources []quote.Source
	sources = append(sources, quote.NewYahooSource(cfg.Quotes.YahooURL, cfg.Quotes.RateLimitPerMin, nil))
	if cfg.Alpaca.APIKey != "" {
		sources = append(sources, quote.NewAlpacaSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed, cfg.Quotes.RateLimitPerMin))
	}
	chain := quote.NewChain(sources...)
	slog.Info("quote sources configured", "chain", chain.Name())

	var (
		quoteCache cache.Cache[quote.Quote]
		fxCache    cache.Cache[decimal.Decimal]
		boardCache cache.Cache[[]leaderboard.Entry]
	)
	if rdb != nil {
		quoteCache = cache.NewRedis[quote.Quote]("quote", rdb, "plus:quote:")
		fxCache = cache.NewRedis[decimal.Decimal]("fx", rdb, "plus:fx:")
		boardCache = cache.NewRedis[[]leaderboard.Entry]("leaderboard", rdb, "plus:")
	} else {
		quoteCache = cache.NewMemory[quote.Quote]("quote")
		fxCache = cache.NewMemory[decimal.Decimal]("fx")
		boardCache = cache.NewMemory[[]leaderboard.Entry]("leaderboard")
	}
	fx := quote.NewFX(chain, fxCache, cfg.Quotes.FXTTL)
	pricer := quote.NewPricer(chain, chain, fx, quoteCache, cfg.Quotes.QuoteTTL)

	// --- WebSocket hub ---
	hub := trade.NewHub()
	go hub.Run(ctx.Done())

	// --- Services ---
	tradeSvc := trade.NewService(st, pricer, hub, trade.Options{
		OptionPremiumRate: decimal.NewFromFloat(cfg.Plus.OptionPremiumRate),
		MaxLeverage:       cfg.Plus.MaxLeverage,
	})

	riskEngine := risk.NewEngine(st, pricer, tradeSvc, hub, cfg.Risk.Concurrency)
	go risk.NewPoller(riskEngine, cfg.Risk.PollInterval).Run(ctx)

	valuation, _ := leaderboard.ParseValuation(cfg.Leaderboard.Valuation)
	board := leaderboard.NewAggregator(st, pricer, cfg.Location(), leaderboard.Rules{
		TopN:               cfg.Leaderboard.TopN,
		BigGainerPct:       decimal.NewFromFloat(cfg.Leaderboard.BigGainerPct),
		ActiveTraderOrders: cfg.Leaderboard.ActiveTraderOrders,
		ComebackOrders:     cfg.Leaderboard.ComebackOrders,
	}, cfg.Leaderboard.Concurrency).
		WithValuation(valuation).
		WithCache(boardCache, cfg.Leaderboard.CacheTTL)

	if cfg.Auth.InternalToken == "" {
		slog.Warn("INTERNAL_TOKEN not set, /internal/tpsl/sweep rejects every request")
	}

	// --- HTTP router ---
	r := httpserver.NewRouter(httpserver.Deps{
		Verifier:      identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		InternalToken: cfg.Auth.InternalToken,
		Trade:         tradeSvc,
		Hub:           hub,
		Risk:          riskEngine,
		Leaderboard:   board,
		Admin:         admin.NewHandler(st),
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("plus-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down plus-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("plus-engine stopped")
}
