// Exchange core daemon — a continuous double-auction matching engine with
// an authoritative SQLite ledger and a Redis order-book cache.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires stores, waits for SIGINT/SIGTERM
//	engine/engine.go     — matching path: lock, transaction, reserve, match, settle, commit
//	engine/matcher.go    — pure price-time priority walk over the opposing side
//	store/               — SQLite persistence: holdings ledger, orders, trades, reference data
//	book/book.go         — Redis order-book cache (sorted sets per side, JSON payloads)
//	lock/lock.go         — per-market SET NX EX lock with token-checked release
//	settle/settle.go     — holding transfers for matched trades, inside the matching transaction
//	events/events.go     — deferred in-process events, published only after commit
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"exchange-core/internal/book"
	"exchange-core/internal/config"
	"exchange-core/internal/engine"
	"exchange-core/internal/events"
	"exchange-core/internal/lock"
	"exchange-core/internal/store"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("EXCH_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Authoritative store
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", "error", err, "path", cfg.Database.Path)
		os.Exit(1)
	}
	defer db.Close()

	holdings, err := store.NewHoldingsStore(db)
	if err != nil {
		logger.Error("failed to init holdings store", "error", err)
		os.Exit(1)
	}
	defer holdings.Close()

	orders, err := store.NewOrderStore(db)
	if err != nil {
		logger.Error("failed to init order store", "error", err)
		os.Exit(1)
	}
	defer orders.Close()

	trades, err := store.NewTradeStore(db)
	if err != nil {
		logger.Error("failed to init trade store", "error", err)
		os.Exit(1)
	}
	defer trades.Close()

	markets := store.NewMarketStore(db)

	// Order-book cache
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer rdb.Close()

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err, "addr", cfg.Redis.Addr)
		os.Exit(1)
	}

	cache := book.New(rdb, store.NewBookLoader(orders, markets))
	locker := lock.New(rdb, cfg.Lock.TTL, cfg.Lock.Retries, cfg.Lock.RetryDelay)
	bus := events.NewBus(logger)

	eng := engine.New(db, holdings, orders, trades, markets, cache, locker, bus, logger, engine.Options{
		SelfTrade:    engine.SelfTradePolicy(cfg.Engine.SelfTrade),
		CacheRetries: cfg.Engine.CacheRetries,
	})

	// The cache is rebuilt from the order store on every start; stale Redis
	// state from a previous run is discarded wholesale.
	if err := eng.RestoreAll(ctx); err != nil {
		logger.Error("failed to restore order book cache", "error", err)
		os.Exit(1)
	}

	logger.Info("exchange core started",
		"database", cfg.Database.Path,
		"redis", cfg.Redis.Addr,
		"self_trade", cfg.Engine.SelfTrade,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
