package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/nathanyu/margin-trading/internal/cache"
	"github.com/nathanyu/margin-trading/internal/config"
	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/eventstore"
	"github.com/nathanyu/margin-trading/internal/events"
	"github.com/nathanyu/margin-trading/internal/handler"
	"github.com/nathanyu/margin-trading/internal/margin"
	"github.com/nathanyu/margin-trading/internal/marketdata"
	"github.com/nathanyu/margin-trading/internal/matching"
	"github.com/nathanyu/margin-trading/internal/middleware"
	"github.com/nathanyu/margin-trading/internal/ordercache"
	"github.com/nathanyu/margin-trading/internal/queue"
	"github.com/nathanyu/margin-trading/internal/repository"
	"github.com/nathanyu/margin-trading/internal/sequencer"
	"github.com/nathanyu/margin-trading/internal/telemetry"
	"github.com/nathanyu/margin-trading/internal/trading"
)

const serviceName = "margin-trading"

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := telemetry.InitLogger(serviceName, telemetry.LogOptions{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()
	logger.Info("starting margin trading service", "environment", cfg.Environment)

	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg.OTLPEndpoint, cfg.Environment)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer()

	// --- Reference data ---

	ref, err := config.LoadReference(cfg.ReferencePath)
	if err != nil {
		return err
	}
	instruments := cache.NewInstrumentCache()
	if err := instruments.Refresh(ref.Instruments, ref.TradingInstruments); err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}
	conditions := cache.NewTradingConditionCache()
	if err := conditions.Refresh(ref.TradingConditions); err != nil {
		return fmt.Errorf("load trading conditions: %w", err)
	}
	accounts := cache.NewAccountCache()
	accounts.Refresh(ref.Accounts)
	logger.Info("reference data loaded",
		"instruments", len(ref.Instruments),
		"trading_conditions", len(ref.TradingConditions),
		"accounts", len(ref.Accounts),
	)

	// --- Core components ---

	bus := events.NewBus(logger)
	quotes := marketdata.NewQuoteCache()
	books := matching.NewEngine(logger)

	engine := trading.NewEngine(trading.Deps{
		Matching:    books,
		Orders:      ordercache.New(),
		Accounts:    accounts,
		Instruments: instruments,
		Conditions:  conditions,
		Calculator:  margin.NewCalculator(margin.NewFxRates(instruments, quotes), instruments, conditions),
		Swaps:       margin.NewSwapLedger(),
		Publisher:   bus,
		Logger:      logger,
		ArchiveSize: cfg.OrderArchive,
	})

	// --- Order book snapshot ---

	ctx := context.Background()
	repo, closeRepo, err := openSnapshotRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	var snapshotter *matching.Snapshotter
	if repo != nil {
		snapshotter = matching.NewSnapshotter(books, repo, cfg.Snapshot.Interval, logger)
		if err := snapshotter.LoadInto(ctx); err != nil {
			return fmt.Errorf("restore order books: %w", err)
		}
		// Restored books publish no change events.
		logger.Info("quotes seeded from restored books", "instruments", seedQuotes(quotes, books))
	}

	// --- Event subscribers ---
	//
	// trading.Engine → Bus ─┬→ Sequencer → QuoteCache → OnQuoteChanged
	//                       ├→ Journal (JSONL)
	//                       └→ NATS margin.events.*

	seq := sequencer.NewSequencer(quotes, engine, logger)
	seq.Resume(books.Sequence())
	bus.Subscribe("sequencer", seq.Handle, domain.EventTypeOrderBookLevelChanged)

	journal, err := eventstore.Open(cfg.JournalPath, logger)
	if err != nil {
		return err
	}
	defer journal.Close()
	bus.Subscribe("journal", journal.Handle)

	var nc *queue.NATSClient
	if cfg.NATS.Enabled {
		nc, err = queue.NewNATSClient(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		bus.Subscribe("nats", nc.Handle)
		if err := nc.SubscribeQuotes(engine); err != nil {
			nc.Close()
			return err
		}
	}

	if snapshotter != nil {
		snapshotter.Start()
	}

	loops := startBackgroundLoops(engine, cfg, logger)

	// --- HTTP servers ---

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Tracing(), middleware.Metrics())
	handler.NewHandler(engine, books, quotes).RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: r,
	}
	adminSrv := &http.Server{
		Addr:    ":" + cfg.AdminPort,
		Handler: newAdminRouter(engine, snapshotter, seq, journal),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("admin server listening", "port", cfg.AdminPort)
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()
	go func() {
		logger.Info("HTTP server listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// --- Graceful shutdown ---

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case runErr = <-errCh:
		logger.Error("server failed, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if nc != nil {
		nc.Close()
	}
	loops.stop()
	if snapshotter != nil {
		if err := snapshotter.Stop(shutdownCtx); err != nil {
			logger.Error("final snapshot failed", "error", err)
		}
	}
	bus.Close()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", "error", err)
	}

	logger.Info("margin trading service stopped")
	return runErr
}

// openSnapshotRepository connects the configured backend. The returned closer is never nil.
// seedQuotes copies the best prices of every two-sided book into the quote cache.
func seedQuotes(quotes *marketdata.QuoteCache, books *matching.Engine) int {
	seeded := books.Quotes()
	for _, q := range seeded {
		quotes.Set(q)
	}
	return len(seeded)
}

func openSnapshotRepository(ctx context.Context, cfg *config.Config) (matching.SnapshotRepository, func(), error) {
	switch cfg.Snapshot.Backend {
	case "postgres":
		db, err := repository.OpenPostgres(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, nil, err
		}
		repo := repository.NewPostgresRepository(db)
		if err := repo.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return repo, func() { db.Close() }, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return repository.NewRedisRepository(client, cfg.Redis.Key), func() { client.Close() }, nil

	case "sqlite":
		repo, err := repository.NewSQLiteRepository(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { repo.Close() }, nil
	}
	return nil, func() {}, nil
}
