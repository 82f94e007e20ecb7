package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/algomatic/strat-service/internal/alpaca"
	"github.com/algomatic/strat-service/internal/audit"
	"github.com/algomatic/strat-service/internal/config"
	"github.com/algomatic/strat-service/internal/db"
	"github.com/algomatic/strat-service/internal/dedup"
	"github.com/algomatic/strat-service/internal/notify"
	"github.com/algomatic/strat-service/internal/pattern"
	"github.com/algomatic/strat-service/internal/redisbus"
	"github.com/algomatic/strat-service/internal/scanner"
	"github.com/algomatic/strat-service/internal/scheduler"
	stratsignal "github.com/algomatic/strat-service/internal/signal"
	"github.com/algomatic/strat-service/internal/storage"
)

// healthService is the name reported by the gRPC health server.
const healthService = "strat.v1.Scanner"

// app holds the wired components and their cleanup.
type app struct {
	scanner  *scanner.Scanner
	bus      *redisbus.Bus
	telegram *notify.Telegram
	symbols  scanner.SymbolsFunc
	closers  []func()
}

// Close releases resources in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp connects the configured backends and builds the scanner.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	if err := a.wire(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	tfs, err := cfg.TimeframeList()
	if err != nil {
		return err
	}
	kinds, err := cfg.PatternKinds()
	if err != nil {
		return err
	}
	windows, err := cfg.WindowMap()
	if err != nil {
		return err
	}

	// PostgreSQL.
	var pg *db.Client
	tickersFromDB := len(cfg.Scan.Symbols) == 0 && cfg.Scan.Mode != "listener"
	needPG := cfg.Scan.Source == "postgres" || cfg.Store.Backend == "postgres" ||
		cfg.Audit.Postgres || tickersFromDB
	if needPG {
		pc := db.PoolConfig{MaxConns: cfg.Database.MaxConns, MinConns: cfg.Database.MinConns}
		// Each in-flight alert lease holds a connection.
		if cfg.Store.Backend == "postgres" && pc.MaxConns < int32(cfg.Scan.Concurrency)+2 {
			pc.MaxConns = int32(cfg.Scan.Concurrency) + 2
			logger.Warn("Raising database pool size for alert leases", "max_conns", pc.MaxConns)
		}
		pg, err = db.NewClient(ctx, cfg.Database.ConnString(), pc, logger)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if cfg.Store.Backend == "postgres" || cfg.Audit.Postgres {
			if err := pg.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensuring schema: %w", err)
			}
		}
	}

	// SQLite.
	var lite *storage.Storage
	if cfg.Store.Backend == "sqlite" || cfg.Audit.SQLite {
		lite, err = storage.New(cfg.SQLite.Path)
		if err != nil {
			return fmt.Errorf("opening sqlite: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := lite.Close(); err != nil {
				logger.Error("Failed to close storage", "error", err)
			}
		})
	}

	// Redis.
	if cfg.Redis.Enabled {
		a.bus = redisbus.NewBus(redisbus.Options{
			Addr:          cfg.Redis.Addr(),
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
		}, logger)
		a.closers = append(a.closers, func() { _ = a.bus.Close() })
		if err := a.bus.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis health check: %w", err)
		}
	}
	logger.Info("Health checks passed")

	// Alert store.
	var store dedup.Store
	switch cfg.Store.Backend {
	case "memory":
		logger.Warn("Using in-memory alert store; alerts may repeat after a restart")
		store = dedup.NewMemoryStore()
	case "sqlite":
		store = lite
	case "postgres":
		store = db.NewAlertStore(pg)
	case "redis":
		store = redisbus.NewAlertStore(a.bus, cfg.Store.LeaseTTL, cfg.Store.RecordTTL)
	}

	// Notifiers.
	var notifiers []notify.Notifier
	if cfg.Telegram.Enabled {
		a.telegram, err = notify.NewTelegram(notify.TelegramConfig{
			BotToken:       cfg.Telegram.BotToken,
			ChatID:         cfg.Telegram.ChatID,
			MaxRetries:     cfg.Telegram.MaxRetries,
			RetryDelayBase: cfg.Telegram.RetryDelayBase,
			Location:       loc,
		}, logger)
		if err != nil {
			return fmt.Errorf("initialising telegram: %w", err)
		}
		notifiers = append(notifiers, a.telegram)
		logger.Info("Telegram client initialized successfully")
	}
	if a.bus != nil {
		notifiers = append(notifiers, notify.NewBus(a.bus))
	}
	if len(notifiers) == 0 {
		notifiers = append(notifiers, notify.NewLog(logger))
	}

	// Market data source.
	var source scanner.Source
	switch cfg.Scan.Source {
	case "alpaca":
		source = alpaca.NewClient(alpaca.Config{
			BaseURL:     cfg.Alpaca.BaseURL,
			APIKey:      cfg.Alpaca.APIKey,
			SecretKey:   cfg.Alpaca.SecretKey,
			Feed:        cfg.Alpaca.Feed,
			MaxRetries:  cfg.Alpaca.MaxRetries,
			MinInterval: cfg.Alpaca.MinInterval,
			Timeout:     cfg.Alpaca.Timeout,
		}, logger)
	case "postgres":
		source = pg
	}

	// Audit sinks.
	var sinks []scanner.AuditSink
	if cfg.Audit.Postgres {
		sinks = append(sinks, pg)
	}
	if cfg.Audit.SQLite {
		sinks = append(sinks, lite)
	}
	if cfg.Audit.ParquetDir != "" {
		pw, err := audit.NewParquetWriter(cfg.Audit.ParquetDir, logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() {
			if err := pw.Close(); err != nil {
				logger.Error("Failed to flush parquet audit", "error", err)
			}
		})
		sinks = append(sinks, pw)
	}

	sched, err := scheduler.New(scheduler.Config{
		Location:   loc,
		Timeframes: tfs,
		Windows:    windows,
		Grace:      cfg.Scan.Grace,
	})
	if err != nil {
		return err
	}

	weights := stratsignal.DefaultWeights()
	weights.VolumeConfirmRatio = cfg.Patterns.VolumeConfirmRatio

	a.scanner, err = scanner.New(scanner.Config{
		Granularity:     cfg.Scan.Granularity,
		Timeframes:      tfs,
		Location:        loc,
		Lookback:        cfg.Scan.Lookback,
		Concurrency:     cfg.Scan.Concurrency,
		HistoryCapacity: cfg.Scan.History,
	}, scanner.Deps{
		Source:    source,
		Matcher:   pattern.NewMatcher(pattern.Rules{TrendLookback: cfg.Patterns.TrendLookback, Enabled: kinds}),
		Builder:   stratsignal.NewBuilder(weights),
		Scheduler: sched,
		Emitter:   dedup.New(store, notify.NewMulti(logger, notifiers...), loc, logger),
		Sinks:     sinks,
	}, logger)
	if err != nil {
		return err
	}

	if tickersFromDB {
		a.symbols = pg.GetActiveTickers
	} else {
		a.symbols = scanner.StaticSymbols(cfg.Scan.Symbols...)
	}
	return nil
}

// healthServer reports serving status over gRPC.
type healthServer struct {
	server *grpc.Server
	health *health.Server
}

// startHealthServer serves gRPC health and reflection on port. Port 0
// returns a no-op server.
func startHealthServer(port int, logger *slog.Logger) (*healthServer, error) {
	if port == 0 {
		return &healthServer{}, nil
	}

	grpcServer := grpc.NewServer()

	// Register health check.
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	// Register reflection for debugging.
	reflection.Register(grpcServer)

	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	go func() {
		logger.Info("gRPC health server listening", "addr", addr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server failed", "error", err)
		}
	}()
	return &healthServer{server: grpcServer, health: hs}, nil
}

// Stop reports NOT_SERVING and drains the server.
func (h *healthServer) Stop() {
	if h.server == nil {
		return
	}
	h.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	h.server.GracefulStop()
}
