package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	_ "time/tzdata"

	"github.com/algomatic/strat-service/internal/config"
	"github.com/algomatic/strat-service/internal/scanner"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml")
	mode := flag.String("mode", "", "Run mode: scan, listener, or both (overrides config)")
	flag.Parse()

	if *mode != "" {
		os.Setenv("STRAT_SCAN_MODE", *mode)
	}

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Set up logger.
	logger := setupLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	slog.SetDefault(logger)
	logger.Info("Starting strat-service",
		"mode", cfg.Scan.Mode,
		"source", cfg.Scan.Source,
		"store", cfg.Store.Backend,
		"granularity", cfg.Scan.Granularity,
		"interval", cfg.Scan.Interval,
		"timezone", cfg.Scan.Timezone,
	)

	// Set up graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialise service", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	health, err := startHealthServer(cfg.GRPC.Port, logger)
	if err != nil {
		logger.Error("Failed to start health server", "error", err)
		os.Exit(1)
	}

	if app.telegram != nil {
		app.telegram.ListenForCommands(ctx)
	}

	// Launch goroutines based on mode.
	var wg sync.WaitGroup

	if cfg.Scan.Mode == "scan" || cfg.Scan.Mode == "both" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var alerter scanner.Alerter
			if app.telegram != nil {
				alerter = app.telegram
			}
			scanner.RunPeriodicLoop(ctx, app.scanner, cfg.Scan.Interval, app.symbols, alerter, logger)
		}()
	}
	if cfg.Scan.Mode == "listener" || cfg.Scan.Mode == "both" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := scanner.RunListener(ctx, app.scanner, app.bus, logger); err != nil {
				logger.Error("Listener error", "error", err)
			}
		}()
	}

	logger.Info("Service running", "mode", cfg.Scan.Mode, "pid", os.Getpid())

	// Wait for shutdown signal.
	<-ctx.Done()
	logger.Info("Shutdown signal received, waiting for goroutines to finish...")
	health.Stop()
	wg.Wait()
	logger.Info("Shutdown complete")
}

func setupLogger(level, format, logFile string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var writer io.Writer = os.Stdout
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot open log file %s: %v, falling back to stdout\n", logFile, err)
		} else {
			// Write to both stdout and file.
			writer = io.MultiWriter(os.Stdout, f)
		}
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(writer, opts))
	}
	return slog.New(slog.NewTextHandler(writer, opts))
}
