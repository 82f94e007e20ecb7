package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/algomatic/strat-service/internal/redisbus"
)

// Bus is the part of redisbus.Bus the listener needs.
type Bus interface {
	Publish(ctx context.Context, event *redisbus.Event) error
	Subscribe(ctx context.Context, handler redisbus.Handler, eventTypes ...string) error
}

// RunListener subscribes to strat_scan_request events, scans the requested
// symbols and answers with strat_scan_completed or strat_scan_failed.
// Blocks until ctx is cancelled.
func RunListener(ctx context.Context, sc *Scanner, bus Bus, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("Starting scan request listener")

	return bus.Subscribe(ctx, func(ctx context.Context, event *redisbus.Event) error {
		return handleRequest(ctx, sc, bus, event, logger)
	}, redisbus.EventScanRequest)
}

func handleRequest(ctx context.Context, sc *Scanner, bus Bus, event *redisbus.Event, logger *slog.Logger) error {
	req, err := redisbus.ParseScanRequest(event.Payload)
	if err != nil {
		logger.Warn("Ignoring invalid scan request",
			"error", err,
			"correlation_id", event.CorrelationID,
		)
		return nil
	}

	logger.Info("Processing scan request",
		"symbols", req.Symbols,
		"correlation_id", event.CorrelationID,
		"source", event.Source,
	)

	results := sc.ScanAll(ctx, req.Symbols)
	sum, scanErr := Summarize(results)

	if scanErr != nil {
		logger.Error("Scan request failed",
			"symbols", req.Symbols,
			"error", scanErr,
			"correlation_id", event.CorrelationID,
		)
		failed := make([]string, 0, sum.Failed)
		for _, r := range results {
			if r.Err != nil {
				failed = append(failed, r.Symbol)
			}
		}
		return bus.Publish(ctx, redisbus.NewEvent(redisbus.EventScanFailed, map[string]any{
			"symbols": req.Symbols,
			"failed":  failed,
			"error":   scanErr.Error(),
		}, event.CorrelationID, time.Now()))
	}

	signals := make([]string, 0, sum.Emitted)
	for _, r := range results {
		for _, sig := range r.Emitted {
			signals = append(signals, sig.ID)
		}
	}
	if err := bus.Publish(ctx, redisbus.NewEvent(redisbus.EventScanCompleted, map[string]any{
		"symbols":    req.Symbols,
		"matches":    sum.Matches,
		"emitted":    sum.Emitted,
		"suppressed": sum.Suppressed,
		"held":       sum.Held,
		"signal_ids": signals,
	}, event.CorrelationID, time.Now())); err != nil {
		logger.Error("Failed to publish completion event", "error", err, "correlation_id", event.CorrelationID)
		return err
	}

	logger.Info("Scan request handled",
		"symbols", req.Symbols,
		"emitted", sum.Emitted,
		"correlation_id", event.CorrelationID,
	)
	return nil
}
