package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SymbolsFunc lists the symbols to scan in one cycle.
type SymbolsFunc func(ctx context.Context) ([]string, error)

// StaticSymbols returns a SymbolsFunc over a fixed list.
func StaticSymbols(symbols ...string) SymbolsFunc {
	return func(context.Context) ([]string, error) {
		return symbols, nil
	}
}

// Alerter reports operational failures to a human. Implemented by
// notify.Telegram.
type Alerter interface {
	SendError(ctx context.Context, cycleErr error) error
	SendRecovery(ctx context.Context, failureCount int) error
}

// errAllFailed marks a cycle in which no symbol scanned successfully.
var errAllFailed = errors.New("every symbol failed")

// RunPeriodicLoop scans all symbols at the given interval. The first cycle
// runs immediately. alerter may be nil. Blocks until ctx is cancelled.
func RunPeriodicLoop(ctx context.Context, sc *Scanner, interval time.Duration, symbols SymbolsFunc, alerter Alerter, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("Starting periodic scan loop", "interval", interval)

	consecutiveFailures := 0
	handleCycleResult := func(err error) {
		if err != nil {
			consecutiveFailures++
			logger.Error("Scan cycle failed", "error", err, "consecutive_failures", consecutiveFailures)
			if consecutiveFailures == 1 && alerter != nil {
				if sendErr := alerter.SendError(ctx, err); sendErr != nil {
					logger.Warn("Failed to send error notification", "error", sendErr)
				}
			}
			return
		}
		if consecutiveFailures > 0 && alerter != nil {
			if sendErr := alerter.SendRecovery(ctx, consecutiveFailures); sendErr != nil {
				logger.Warn("Failed to send recovery notification", "error", sendErr)
			}
		}
		consecutiveFailures = 0
	}

	// A cycle cut short by shutdown is neither a failure nor a recovery.
	runCycle := func() bool {
		err := RunCycle(ctx, sc, symbols, logger)
		if ctx.Err() != nil {
			return false
		}
		handleCycleResult(err)
		return true
	}

	if !runCycle() {
		logger.Info("Periodic loop stopped")
		return
	}

	// Cycles start on interval boundaries so short emission windows at the
	// top of a minute are not skipped by drift or a slow cycle.
	timer := time.NewTimer(time.Until(nextTick(time.Now(), interval)))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Periodic loop stopped")
			return
		case <-timer.C:
			if !runCycle() {
				logger.Info("Periodic loop stopped")
				return
			}
			timer.Reset(time.Until(nextTick(time.Now(), interval)))
		}
	}
}

// nextTick returns the first multiple of interval strictly after now.
// Boundaries missed by a slow cycle are skipped.
func nextTick(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval)
}

// RunCycle performs one scan over every listed symbol. It fails only when
// the symbols cannot be listed or every symbol failed; single-symbol
// failures are logged and skipped.
func RunCycle(ctx context.Context, sc *Scanner, symbols SymbolsFunc, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	startTime := time.Now()

	list, err := symbols(ctx)
	if err != nil {
		return fmt.Errorf("listing symbols: %w", err)
	}
	if len(list) == 0 {
		logger.Debug("No symbols to scan")
		return nil
	}

	results := sc.ScanAll(ctx, list)
	if err := ctx.Err(); err != nil {
		logger.Info("Scan cycle interrupted by shutdown")
		return err
	}

	sum, joined := Summarize(results)
	for _, r := range results {
		if r.Err != nil {
			logger.Warn("Symbol scan failed", "symbol", r.Symbol, "error", r.Err)
		}
	}

	logger.Info("Scan cycle complete",
		"symbols", sum.Symbols,
		"failed", sum.Failed,
		"matches", sum.Matches,
		"emitted", sum.Emitted,
		"suppressed", sum.Suppressed,
		"held", sum.Held,
		"duration", time.Since(startTime).Round(time.Millisecond),
	)

	if sum.Failed == sum.Symbols {
		return fmt.Errorf("%w: %w", errAllFailed, joined)
	}
	return nil
}
