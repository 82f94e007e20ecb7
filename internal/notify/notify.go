// Package notify delivers trade signals to their consumers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/algomatic/strat-service/internal/types"
)

// Notifier delivers one signal. A nil error means the consumer has it.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, sig types.Signal) error
}

// Multi fans a signal out to every notifier. It succeeds only when all of
// them succeed, so a partially delivered signal is retried on a later scan.
type Multi struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewMulti creates a fan-out over notifiers.
func NewMulti(logger *slog.Logger, notifiers ...Notifier) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{notifiers: notifiers, logger: logger}
}

// Name implements Notifier.
func (m *Multi) Name() string { return "multi" }

// Len returns the number of notifiers.
func (m *Multi) Len() int { return len(m.notifiers) }

// Notify delivers sig to every notifier in order.
func (m *Multi) Notify(ctx context.Context, sig types.Signal) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.Notify(ctx, sig); err != nil {
			m.logger.Warn("notifier failed",
				"notifier", n.Name(),
				"signal_id", sig.ID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Log writes signals to the structured log. It is the notifier of last
// resort when no external channel is configured.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Name implements Notifier.
func (l *Log) Name() string { return "log" }

// Notify implements Notifier.
func (l *Log) Notify(_ context.Context, sig types.Signal) error {
	l.logger.Info("STRAT signal",
		"signal_id", sig.ID,
		"symbol", sig.Match.Symbol,
		"timeframe", sig.Match.Timeframe,
		"pattern", sig.Match.Kind,
		"direction", sig.Match.Direction,
		"entry", sig.Entry,
		"stop", sig.Stop,
		"target", sig.Target,
		"confidence", sig.Confidence,
	)
	return nil
}
