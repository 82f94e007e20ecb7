// Package dedup guarantees at most one delivered alert per
// (symbol, pattern kind, timeframe, trading day).
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/algomatic/strat-service/internal/types"
)

// Store persists alert records behind an exclusive per-key lease.
//
// Acquire takes the lease for key and checks for an existing record in one
// atomic step. It returns an error wrapping types.ErrDuplicateAlert when the
// key already has a record. Concurrent callers for the same key are
// serialised: the second one observes the first one's outcome.
type Store interface {
	Acquire(ctx context.Context, key types.AlertKey) (Lease, error)
}

// Lease is an exclusive claim on one alert key. Exactly one of Commit or
// Release must be called.
type Lease interface {
	// Commit inserts the record and ends the lease.
	Commit(ctx context.Context, rec types.AlertRecord) error
	// Release ends the lease without writing anything.
	Release(ctx context.Context) error
}

// Notifier delivers a signal to its consumers.
type Notifier interface {
	Notify(ctx context.Context, sig types.Signal) error
}

// Outcome is the result of Emit.
type Outcome int

const (
	// Emitted means the signal was delivered and recorded.
	Emitted Outcome = iota
	// Suppressed means a record already existed for the key.
	Suppressed
)

func (o Outcome) String() string {
	if o == Emitted {
		return "emitted"
	}
	return "suppressed"
}

// Deduplicator gates delivery through a Store.
type Deduplicator struct {
	store    Store
	notifier Notifier
	loc      *time.Location
	logger   *slog.Logger
}

// New creates a Deduplicator. loc is the exchange time zone that defines the
// trading day.
func New(store Store, notifier Notifier, loc *time.Location, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Deduplicator{store: store, notifier: notifier, loc: loc, logger: logger}
}

// Emit delivers sig unless an alert with the same key was already recorded
// for the trading day containing now. The record is written only after the
// notifier succeeds; on notifier failure or cancellation the lease is
// released and nothing is persisted.
func (d *Deduplicator) Emit(ctx context.Context, sig types.Signal, now time.Time) (Outcome, error) {
	key := types.KeyFor(sig, now, d.loc)

	if err := ctx.Err(); err != nil {
		return Suppressed, err
	}

	lease, err := d.store.Acquire(ctx, key)
	if errors.Is(err, types.ErrDuplicateAlert) {
		d.logger.Debug("duplicate alert skipped", "key", key.String(), "signal_id", sig.ID)
		return Suppressed, nil
	}
	if err != nil {
		return Suppressed, fmt.Errorf("acquiring alert lease %s: %w", key, err)
	}

	if err := ctx.Err(); err != nil {
		d.release(lease, key)
		return Suppressed, err
	}

	if err := d.notifier.Notify(ctx, sig); err != nil {
		d.release(lease, key)
		return Suppressed, fmt.Errorf("notifying %s: %w", key, err)
	}

	// Delivery happened; the record must land even if ctx is cancelled now.
	rec := types.AlertRecord{Key: key, SignalID: sig.ID, SentAt: now}
	if err := lease.Commit(context.WithoutCancel(ctx), rec); err != nil {
		return Emitted, fmt.Errorf("recording alert %s: %w", key, err)
	}

	d.logger.Info("alert emitted",
		"key", key.String(),
		"signal_id", sig.ID,
		"direction", sig.Match.Direction,
		"entry", sig.Entry,
		"target", sig.Target,
	)
	return Emitted, nil
}

func (d *Deduplicator) release(lease Lease, key types.AlertKey) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		d.logger.Warn("failed to release alert lease", "key", key.String(), "error", err)
	}
}
