// Package storetest holds behavioural tests shared by every dedup.Store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/algomatic/strat-service/internal/dedup"
	"github.com/algomatic/strat-service/internal/types"
)

// Key returns a unique alert key for the running test.
func Key(t *testing.T) types.AlertKey {
	return types.AlertKey{
		Symbol:     fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano()),
		Kind:       types.Pattern131,
		Timeframe:  "12Hour",
		TradingDay: "2025-01-10",
	}
}

// Run exercises store against the dedup.Store contract.
// count returns how many records exist for a key.
func Run(t *testing.T, store dedup.Store, count func(types.AlertKey) int) {
	t.Run("commit then duplicate", func(t *testing.T) {
		ctx := context.Background()
		key := Key(t)

		lease, err := store.Acquire(ctx, key)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if err := lease.Commit(ctx, types.AlertRecord{Key: key, SignalID: "s-1", SentAt: time.Now()}); err != nil {
			t.Fatalf("Commit: %v", err)
		}

		_, err = store.Acquire(ctx, key)
		if !errors.Is(err, types.ErrDuplicateAlert) {
			t.Fatalf("second Acquire: expected ErrDuplicateAlert, got %v", err)
		}
		if n := count(key); n != 1 {
			t.Errorf("records = %d, want 1", n)
		}
	})

	t.Run("release leaves no record", func(t *testing.T) {
		ctx := context.Background()
		key := Key(t)

		lease, err := store.Acquire(ctx, key)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if err := lease.Release(ctx); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if n := count(key); n != 0 {
			t.Fatalf("records after release = %d, want 0", n)
		}

		lease, err = store.Acquire(ctx, key)
		if err != nil {
			t.Fatalf("Acquire after release: %v", err)
		}
		_ = lease.Release(ctx)
	})

	t.Run("concurrent acquire commits once", func(t *testing.T) {
		ctx := context.Background()
		key := Key(t)

		var (
			wg        sync.WaitGroup
			committed atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				lease, err := store.Acquire(ctx, key)
				if errors.Is(err, types.ErrDuplicateAlert) {
					return
				}
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				if err := lease.Commit(ctx, types.AlertRecord{Key: key, SignalID: "s", SentAt: time.Now()}); err != nil {
					t.Errorf("Commit: %v", err)
					return
				}
				committed.Add(1)
			}()
		}
		wg.Wait()

		if got := committed.Load(); got != 1 {
			t.Errorf("commits = %d, want 1", got)
		}
		if n := count(key); n != 1 {
			t.Errorf("records = %d, want 1", n)
		}
	})
}

// CountingNotifier records delivered signals.
type CountingNotifier struct {
	mu    sync.Mutex
	Sent  []types.Signal
	Err   error
	Delay time.Duration
}

// Notify records sig, or returns Err when set.
func (n *CountingNotifier) Notify(ctx context.Context, sig types.Signal) error {
	if n.Delay > 0 {
		select {
		case <-time.After(n.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.Sent = append(n.Sent, sig)
	return nil
}

// Count returns the number of delivered signals.
func (n *CountingNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Sent)
}
