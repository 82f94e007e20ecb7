package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/algomatic/strat-service/internal/dedup/storetest"
	"github.com/algomatic/strat-service/internal/types"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStorage_AlertStoreContract(t *testing.T) {
	s := newTestStorage(t)
	storetest.Run(t, s, func(key types.AlertKey) int {
		n, err := s.CountAlerts(context.Background(), key)
		if err != nil {
			t.Fatalf("CountAlerts: %v", err)
		}
		return n
	})
}

func TestStorage_AppendBars(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	start := time.Date(2025, 1, 10, 4, 0, 0, 0, time.UTC)

	bars := []types.ComposedBar{
		{Symbol: "AAPL", Timeframe: "12Hour", PeriodStart: start, PeriodEnd: start.Add(12 * time.Hour),
			Open: 100, High: 110, Low: 95, Close: 105, Volume: 1000, Constituents: 12, Type: types.BarOutside},
		{Symbol: "AAPL", Timeframe: "12Hour", PeriodStart: start.Add(12 * time.Hour), PeriodEnd: start.Add(24 * time.Hour),
			Missing: true},
	}
	if err := s.AppendBars(ctx, bars); err != nil {
		t.Fatalf("AppendBars: %v", err)
	}
	if err := s.AppendBars(ctx, bars); err != nil {
		t.Fatalf("AppendBars again: %v", err)
	}

	var n, missing int
	if err := s.db.QueryRow(`SELECT COUNT(*), SUM(missing) FROM composed_bars`).Scan(&n, &missing); err != nil {
		t.Fatalf("query: %v", err)
	}
	if n != 2 || missing != 1 {
		t.Errorf("rows = %d missing = %d, want 2/1", n, missing)
	}
}

func TestStorage_AppendMatch_RecentMatches(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		m := types.PatternMatch{
			ID: id, Symbol: "AAPL", Timeframe: "1Hour", Kind: types.Pattern322,
			Direction: types.Bearish, TriggerPrice: 95, InvalidationPrice: 107,
			DetectedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.AppendMatch(ctx, m); err != nil {
			t.Fatalf("AppendMatch: %v", err)
		}
	}

	got, err := s.RecentMatches(ctx, "AAPL", 2)
	if err != nil {
		t.Fatalf("RecentMatches: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("RecentMatches = %+v, want c, b", got)
	}
	if got[0].Kind != types.Pattern322 || !got[0].DetectedAt.Equal(base.Add(2*time.Hour)) {
		t.Errorf("round trip mismatch: %+v", got[0])
	}
}

// Two handles on one file stand in for two processes.
func TestStorage_LeaseAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strat.db")
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	b, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	key := storetest.Key(t)

	lease, err := a.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if _, err := b.Acquire(waitCtx, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire while leased elsewhere = %v, want deadline exceeded", err)
	}

	if err := lease.Commit(ctx, types.AlertRecord{Key: key, SignalID: "s-1", SentAt: time.Now()}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := b.Acquire(ctx, key); !errors.Is(err, types.ErrDuplicateAlert) {
		t.Fatalf("Acquire after commit = %v, want ErrDuplicateAlert", err)
	}
}

func TestStorage_ExpiredLeaseTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strat.db")
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	b, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()
	a.leaseTTL = 50 * time.Millisecond

	ctx := context.Background()
	key := storetest.Key(t)

	// The holder never commits or releases.
	if _, err := a.Acquire(ctx, key); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	lease, err := b.Acquire(waitCtx, key)
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
