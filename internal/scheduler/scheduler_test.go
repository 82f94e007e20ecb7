package scheduler

import (
	"testing"
	"time"

	"github.com/algomatic/strat-service/internal/types"
)

func newScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(Config{
		Location:   time.UTC,
		Timeframes: types.DefaultTimeframes,
		Windows:    DefaultWindows(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func clock(hh, mm, ss int) time.Time {
	return time.Date(2025, 1, 10, hh, mm, ss, 0, time.UTC)
}

func match322(detectedAt time.Time) types.PatternMatch {
	return types.PatternMatch{
		ID:         "m-" + detectedAt.Format("1504"),
		Symbol:     "AAPL",
		Timeframe:  "1Hour",
		Kind:       types.Pattern322,
		Direction:  types.Bearish,
		DetectedAt: detectedAt,
	}
}

func TestIsOpen(t *testing.T) {
	s := newScheduler(t)

	tests := []struct {
		name string
		kind types.PatternKind
		tf   string
		at   time.Time
		want bool
	}{
		{"3-2-2 top of hour", types.Pattern322, "1Hour", clock(10, 0, 0), true},
		{"3-2-2 within first minute", types.Pattern322, "1Hour", clock(10, 0, 59), true},
		{"3-2-2 after first minute", types.Pattern322, "1Hour", clock(10, 1, 0), false},
		{"3-2-2 mid hour", types.Pattern322, "1Hour", clock(10, 30, 0), false},
		{"1-3-1 12h at 04:00", types.Pattern131, "12Hour", clock(4, 0, 30), true},
		{"1-3-1 12h at 16:00", types.Pattern131, "12Hour", clock(16, 0, 10), true},
		{"1-3-1 12h at noon", types.Pattern131, "12Hour", clock(12, 0, 0), false},
		{"derived 4h close", types.Pattern22, "4Hour", clock(8, 0, 30), true},
		{"derived 4h mid period", types.Pattern22, "4Hour", clock(9, 0, 30), false},
		{"derived 12h anchored", types.Pattern22, "12Hour", clock(16, 0, 0), true},
		{"unknown timeframe", types.Pattern22, "1Day", clock(0, 0, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.IsOpen(tt.kind, tt.tf, tt.at); got != tt.want {
				t.Errorf("IsOpen(%s, %s, %s) = %v, want %v", tt.kind, tt.tf, tt.at.Format("15:04:05"), got, tt.want)
			}
		})
	}
}

func TestIsOpen_ExchangeLocal(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	s, err := New(Config{Location: est, Timeframes: types.DefaultTimeframes, Windows: DefaultWindows()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// 21:00 UTC is 16:00 EST.
	if !s.IsOpen(types.Pattern131, "12Hour", time.Date(2025, 1, 10, 21, 0, 20, 0, time.UTC)) {
		t.Error("expected 16:00 EST window open at 21:00 UTC")
	}
	if s.IsOpen(types.Pattern131, "12Hour", time.Date(2025, 1, 10, 16, 0, 20, 0, time.UTC)) {
		t.Error("window must follow exchange-local time, not UTC")
	}
}

// A 3-2-2 found mid-hour is held, then released in the next top-of-hour window.
func TestOffer_HeldThenDue(t *testing.T) {
	s := newScheduler(t)
	m := match322(clock(10, 0, 0))

	if d := s.Offer(m, clock(10, 20, 0)); d != Held {
		t.Fatalf("Offer outside window = %s, want held", d)
	}
	if s.Held() != 1 {
		t.Fatalf("held = %d, want 1", s.Held())
	}
	if due := s.Due("AAPL", clock(10, 40, 0)); len(due) != 0 {
		t.Fatalf("Due outside window released %d matches", len(due))
	}
	if due := s.Due("MSFT", clock(11, 0, 10)); len(due) != 0 {
		t.Fatalf("Due for another symbol released %d matches", len(due))
	}

	due := s.Due("AAPL", clock(11, 0, 10))
	if len(due) != 1 || due[0].ID != m.ID {
		t.Fatalf("Due in window = %v, want the held match", due)
	}
	if s.Held() != 0 {
		t.Errorf("held = %d after release, want 0", s.Held())
	}
}

func TestOffer_EmitInWindow(t *testing.T) {
	s := newScheduler(t)
	if d := s.Offer(match322(clock(11, 0, 0)), clock(11, 0, 5)); d != Emit {
		t.Fatalf("Offer in window = %s, want emit", d)
	}
	if s.Held() != 0 {
		t.Errorf("emitted match must not be held")
	}
}

// A newer completed bar discards the held match before its window opens.
func TestSupersede(t *testing.T) {
	s := newScheduler(t)
	m := match322(clock(10, 0, 0))
	s.Offer(m, clock(10, 20, 0))

	// The same bar is not newer.
	if _, ok := s.Supersede(m.SeriesKey(), clock(10, 0, 0)); ok {
		t.Fatal("supersede by the same bar")
	}
	dropped, ok := s.Supersede(m.SeriesKey(), clock(11, 0, 0))
	if !ok || dropped.ID != m.ID {
		t.Fatalf("Supersede = %v, %v; want the held match", dropped.ID, ok)
	}
	if due := s.Due("AAPL", clock(11, 0, 10)); len(due) != 0 {
		t.Fatalf("superseded match released: %v", due)
	}
}

func TestOffer_ReplacesHeldForSeries(t *testing.T) {
	s := newScheduler(t)
	s.Offer(match322(clock(9, 0, 0)), clock(9, 30, 0))
	newer := match322(clock(10, 0, 0))
	s.Offer(newer, clock(10, 30, 0))

	if s.Held() != 1 {
		t.Fatalf("held = %d, want 1", s.Held())
	}
	due := s.Due("AAPL", clock(11, 0, 0))
	if len(due) != 1 || due[0].ID != newer.ID {
		t.Fatalf("Due = %v, want newest", due)
	}
}

func TestNextOpen(t *testing.T) {
	s := newScheduler(t)

	next, ok := s.NextOpen(types.Pattern322, "1Hour", clock(10, 20, 0))
	if !ok || !next.Equal(clock(11, 0, 0)) {
		t.Errorf("NextOpen 3-2-2 = %s, %v; want 11:00", next, ok)
	}

	next, ok = s.NextOpen(types.Pattern131, "12Hour", clock(17, 0, 0))
	want := time.Date(2025, 1, 11, 4, 0, 0, 0, time.UTC)
	if !ok || !next.Equal(want) {
		t.Errorf("NextOpen 1-3-1 = %s, %v; want %s", next, ok, want)
	}

	at := clock(16, 0, 30)
	if next, ok = s.NextOpen(types.Pattern131, "12Hour", at); !ok || !next.Equal(at) {
		t.Errorf("NextOpen inside window = %s, want now", next)
	}

	if _, ok := s.NextOpen(types.Pattern22, "1Day", at); ok {
		t.Error("expected no window for unknown timeframe")
	}
}

func TestBoundaryReached(t *testing.T) {
	s, err := New(Config{Grace: 2 * time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	end := clock(11, 0, 0)
	if s.BoundaryReached(end, clock(11, 1, 59)) {
		t.Error("boundary reached before grace elapsed")
	}
	if !s.BoundaryReached(end, clock(11, 2, 0)) {
		t.Error("boundary not reached after grace")
	}
	if h := s.Horizon(clock(11, 2, 0)); !h.Equal(end) {
		t.Errorf("Horizon = %s, want %s", h, end)
	}
}

func TestWindowValidate(t *testing.T) {
	bad := []Window{
		{Start: -time.Minute, Length: time.Minute},
		{Start: 25 * time.Hour, Length: time.Minute},
		{Start: 0, Length: 0},
		{Start: 0, Every: 7 * time.Hour, Length: time.Minute},
		{Start: 0, Every: time.Hour, Length: 2 * time.Hour},
		{Start: 0, Every: 30 * time.Second, Length: time.Second},
	}
	for _, w := range bad {
		if err := w.Validate(); err == nil {
			t.Errorf("expected error for %+v", w)
		}
	}
	if _, err := New(Config{Windows: map[Key][]Window{{Kind: types.Pattern22, Timeframe: "1Hour"}: bad[:1]}}); err == nil {
		t.Error("New accepted an invalid window")
	}
}

// A match handed back while its window is open is released by the next Due.
func TestHold_InsideWindow(t *testing.T) {
	s := newScheduler(t)
	m := match322(clock(11, 0, 0))
	if d := s.Offer(m, clock(11, 0, 5)); d != Emit {
		t.Fatalf("Offer = %s, want emit", d)
	}

	s.Hold(m)
	if s.Held() != 1 {
		t.Fatalf("held = %d, want 1", s.Held())
	}
	due := s.Due("AAPL", clock(11, 0, 40))
	if len(due) != 1 || due[0].ID != m.ID {
		t.Fatalf("Due = %v, want the held match", due)
	}
}

func TestHold_KeepsNewer(t *testing.T) {
	s := newScheduler(t)
	newer := match322(clock(11, 0, 0))
	s.Hold(newer)
	s.Hold(match322(clock(10, 0, 0)))

	due := s.Due("AAPL", clock(12, 0, 0))
	if len(due) != 1 || due[0].ID != newer.ID {
		t.Fatalf("Due = %v, want the newer match", due)
	}
}
