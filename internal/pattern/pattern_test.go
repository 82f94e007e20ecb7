package pattern

import (
	"testing"
	"time"

	"github.com/algomatic/strat-service/internal/classifier"
	"github.com/algomatic/strat-service/internal/types"
)

var t0 = time.Date(2025, 1, 10, 4, 0, 0, 0, time.UTC)

// series classifies OHLC rows (open, high, low, close) into a contiguous window.
func series(tf time.Duration, rows ...[4]float64) []types.ComposedBar {
	h := classifier.NewHistory(32)
	for i, r := range rows {
		start := t0.Add(time.Duration(i) * tf)
		h.Add(types.ComposedBar{
			Symbol:       "AAPL",
			Timeframe:    "12Hour",
			PeriodStart:  start,
			PeriodEnd:    start.Add(tf),
			Open:         r[0],
			High:         r[1],
			Low:          r[2],
			Close:        r[3],
			Volume:       1000,
			Constituents: 12,
		})
	}
	return h.Window()
}

func assertFloat(t *testing.T, name string, expected, actual float64) {
	t.Helper()
	if expected != actual {
		t.Errorf("%s: expected %.4f, got %.4f", name, expected, actual)
	}
}

func TestMatch_131_Bullish(t *testing.T) {
	window := series(12*time.Hour,
		[4]float64{100, 112, 94, 101},
		[4]float64{100, 110, 95, 105}, // 1
		[4]float64{112, 120, 90, 115}, // 3
		[4]float64{108, 116, 100, 112}, // 1
	)

	m, ok := NewMatcher(DefaultRules()).Match(window)
	if !ok {
		t.Fatal("expected 1-3-1 match")
	}
	if m.Kind != types.Pattern131 {
		t.Errorf("kind = %s, want 1-3-1", m.Kind)
	}
	if m.Direction != types.Bullish {
		t.Errorf("direction = %s, want bullish", m.Direction)
	}
	assertFloat(t, "trigger", 105, m.TriggerPrice)
	assertFloat(t, "invalidation", 90, m.InvalidationPrice)
	if len(m.Bars) != 3 {
		t.Errorf("bars = %d, want 3", len(m.Bars))
	}
	if !m.DetectedAt.Equal(window[3].PeriodEnd) {
		t.Errorf("DetectedAt = %s, want final PeriodEnd", m.DetectedAt)
	}
	if m.ID == "" || m.Symbol != "AAPL" || m.Timeframe != "12Hour" {
		t.Errorf("identity not populated: %+v", m)
	}
}

func TestMatch_131_Bearish(t *testing.T) {
	window := series(12*time.Hour,
		[4]float64{100, 112, 94, 101},
		[4]float64{100, 110, 95, 105},
		[4]float64{112, 120, 90, 115},
		[4]float64{108, 116, 100, 101}, // closes in the lower half
	)

	m, ok := NewMatcher(DefaultRules()).Match(window)
	if !ok || m.Kind != types.Pattern131 {
		t.Fatalf("expected 1-3-1 match, got %+v ok=%v", m.Kind, ok)
	}
	if m.Direction != types.Bearish {
		t.Errorf("direction = %s, want bearish", m.Direction)
	}
	assertFloat(t, "trigger", 105, m.TriggerPrice)
	assertFloat(t, "invalidation", 120, m.InvalidationPrice)
}

func TestMatch_322(t *testing.T) {
	tests := []struct {
		name    string
		rows    [][4]float64
		wantOK  bool
		wantDir types.Direction
		trigger float64
		invalid float64
	}{
		{
			name: "bearish after uptrend",
			rows: [][4]float64{
				{100, 101, 99, 100},
				{100, 103, 100, 102}, // 2U
				{102, 105, 101, 104}, // 2U
				{104, 107, 100, 103}, // 3
				{103, 106, 98, 99},   // 2D
				{99, 105, 95, 96},    // 2D
			},
			wantOK: true, wantDir: types.Bearish, trigger: 95, invalid: 107,
		},
		{
			name: "bullish after downtrend",
			rows: [][4]float64{
				{104, 106, 103, 104},
				{104, 105, 101, 102}, // 2D
				{102, 103, 99, 100},  // 2D
				{100, 104, 97, 101},  // 3
				{101, 106, 98, 105},  // 2U
				{105, 108, 99, 107},  // 2U
			},
			wantOK: true, wantDir: types.Bullish, trigger: 108, invalid: 97,
		},
		{
			name: "continuation is not a reversal",
			rows: [][4]float64{
				{100, 101, 99, 100},
				{100, 103, 100, 102},
				{102, 105, 101, 104},
				{104, 107, 100, 103},
				{103, 108, 101, 107}, // 2U
				{107, 110, 102, 109}, // 2U
			},
			wantOK: false,
		},
		{
			name: "flat prior trend",
			rows: [][4]float64{
				{100, 101, 99, 100},
				{100, 103, 100, 100},
				{102, 105, 101, 100},
				{104, 107, 98, 103},
				{103, 106, 97, 99},
				{99, 105, 95, 96},
			},
			wantOK: false,
		},
		{
			name: "insufficient trend bars",
			rows: [][4]float64{
				{100, 101, 99, 100},
				{104, 107, 98, 103},
				{103, 106, 97, 99},
				{99, 105, 95, 96},
			},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			window := series(time.Hour, tt.rows...)
			m, ok := NewMatcher(DefaultRules()).Match(window)
			if tt.wantOK != (ok && m.Kind == types.Pattern322) {
				t.Fatalf("match = %v (%s), want 3-2-2 %v; types %v", ok, m.Kind, tt.wantOK, typesOf(window))
			}
			if !tt.wantOK {
				return
			}
			if m.Direction != tt.wantDir {
				t.Errorf("direction = %s, want %s", m.Direction, tt.wantDir)
			}
			assertFloat(t, "trigger", tt.trigger, m.TriggerPrice)
			assertFloat(t, "invalidation", tt.invalid, m.InvalidationPrice)
		})
	}
}

func TestMatch_22(t *testing.T) {
	bearish := series(time.Hour,
		[4]float64{100, 102, 98, 100},
		[4]float64{100, 104, 99, 103}, // 2U
		[4]float64{103, 103, 97, 98},  // 2D
	)
	m, ok := NewMatcher(DefaultRules()).Match(bearish)
	if !ok || m.Kind != types.Pattern22 {
		t.Fatalf("expected 2-2, got %s ok=%v", m.Kind, ok)
	}
	if m.Direction != types.Bearish {
		t.Errorf("direction = %s, want bearish", m.Direction)
	}
	assertFloat(t, "trigger", 99, m.TriggerPrice)
	assertFloat(t, "invalidation", 104, m.InvalidationPrice)

	bullish := series(time.Hour,
		[4]float64{100, 102, 98, 100},
		[4]float64{100, 101, 96, 97}, // 2D
		[4]float64{97, 103, 97, 102}, // 2U
	)
	m, ok = NewMatcher(DefaultRules()).Match(bullish)
	if !ok || m.Kind != types.Pattern22 {
		t.Fatalf("expected 2-2, got %s ok=%v", m.Kind, ok)
	}
	if m.Direction != types.Bullish {
		t.Errorf("direction = %s, want bullish", m.Direction)
	}
	assertFloat(t, "trigger", 101, m.TriggerPrice)
	assertFloat(t, "invalidation", 96, m.InvalidationPrice)
}

func TestMatch_OnlyNewestBar(t *testing.T) {
	// 2-2 completes at index 2; the following inside bar must not re-report it.
	window := series(time.Hour,
		[4]float64{100, 102, 98, 100},
		[4]float64{100, 104, 99, 103},
		[4]float64{103, 103, 97, 98},
		[4]float64{98, 102, 98, 100},
	)
	if m, ok := NewMatcher(DefaultRules()).Match(window); ok {
		t.Fatalf("expected no match on newest inside bar, got %s", m.Kind)
	}
}

func TestMatch_NoMatchAcrossGap(t *testing.T) {
	window := series(12*time.Hour,
		[4]float64{100, 112, 94, 101},
		[4]float64{100, 110, 95, 105},
		[4]float64{112, 120, 90, 115},
		[4]float64{108, 116, 100, 112},
	)
	// Insert a gap before the final bar.
	last := window[3]
	last.PeriodStart = last.PeriodStart.Add(12 * time.Hour)
	last.PeriodEnd = last.PeriodEnd.Add(12 * time.Hour)
	gapped := append(window[:3:3], types.ComposedBar{Missing: true, PeriodStart: window[2].PeriodEnd, PeriodEnd: last.PeriodStart}, last)

	if _, ok := NewMatcher(DefaultRules()).Match(gapped); ok {
		t.Fatal("expected no match across a missing bar")
	}

	discontiguous := append(window[:3:3], last)
	if _, ok := NewMatcher(DefaultRules()).Match(discontiguous); ok {
		t.Fatal("expected no match across a period discontinuity")
	}
}

func TestMatch_EnabledKinds(t *testing.T) {
	window := series(time.Hour,
		[4]float64{100, 102, 98, 100},
		[4]float64{100, 104, 99, 103},
		[4]float64{103, 103, 97, 98},
	)
	rules := DefaultRules()
	rules.Enabled = []types.PatternKind{types.Pattern131, types.Pattern322}
	if _, ok := NewMatcher(rules).Match(window); ok {
		t.Fatal("expected 2-2 to be disabled")
	}
}

func typesOf(window []types.ComposedBar) []string {
	out := make([]string, len(window))
	for i, b := range window {
		out[i] = b.Type.String()
	}
	return out
}
