package types

import (
	"testing"
	"time"
)

func TestPeriodOf(t *testing.T) {
	tf12 := Timeframe{Name: "12Hour", Duration: 12 * time.Hour, Anchor: 4 * time.Hour}
	tf4 := Timeframe{Name: "4Hour", Duration: 4 * time.Hour}

	tests := []struct {
		name      string
		tf        Timeframe
		at        time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "12h day session",
			tf:        tf12,
			at:        time.Date(2025, 1, 10, 9, 30, 0, 0, time.UTC),
			wantStart: time.Date(2025, 1, 10, 4, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 1, 10, 16, 0, 0, 0, time.UTC),
		},
		{
			name:      "12h overnight before anchor",
			tf:        tf12,
			at:        time.Date(2025, 1, 10, 3, 0, 0, 0, time.UTC),
			wantStart: time.Date(2025, 1, 9, 16, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 1, 10, 4, 0, 0, 0, time.UTC),
		},
		{
			name:      "4h exact boundary",
			tf:        tf4,
			at:        time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC),
			wantStart: time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC),
		},
		{
			name:      "4h last period of day",
			tf:        tf4,
			at:        time.Date(2025, 1, 10, 23, 59, 0, 0, time.UTC),
			wantStart: time.Date(2025, 1, 10, 20, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, 1, 11, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := tt.tf.PeriodOf(tt.at, time.UTC)
			if !start.Equal(tt.wantStart) || !end.Equal(tt.wantEnd) {
				t.Errorf("PeriodOf(%s) = [%s, %s), want [%s, %s)", tt.at, start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestPeriodOf_DSTWallClock(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	tf4 := Timeframe{Name: "4Hour", Duration: 4 * time.Hour}

	// 2025-03-09 clocks jump from 02:00 EST to 03:00 EDT.
	start, end := tf4.PeriodOf(time.Date(2025, 3, 9, 0, 30, 0, 0, loc), loc)
	if start.Hour() != 0 || end.In(loc).Hour() != 4 {
		t.Errorf("period = [%s, %s), want local 00:00-04:00", start, end)
	}
	if got := end.Sub(start); got != 3*time.Hour {
		t.Errorf("spring-forward period length = %v, want 3h", got)
	}

	next, _ := tf4.NextPeriod(end, loc)
	if !next.Equal(end) {
		t.Errorf("NextPeriod start = %s, want %s", next, end)
	}
}

func TestTimeframeValidate(t *testing.T) {
	tests := []struct {
		tf      Timeframe
		source  time.Duration
		wantErr bool
	}{
		{Timeframe{Name: "1Hour", Duration: time.Hour}, 15 * time.Minute, false},
		{Timeframe{Name: "12Hour", Duration: 12 * time.Hour, Anchor: 4 * time.Hour}, time.Hour, false},
		{Timeframe{Name: "5Hour", Duration: 5 * time.Hour}, time.Hour, true},
		{Timeframe{Name: "1Hour", Duration: time.Hour, Anchor: 30 * time.Minute}, time.Hour, true},
		{Timeframe{Name: "1Hour", Duration: time.Hour}, 7 * time.Minute, true},
		{Timeframe{Name: "neg", Duration: time.Hour, Anchor: -time.Hour}, 0, true},
	}
	for _, tt := range tests {
		err := tt.tf.Validate(tt.source)
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v, %v) error = %v, wantErr %v", tt.tf, tt.source, err, tt.wantErr)
		}
	}
}

func TestKeyFor_ExchangeLocalDay(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	sig := Signal{Match: PatternMatch{Symbol: "SPY", Kind: Pattern22, Timeframe: "1Hour"}}

	// 02:00 UTC is still the previous exchange-local day.
	key := KeyFor(sig, time.Date(2025, 1, 11, 2, 0, 0, 0, time.UTC), loc)
	if key.TradingDay != "2025-01-10" {
		t.Errorf("TradingDay = %s, want 2025-01-10", key.TradingDay)
	}
	if key.String() != "SPY|2-2|1Hour|2025-01-10" {
		t.Errorf("String() = %s", key.String())
	}
}

func TestParsePatternKind(t *testing.T) {
	for _, k := range PatternKinds {
		got, err := ParsePatternKind(string(k))
		if err != nil || got != k {
			t.Errorf("ParsePatternKind(%s) = %s, %v", k, got, err)
		}
	}
	if _, err := ParsePatternKind("2-1-2"); err == nil {
		t.Error("expected error for unsupported kind")
	}
}
