package types

import (
	"fmt"
	"time"
)

// Timeframe describes a composed bar period anchored to exchange-local wall clock.
// Duration must divide 24h; Anchor is the offset from local midnight of one period start.
type Timeframe struct {
	Name     string
	Duration time.Duration
	Anchor   time.Duration
}

// DefaultTimeframes are the composed timeframes scanned out of the box.
// 12Hour periods run 04:00-16:00 and 16:00-04:00.
var DefaultTimeframes = []Timeframe{
	{Name: "1Hour", Duration: time.Hour},
	{Name: "4Hour", Duration: 4 * time.Hour},
	{Name: "12Hour", Duration: 12 * time.Hour, Anchor: 4 * time.Hour},
}

// SourceGranularities maps supported source timeframe names to durations.
var SourceGranularities = map[string]time.Duration{
	"1Min":  time.Minute,
	"5Min":  5 * time.Minute,
	"15Min": 15 * time.Minute,
	"30Min": 30 * time.Minute,
	"1Hour": time.Hour,
}

// Validate checks that the timeframe tiles the day and can be built from source bars.
func (tf Timeframe) Validate(source time.Duration) error {
	if tf.Name == "" {
		return fmt.Errorf("timeframe name must not be empty")
	}
	if tf.Duration <= 0 || tf.Duration > 24*time.Hour {
		return fmt.Errorf("timeframe %s: duration %v out of range", tf.Name, tf.Duration)
	}
	if (24*time.Hour)%tf.Duration != 0 {
		return fmt.Errorf("timeframe %s: duration %v does not divide 24h", tf.Name, tf.Duration)
	}
	if tf.Duration%time.Minute != 0 || tf.Anchor%time.Minute != 0 {
		return fmt.Errorf("timeframe %s: duration and anchor must be whole minutes", tf.Name)
	}
	if tf.Anchor < 0 || tf.Anchor >= 24*time.Hour {
		return fmt.Errorf("timeframe %s: anchor %v out of range", tf.Name, tf.Anchor)
	}
	if source > 0 && (tf.Duration%source != 0 || tf.Anchor%source != 0) {
		return fmt.Errorf("timeframe %s: not composable from %v source bars", tf.Name, source)
	}
	return nil
}

// PeriodOf returns the [start, end) period containing t, computed on the wall clock of loc.
func (tf Timeframe) PeriodOf(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	durMin := int(tf.Duration / time.Minute)
	anchorMin := int(tf.Anchor/time.Minute) % durMin

	minuteOfDay := local.Hour()*60 + local.Minute()
	offset := (minuteOfDay - anchorMin) % durMin
	if offset < 0 {
		offset += durMin
	}
	startMin := minuteOfDay - offset

	y, m, d := local.Date()
	start := time.Date(y, m, d, 0, startMin, 0, 0, loc)
	end := time.Date(y, m, d, 0, startMin+durMin, 0, 0, loc)
	return start, end
}

// NextPeriod returns the period immediately following the one that ends at end.
func (tf Timeframe) NextPeriod(end time.Time, loc *time.Location) (time.Time, time.Time) {
	return tf.PeriodOf(end, loc)
}
