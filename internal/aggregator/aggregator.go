package aggregator

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/algomatic/strat-service/internal/types"
)

// Series composes raw bars of one symbol into bars of one target timeframe.
// It is not safe for concurrent use; the scanner serialises access per symbol.
type Series struct {
	symbol      string
	tf          types.Timeframe
	granularity time.Duration
	loc         *time.Location

	open      *period
	closedEnd time.Time // PeriodEnd of the last emitted bar
	lastRawAt time.Time
}

type period struct {
	start, end time.Time
	bars       []types.RawBar
}

// NewSeries creates a series for symbol on the target timeframe.
// granularity is the source bar duration; when set, a period closes as soon as
// the raw bar covering its last slot arrives.
func NewSeries(symbol string, tf types.Timeframe, granularity time.Duration, loc *time.Location) (*Series, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol must not be empty")
	}
	if err := tf.Validate(granularity); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Series{symbol: symbol, tf: tf, granularity: granularity, loc: loc}, nil
}

// Timeframe returns the target timeframe of the series.
func (s *Series) Timeframe() types.Timeframe {
	return s.tf
}

// OpenPeriodEnd returns the end of the open period, if any.
func (s *Series) OpenPeriodEnd() (time.Time, bool) {
	if s.open == nil {
		return time.Time{}, false
	}
	return s.open.end, true
}

// LastClosedEnd returns the PeriodEnd of the most recently emitted bar.
func (s *Series) LastClosedEnd() time.Time {
	return s.closedEnd
}

// Push folds one raw bar into the series and returns every bar it closed,
// in period order. Missing bars are emitted for periods skipped entirely.
// A raw bar for an already closed period, or one not after the previous raw
// bar, is dropped and reported as types.ErrLateBar.
func (s *Series) Push(raw types.RawBar) ([]types.ComposedBar, error) {
	if raw.Symbol != s.symbol {
		return nil, fmt.Errorf("series %s: got bar for %s", s.symbol, raw.Symbol)
	}
	if !s.closedEnd.IsZero() && raw.OpenTime.Before(s.closedEnd) {
		return nil, fmt.Errorf("%s %s at %s: %w", s.symbol, s.tf.Name, raw.OpenTime.Format(time.RFC3339), types.ErrLateBar)
	}
	if !s.lastRawAt.IsZero() && !raw.OpenTime.After(s.lastRawAt) {
		return nil, fmt.Errorf("%s %s at %s: %w", s.symbol, s.tf.Name, raw.OpenTime.Format(time.RFC3339), types.ErrLateBar)
	}

	var out []types.ComposedBar
	if s.open != nil && !raw.OpenTime.Before(s.open.end) {
		out = append(out, s.closeOpen())
	}

	if s.open == nil {
		start, end := s.tf.PeriodOf(raw.OpenTime, s.loc)
		if !s.closedEnd.IsZero() {
			out = append(out, s.missingUntil(start)...)
		}
		s.open = &period{start: start, end: end}
	}

	s.open.bars = append(s.open.bars, raw)
	s.lastRawAt = raw.OpenTime

	if s.granularity > 0 && !raw.OpenTime.Add(s.granularity).Before(s.open.end) {
		out = append(out, s.closeOpen())
	}
	return out, nil
}

// ForceClose closes the open period once now has reached its end and emits
// Missing bars for every elapsed period that received no raw bars.
func (s *Series) ForceClose(now time.Time) []types.ComposedBar {
	var out []types.ComposedBar
	if s.open != nil {
		if now.Before(s.open.end) {
			return nil
		}
		out = append(out, s.closeOpen())
	}
	if s.closedEnd.IsZero() {
		return out
	}
	current, _ := s.tf.PeriodOf(now, s.loc)
	return append(out, s.missingUntil(current)...)
}

// closeOpen emits the open period as a complete bar.
func (s *Series) closeOpen() types.ComposedBar {
	bar := composeGroup(s.symbol, s.tf.Name, s.open.start, s.open.end, s.open.bars)
	s.closedEnd = s.open.end
	s.open = nil
	return bar
}

// missingUntil emits Missing bars for every period from closedEnd up to before.
func (s *Series) missingUntil(before time.Time) []types.ComposedBar {
	var out []types.ComposedBar
	for s.closedEnd.Before(before) {
		start, end := s.tf.NextPeriod(s.closedEnd, s.loc)
		if !end.After(start) || !end.After(s.closedEnd) {
			break
		}
		out = append(out, types.ComposedBar{
			Symbol:      s.symbol,
			Timeframe:   s.tf.Name,
			PeriodStart: start,
			PeriodEnd:   end,
			Missing:     true,
		})
		s.closedEnd = end
	}
	return out
}

// Aggregate groups raw bars into closed bars of the target timeframe.
// Input order does not matter. The trailing period is dropped unless its last
// slot is covered; Missing bars fill periods without data inside the range.
// Duplicate timestamps are dropped.
func Aggregate(raws []types.RawBar, tf types.Timeframe, granularity time.Duration, loc *time.Location) ([]types.ComposedBar, error) {
	if len(raws) == 0 {
		return nil, nil
	}

	sorted := make([]types.RawBar, len(raws))
	copy(sorted, raws)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].OpenTime.Before(sorted[j].OpenTime)
	})

	s, err := NewSeries(sorted[0].Symbol, tf, granularity, loc)
	if err != nil {
		return nil, err
	}

	var result []types.ComposedBar
	for _, raw := range sorted {
		closed, err := s.Push(raw)
		if errors.Is(err, types.ErrLateBar) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, closed...)
	}
	return result, nil
}

// composeGroup builds one composed bar from the raw bars of a period.
func composeGroup(symbol, timeframe string, start, end time.Time, bars []types.RawBar) types.ComposedBar {
	first := bars[0]
	last := bars[len(bars)-1]

	high := first.High
	low := first.Low
	var totalVolume int64

	for _, b := range bars {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
		totalVolume += b.Volume
	}

	return types.ComposedBar{
		Symbol:       symbol,
		Timeframe:    timeframe,
		PeriodStart:  start,
		PeriodEnd:    end,
		Open:         first.Open,
		High:         high,
		Low:          low,
		Close:        last.Close,
		Volume:       totalVolume,
		Constituents: len(bars),
	}
}
