// Package scheduler gates pattern emission to exchange-local time windows
// per (pattern kind, timeframe) and holds matches found outside a window.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/algomatic/strat-service/internal/types"
)

const day = 24 * time.Hour

// Window is a recurring exchange-local emission window. It opens at Start
// (offset from local midnight) and then every Every, staying open for Length.
// Every of zero means once a day.
type Window struct {
	Start  time.Duration
	Every  time.Duration
	Length time.Duration
}

// Validate checks the window tiles the day.
func (w Window) Validate() error {
	if w.Start < 0 || w.Start >= day {
		return fmt.Errorf("window start %v out of range", w.Start)
	}
	if w.Length <= 0 {
		return fmt.Errorf("window length must be positive")
	}
	if w.Start%time.Minute != 0 || w.Every%time.Minute != 0 {
		return fmt.Errorf("window start and repeat must be whole minutes")
	}
	if w.Every < 0 || (w.Every > 0 && day%w.Every != 0) {
		return fmt.Errorf("window repeat %v does not divide 24h", w.Every)
	}
	if w.Every > 0 && w.Length > w.Every {
		return fmt.Errorf("window length %v exceeds repeat %v", w.Length, w.Every)
	}
	return nil
}

// Key selects the windows of one pattern kind on one timeframe.
type Key struct {
	Kind      types.PatternKind
	Timeframe string
}

// DefaultLength is the length of windows derived from a timeframe. A window
// is only seen by a scan that runs inside it, so the scan interval must not
// exceed it; the periodic loop ticks on interval boundaries for this reason.
const DefaultLength = time.Minute

// DefaultWindows are the explicit emission windows. 3-2-2 on the hourly chart
// emits in the first minute of every hour; 1-3-1 on the 12-hour chart emits in
// the first minute after the 04:00 and 16:00 closes.
func DefaultWindows() map[Key][]Window {
	return map[Key][]Window{
		{Kind: types.Pattern322, Timeframe: "1Hour"}: {
			{Start: 0, Every: time.Hour, Length: time.Minute},
		},
		{Kind: types.Pattern131, Timeframe: "12Hour"}: {
			{Start: 4 * time.Hour, Length: time.Minute},
			{Start: 16 * time.Hour, Length: time.Minute},
		},
	}
}

// Decision is the outcome of offering a match.
type Decision int

const (
	// Emit means a window is open now.
	Emit Decision = iota
	// Held means the match waits for its next window.
	Held
)

func (d Decision) String() string {
	if d == Emit {
		return "emit"
	}
	return "held"
}

// Config configures a Scheduler.
type Config struct {
	Location   *time.Location
	Timeframes []types.Timeframe
	// Windows overrides the derived windows per (kind, timeframe).
	Windows map[Key][]Window
	// Grace delays force-closing a period after its end.
	Grace time.Duration
}

// Scheduler maps (kind, timeframe) to emission windows and holds matches
// produced outside their window. Time is always passed in.
// It is safe for concurrent use.
type Scheduler struct {
	loc     *time.Location
	grace   time.Duration
	windows map[Key][]Window

	mu   sync.Mutex
	held map[types.SeriesKey]types.PatternMatch
}

// New builds a scheduler. Every (kind, timeframe) pair without an explicit
// window emits in the first minute after each period close of its timeframe.
func New(cfg Config) (*Scheduler, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	windows := make(map[Key][]Window)
	for _, tf := range cfg.Timeframes {
		for _, kind := range types.PatternKinds {
			windows[Key{Kind: kind, Timeframe: tf.Name}] = []Window{
				{Start: tf.Anchor % tf.Duration, Every: tf.Duration, Length: DefaultLength},
			}
		}
	}
	for k, ws := range cfg.Windows {
		for _, w := range ws {
			if err := w.Validate(); err != nil {
				return nil, fmt.Errorf("windows %s/%s: %w", k.Kind, k.Timeframe, err)
			}
		}
		windows[k] = ws
	}

	return &Scheduler{
		loc:     loc,
		grace:   cfg.Grace,
		windows: windows,
		held:    make(map[types.SeriesKey]types.PatternMatch),
	}, nil
}

// Location returns the exchange-local time zone.
func (s *Scheduler) Location() *time.Location {
	return s.loc
}

// IsOpen reports whether an emission window of (kind, timeframe) contains now.
func (s *Scheduler) IsOpen(kind types.PatternKind, timeframe string, now time.Time) bool {
	for _, w := range s.windows[Key{Kind: kind, Timeframe: timeframe}] {
		if open, _ := s.openingAt(w, now); !open.IsZero() {
			return true
		}
	}
	return false
}

// Offer decides whether match can go out at now. A match outside its window
// is held, replacing any match held earlier for the same series.
func (s *Scheduler) Offer(match types.PatternMatch, now time.Time) Decision {
	if s.IsOpen(match.Kind, match.Timeframe, now) {
		return Emit
	}
	s.mu.Lock()
	s.held[match.SeriesKey()] = match
	s.mu.Unlock()
	return Held
}

// Hold keeps match for its series until Due releases it, even while a window
// is open. A match already held for the series from a newer bar is kept.
func (s *Scheduler) Hold(match types.PatternMatch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := match.SeriesKey()
	if cur, ok := s.held[key]; ok && cur.DetectedAt.After(match.DetectedAt) {
		return
	}
	s.held[key] = match
}

// Supersede discards the match held for series when a bar newer than the
// one it was detected on has completed. It returns the discarded match.
func (s *Scheduler) Supersede(series types.SeriesKey, completedAt time.Time) (types.PatternMatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.held[series]
	if !ok || !completedAt.After(m.DetectedAt) {
		return types.PatternMatch{}, false
	}
	delete(s.held, series)
	return m, true
}

// Due releases the held matches of symbol whose window is open at now, in
// detection order.
func (s *Scheduler) Due(symbol string, now time.Time) []types.PatternMatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.PatternMatch
	for k, m := range s.held {
		if k.Symbol != symbol {
			continue
		}
		if s.IsOpen(m.Kind, m.Timeframe, now) {
			out = append(out, m)
			delete(s.held, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Held returns the number of held matches.
func (s *Scheduler) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// NextOpen returns the earliest instant at or after after when a window of
// (kind, timeframe) is open. ok is false when the pair has no windows.
func (s *Scheduler) NextOpen(kind types.PatternKind, timeframe string, after time.Time) (time.Time, bool) {
	var best time.Time
	for _, w := range s.windows[Key{Kind: kind, Timeframe: timeframe}] {
		if open, _ := s.openingAt(w, after); !open.IsZero() {
			return after, true
		}
		if next := s.nextOpening(w, after); !next.IsZero() && (best.IsZero() || next.Before(best)) {
			best = next
		}
	}
	return best, !best.IsZero()
}

// BoundaryReached reports whether a period ending at periodEnd may be
// force-closed at now.
func (s *Scheduler) BoundaryReached(periodEnd, now time.Time) bool {
	return !s.Horizon(now).Before(periodEnd)
}

// Horizon is the latest period end that may be force-closed at now.
func (s *Scheduler) Horizon(now time.Time) time.Time {
	return now.Add(-s.grace)
}

// openings lists the opening instants of w on the local calendar day of t.
func (s *Scheduler) openings(w Window, t time.Time) []time.Time {
	local := t.In(s.loc)
	y, m, d := local.Date()
	startMin := int(w.Start / time.Minute)

	if w.Every <= 0 {
		return []time.Time{time.Date(y, m, d, 0, startMin, 0, 0, s.loc)}
	}
	everyMin := int(w.Every / time.Minute)
	first := startMin % everyMin
	var out []time.Time
	for mins := first; mins < 24*60; mins += everyMin {
		out = append(out, time.Date(y, m, d, 0, mins, 0, 0, s.loc))
	}
	return out
}

// openingAt returns the opening of the occurrence of w containing t, if any.
func (s *Scheduler) openingAt(w Window, t time.Time) (time.Time, time.Time) {
	for _, dayOffset := range []int{0, -1} {
		ref := t.In(s.loc).AddDate(0, 0, dayOffset)
		for _, open := range s.openings(w, ref) {
			closeAt := open.Add(w.Length)
			if !t.Before(open) && t.Before(closeAt) {
				return open, closeAt
			}
		}
	}
	return time.Time{}, time.Time{}
}

// nextOpening returns the first opening of w strictly after t.
func (s *Scheduler) nextOpening(w Window, t time.Time) time.Time {
	for _, dayOffset := range []int{0, 1, 2} {
		ref := t.In(s.loc).AddDate(0, 0, dayOffset)
		for _, open := range s.openings(w, ref) {
			if open.After(t) {
				return open
			}
		}
	}
	return time.Time{}
}
