// Package pattern detects the STRAT motifs 1-3-1, 3-2-2 and 2-2 on the newest
// bar of a contiguous window of classified bars.
package pattern

import (
	"github.com/google/uuid"

	"github.com/algomatic/strat-service/internal/types"
)

// DefaultTrendLookback is how many bars before the Outside bar of a 3-2-2
// establish the prior trend.
const DefaultTrendLookback = 3

// Rules holds the calibration constants of the matcher.
type Rules struct {
	// TrendLookback bounds the bars before a 3-2-2's Outside bar used for the prior trend.
	// At least two such bars must be present.
	TrendLookback int
	// Enabled limits matching to these kinds; empty enables every kind.
	Enabled []types.PatternKind
}

// DefaultRules returns the rules used when none are configured.
func DefaultRules() Rules {
	return Rules{TrendLookback: DefaultTrendLookback}
}

// Matcher evaluates windows of classified bars.
type Matcher struct {
	rules   Rules
	enabled map[types.PatternKind]bool
	newID   func() string
}

// NewMatcher creates a matcher with the given rules.
func NewMatcher(rules Rules) *Matcher {
	if rules.TrendLookback < 2 {
		rules.TrendLookback = DefaultTrendLookback
	}
	m := &Matcher{rules: rules, newID: uuid.NewString}
	if len(rules.Enabled) > 0 {
		m.enabled = make(map[types.PatternKind]bool, len(rules.Enabled))
		for _, k := range rules.Enabled {
			m.enabled[k] = true
		}
	}
	return m
}

func (m *Matcher) isEnabled(k types.PatternKind) bool {
	return m.enabled == nil || m.enabled[k]
}

type candidate struct {
	kind types.PatternKind
	fn   func([]types.ComposedBar) (types.PatternMatch, bool)
}

// ordered returns the enabled detectors in priority order.
func (m *Matcher) ordered() []candidate {
	all := []candidate{
		{types.Pattern322, m.match322},
		{types.Pattern131, match131},
		{types.Pattern22, match22},
	}
	out := all[:0]
	for _, c := range all {
		if m.isEnabled(c.kind) {
			out = append(out, c)
		}
	}
	return out
}

// Match evaluates only the newest bar of window as the final element of a
// pattern. window must be oldest first; matching stops at any Missing bar or
// discontinuity, so no match spans a gap. At most one match is returned;
// 3-2-2 is checked before 1-3-1 and 2-2.
func (m *Matcher) Match(window []types.ComposedBar) (types.PatternMatch, bool) {
	window = contiguousTail(window)
	if len(window) < 3 {
		return types.PatternMatch{}, false
	}

	var (
		match types.PatternMatch
		ok    bool
	)
	for _, c := range m.ordered() {
		if match, ok = c.fn(window); ok {
			break
		}
	}
	if !ok {
		return types.PatternMatch{}, false
	}

	last := match.Last()
	match.ID = m.newID()
	match.Symbol = last.Symbol
	match.Timeframe = last.Timeframe
	match.DetectedAt = last.PeriodEnd
	return match, true
}

// contiguousTail returns the longest suffix of window with no Missing bar and
// no break between consecutive periods.
func contiguousTail(window []types.ComposedBar) []types.ComposedBar {
	n := len(window)
	if n == 0 || window[n-1].Missing {
		return nil
	}
	i := n - 1
	for i > 0 {
		prev := window[i-1]
		if prev.Missing || !prev.PeriodEnd.Equal(window[i].PeriodStart) {
			break
		}
		i--
	}
	return window[i:]
}

// lastTypes returns the BarType of the last n bars.
func lastTypes(window []types.ComposedBar, n int) []types.BarType {
	out := make([]types.BarType, n)
	for i := 0; i < n; i++ {
		out[i] = window[len(window)-n+i].Type
	}
	return out
}

func copyBars(bars []types.ComposedBar) []types.ComposedBar {
	out := make([]types.ComposedBar, len(bars))
	copy(out, bars)
	return out
}

// ---------------------------------------------------------------------------
// 1-3-1
// ---------------------------------------------------------------------------

// match131 finds Inside, Outside, Inside. Bullish when the final close sits in
// the upper half of its own range and above the first bar's midpoint.
// Trigger is the Outside bar's midpoint; invalidation is its far extreme.
func match131(window []types.ComposedBar) (types.PatternMatch, bool) {
	t := lastTypes(window, 3)
	if t[0] != types.BarInside || t[1] != types.BarOutside || t[2] != types.BarInside {
		return types.PatternMatch{}, false
	}
	bars := copyBars(window[len(window)-3:])
	first, outside, last := bars[0], bars[1], bars[2]

	dir := types.Bearish
	if last.Close > last.OHLC().Midpoint() && last.Close > first.OHLC().Midpoint() {
		dir = types.Bullish
	}

	invalidation := outside.High
	if dir == types.Bullish {
		invalidation = outside.Low
	}

	return types.PatternMatch{
		Kind:              types.Pattern131,
		Bars:              bars,
		Direction:         dir,
		TriggerPrice:      outside.OHLC().Midpoint(),
		InvalidationPrice: invalidation,
	}, true
}

// ---------------------------------------------------------------------------
// 3-2-2
// ---------------------------------------------------------------------------

// match322 finds Outside followed by two same-direction Directional bars that
// reverse the trend preceding the Outside bar. Trigger is the final bar's
// extreme in the new direction; invalidation is the Outside bar's far extreme.
func (m *Matcher) match322(window []types.ComposedBar) (types.PatternMatch, bool) {
	t := lastTypes(window, 3)
	if t[0] != types.BarOutside || !t[1].IsDirectional() || t[2] != t[1] {
		return types.PatternMatch{}, false
	}

	trend := priorTrend(window[:len(window)-3], m.rules.TrendLookback)
	var dir types.Direction
	switch {
	case trend < 0 && t[1] == types.BarDirUp:
		dir = types.Bullish
	case trend > 0 && t[1] == types.BarDirDown:
		dir = types.Bearish
	default:
		return types.PatternMatch{}, false
	}

	bars := copyBars(window[len(window)-3:])
	outside, last := bars[0], bars[2]

	match := types.PatternMatch{Kind: types.Pattern322, Bars: bars, Direction: dir}
	if dir == types.Bullish {
		match.TriggerPrice = last.High
		match.InvalidationPrice = outside.Low
	} else {
		match.TriggerPrice = last.Low
		match.InvalidationPrice = outside.High
	}
	return match, true
}

// priorTrend returns the sign of the close change across up to lookback bars
// at the end of pre. Fewer than two bars, or a flat change, yields 0.
func priorTrend(pre []types.ComposedBar, lookback int) int {
	if len(pre) > lookback {
		pre = pre[len(pre)-lookback:]
	}
	if len(pre) < 2 {
		return 0
	}
	delta := pre[len(pre)-1].Close - pre[0].Close
	switch {
	case delta > 0:
		return 1
	case delta < 0:
		return -1
	default:
		return 0
	}
}

// ---------------------------------------------------------------------------
// 2-2
// ---------------------------------------------------------------------------

// match22 finds two consecutive Directional bars of opposite direction.
// 2U then 2D is Bearish, 2D then 2U is Bullish. Trigger is the first
// Directional bar's extreme in the new direction; invalidation is its
// opposite extreme.
func match22(window []types.ComposedBar) (types.PatternMatch, bool) {
	t := lastTypes(window, 2)
	if !t[0].IsDirectional() || !t[1].IsDirectional() || t[0] == t[1] {
		return types.PatternMatch{}, false
	}

	bars := copyBars(window[len(window)-2:])
	first := bars[0]

	match := types.PatternMatch{Kind: types.Pattern22, Bars: bars}
	if t[1] == types.BarDirUp {
		match.Direction = types.Bullish
		match.TriggerPrice = first.High
		match.InvalidationPrice = first.Low
	} else {
		match.Direction = types.Bearish
		match.TriggerPrice = first.Low
		match.InvalidationPrice = first.High
	}
	return match, true
}
