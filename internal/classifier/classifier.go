// Package classifier labels composed bars with their STRAT type relative to
// the immediately preceding bar of the same series.
package classifier

import (
	"github.com/algomatic/strat-service/internal/types"
)

// Classify returns the type of cur relative to prev.
// Equal highs or lows count as not exceeding, so equality favours Inside.
func Classify(cur, prev types.OHLC) types.BarType {
	higher := cur.High > prev.High
	lower := cur.Low < prev.Low

	switch {
	case higher && lower:
		return types.BarOutside
	case higher:
		return types.BarDirUp
	case lower:
		return types.BarDirDown
	default:
		return types.BarInside
	}
}

// DefaultCapacity bounds a History when no capacity is given.
const DefaultCapacity = 16

// History is a bounded, gap-free window of classified bars for one series.
// A Missing bar resets the window: no bar is ever classified against a
// predecessor on the other side of a gap.
type History struct {
	capacity int
	bars     []types.ComposedBar
}

// NewHistory creates a history holding at most capacity bars.
func NewHistory(capacity int) *History {
	if capacity < 2 {
		capacity = DefaultCapacity
	}
	return &History{capacity: capacity, bars: make([]types.ComposedBar, 0, capacity)}
}

// Add classifies bar against the newest bar in the window and appends it.
// It returns the classified copy. A Missing bar clears the window and is
// returned unclassified.
func (h *History) Add(bar types.ComposedBar) types.ComposedBar {
	if bar.Missing {
		bar.Type = types.BarNone
		h.bars = h.bars[:0]
		return bar
	}

	if n := len(h.bars); n > 0 {
		bar.Type = Classify(bar.OHLC(), h.bars[n-1].OHLC())
	} else {
		bar.Type = types.BarNone
	}

	if len(h.bars) == h.capacity {
		copy(h.bars, h.bars[1:])
		h.bars = h.bars[:len(h.bars)-1]
	}
	h.bars = append(h.bars, bar)
	return bar
}

// Window returns a copy of the contiguous classified bars, oldest first.
func (h *History) Window() []types.ComposedBar {
	out := make([]types.ComposedBar, len(h.bars))
	copy(out, h.bars)
	return out
}

// Len returns the number of bars in the window.
func (h *History) Len() int {
	return len(h.bars)
}

// Last returns the newest bar, if any.
func (h *History) Last() (types.ComposedBar, bool) {
	if len(h.bars) == 0 {
		return types.ComposedBar{}, false
	}
	return h.bars[len(h.bars)-1], true
}
