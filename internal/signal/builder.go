// Package signal turns pattern matches into trade signals with a fixed 2:1
// reward-to-risk target.
package signal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/algomatic/strat-service/internal/types"
)

// Weights configures the confidence score.
type Weights struct {
	// Base is the strength of each pattern kind before confirmation.
	Base map[types.PatternKind]float64
	// Volume scales the volume confirmation score.
	Volume float64
	// Close scales the close-location score of the final bar.
	Close float64
	// VolumeConfirmRatio is the final-bar volume, relative to the mean of the
	// other pattern bars, at which volume confirmation is full.
	VolumeConfirmRatio float64
}

// DefaultWeights returns the default confidence weighting.
func DefaultWeights() Weights {
	return Weights{
		Base: map[types.PatternKind]float64{
			types.Pattern131: 0.60,
			types.Pattern322: 0.70,
			types.Pattern22:  0.55,
		},
		Volume:             0.25,
		Close:              0.10,
		VolumeConfirmRatio: 1.2,
	}
}

// Builder computes entry, stop, target and confidence for matches.
// It is stateless and safe for concurrent use.
type Builder struct {
	weights Weights
	newID   func() string
}

// NewBuilder creates a builder. Missing weights fall back to defaults.
func NewBuilder(w Weights) *Builder {
	def := DefaultWeights()
	if w.Base == nil {
		w.Base = def.Base
	}
	if w.VolumeConfirmRatio <= 0 {
		w.VolumeConfirmRatio = def.VolumeConfirmRatio
	}
	return &Builder{weights: w, newID: uuid.NewString}
}

// Build converts a match into a signal generated at the given time.
// Entry is the trigger price and stop the invalidation price. A zero risk, or
// a stop on the wrong side of entry, returns types.ErrDegenerateRisk.
func (b *Builder) Build(m types.PatternMatch, generatedAt time.Time) (types.Signal, error) {
	if len(m.Bars) == 0 {
		return types.Signal{}, fmt.Errorf("match %s has no bars", m.ID)
	}

	entry := decimal.NewFromFloat(m.TriggerPrice)
	stop := decimal.NewFromFloat(m.InvalidationPrice)
	risk := entry.Sub(stop).Abs()
	if risk.Sign() <= 0 {
		return types.Signal{}, fmt.Errorf("%s %s %s: entry %s equals stop: %w",
			m.Symbol, m.Timeframe, m.Kind, entry, types.ErrDegenerateRisk)
	}

	reward := risk.Mul(decimal.NewFromFloat(types.RewardRiskRatio))
	var target decimal.Decimal
	switch m.Direction {
	case types.Bullish:
		if stop.GreaterThan(entry) {
			return types.Signal{}, fmt.Errorf("%s %s %s: bullish stop %s above entry %s: %w",
				m.Symbol, m.Timeframe, m.Kind, stop, entry, types.ErrDegenerateRisk)
		}
		target = entry.Add(reward)
	case types.Bearish:
		if stop.LessThan(entry) {
			return types.Signal{}, fmt.Errorf("%s %s %s: bearish stop %s below entry %s: %w",
				m.Symbol, m.Timeframe, m.Kind, stop, entry, types.ErrDegenerateRisk)
		}
		target = entry.Sub(reward)
	default:
		return types.Signal{}, fmt.Errorf("match %s: unknown direction %q", m.ID, m.Direction)
	}

	return types.Signal{
		ID:          b.newID(),
		Match:       m,
		Entry:       entry.InexactFloat64(),
		Stop:        stop.InexactFloat64(),
		Target:      target.InexactFloat64(),
		Risk:        risk.InexactFloat64(),
		RewardRisk:  types.RewardRiskRatio,
		Confidence:  b.Confidence(m),
		GeneratedAt: generatedAt,
	}, nil
}

// Confidence scores a match in [0, 1] from its kind, the volume of the final
// bar against the other pattern bars and where the final bar closed within
// its range. The result depends only on the match.
func (b *Builder) Confidence(m types.PatternMatch) float64 {
	score := b.weights.Base[m.Kind] +
		b.weights.Volume*b.volumeScore(m.Bars) +
		b.weights.Close*closeScore(m.Last(), m.Direction)
	return clamp(score, 0, 1)
}

// volumeScore is 1 once the final bar's volume reaches VolumeConfirmRatio
// times the mean of the other bars, scaling linearly below that.
func (b *Builder) volumeScore(bars []types.ComposedBar) float64 {
	if len(bars) < 2 {
		return 0
	}
	var total int64
	for _, bar := range bars[:len(bars)-1] {
		total += bar.Volume
	}
	avg := float64(total) / float64(len(bars)-1)
	if avg == 0 {
		return 0
	}
	ratio := float64(bars[len(bars)-1].Volume) / avg
	return clamp(ratio/b.weights.VolumeConfirmRatio, 0, 1)
}

// closeScore is the close location of bar within its range, measured toward
// the signal direction.
func closeScore(bar types.ComposedBar, dir types.Direction) float64 {
	rng := bar.High - bar.Low
	if rng <= 0 {
		return 0.5
	}
	loc := (bar.Close - bar.Low) / rng
	if dir == types.Bearish {
		loc = 1 - loc
	}
	return clamp(loc, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
