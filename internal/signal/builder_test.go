package signal

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/algomatic/strat-service/internal/types"
)

var at = time.Date(2025, 1, 10, 16, 0, 30, 0, time.UTC)

func assertFloat(t *testing.T, name string, expected, actual float64) {
	t.Helper()
	if math.Abs(expected-actual) > 1e-9 {
		t.Errorf("%s: expected %.6f, got %.6f", name, expected, actual)
	}
}

func match(kind types.PatternKind, dir types.Direction, trigger, invalidation float64, bars ...types.ComposedBar) types.PatternMatch {
	if len(bars) == 0 {
		bars = []types.ComposedBar{
			{Open: 100, High: 110, Low: 95, Close: 105, Volume: 1000},
			{Open: 112, High: 120, Low: 90, Close: 115, Volume: 1000},
			{Open: 108, High: 116, Low: 100, Close: 112, Volume: 1000},
		}
	}
	return types.PatternMatch{
		ID:                "m-1",
		Symbol:            "AAPL",
		Timeframe:         "12Hour",
		Kind:              kind,
		Bars:              bars,
		Direction:         dir,
		TriggerPrice:      trigger,
		InvalidationPrice: invalidation,
	}
}

func TestBuild_Bullish131(t *testing.T) {
	sig, err := NewBuilder(DefaultWeights()).Build(match(types.Pattern131, types.Bullish, 105, 90), at)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	assertFloat(t, "entry", 105, sig.Entry)
	assertFloat(t, "stop", 90, sig.Stop)
	assertFloat(t, "risk", 15, sig.Risk)
	assertFloat(t, "target", 135, sig.Target)
	assertFloat(t, "reward_risk", 2.0, sig.RewardRisk)
	if !sig.GeneratedAt.Equal(at) {
		t.Errorf("GeneratedAt = %s, want %s", sig.GeneratedAt, at)
	}
	if sig.ID == "" {
		t.Error("signal ID not set")
	}
}

func TestBuild_Bearish(t *testing.T) {
	sig, err := NewBuilder(DefaultWeights()).Build(match(types.Pattern322, types.Bearish, 95, 107), at)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	assertFloat(t, "risk", 12, sig.Risk)
	assertFloat(t, "target", 71, sig.Target)
}

// target - entry is exactly twice the risk for awkward decimal prices.
func TestBuild_TwoToOneLaw(t *testing.T) {
	b := NewBuilder(DefaultWeights())
	prices := [][2]float64{
		{0.1, 0.3},
		{187.33, 185.07},
		{12.345, 12.344},
		{4321.7, 4400.1},
	}
	for _, p := range prices {
		dir := types.Bullish
		if p[1] > p[0] {
			dir = types.Bearish
		}
		sig, err := b.Build(match(types.Pattern22, dir, p[0], p[1]), at)
		if err != nil {
			t.Fatalf("Build(%v): %v", p, err)
		}
		reward := math.Abs(sig.Target - sig.Entry)
		if math.Abs(reward-2*sig.Risk) > 1e-9 {
			t.Errorf("entry=%v stop=%v: reward %.10f != 2*risk %.10f", p[0], p[1], reward, 2*sig.Risk)
		}
		if sig.RewardRisk != 2.0 {
			t.Errorf("RewardRisk = %v", sig.RewardRisk)
		}
	}
}

func TestBuild_DegenerateRisk(t *testing.T) {
	b := NewBuilder(DefaultWeights())

	_, err := b.Build(match(types.Pattern22, types.Bullish, 100, 100), at)
	if !errors.Is(err, types.ErrDegenerateRisk) {
		t.Fatalf("zero risk: expected ErrDegenerateRisk, got %v", err)
	}

	_, err = b.Build(match(types.Pattern22, types.Bullish, 100, 101), at)
	if !errors.Is(err, types.ErrDegenerateRisk) {
		t.Fatalf("stop above bullish entry: expected ErrDegenerateRisk, got %v", err)
	}

	_, err = b.Build(match(types.Pattern22, types.Bearish, 100, 99), at)
	if !errors.Is(err, types.ErrDegenerateRisk) {
		t.Fatalf("stop below bearish entry: expected ErrDegenerateRisk, got %v", err)
	}
}

func TestConfidence(t *testing.T) {
	b := NewBuilder(DefaultWeights())

	quiet := []types.ComposedBar{
		{High: 110, Low: 100, Close: 105, Volume: 1000},
		{High: 112, Low: 101, Close: 102, Volume: 1000},
		{High: 111, Low: 102, Close: 102, Volume: 0},
	}
	loud := []types.ComposedBar{
		{High: 110, Low: 100, Close: 105, Volume: 1000},
		{High: 112, Low: 101, Close: 102, Volume: 1000},
		{High: 111, Low: 102, Close: 111, Volume: 5000},
	}

	low := b.Confidence(match(types.Pattern22, types.Bullish, 111, 102, quiet...))
	high := b.Confidence(match(types.Pattern22, types.Bullish, 111, 102, loud...))

	assertFloat(t, "quiet", 0.55, low)
	assertFloat(t, "loud", 0.90, high)

	// Deterministic.
	if again := b.Confidence(match(types.Pattern22, types.Bullish, 111, 102, loud...)); again != high {
		t.Errorf("confidence not deterministic: %v vs %v", high, again)
	}

	// Kind base strength is monotonic in the score.
	if b.Confidence(match(types.Pattern322, types.Bullish, 111, 102, loud...)) > 1 {
		t.Error("confidence exceeds 1")
	}
	if b.Confidence(match(types.Pattern322, types.Bullish, 111, 102, quiet...)) <= low {
		t.Error("3-2-2 base should outrank 2-2 base")
	}
}
