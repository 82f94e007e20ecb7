// Package types defines the core data structures shared by the scanner pipeline.
//
//   - RawBar = source-granularity OHLCV row from the market-data collaborator
//   - ComposedBar = higher-timeframe bar rolled up from RawBars
//   - PatternMatch = a recognised three-bar motif on one series
//   - Signal = trade parameters derived from a match
//   - AlertRecord = persisted proof that a signal was delivered
package types

import (
	"fmt"
	"time"
)

// OHLC is the price envelope of a bar.
type OHLC struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// Range returns High - Low.
func (o OHLC) Range() float64 {
	return o.High - o.Low
}

// Midpoint returns the centre of the High/Low range.
func (o OHLC) Midpoint() float64 {
	return (o.High + o.Low) / 2
}

// RawBar is one OHLCV observation at the source granularity.
type RawBar struct {
	Symbol    string
	Timeframe string // source granularity, e.g. "15Min"
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// OHLC returns the price envelope of the raw bar.
func (b RawBar) OHLC() OHLC {
	return OHLC{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close}
}

// ComposedBar is a bar of a target timeframe built from RawBars in [PeriodStart, PeriodEnd).
// A Missing bar had zero constituent RawBars; its prices are zero and it is never classified.
type ComposedBar struct {
	Symbol       string
	Timeframe    string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       int64
	Constituents int
	Missing      bool
	Type         BarType
}

// OHLC returns the price envelope of the composed bar.
func (b ComposedBar) OHLC() OHLC {
	return OHLC{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close}
}

// String returns a compact representation for logs.
func (b ComposedBar) String() string {
	if b.Missing {
		return fmt.Sprintf("%s %s %s MISSING", b.Symbol, b.Timeframe, b.PeriodStart.Format("2006-01-02 15:04"))
	}
	return fmt.Sprintf("%s %s %s [%s] o=%.4f h=%.4f l=%.4f c=%.4f v=%d",
		b.Symbol, b.Timeframe, b.PeriodStart.Format("2006-01-02 15:04"), b.Type,
		b.Open, b.High, b.Low, b.Close, b.Volume,
	)
}

// BarType is the STRAT classification of a bar relative to its predecessor.
type BarType int

const (
	// BarNone marks a bar without a predecessor in its series.
	BarNone BarType = iota
	BarInside
	BarDirUp
	BarDirDown
	BarOutside
)

// String returns the conventional STRAT label.
func (t BarType) String() string {
	switch t {
	case BarInside:
		return "1"
	case BarDirUp:
		return "2U"
	case BarDirDown:
		return "2D"
	case BarOutside:
		return "3"
	default:
		return "-"
	}
}

// IsDirectional reports whether the bar is a 2U or 2D.
func (t BarType) IsDirectional() bool {
	return t == BarDirUp || t == BarDirDown
}

// PatternKind names a recognised motif.
type PatternKind string

const (
	Pattern131 PatternKind = "1-3-1"
	Pattern322 PatternKind = "3-2-2"
	Pattern22  PatternKind = "2-2"
)

// PatternKinds lists every supported kind.
var PatternKinds = []PatternKind{Pattern131, Pattern322, Pattern22}

// ParsePatternKind validates a kind name.
func ParsePatternKind(s string) (PatternKind, error) {
	for _, k := range PatternKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown pattern kind %q", s)
}

// Direction is the bias of a match.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
)

// PatternMatch is one recognised motif on a (symbol, timeframe) series.
type PatternMatch struct {
	ID                string
	Symbol            string
	Timeframe         string
	Kind              PatternKind
	Bars              []ComposedBar
	Direction         Direction
	TriggerPrice      float64
	InvalidationPrice float64
	DetectedAt        time.Time // PeriodEnd of the final bar
}

// Last returns the final bar of the match.
func (m PatternMatch) Last() ComposedBar {
	return m.Bars[len(m.Bars)-1]
}

// SeriesKey identifies the series the match belongs to.
func (m PatternMatch) SeriesKey() SeriesKey {
	return SeriesKey{Symbol: m.Symbol, Timeframe: m.Timeframe}
}

// SeriesKey identifies one (symbol, timeframe) bar series.
type SeriesKey struct {
	Symbol    string
	Timeframe string
}

func (k SeriesKey) String() string {
	return k.Symbol + "/" + k.Timeframe
}

// RewardRiskRatio is fixed for every signal.
const RewardRiskRatio = 2.0

// Signal holds the trade parameters derived from a match.
type Signal struct {
	ID          string
	Match       PatternMatch
	Entry       float64
	Stop        float64
	Target      float64
	Risk        float64
	RewardRisk  float64
	Confidence  float64
	GeneratedAt time.Time
}

// String returns a human-readable representation of the signal.
func (s Signal) String() string {
	return fmt.Sprintf("%s %s %s %s entry=%.4f stop=%.4f target=%.4f risk=%.4f conf=%.2f",
		s.Match.Symbol, s.Match.Timeframe, s.Match.Kind, s.Match.Direction,
		s.Entry, s.Stop, s.Target, s.Risk, s.Confidence,
	)
}

// TradingDayLayout formats an exchange-local calendar day.
const TradingDayLayout = "2006-01-02"

// AlertKey is the deduplication identity of an alert.
type AlertKey struct {
	Symbol     string
	Kind       PatternKind
	Timeframe  string
	TradingDay string // exchange-local YYYY-MM-DD
}

func (k AlertKey) String() string {
	return k.Symbol + "|" + string(k.Kind) + "|" + k.Timeframe + "|" + k.TradingDay
}

// KeyFor builds the alert key of a signal for the trading day containing at (exchange-local).
func KeyFor(sig Signal, at time.Time, loc *time.Location) AlertKey {
	if loc == nil {
		loc = time.UTC
	}
	return AlertKey{
		Symbol:     sig.Match.Symbol,
		Kind:       sig.Match.Kind,
		Timeframe:  sig.Match.Timeframe,
		TradingDay: at.In(loc).Format(TradingDayLayout),
	}
}

// AlertRecord is persisted once a signal has been delivered.
type AlertRecord struct {
	Key      AlertKey
	SignalID string
	SentAt   time.Time
}
