// Package audit exports composed bars and pattern matches as Parquet files,
// one pair of files per scan cycle.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/algomatic/strat-service/internal/types"
)

// BarRow is the Parquet layout of a composed bar. Times are Unix milliseconds.
type BarRow struct {
	Symbol       string  `parquet:"symbol"`
	Timeframe    string  `parquet:"timeframe"`
	PeriodStart  int64   `parquet:"period_start"`
	PeriodEnd    int64   `parquet:"period_end"`
	Open         float64 `parquet:"o,optional"`
	High         float64 `parquet:"h,optional"`
	Low          float64 `parquet:"l,optional"`
	Close        float64 `parquet:"c,optional"`
	Volume       int64   `parquet:"v"`
	Constituents int32   `parquet:"n"`
	Missing      bool    `parquet:"missing"`
	BarType      string  `parquet:"bar_type"`
}

// MatchRow is the Parquet layout of a pattern match.
type MatchRow struct {
	ID                string  `parquet:"id"`
	Symbol            string  `parquet:"symbol"`
	Timeframe         string  `parquet:"timeframe"`
	Pattern           string  `parquet:"pattern"`
	Direction         string  `parquet:"direction"`
	TriggerPrice      float64 `parquet:"trigger_price"`
	InvalidationPrice float64 `parquet:"invalidation_price"`
	DetectedAt        int64   `parquet:"detected_at"`
	BarTypes          string  `parquet:"bar_types"`
}

// ParquetWriter buffers audit rows in memory until Flush.
type ParquetWriter struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	bars    []BarRow
	matches []MatchRow
}

// NewParquetWriter creates a writer that flushes into dir.
func NewParquetWriter(dir string, logger *slog.Logger) (*ParquetWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return nil, fmt.Errorf("audit directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	return &ParquetWriter{dir: dir, logger: logger, now: time.Now}, nil
}

// AppendBars buffers composed bars.
func (w *ParquetWriter) AppendBars(_ context.Context, bars []types.ComposedBar) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range bars {
		w.bars = append(w.bars, BarRow{
			Symbol:       b.Symbol,
			Timeframe:    b.Timeframe,
			PeriodStart:  b.PeriodStart.UnixMilli(),
			PeriodEnd:    b.PeriodEnd.UnixMilli(),
			Open:         b.Open,
			High:         b.High,
			Low:          b.Low,
			Close:        b.Close,
			Volume:       b.Volume,
			Constituents: int32(b.Constituents),
			Missing:      b.Missing,
			BarType:      b.Type.String(),
		})
	}
	return nil
}

// AppendMatch buffers a pattern match.
func (w *ParquetWriter) AppendMatch(_ context.Context, m types.PatternMatch) error {
	seq := make([]string, len(m.Bars))
	for i, b := range m.Bars {
		seq[i] = b.Type.String()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.matches = append(w.matches, MatchRow{
		ID:                m.ID,
		Symbol:            m.Symbol,
		Timeframe:         m.Timeframe,
		Pattern:           string(m.Kind),
		Direction:         string(m.Direction),
		TriggerPrice:      m.TriggerPrice,
		InvalidationPrice: m.InvalidationPrice,
		DetectedAt:        m.DetectedAt.UnixMilli(),
		BarTypes:          strings.Join(seq, "-"),
	})
	return nil
}

// Flush writes buffered rows to bars-<ts>.parquet and matches-<ts>.parquet
// and clears the buffers. Nothing is written for an empty buffer. Rows stay
// buffered if a write fails.
func (w *ParquetWriter) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	stamp := w.now().UTC().Format("20060102T150405.000Z")
	if len(w.bars) > 0 {
		path := filepath.Join(w.dir, "bars-"+stamp+".parquet")
		if err := parquet.WriteFile(path, w.bars); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		w.logger.Debug("wrote bar audit", "path", path, "rows", len(w.bars))
		w.bars = nil
	}
	if len(w.matches) > 0 {
		path := filepath.Join(w.dir, "matches-"+stamp+".parquet")
		if err := parquet.WriteFile(path, w.matches); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		w.logger.Debug("wrote match audit", "path", path, "rows", len(w.matches))
		w.matches = nil
	}
	return nil
}

// Close flushes any remaining rows.
func (w *ParquetWriter) Close() error {
	return w.Flush(context.Background())
}
