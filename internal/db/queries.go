package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/algomatic/strat-service/internal/types"
)

// GetActiveTickers returns all active ticker symbols ordered alphabetically.
func (c *Client) GetActiveTickers(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT symbol FROM tickers WHERE is_active = true ORDER BY symbol`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying active tickers: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning ticker row: %w", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// FetchBars returns source bars for symbol in [start, end), ordered ascending,
// from the ohlcv_bars table maintained by the market-data service.
func (c *Client) FetchBars(ctx context.Context, symbol, granularity string, start, end time.Time) ([]types.RawBar, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT b.timestamp, b.open, b.high, b.low, b.close, b.volume
		 FROM ohlcv_bars b
		 JOIN tickers t ON t.id = b.ticker_id
		 WHERE t.symbol = $1 AND b.timeframe = $2
		   AND b.timestamp >= $3 AND b.timestamp < $4
		 ORDER BY b.timestamp ASC`,
		symbol, granularity, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("querying %s bars for %s: %w", granularity, symbol, err)
	}
	defer rows.Close()

	var bars []types.RawBar
	for rows.Next() {
		b := types.RawBar{Symbol: symbol, Timeframe: granularity}
		if err := rows.Scan(&b.OpenTime, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scanning bar row: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// AppendBars stores composed bars in batches of 1000 using pgx.Batch.
// Bars already stored for the same period are skipped.
func (c *Client) AppendBars(ctx context.Context, bars []types.ComposedBar) error {
	if len(bars) == 0 {
		return nil
	}

	const batchSize = 1000
	for i := 0; i < len(bars); i += batchSize {
		end := min(i+batchSize, len(bars))
		chunk := bars[i:end]

		batch := &pgx.Batch{}
		for _, bar := range chunk {
			batch.Queue(
				`INSERT INTO strat_composed_bars
				   (symbol, timeframe, period_start, period_end, open, high, low, close, volume, constituents, missing, bar_type)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				 ON CONFLICT (symbol, timeframe, period_start) DO NOTHING`,
				bar.Symbol, bar.Timeframe, bar.PeriodStart, bar.PeriodEnd,
				nullablePrice(bar, bar.Open), nullablePrice(bar, bar.High),
				nullablePrice(bar, bar.Low), nullablePrice(bar, bar.Close),
				bar.Volume, bar.Constituents, bar.Missing, bar.Type.String(),
			)
		}

		results := c.pool.SendBatch(ctx, batch)
		for range chunk {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("executing bar batch insert: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("closing batch results: %w", err)
		}

		c.logger.Debug("Composed bar batch stored", "chunk_size", len(chunk), "offset", i)
	}
	return nil
}

// AppendMatch stores a detected pattern match.
func (c *Client) AppendMatch(ctx context.Context, m types.PatternMatch) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO strat_pattern_matches
		   (id, symbol, timeframe, pattern, direction, trigger_price, invalidation_price, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Symbol, m.Timeframe, string(m.Kind), string(m.Direction),
		m.TriggerPrice, m.InvalidationPrice, m.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting pattern match %s: %w", m.ID, err)
	}
	return nil
}

// nullablePrice stores Missing bars with NULL prices.
func nullablePrice(bar types.ComposedBar, v float64) *float64 {
	if bar.Missing {
		return nil
	}
	return &v
}
