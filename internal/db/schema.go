package db

import (
	"context"
	"fmt"
)

// schema creates the tables owned by the scanner. ohlcv_bars and tickers
// belong to the market-data service and are only read.
const schema = `
CREATE TABLE IF NOT EXISTS strat_alerts (
	symbol      TEXT        NOT NULL,
	pattern     TEXT        NOT NULL,
	timeframe   TEXT        NOT NULL,
	trading_day DATE        NOT NULL,
	signal_id   TEXT        NOT NULL,
	sent_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (symbol, pattern, timeframe, trading_day)
);

CREATE TABLE IF NOT EXISTS strat_composed_bars (
	symbol       TEXT             NOT NULL,
	timeframe    TEXT             NOT NULL,
	period_start TIMESTAMPTZ      NOT NULL,
	period_end   TIMESTAMPTZ      NOT NULL,
	open         DOUBLE PRECISION,
	high         DOUBLE PRECISION,
	low          DOUBLE PRECISION,
	close        DOUBLE PRECISION,
	volume       BIGINT           NOT NULL DEFAULT 0,
	constituents INTEGER          NOT NULL DEFAULT 0,
	missing      BOOLEAN          NOT NULL DEFAULT false,
	bar_type     TEXT             NOT NULL,
	created_at   TIMESTAMPTZ      NOT NULL DEFAULT NOW(),
	PRIMARY KEY (symbol, timeframe, period_start)
);

CREATE TABLE IF NOT EXISTS strat_pattern_matches (
	id                 TEXT             PRIMARY KEY,
	symbol             TEXT             NOT NULL,
	timeframe          TEXT             NOT NULL,
	pattern            TEXT             NOT NULL,
	direction          TEXT             NOT NULL,
	trigger_price      DOUBLE PRECISION NOT NULL,
	invalidation_price DOUBLE PRECISION NOT NULL,
	detected_at        TIMESTAMPTZ      NOT NULL,
	created_at         TIMESTAMPTZ      NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_strat_pattern_matches_symbol
	ON strat_pattern_matches (symbol, timeframe, detected_at);
`

// EnsureSchema creates the scanner's tables if they do not exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}
