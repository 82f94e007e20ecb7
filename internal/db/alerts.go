package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/algomatic/strat-service/internal/dedup"
	"github.com/algomatic/strat-service/internal/types"
)

// AlertStore is a dedup.Store backed by the strat_alerts table.
//
// Each lease is a transaction holding a transaction-scoped advisory lock on
// the alert key, so the existence check and the insert are one atomic unit
// across every scanner process sharing the database.
type AlertStore struct {
	client *Client
}

// NewAlertStore creates an alert store on the client's pool.
func NewAlertStore(client *Client) *AlertStore {
	return &AlertStore{client: client}
}

// Acquire begins a transaction, locks key and checks for an existing record.
func (s *AlertStore) Acquire(ctx context.Context, key types.AlertKey) (dedup.Lease, error) {
	day, err := time.Parse(types.TradingDayLayout, key.TradingDay)
	if err != nil {
		return nil, fmt.Errorf("parsing trading day %q: %w", key.TradingDay, err)
	}

	tx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning alert transaction: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key.String()); err != nil {
		tx.Rollback(ctx) //nolint:errcheck
		return nil, fmt.Errorf("locking alert key %s: %w", key, err)
	}

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM strat_alerts
		   WHERE symbol = $1 AND pattern = $2 AND timeframe = $3 AND trading_day = $4
		 )`,
		key.Symbol, string(key.Kind), key.Timeframe, day,
	).Scan(&exists)
	if err != nil {
		tx.Rollback(ctx) //nolint:errcheck
		return nil, fmt.Errorf("checking alert %s: %w", key, err)
	}
	if exists {
		tx.Rollback(ctx) //nolint:errcheck
		return nil, fmt.Errorf("%s: %w", key, types.ErrDuplicateAlert)
	}

	return &pgLease{tx: tx, key: key, day: day}, nil
}

// CountAlerts returns how many records exist for key.
func (s *AlertStore) CountAlerts(ctx context.Context, key types.AlertKey) (int, error) {
	var n int
	err := s.client.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM strat_alerts
		 WHERE symbol = $1 AND pattern = $2 AND timeframe = $3 AND trading_day = $4::date`,
		key.Symbol, string(key.Kind), key.Timeframe, key.TradingDay,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting alerts: %w", err)
	}
	return n, nil
}

type pgLease struct {
	tx  pgx.Tx
	key types.AlertKey
	day time.Time
}

func (l *pgLease) Commit(ctx context.Context, rec types.AlertRecord) error {
	defer l.tx.Rollback(ctx) //nolint:errcheck

	tag, err := l.tx.Exec(ctx,
		`INSERT INTO strat_alerts (symbol, pattern, timeframe, trading_day, signal_id, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (symbol, pattern, timeframe, trading_day) DO NOTHING`,
		l.key.Symbol, string(l.key.Kind), l.key.Timeframe, l.day, rec.SignalID, rec.SentAt,
	)
	if err != nil {
		return fmt.Errorf("inserting alert %s: %w", l.key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", l.key, types.ErrDuplicateAlert)
	}
	if err := l.tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing alert %s: %w", l.key, err)
	}
	return nil
}

func (l *pgLease) Release(ctx context.Context) error {
	if err := l.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rolling back alert %s: %w", l.key, err)
	}
	return nil
}
