package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/algomatic/strat-service/internal/dedup"
	"github.com/algomatic/strat-service/internal/types"
)

const leasePoll = 50 * time.Millisecond

// Acquire implements dedup.Store. Goroutines of this process queue on an
// in-process key lock; other processes sharing the file are excluded by a
// row in alert_leases that expires after the lease TTL.
func (s *Storage) Acquire(ctx context.Context, key types.AlertKey) (dedup.Lease, error) {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	lease := &sqliteLease{s: s, key: key, token: uuid.NewString(), unlock: unlock}

	for {
		ok, err := s.takeLease(ctx, key, lease.token)
		if err != nil {
			unlock()
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-time.After(leasePoll):
		case <-ctx.Done():
			unlock()
			return nil, ctx.Err()
		}
	}

	n, err := s.CountAlerts(ctx, key)
	if err != nil {
		lease.Release(context.WithoutCancel(ctx)) //nolint:errcheck
		return nil, err
	}
	if n > 0 {
		lease.Release(context.WithoutCancel(ctx)) //nolint:errcheck
		return nil, fmt.Errorf("%s: %w", key, types.ErrDuplicateAlert)
	}
	return lease, nil
}

// takeLease inserts the lease row, or takes over an expired one, in one
// statement. It reports whether token now holds the lease.
func (s *Storage) takeLease(ctx context.Context, key types.AlertKey, token string) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_leases (symbol, pattern, timeframe, trading_day, token, expires_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (symbol, pattern, timeframe, trading_day) DO UPDATE
		SET token = excluded.token, expires_at = excluded.expires_at
		WHERE alert_leases.expires_at <= ?`,
		key.Symbol, string(key.Kind), key.Timeframe, key.TradingDay,
		token, now.Add(s.leaseTTL).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to take alert lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to take alert lease %s: %w", key, err)
	}
	return n == 1, nil
}

// CountAlerts returns how many records exist for key.
func (s *Storage) CountAlerts(ctx context.Context, key types.AlertKey) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alerts
		WHERE symbol = ? AND pattern = ? AND timeframe = ? AND trading_day = ?`,
		key.Symbol, string(key.Kind), key.Timeframe, key.TradingDay,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

type sqliteLease struct {
	s      *Storage
	key    types.AlertKey
	token  string
	unlock func()
}

// Commit inserts the record and drops the lease row in one transaction.
func (l *sqliteLease) Commit(ctx context.Context, rec types.AlertRecord) error {
	defer l.unlock()

	tx, err := l.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO alerts (symbol, pattern, timeframe, trading_day, signal_id, sent_at)
		VALUES (?,?,?,?,?,?)`,
		l.key.Symbol, string(l.key.Kind), l.key.Timeframe, l.key.TradingDay,
		rec.SignalID, rec.SentAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	if err := l.deleteLease(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit alert: %w", err)
	}
	if inserted == 0 {
		return fmt.Errorf("%s: %w", l.key, types.ErrDuplicateAlert)
	}
	return nil
}

func (l *sqliteLease) Release(ctx context.Context) error {
	defer l.unlock()
	return l.deleteLease(ctx, l.s.db)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// deleteLease removes the lease row if it still carries this lease's token.
func (l *sqliteLease) deleteLease(ctx context.Context, db execer) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM alert_leases
		WHERE symbol = ? AND pattern = ? AND timeframe = ? AND trading_day = ? AND token = ?`,
		l.key.Symbol, string(l.key.Kind), l.key.Timeframe, l.key.TradingDay, l.token,
	)
	if err != nil {
		return fmt.Errorf("failed to release alert lease %s: %w", l.key, err)
	}
	return nil
}
