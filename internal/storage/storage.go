// Package storage provides SQLite-backed persistence for alert records and
// the scan audit trail.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/algomatic/strat-service/internal/dedup"
	"github.com/algomatic/strat-service/internal/types"
)

// DefaultLeaseTTL bounds how long an abandoned alert lease blocks its key.
const DefaultLeaseTTL = 2 * time.Minute

// Storage wraps a SQLite database.
type Storage struct {
	db       *sql.DB
	locks    dedup.KeyLocker
	leaseTTL time.Duration
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/strat-service/strat.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "strat-service", "strat.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	// Other processes may hold the write lock briefly.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	s := &Storage{db: db, leaseTTL: DefaultLeaseTTL}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			symbol      TEXT NOT NULL,
			pattern     TEXT NOT NULL,
			timeframe   TEXT NOT NULL,
			trading_day TEXT NOT NULL,
			signal_id   TEXT NOT NULL,
			sent_at     INTEGER NOT NULL,
			PRIMARY KEY (symbol, pattern, timeframe, trading_day)
		)`,
		`CREATE TABLE IF NOT EXISTS alert_leases (
			symbol      TEXT NOT NULL,
			pattern     TEXT NOT NULL,
			timeframe   TEXT NOT NULL,
			trading_day TEXT NOT NULL,
			token       TEXT NOT NULL,
			expires_at  INTEGER NOT NULL,
			PRIMARY KEY (symbol, pattern, timeframe, trading_day)
		)`,
		`CREATE TABLE IF NOT EXISTS composed_bars (
			symbol       TEXT NOT NULL,
			timeframe    TEXT NOT NULL,
			period_start INTEGER NOT NULL,
			period_end   INTEGER NOT NULL,
			open         REAL,
			high         REAL,
			low          REAL,
			close        REAL,
			volume       INTEGER NOT NULL DEFAULT 0,
			constituents INTEGER NOT NULL DEFAULT 0,
			missing      INTEGER NOT NULL DEFAULT 0,
			bar_type     TEXT NOT NULL,
			PRIMARY KEY (symbol, timeframe, period_start)
		)`,
		`CREATE TABLE IF NOT EXISTS pattern_matches (
			id                 TEXT PRIMARY KEY,
			symbol             TEXT NOT NULL,
			timeframe          TEXT NOT NULL,
			pattern            TEXT NOT NULL,
			direction          TEXT NOT NULL,
			trigger_price      REAL NOT NULL,
			invalidation_price REAL NOT NULL,
			detected_at        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pattern_matches_detected_at ON pattern_matches(detected_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendBars stores composed bars; bars already stored for a period are kept.
func (s *Storage) AppendBars(ctx context.Context, bars []types.ComposedBar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO composed_bars
			(symbol, timeframe, period_start, period_end, open, high, low, close,
			 volume, constituents, missing, bar_type)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare bar insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		var open, high, low, closePrice any
		if !b.Missing {
			open, high, low, closePrice = b.Open, b.High, b.Low, b.Close
		}
		if _, err := stmt.ExecContext(ctx,
			b.Symbol, b.Timeframe, b.PeriodStart.UnixNano(), b.PeriodEnd.UnixNano(),
			open, high, low, closePrice,
			b.Volume, b.Constituents, boolToInt(b.Missing), b.Type.String(),
		); err != nil {
			return fmt.Errorf("failed to insert bar: %w", err)
		}
	}
	return tx.Commit()
}

// AppendMatch stores a detected pattern match.
func (s *Storage) AppendMatch(ctx context.Context, m types.PatternMatch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO pattern_matches
			(id, symbol, timeframe, pattern, direction, trigger_price, invalidation_price, detected_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.Symbol, m.Timeframe, string(m.Kind), string(m.Direction),
		m.TriggerPrice, m.InvalidationPrice, m.DetectedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert pattern match: %w", err)
	}
	return nil
}

// RecentMatches returns the k most recently detected matches for symbol.
func (s *Storage) RecentMatches(ctx context.Context, symbol string, k int) ([]types.PatternMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, timeframe, pattern, direction, trigger_price, invalidation_price, detected_at
		FROM pattern_matches WHERE symbol = ?
		ORDER BY detected_at DESC LIMIT ?`, symbol, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()

	var out []types.PatternMatch
	for rows.Next() {
		var (
			m          types.PatternMatch
			kind, dir  string
			detectedNs int64
		)
		if err := rows.Scan(&m.ID, &m.Symbol, &m.Timeframe, &kind, &dir,
			&m.TriggerPrice, &m.InvalidationPrice, &detectedNs); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		m.Kind = types.PatternKind(kind)
		m.Direction = types.Direction(dir)
		m.DetectedAt = time.Unix(0, detectedNs).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
