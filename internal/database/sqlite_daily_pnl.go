package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/risk"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS daily_pnl (
	account_id TEXT NOT NULL,
	trade_date TEXT NOT NULL,
	realized_pnl REAL NOT NULL DEFAULT 0,
	unrealized_pnl REAL NOT NULL DEFAULT 0,
	trades_count INTEGER NOT NULL DEFAULT 0,
	wins INTEGER NOT NULL DEFAULT 0,
	losses INTEGER NOT NULL DEFAULT 0,
	peak_pnl REAL NOT NULL DEFAULT 0,
	max_drawdown REAL NOT NULL DEFAULT 0,
	trading_blocked INTEGER NOT NULL DEFAULT 0,
	blocked_reason TEXT NOT NULL DEFAULT '',
	consecutive_losses INTEGER NOT NULL DEFAULT 0,
	block_until TEXT,
	persisted_at TEXT NOT NULL,
	PRIMARY KEY (account_id, trade_date)
);`

// SQLiteDailyPnLStore persists governor records in a local database file
type SQLiteDailyPnLStore struct {
	db *sql.DB
}

// NewSQLiteDailyPnLStore opens (or creates) the database at path
func NewSQLiteDailyPnLStore(path string) (*SQLiteDailyPnLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	return &SQLiteDailyPnLStore{db: db}, nil
}

func (s *SQLiteDailyPnLStore) Save(ctx context.Context, rec risk.Record) error {
	d := rec.DailyPnL
	var blockUntil sql.NullString
	if rec.BlockUntil != nil {
		blockUntil = sql.NullString{String: rec.BlockUntil.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_pnl (
			account_id, trade_date, realized_pnl, unrealized_pnl, trades_count, wins, losses,
			peak_pnl, max_drawdown, trading_blocked, blocked_reason, consecutive_losses,
			block_until, persisted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, trade_date) DO UPDATE SET
			realized_pnl = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl,
			trades_count = excluded.trades_count,
			wins = excluded.wins,
			losses = excluded.losses,
			peak_pnl = excluded.peak_pnl,
			max_drawdown = excluded.max_drawdown,
			trading_blocked = excluded.trading_blocked,
			blocked_reason = excluded.blocked_reason,
			consecutive_losses = excluded.consecutive_losses,
			block_until = excluded.block_until,
			persisted_at = excluded.persisted_at`,
		d.AccountID, d.Date, d.RealizedPnL, d.UnrealizedPnL, d.TradesCount, d.Wins, d.Losses,
		d.PeakPnL, d.MaxDrawdown, d.TradingBlocked, d.BlockedReason, rec.ConsecutiveLosses,
		blockUntil, rec.PersistedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save daily pnl: %w", err)
	}
	return nil
}

func (s *SQLiteDailyPnLStore) LoadAll(ctx context.Context) ([]risk.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, trade_date, realized_pnl, unrealized_pnl, trades_count, wins, losses,
			peak_pnl, max_drawdown, trading_blocked, blocked_reason, consecutive_losses,
			block_until, persisted_at
		FROM daily_pnl
		ORDER BY account_id, trade_date`)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily pnl: %w", err)
	}
	defer rows.Close()

	var records []risk.Record
	for rows.Next() {
		var rec risk.Record
		var blockUntil sql.NullString
		var persistedAt string
		d := &rec.DailyPnL
		if err := rows.Scan(
			&d.AccountID, &d.Date, &d.RealizedPnL, &d.UnrealizedPnL, &d.TradesCount, &d.Wins, &d.Losses,
			&d.PeakPnL, &d.MaxDrawdown, &d.TradingBlocked, &d.BlockedReason, &rec.ConsecutiveLosses,
			&blockUntil, &persistedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan daily pnl: %w", err)
		}
		if blockUntil.Valid {
			if t, err := time.Parse(time.RFC3339Nano, blockUntil.String); err == nil {
				rec.BlockUntil = &t
			}
		}
		rec.PersistedAt, _ = time.Parse(time.RFC3339Nano, persistedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteDailyPnLStore) Delete(ctx context.Context, accountID, date string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM daily_pnl WHERE account_id = ? AND trade_date = ?`, accountID, date); err != nil {
		return fmt.Errorf("failed to delete daily pnl: %w", err)
	}
	return nil
}

func (s *SQLiteDailyPnLStore) Close() error {
	return s.db.Close()
}
