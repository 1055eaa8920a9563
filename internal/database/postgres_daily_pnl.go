package database

import (
	"context"
	"fmt"
	"time"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/risk"
)

const dateLayout = "2006-01-02"

// PostgresDailyPnLStore persists governor records as one row per account-day
type PostgresDailyPnLStore struct {
	db *DB
}

func NewPostgresDailyPnLStore(db *DB) *PostgresDailyPnLStore {
	return &PostgresDailyPnLStore{db: db}
}

// Save upserts the record
func (s *PostgresDailyPnLStore) Save(ctx context.Context, rec risk.Record) error {
	d := rec.DailyPnL
	date, err := time.Parse(dateLayout, d.Date)
	if err != nil {
		return fmt.Errorf("invalid record date %q: %w", d.Date, err)
	}

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO daily_pnl (
			account_id, trade_date, realized_pnl, unrealized_pnl, trades_count, wins, losses,
			peak_pnl, max_drawdown, trading_blocked, blocked_reason, consecutive_losses,
			block_until, persisted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (account_id, trade_date) DO UPDATE SET
			realized_pnl = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			trades_count = EXCLUDED.trades_count,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			peak_pnl = EXCLUDED.peak_pnl,
			max_drawdown = EXCLUDED.max_drawdown,
			trading_blocked = EXCLUDED.trading_blocked,
			blocked_reason = EXCLUDED.blocked_reason,
			consecutive_losses = EXCLUDED.consecutive_losses,
			block_until = EXCLUDED.block_until,
			persisted_at = EXCLUDED.persisted_at`,
		d.AccountID, date, d.RealizedPnL, d.UnrealizedPnL, d.TradesCount, d.Wins, d.Losses,
		d.PeakPnL, d.MaxDrawdown, d.TradingBlocked, d.BlockedReason, rec.ConsecutiveLosses,
		rec.BlockUntil, rec.PersistedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save daily pnl: %w", err)
	}
	return nil
}

// LoadAll returns every stored record
func (s *PostgresDailyPnLStore) LoadAll(ctx context.Context) ([]risk.Record, error) {
	rows, err := s.db.Pool.Query(ctx, `
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
		var date time.Time
		d := &rec.DailyPnL
		if err := rows.Scan(
			&d.AccountID, &date, &d.RealizedPnL, &d.UnrealizedPnL, &d.TradesCount, &d.Wins, &d.Losses,
			&d.PeakPnL, &d.MaxDrawdown, &d.TradingBlocked, &d.BlockedReason, &rec.ConsecutiveLosses,
			&rec.BlockUntil, &rec.PersistedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan daily pnl: %w", err)
		}
		d.Date = date.Format(dateLayout)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes one account-day
func (s *PostgresDailyPnLStore) Delete(ctx context.Context, accountID, date string) error {
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return fmt.Errorf("invalid record date %q: %w", date, err)
	}
	if _, err := s.db.Pool.Exec(ctx, `DELETE FROM daily_pnl WHERE account_id = $1 AND trade_date = $2`, accountID, day); err != nil {
		return fmt.Errorf("failed to delete daily pnl: %w", err)
	}
	return nil
}
