package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/risk"
)

func sampleRecord(account, date string, blocked bool) risk.Record {
	rec := risk.Record{
		DailyPnL: risk.DailyPnL{
			AccountID:     account,
			Date:          date,
			RealizedPnL:   -120.5,
			UnrealizedPnL: 14.25,
			TradesCount:   7,
			Wins:          3,
			Losses:        4,
			PeakPnL:       80,
			MaxDrawdown:   200.5,
		},
		ConsecutiveLosses: 2,
		PersistedAt:       time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC),
	}
	if blocked {
		until := time.Date(2026, 3, 4, 14, 30, 0, 0, time.UTC)
		rec.DailyPnL.TradingBlocked = true
		rec.DailyPnL.BlockedReason = "consecutive losses 5 >= 5"
		rec.BlockUntil = &until
	}
	return rec
}

func newSQLiteStore(t *testing.T) *SQLiteDailyPnLStore {
	t.Helper()
	store, err := NewSQLiteDailyPnLStore(filepath.Join(t.TempDir(), "kernel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteDailyPnLStore_SaveAndLoad(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	blocked := sampleRecord("acct-1", "2026-03-04", true)
	plain := sampleRecord("acct-2", "2026-03-04", false)
	require.NoError(t, store.Save(ctx, blocked))
	require.NoError(t, store.Save(ctx, plain))

	records, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	got := records[0]
	assert.Equal(t, blocked.DailyPnL, got.DailyPnL)
	assert.Equal(t, 2, got.ConsecutiveLosses)
	require.NotNil(t, got.BlockUntil)
	assert.True(t, blocked.BlockUntil.Equal(*got.BlockUntil))
	assert.True(t, blocked.PersistedAt.Equal(got.PersistedAt))

	assert.Equal(t, "acct-2", records[1].DailyPnL.AccountID)
	assert.Nil(t, records[1].BlockUntil)
}

func TestSQLiteDailyPnLStore_Upsert(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	rec := sampleRecord("acct-1", "2026-03-04", true)
	require.NoError(t, store.Save(ctx, rec))

	rec.DailyPnL.RealizedPnL = -10
	rec.DailyPnL.TradingBlocked = false
	rec.DailyPnL.BlockedReason = ""
	rec.BlockUntil = nil
	require.NoError(t, store.Save(ctx, rec))

	records, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, -10.0, records[0].DailyPnL.RealizedPnL)
	assert.False(t, records[0].DailyPnL.TradingBlocked)
	assert.Nil(t, records[0].BlockUntil)
}

func TestSQLiteDailyPnLStore_Delete(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleRecord("acct-1", "2026-03-03", false)))
	require.NoError(t, store.Save(ctx, sampleRecord("acct-1", "2026-03-04", false)))
	require.NoError(t, store.Delete(ctx, "acct-1", "2026-03-03"))

	records, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "2026-03-04", records[0].DailyPnL.Date)
}

func TestSQLiteDailyPnLStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.db")
	ctx := context.Background()

	store, err := NewSQLiteDailyPnLStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, sampleRecord("acct-1", "2026-03-04", true)))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteDailyPnLStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].DailyPnL.TradingBlocked)
}

func TestSQLiteDailyPnLStore_WithGovernor(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	cfg := risk.DefaultConfig()
	gov := risk.NewGovernor(cfg, store, zerolog.Nop(), nil, nil)
	require.NoError(t, gov.Load(ctx))
	gov.RecordTradeResult(ctx, "acct-1", -42, false)

	records, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, -42.0, records[0].DailyPnL.RealizedPnL)
	assert.Equal(t, 1, records[0].ConsecutiveLosses)
}
