package database

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/metrics"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/risk"
)

func TestRedisDailyPnLStore_MemoryOnly(t *testing.T) {
	ctx := context.Background()
	store := NewRedisDailyPnLStore(ctx, nil, zerolog.Nop())
	assert.False(t, store.Available())
	assert.False(t, store.CheckRedisConnection(ctx))

	require.NoError(t, store.Save(ctx, sampleRecord("acct-2", "2026-03-04", false)))
	require.NoError(t, store.Save(ctx, sampleRecord("acct-1", "2026-03-04", true)))

	records, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "acct-1", records[0].DailyPnL.AccountID)

	require.NoError(t, store.Delete(ctx, "acct-1", "2026-03-04"))
	records, err = store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestRedisDailyPnLStore_UnreachableFallsBack(t *testing.T) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	store := NewRedisDailyPnLStore(ctx, client, zerolog.Nop())
	assert.False(t, store.Available())

	// writes land in memory and report the outage
	assert.ErrorIs(t, store.Save(ctx, sampleRecord("acct-1", "2026-03-04", false)), ErrRedisUnavailable)
	records, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRedisDailyPnLStore_RecoversAfterOutage(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis(t)
	store := NewRedisDailyPnLStore(ctx, fake.client(t), zerolog.Nop())
	store.SetReconnectInterval(0)
	require.True(t, store.Available())

	require.NoError(t, store.Save(ctx, sampleRecord("acct-1", "2026-03-04", false)))
	assert.Equal(t, int32(1), fake.setCalls.Load())

	fake.Down()
	assert.Error(t, store.Save(ctx, sampleRecord("acct-2", "2026-03-04", false)))
	assert.False(t, store.Available())
	assert.ErrorIs(t, store.Save(ctx, sampleRecord("acct-3", "2026-03-04", true)), ErrRedisUnavailable)

	fake.Up()
	require.NoError(t, store.Save(ctx, sampleRecord("acct-1", "2026-03-04", false)))
	assert.True(t, store.Available())

	// records written during the outage reached Redis on recovery
	for _, account := range []string{"acct-1", "acct-2", "acct-3"} {
		assert.True(t, fake.Has(recordKey(account, "2026-03-04")), account)
	}
	other := NewRedisDailyPnLStore(ctx, fake.client(t), zerolog.Nop())
	records, err := other.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "acct-3", records[2].DailyPnL.AccountID)
	assert.True(t, records[2].DailyPnL.TradingBlocked)
}

func TestRedisDailyPnLStore_ReconnectIsRateLimited(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis(t)
	store := NewRedisDailyPnLStore(ctx, fake.client(t), zerolog.Nop())
	store.SetReconnectInterval(time.Hour)

	fake.Down()
	assert.Error(t, store.Save(ctx, sampleRecord("acct-1", "2026-03-04", false)))
	fake.Up()
	pings := fake.pings.Load()

	assert.ErrorIs(t, store.Save(ctx, sampleRecord("acct-1", "2026-03-04", false)), ErrRedisUnavailable)
	records, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, pings, fake.pings.Load())
	assert.False(t, fake.Has(recordKey("acct-1", "2026-03-04")))

	// an explicit check bypasses the interval and writes the cache back
	assert.True(t, store.CheckRedisConnection(ctx))
	assert.True(t, fake.Has(recordKey("acct-1", "2026-03-04")))
	require.NoError(t, store.Save(ctx, sampleRecord("acct-1", "2026-03-04", false)))
}

func TestRedisDailyPnLStore_OutageCountedByGovernor(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis(t)
	store := NewRedisDailyPnLStore(ctx, fake.client(t), zerolog.Nop())
	store.SetReconnectInterval(0)

	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	governor := risk.NewGovernor(risk.DefaultConfig(), store, zerolog.Nop(), nil, m)

	fake.Down()
	governor.RecordTradeResult(ctx, "acct-1", -42, false)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StoreErrors.WithLabelValues("save")))

	fake.Up()
	governor.RecordTradeResult(ctx, "acct-1", 10, true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StoreErrors.WithLabelValues("save")))
	records, err := NewRedisDailyPnLStore(ctx, fake.client(t), zerolog.Nop()).LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].DailyPnL.TradesCount)
}

func TestRedisDailyPnLStore_Container(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start redis container")
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}()

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	defer client.Close()

	store := NewRedisDailyPnLStore(ctx, client, zerolog.Nop())
	require.True(t, store.Available())

	rec := sampleRecord("acct-1", "2026-03-04", true)
	require.NoError(t, store.Save(ctx, rec))

	ttl, err := client.TTL(ctx, recordKey("acct-1", "2026-03-04")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 47*time.Hour)

	// a second store sees the record through Redis alone
	other := NewRedisDailyPnLStore(ctx, client, zerolog.Nop())
	records, err := other.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.DailyPnL, records[0].DailyPnL)
	require.NotNil(t, records[0].BlockUntil)
	assert.True(t, rec.BlockUntil.Equal(*records[0].BlockUntil))

	// an expired record drops out of the index
	require.NoError(t, client.Del(ctx, recordKey("acct-1", "2026-03-04")).Err())
	records, err = other.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
	members, err := client.SMembers(ctx, DailyPnLIndexKey).Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}
