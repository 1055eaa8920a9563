package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestController(limits map[string]Limits) (*Controller, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	c := NewController(Config{Limits: limits}, zerolog.Nop(), nil, nil)
	c.now = clock.Now
	return c, clock
}

func TestTryAcquire_BurstLimit(t *testing.T) {
	c, clock := newTestController(nil)

	for i := 0; i < 3; i++ {
		res := c.TryAcquire(TradingEngine)
		require.True(t, res.Acquired, "request %d", i)
	}

	res := c.TryAcquire(TradingEngine)
	assert.False(t, res.Acquired)
	assert.Contains(t, res.Reason, "burst")
	assert.Equal(t, time.Second, res.WaitTime)
	assert.False(t, c.InCooldown(TradingEngine), "burst never starts a cooldown")

	clock.Advance(1100 * time.Millisecond)
	assert.True(t, c.CanProceed(TradingEngine))
}

func TestTryAcquire_MinuteLimitAndRemaining(t *testing.T) {
	c, clock := newTestController(nil)

	for i := 0; i < 10; i++ {
		require.True(t, c.TryAcquire(TradingEngine).Acquired)
		clock.Advance(2 * time.Second)
	}

	rem := c.Remaining(TradingEngine)
	assert.Equal(t, 0, rem.Minute)
	assert.Equal(t, 50, rem.Hour)
	assert.Equal(t, 190, rem.Day)

	res := c.TryAcquire(TradingEngine)
	assert.False(t, res.Acquired)
	assert.Contains(t, res.Reason, "minute")
	assert.False(t, c.InCooldown(TradingEngine))

	// first request was 20s ago, frees at 60s
	assert.Equal(t, 40*time.Second, c.RetryAfter(TradingEngine))

	// the oldest request leaves the window and admission resumes for one slot
	clock.Advance(41 * time.Second)
	assert.Equal(t, 1, c.Remaining(TradingEngine).Minute)
	require.True(t, c.TryAcquire(TradingEngine).Acquired)
	assert.False(t, c.TryAcquire(TradingEngine).Acquired)
	assert.Equal(t, 49, c.Remaining(TradingEngine).Hour)
}

func TestCanProceed_HourBreachStartsCooldown(t *testing.T) {
	c, clock := newTestController(map[string]Limits{
		"orders": {Burst: 100, PerMinute: 100, PerHour: 5, PerDay: 100, Cooldown: 30 * time.Second},
	})

	for i := 0; i < 5; i++ {
		require.True(t, c.TryAcquire("orders").Acquired)
	}

	assert.False(t, c.CanProceed("orders"))
	assert.True(t, c.InCooldown("orders"))
	assert.Equal(t, 30*time.Second, c.RetryAfter("orders"))

	clock.Advance(31 * time.Second)
	assert.False(t, c.InCooldown("orders"))
	assert.False(t, c.CanProceed("orders"), "hour window still full")
}

func TestCanProceed_DayBreachDoublesCooldown(t *testing.T) {
	c, clock := newTestController(map[string]Limits{
		"orders": {Burst: 100, PerMinute: 100, PerHour: 100, PerDay: 3, Cooldown: 30 * time.Second},
	})

	for i := 0; i < 3; i++ {
		require.True(t, c.TryAcquire("orders").Acquired)
		clock.Advance(2 * time.Hour)
	}

	res := c.TryAcquire("orders")
	assert.False(t, res.Acquired)
	assert.Contains(t, res.Reason, "day")
	assert.Equal(t, 60*time.Second, res.WaitTime)
}

func TestCooldownDeniesRegardlessOfWindows(t *testing.T) {
	c, clock := newTestController(map[string]Limits{
		"orders": {Burst: 100, PerMinute: 100, PerHour: 2, PerDay: 100, Cooldown: 10 * time.Minute},
	})

	c.Record("orders")
	c.Record("orders")
	require.False(t, c.CanProceed("orders"))

	// hour window drains, cooldown still holds
	clock.Advance(61 * time.Minute)
	c.mu.Lock()
	c.windows["orders"].cooldownUntil = clock.Now().Add(time.Minute)
	c.mu.Unlock()
	assert.False(t, c.CanProceed("orders"))

	clock.Advance(2 * time.Minute)
	assert.True(t, c.CanProceed("orders"))
}

func TestUnknownComponentUsesDefault(t *testing.T) {
	c, _ := newTestController(nil)
	assert.Equal(t, DefaultComponentLimits(), c.LimitsFor("something_new"))
	assert.Equal(t, 10, c.Remaining("something_new").Burst)
}

func TestRecordedCountNeverExceedsQuota(t *testing.T) {
	c, clock := newTestController(nil)

	admitted := 0
	for i := 0; i < 500; i++ {
		if c.TryAcquire(ExchangeAPI).Acquired {
			admitted++
		}
		clock.Advance(100 * time.Millisecond)
	}

	c.mu.Lock()
	w := c.windows[ExchangeAPI]
	perMinute := w.count(clock.Now(), minuteWindow)
	c.mu.Unlock()
	assert.LessOrEqual(t, perMinute, 30)
	assert.Equal(t, 30, admitted, "500 requests over 50s admit one minute's quota")
}

func TestResetAndSweep(t *testing.T) {
	c, clock := newTestController(nil)

	c.Record(MarketData)
	c.Record(Database)
	clock.Advance(25 * time.Hour)
	assert.Equal(t, 2, c.Sweep())

	for i := 0; i < 3; i++ {
		c.Record(TradingEngine)
	}
	assert.False(t, c.CanProceed(TradingEngine))
	c.Reset(TradingEngine)
	assert.True(t, c.CanProceed(TradingEngine))

	for i := 0; i < 3; i++ {
		c.Record(TradingEngine)
	}
	c.ResetAll()
	assert.Equal(t, 3, c.Remaining(TradingEngine).Burst)
}

func TestGuard(t *testing.T) {
	c, _ := newTestController(map[string]Limits{
		"ai": {Burst: 1, PerMinute: 10, PerHour: 10, PerDay: 10, Cooldown: time.Second},
	})

	calls := 0
	require.NoError(t, c.Guard("ai", func() error { calls++; return nil }))

	err := c.Guard("ai", func() error { calls++; return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))

	var limitErr *LimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, "ai", limitErr.Component)
	assert.Equal(t, 1, calls)
}
