package exposure

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHistory serves fixed close series keyed by symbol
type fakeHistory struct {
	mu     sync.Mutex
	series map[string][]float64
	err    error
	calls  atomic.Int32
	gate   chan struct{}
}

func (f *fakeHistory) Closes(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.series[symbol], nil
}

func baseSeries(n int) []float64 {
	out := make([]float64, n)
	out[0] = 100
	for i := 1; i < n; i++ {
		out[i] = out[i-1] * (1 + float64(i%5-2)/100)
	}
	return out
}

// mirrored returns a series whose returns are the negation of s
func mirrored(s []float64) []float64 {
	out := make([]float64, len(s))
	out[0] = 50
	for i := 1; i < len(s); i++ {
		r := (s[i] - s[i-1]) / s[i-1]
		out[i] = out[i-1] * (1 - r)
	}
	return out
}

func scaled(s []float64, k float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = v * k
	}
	return out
}

func newDynamicLimiter(t *testing.T, h HistoryProvider) *Limiter {
	t.Helper()
	l := NewLimiter(DefaultConfig(), nil, zerolog.Nop(), nil, nil)
	l.EnableDynamic(h, DynamicConfig{})
	return l
}

func TestPearsonReturns(t *testing.T) {
	s := baseSeries(40)

	r, err := pearsonReturns(s, scaled(s, 3))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r, 1e-9)

	r, err = pearsonReturns(s, mirrored(s))
	require.NoError(t, err)
	assert.InDelta(t, -1.0, r, 1e-9)

	// aligned on the most recent candles
	r, err = pearsonReturns(append([]float64{1, 2, 3}, s...), scaled(s, 2))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r, 1e-9)

	_, err = pearsonReturns(s[:9], s[:9])
	assert.ErrorIs(t, err, ErrInsufficientHistory)

	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 10
	}
	_, err = pearsonReturns(flat, s[:20])
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestCandleLimit(t *testing.T) {
	assert.Equal(t, 720, candleLimit(30, "1h"))
	assert.Equal(t, 180, candleLimit(30, "4h"))
	assert.Equal(t, 30, candleLimit(30, "1d"))
	assert.Equal(t, 720, candleLimit(30, "15m"))
}

func TestDynamicCorrelationCaches(t *testing.T) {
	s := baseSeries(40)
	h := &fakeHistory{series: map[string][]float64{"BTC/USDT": s, "ETH/USDT": mirrored(s)}}
	l := newDynamicLimiter(t, h)

	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	r, ok := l.DynamicCorrelation(context.Background(), "btc", "ETH")
	require.True(t, ok)
	assert.InDelta(t, -1.0, r, 1e-9)
	assert.Equal(t, int32(2), h.calls.Load())

	// reversed pair hits the cache
	_, ok = l.DynamicCorrelation(context.Background(), "ETH", "BTC")
	require.True(t, ok)
	assert.Equal(t, int32(2), h.calls.Load())

	now = now.Add(time.Hour)
	_, ok = l.DynamicCorrelation(context.Background(), "ETH", "BTC")
	require.True(t, ok)
	assert.Equal(t, int32(4), h.calls.Load())
}

func TestDynamicCorrelationDeduplicatesConcurrentFetches(t *testing.T) {
	s := baseSeries(40)
	h := &fakeHistory{
		series: map[string][]float64{"SOL/USDT": s, "AVAX/USDT": scaled(s, 0.5)},
		gate:   make(chan struct{}),
	}
	l := newDynamicLimiter(t, h)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, ok := l.DynamicCorrelation(context.Background(), "SOL", "AVAX")
			assert.True(t, ok)
			assert.InDelta(t, 1.0, r, 1e-9)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(h.gate)
	wg.Wait()

	assert.Equal(t, int32(2), h.calls.Load())
}

func TestDynamicCorrelationFallsBack(t *testing.T) {
	t.Run("provider error", func(t *testing.T) {
		l := newDynamicLimiter(t, &fakeHistory{err: errors.New("exchange down")})
		_, ok := l.DynamicCorrelation(context.Background(), "BTC", "ETH")
		assert.False(t, ok)
	})

	t.Run("short history", func(t *testing.T) {
		s := baseSeries(6)
		l := newDynamicLimiter(t, &fakeHistory{series: map[string][]float64{"BTC/USDT": s, "ETH/USDT": s}})
		_, ok := l.DynamicCorrelation(context.Background(), "BTC", "ETH")
		assert.False(t, ok)
	})

	t.Run("no provider", func(t *testing.T) {
		l := NewLimiter(DefaultConfig(), nil, zerolog.Nop(), nil, nil)
		_, ok := l.DynamicCorrelation(context.Background(), "BTC", "ETH")
		assert.False(t, ok)

		r, ok := l.DynamicCorrelation(context.Background(), "BTC", "btc")
		assert.True(t, ok)
		assert.Equal(t, 1.0, r)
	})
}

func TestCanOpenPositionDynamic(t *testing.T) {
	s := baseSeries(40)
	positions := []Position{NewPosition("BTC/USDT", "long", 2500)}

	t.Run("dynamic value refines an unlisted pair", func(t *testing.T) {
		h := &fakeHistory{series: map[string][]float64{"XMR/USDT": s, "DOGE/USDT": scaled(s, 2)}}
		l := newDynamicLimiter(t, h)
		held := []Position{NewPosition("XMR/USDT", "long", 2500)}

		static := l.CanOpenPosition("DOGE/USDT", 2000, held, 10000)
		assert.InDelta(t, 20.0, static.TotalCorrelatedExposurePct, 1e-9)

		res := l.CanOpenPositionDynamic(context.Background(), "DOGE/USDT", 2000, held, 10000)
		require.True(t, res.CanOpen)
		assert.InDelta(t, 45.0, res.TotalCorrelatedExposurePct, 1e-9)
		assert.Equal(t, []string{"XMR (r=1.00)"}, res.CorrelatedPositions)
	})

	t.Run("configured pair keeps the table value", func(t *testing.T) {
		h := &fakeHistory{series: map[string][]float64{"BTC/USDT": s, "ETH/USDT": mirrored(s)}}
		l := newDynamicLimiter(t, h)

		res := l.CanOpenPositionDynamic(context.Background(), "ETH/USDT", 2000, positions, 10000)
		require.True(t, res.CanOpen)
		assert.InDelta(t, 41.25, res.TotalCorrelatedExposurePct, 1e-9)
		assert.Equal(t, int32(0), h.calls.Load())
	})

	t.Run("failures use the static table", func(t *testing.T) {
		l := newDynamicLimiter(t, &fakeHistory{err: errors.New("timeout")})
		res := l.CanOpenPositionDynamic(context.Background(), "ETH/USDT", 2000, positions, 10000)
		require.True(t, res.CanOpen)
		assert.InDelta(t, 41.25, res.TotalCorrelatedExposurePct, 1e-9)
	})

	t.Run("disabled is the static check", func(t *testing.T) {
		l := NewLimiter(DefaultConfig(), nil, zerolog.Nop(), nil, nil)
		res := l.CanOpenPositionDynamic(context.Background(), "BTC/USDT", 1000, positions, 10000)
		assert.False(t, res.CanOpen)
	})
}

func TestStaticCorrelationUsesCachedDynamicForUnlistedPairs(t *testing.T) {
	s := baseSeries(40)
	h := &fakeHistory{series: map[string][]float64{"XMR/USDT": s, "DOGE/USDT": scaled(s, 2)}}
	l := newDynamicLimiter(t, h)

	assert.Equal(t, 0.3, l.Correlation("XMR", "DOGE"))
	_, ok := l.DynamicCorrelation(context.Background(), "XMR", "DOGE")
	require.True(t, ok)
	assert.InDelta(t, 1.0, l.Correlation("XMR", "DOGE"), 1e-9)

	// tabulated pairs keep the table value
	assert.Equal(t, 0.85, l.Correlation("BTC", "ETH"))
}
