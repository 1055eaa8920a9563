package exposure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrInsufficientHistory is returned when price history cannot support a correlation
var ErrInsufficientHistory = errors.New("insufficient price history")

const (
	minCloses  = 10
	minReturns = 5
)

// HistoryProvider supplies closing prices, oldest first
type HistoryProvider interface {
	Closes(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error)
}

// HistoryFunc adapts a function to HistoryProvider
type HistoryFunc func(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error)

func (f HistoryFunc) Closes(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error) {
	return f(ctx, symbol, timeframe, limit)
}

// DynamicConfig controls correlations computed from price history
type DynamicConfig struct {
	CacheTTL     time.Duration
	LookbackDays int
	Timeframe    string // 1h, 4h, 1d
	QuoteAsset   string
	Concurrency  int // parallel pair computations per check
}

func DefaultDynamicConfig() DynamicConfig {
	return DynamicConfig{
		CacheTTL:     time.Hour,
		LookbackDays: 30,
		Timeframe:    "1h",
		QuoteAsset:   "USDT",
		Concurrency:  4,
	}
}

// EnableDynamic makes CanOpenPositionDynamic use correlations computed from p
func (l *Limiter) EnableDynamic(p HistoryProvider, cfg DynamicConfig) {
	def := DefaultDynamicConfig()
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = def.LookbackDays
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = def.Timeframe
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = def.QuoteAsset
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}

	l.cacheMu.Lock()
	l.history = p
	l.dynamic = cfg
	l.cacheMu.Unlock()
	l.logger.Info().Str("timeframe", cfg.Timeframe).Int("lookback_days", cfg.LookbackDays).
		Msg("Dynamic correlations enabled")
}

func candleLimit(days int, timeframe string) int {
	hours := 1
	switch timeframe {
	case "4h":
		hours = 4
	case "1d":
		hours = 24
	}
	return days * 24 / hours
}

func (l *Limiter) cached(key string) (float64, bool) {
	l.cacheMu.RLock()
	defer l.cacheMu.RUnlock()

	c, ok := l.cache[key]
	if !ok || l.now().Sub(c.at) >= l.dynamic.CacheTTL {
		return 0, false
	}
	return c.value, true
}

// DynamicCorrelation returns the Pearson correlation of the two assets'
// close-to-close returns. ok is false when no provider is set or the
// history is unusable; callers fall back to the static table.
func (l *Limiter) DynamicCorrelation(ctx context.Context, a, b string) (float64, bool) {
	a, b = strings.ToUpper(a), strings.ToUpper(b)
	if a == b {
		return 1.0, true
	}

	l.cacheMu.RLock()
	provider, cfg := l.history, l.dynamic
	l.cacheMu.RUnlock()
	if provider == nil {
		return 0, false
	}

	key := pairKey(a, b)
	if r, ok := l.cached(key); ok {
		l.metrics.ObserveCorrelationFetch("cache_hit")
		return r, true
	}

	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		if r, ok := l.cached(key); ok {
			return r, nil
		}
		limit := candleLimit(cfg.LookbackDays, cfg.Timeframe)
		var closesA, closesB []float64

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			closesA, err = provider.Closes(gctx, a+"/"+cfg.QuoteAsset, cfg.Timeframe, limit)
			return err
		})
		g.Go(func() error {
			var err error
			closesB, err = provider.Closes(gctx, b+"/"+cfg.QuoteAsset, cfg.Timeframe, limit)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("fetch history for %s: %w", key, err)
		}

		r, err := pearsonReturns(closesA, closesB)
		if err != nil {
			return nil, err
		}

		l.cacheMu.Lock()
		l.cache[key] = cachedCorrelation{value: r, at: l.now()}
		l.cacheMu.Unlock()
		return r, nil
	})
	if err != nil {
		l.metrics.ObserveCorrelationFetch("fallback")
		l.logger.Debug().Err(err).Str("pair", key).Msg("Dynamic correlation unavailable, using static table")
		return 0, false
	}

	l.metrics.ObserveCorrelationFetch("computed")
	r := v.(float64)
	l.logger.Debug().Str("pair", key).Float64("correlation", r).Msg("Dynamic correlation computed")
	return r, true
}

// CanOpenPositionDynamic is CanOpenPosition with correlations to the open
// positions computed from price history where possible. Pairs listed in the
// correlation table keep their configured value.
func (l *Limiter) CanOpenPositionDynamic(ctx context.Context, symbol string, sizeUSD float64, positions []Position, portfolioValue float64) CheckResult {
	l.cacheMu.RLock()
	enabled, concurrency := l.history != nil, l.dynamic.Concurrency
	l.cacheMu.RUnlock()
	if !enabled {
		return l.CanOpenPosition(symbol, sizeUSD, positions, portfolioValue)
	}

	asset := BaseAsset(symbol)
	others := make(map[string]struct{})
	for _, pos := range positions {
		other := baseOf(pos)
		if other == asset {
			continue
		}
		if _, tabulated := l.table.Lookup(asset, other); !tabulated {
			others[other] = struct{}{}
		}
	}

	var mu sync.Mutex
	dynamic := make(map[string]float64, len(others))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for other := range others {
		g.Go(func() error {
			if r, ok := l.DynamicCorrelation(ctx, asset, other); ok {
				mu.Lock()
				dynamic[other] = r
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return l.check(symbol, sizeUSD, positions, portfolioValue, func(a, b string) float64 {
		if r, ok := dynamic[b]; ok && a == asset {
			return r
		}
		return l.Correlation(a, b)
	})
}

// pearsonReturns correlates the simple returns of two close series aligned
// on their most recent candles.
func pearsonReturns(closesA, closesB []float64) (float64, error) {
	n := min(len(closesA), len(closesB))
	if n < minCloses {
		return 0, fmt.Errorf("%w: %d candles", ErrInsufficientHistory, n)
	}
	closesA = closesA[len(closesA)-n:]
	closesB = closesB[len(closesB)-n:]

	ra := make([]float64, 0, n-1)
	rb := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if closesA[i-1] <= 0 || closesB[i-1] <= 0 {
			continue
		}
		ra = append(ra, (closesA[i]-closesA[i-1])/closesA[i-1])
		rb = append(rb, (closesB[i]-closesB[i-1])/closesB[i-1])
	}
	if len(ra) < minReturns {
		return 0, fmt.Errorf("%w: %d returns", ErrInsufficientHistory, len(ra))
	}

	r, ok := pearson(ra, rb)
	if !ok {
		return 0, fmt.Errorf("%w: flat price series", ErrInsufficientHistory)
	}
	return r, nil
}

func pearson(x, y []float64) (float64, bool) {
	n := float64(len(x))
	var meanX, meanY float64
	for i := range x {
		meanX += x[i]
		meanY += y[i]
	}
	meanX /= n
	meanY /= n

	var cov, varX, varY float64
	for i := range x {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0, false
	}
	r := cov / math.Sqrt(varX*varY)
	return math.Max(-1, math.Min(1, r)), true
}
