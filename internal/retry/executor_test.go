package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/circuit"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(cbConfig circuit.Config) (*Executor, *[]time.Duration) {
	registry := circuit.NewRegistry(cbConfig, zerolog.Nop(), nil, nil)
	e := NewExecutor(Config{JitterFactor: DefaultJitterFactor}, registry, zerolog.Nop(), nil)

	var delays []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	e.rand = func() float64 { return 0.5 } // zero jitter
	return e, &delays
}

func TestExecute_RetriesThenReturnsLastError(t *testing.T) {
	e, delays := newTestExecutor(circuit.DefaultConfig())

	calls := 0
	err := e.Execute(context.Background(), "fetch_ticker", DefaultPolicy(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("timeout #%d", calls)
	})

	require.Error(t, err)
	assert.Equal(t, "timeout #4", err.Error())
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *delays)

	stats := e.Stats()["fetch_ticker"]
	assert.Equal(t, 4, stats.Attempts)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 7*time.Second, stats.TotalDelay)
}

func TestExecute_SucceedsAfterTransientFailures(t *testing.T) {
	e, delays := newTestExecutor(circuit.DefaultConfig())

	calls := 0
	v, err := Do(context.Background(), e, "place_order", Conservative(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset")
		}
		return "order-42", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "order-42", v)
	assert.Equal(t, []time.Duration{2 * time.Second, 6 * time.Second}, *delays)
	assert.Equal(t, 1, e.Stats()["place_order"].Successes)
}

func TestExecute_NonRetryableFailsAfterOneAttempt(t *testing.T) {
	e, delays := newTestExecutor(circuit.DefaultConfig())

	cases := []error{
		errors.New("Account has insufficient balance for requested action"),
		errors.New("EOrder:Insufficient funds"),
		errors.New("Filter failure: MIN_NOTIONAL min notional"),
		errors.New("Invalid API-key, IP, or permissions"),
		Permanent(errors.New("validation failed")),
	}
	for _, cause := range cases {
		calls := 0
		err := e.Execute(context.Background(), "place_order", Critical(), func(ctx context.Context) error {
			calls++
			return cause
		})
		assert.Equal(t, 1, calls, cause.Error())
		assert.True(t, errors.Is(err, ErrNonRetryable), cause.Error())
		assert.True(t, errors.Is(err, cause), cause.Error())

		var nr *NonRetryableError
		require.True(t, errors.As(err, &nr))
		assert.Equal(t, "place_order", nr.Operation)
	}
	assert.Empty(t, *delays)
}

func TestDelay_CappedAndFloored(t *testing.T) {
	p := Critical()
	assert.Equal(t, 120*time.Second, p.Delay(10))

	assert.Equal(t, MinDelay, jittered(10*time.Millisecond, 0.3, 0.5))
	assert.InDelta(t, float64(700*time.Millisecond), float64(jittered(time.Second, 0.3, 0)), float64(time.Microsecond))
	assert.InDelta(t, float64(1300*time.Millisecond), float64(jittered(time.Second, 0.3, 0.999999)), float64(time.Millisecond))
}

func TestExecute_StopsOnContextCancel(t *testing.T) {
	e, _ := newTestExecutor(circuit.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := e.Execute(ctx, "fetch", Aggressive(), func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("503 service unavailable")
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPolicyOverrides(t *testing.T) {
	registry := circuit.NewRegistry(circuit.DefaultConfig(), zerolog.Nop(), nil, nil)
	e := NewExecutor(Config{Policies: map[string]Policy{
		PolicyQuick: {MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second, ExponentialBase: 2},
	}}, registry, zerolog.Nop(), nil)

	assert.Equal(t, 1, e.Policy(PolicyQuick).MaxRetries)
	assert.Equal(t, 5, e.Policy(PolicyAggressive).MaxRetries)
	assert.Equal(t, DefaultPolicy(), e.Policy("unknown"))
}

func TestPresets(t *testing.T) {
	presets := Presets()
	require.Len(t, presets, 5)
	for name, p := range presets {
		assert.Equal(t, name, p.Name)
	}

	conservative := presets[PolicyConservative]
	assert.Equal(t, 2*time.Second, conservative.Delay(0))
	assert.Equal(t, 6*time.Second, conservative.Delay(1))
	assert.Equal(t, 60*time.Second, conservative.Delay(5))
	assert.Equal(t, 10, presets[PolicyCritical].MaxRetries)

	assert.InDelta(t, float64(10400*time.Millisecond), float64(conservative.MaxBackoff(0.3)), float64(time.Microsecond))
	assert.Equal(t, 2*MinDelay, Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}.MaxBackoff(0.3))
	assert.Zero(t, Policy{MaxRetries: 0, BaseDelay: time.Second}.MaxBackoff(0.3))
}

func TestExecuteWithCircuitBreaker_OpensAndFailsFast(t *testing.T) {
	e, _ := newTestExecutor(circuit.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour})
	noRetry := Policy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2}

	down := func(ctx context.Context) error { return errors.New("502 bad gateway") }
	for i := 0; i < 2; i++ {
		err := e.ExecuteWithCircuitBreaker(context.Background(), "kraken", noRetry, down)
		require.Error(t, err)
		assert.False(t, errors.Is(err, circuit.ErrOpen))
	}
	assert.Equal(t, circuit.StateOpen, e.Breaker("kraken").State())

	invoked := false
	_, err := DoWithCircuitBreaker(context.Background(), e, "kraken", noRetry, func(ctx context.Context) (int, error) {
		invoked = true
		return 1, nil
	})
	assert.ErrorIs(t, err, circuit.ErrOpen)
	assert.False(t, invoked)

	// other dependencies are unaffected
	require.NoError(t, e.ExecuteWithCircuitBreaker(context.Background(), "binance", noRetry, func(ctx context.Context) error { return nil }))
}

func TestExecuteWithCircuitBreaker_NonRetryableCountsAsFailure(t *testing.T) {
	e, _ := newTestExecutor(circuit.Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Hour})

	calls := 0
	rejected := func(ctx context.Context) error {
		calls++
		return errors.New("insufficient balance")
	}
	for i := 0; i < 3; i++ {
		err := e.ExecuteWithCircuitBreaker(context.Background(), "binance", DefaultPolicy(), rejected)
		assert.ErrorIs(t, err, ErrNonRetryable)
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, circuit.StateOpen, e.Breaker("binance").State())

	for i := 0; i < 7; i++ {
		err := e.ExecuteWithCircuitBreaker(context.Background(), "binance", DefaultPolicy(), rejected)
		assert.ErrorIs(t, err, circuit.ErrOpen)
	}
	assert.Equal(t, 3, calls)
}
