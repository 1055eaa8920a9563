package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/circuit"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/metrics"

	"github.com/rs/zerolog"
)

// Config holds executor configuration
type Config struct {
	JitterFactor float64
	Policies     map[string]Policy // overrides of the named presets
}

// OpStats holds per-operation statistics
type OpStats struct {
	Attempts    int
	Successes   int
	Failures    int
	TotalDelay  time.Duration
	LastError   string
	LastAttempt time.Time
}

// Executor runs operations with backoff and per-dependency circuit breakers
type Executor struct {
	config   Config
	breakers *circuit.Registry
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	stats map[string]*OpStats

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// NewExecutor creates an executor. m may be nil.
func NewExecutor(config Config, breakers *circuit.Registry, logger zerolog.Logger, m *metrics.Metrics) *Executor {
	if config.JitterFactor < 0 || config.JitterFactor > 1 {
		config.JitterFactor = DefaultJitterFactor
	}
	policies := Presets()
	for name, p := range config.Policies {
		p.Name = name
		policies[name] = p
	}
	config.Policies = policies

	return &Executor{
		config:   config,
		breakers: breakers,
		logger:   logger.With().Str("component", "RetryHandler").Logger(),
		metrics:  m,
		stats:    make(map[string]*OpStats),
		sleep:    sleepCtx,
		rand:     rand.Float64,
	}
}

// MaxBackoff is policy.MaxBackoff at the executor's jitter factor
func (e *Executor) MaxBackoff(policy Policy) time.Duration {
	return policy.MaxBackoff(e.config.JitterFactor)
}

// Policy returns the named policy, falling back to the default
func (e *Executor) Policy(name string) Policy {
	if p, ok := e.config.Policies[name]; ok {
		return p
	}
	return e.config.Policies[PolicyDefault]
}

// Breaker returns the breaker guarding dependency
func (e *Executor) Breaker(dependency string) *circuit.Breaker {
	return e.breakers.Get(dependency)
}

// Execute runs op until it succeeds, fails with a non-retryable error, or
// policy.MaxRetries retries are used up. The last error is returned unchanged.
func (e *Executor) Execute(ctx context.Context, name string, policy Policy, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := op(ctx)
		e.recordAttempt(name, err)

		if err == nil {
			if attempt > 0 {
				e.logger.Info().Str("operation", name).Int("attempt", attempt+1).Msg("Operation succeeded after retry")
			}
			e.finish(name, nil)
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			e.logger.Error().Err(err).Str("operation", name).Msg("Non-retryable error")
			e.finish(name, err)
			return &NonRetryableError{Operation: name, Err: err}
		}

		// Don't sleep after last attempt
		if attempt == policy.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			e.finish(name, err)
			return errors.Join(ctx.Err(), lastErr)
		}

		delay := jittered(policy.Delay(attempt), e.config.JitterFactor, e.rand())
		e.logger.Warn().Err(err).Str("operation", name).Int("attempt", attempt+1).
			Int("max_attempts", policy.MaxRetries+1).Dur("delay", delay).Msg("Operation failed, retrying")

		e.addDelay(name, delay)
		if err := e.sleep(ctx, delay); err != nil {
			e.finish(name, lastErr)
			return errors.Join(err, lastErr)
		}
	}

	e.logger.Error().Err(lastErr).Str("operation", name).Int("attempts", policy.MaxRetries+1).Msg("All retries exhausted")
	e.finish(name, lastErr)
	return lastErr
}

// ExecuteWithCircuitBreaker runs op through Execute behind the dependency's
// breaker. An open breaker fails fast with *circuit.OpenError without calling op.
func (e *Executor) ExecuteWithCircuitBreaker(ctx context.Context, dependency string, policy Policy, op func(ctx context.Context) error) error {
	cb := e.breakers.Get(dependency)
	if err := cb.Allow(); err != nil {
		e.metrics.ObserveCircuitRejection(dependency)
		e.logger.Warn().Str("dependency", dependency).Err(err).Msg("Call rejected by circuit breaker")
		return err
	}

	err := e.Execute(ctx, dependency, policy, op)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case ctx.Err() != nil && !errors.Is(err, ErrNonRetryable):
		cb.Release()
	default:
		cb.RecordFailure()
	}
	return err
}

// Do is Execute for operations returning a value
func Do[T any](ctx context.Context, e *Executor, name string, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, name, policy, func(ctx context.Context) error {
		v, err := op(ctx)
		if err == nil {
			result = v
		}
		return err
	})
	return result, err
}

// DoWithCircuitBreaker is ExecuteWithCircuitBreaker for operations returning a value
func DoWithCircuitBreaker[T any](ctx context.Context, e *Executor, dependency string, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.ExecuteWithCircuitBreaker(ctx, dependency, policy, func(ctx context.Context) error {
		v, err := op(ctx)
		if err == nil {
			result = v
		}
		return err
	})
	return result, err
}

// Stats returns a copy of per-operation statistics
func (e *Executor) Stats() map[string]OpStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]OpStats, len(e.stats))
	for name, s := range e.stats {
		out[name] = *s
	}
	return out
}

// ResetStats clears statistics
func (e *Executor) ResetStats() {
	e.mu.Lock()
	e.stats = make(map[string]*OpStats)
	e.mu.Unlock()
}

func (e *Executor) recordAttempt(name string, err error) {
	e.mu.Lock()
	s := e.statsLocked(name)
	s.Attempts++
	s.LastAttempt = time.Now()
	if err != nil {
		s.LastError = err.Error()
	}
	e.mu.Unlock()

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	e.metrics.ObserveAttempt(name, outcome)
}

func (e *Executor) finish(name string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.statsLocked(name)
	if err == nil {
		s.Successes++
	} else {
		s.Failures++
	}
}

func (e *Executor) addDelay(name string, d time.Duration) {
	e.mu.Lock()
	e.statsLocked(name).TotalDelay += d
	e.mu.Unlock()
}

func (e *Executor) statsLocked(name string) *OpStats {
	s, ok := e.stats[name]
	if !ok {
		s = &OpStats{}
		e.stats[name] = s
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
