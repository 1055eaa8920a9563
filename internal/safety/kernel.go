// Package safety wires the five safety services into one kernel that every
// order passes through before it reaches the exchange.
package safety

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/config"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/circuit"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/events"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/exposure"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/lock"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/logging"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/metrics"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/ratelimit"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/retry"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/risk"
)

// Admitter decides whether a component may issue another request
type Admitter interface {
	TryAcquire(component string) ratelimit.AcquireResult
}

// Stage names the check that decided an order
type Stage string

const (
	StageAdmission Stage = "admission"
	StageExposure  Stage = "exposure"
	StageRisk      Stage = "risk"
	StageLock      Stage = "lock"
	StageExecution Stage = "execution"
	StageSubmitted Stage = "submitted"
)

// DefaultDependency is the breaker guarding order submission
const DefaultDependency = "exchange"

// OrderRequest describes an order about to be sent
type OrderRequest struct {
	AccountID       string
	Symbol          string
	Side            string
	SizeUSD         float64
	ProposedRiskUSD float64 // loss if the stop is hit
	EquityUSD       float64 // account equity, also used as portfolio value

	// Positions overrides the positions tracked for the account
	Positions []exposure.Position

	Component  string // admission component, default trading_engine
	Dependency string // circuit breaker, default exchange
	Policy     string // retry preset, default conservative
	Holder     string // lock holder, generated when empty
}

// Outcome reports how far an order got
type Outcome struct {
	Submitted bool
	Stage     Stage
	Reason    string
	Warnings  []string
}

// Kernel owns one instance of each safety service
type Kernel struct {
	Locks     *lock.Manager
	Admission *ratelimit.Controller
	Breakers  *circuit.Registry
	Executor  *retry.Executor
	Governor  *risk.Governor
	Exposure  *exposure.Limiter
	Bus       *events.EventBus
	Metrics   *metrics.Metrics

	admitter          Admitter
	sweepInterval     time.Duration
	logger            zerolog.Logger
	store             risk.Store
	reconnectInterval time.Duration
	closeStore        func() error
}

// reconnectingStore is a store that can fall back to memory and later recover
type reconnectingStore interface {
	CheckRedisConnection(ctx context.Context) bool
}

// New builds a kernel from cfg. reg may be nil to skip metrics; history may be
// nil to use static correlations only.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer, history exposure.HistoryProvider) (*Kernel, error) {
	var m *metrics.Metrics
	if cfg.MetricsConfig.Enabled && reg != nil {
		m = metrics.NewMetrics(cfg.MetricsConfig.Namespace, reg)
	}
	bus := events.NewEventBus()

	riskCfg, err := riskSettings(cfg.LossLimitConfig)
	if err != nil {
		return nil, err
	}

	table := exposure.DefaultTable()
	if path := cfg.CorrelationConfig.TablePath; path != "" {
		if table, err = exposure.LoadTable(path); err != nil {
			return nil, err
		}
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open daily pnl store: %w", err)
	}

	governor := risk.NewGovernor(riskCfg, store, logger, bus, m)
	if err := governor.Load(ctx); err != nil {
		// a store that cannot be read is a degraded start, not a failed one
		logger.Warn().Err(err).Msg("Starting without persisted daily loss state")
	}

	breakers := circuit.NewRegistry(circuitSettings(cfg.CircuitBreakerConfig), logger, bus, m)
	admission := ratelimit.NewController(rateLimitSettings(cfg.RateLimitConfig), logger, bus, m)

	exposureCfg, dynamicCfg := exposureSettings(cfg.CorrelationConfig)
	limiter := exposure.NewLimiter(exposureCfg, table, logger, bus, m)
	if cfg.CorrelationConfig.DynamicEnabled && history != nil {
		limiter.EnableDynamic(history, dynamicCfg)
	}

	k := &Kernel{
		Locks:             lock.NewManager(lockSettings(cfg.LockConfig), logger, bus, m),
		Admission:         admission,
		Breakers:          breakers,
		Executor:          retry.NewExecutor(retrySettings(cfg.RetryConfig), breakers, logger, m),
		Governor:          governor,
		Exposure:          limiter,
		Bus:               bus,
		Metrics:           m,
		admitter:          admission,
		sweepInterval:     time.Duration(cfg.RateLimitConfig.SweepIntervalSeconds) * time.Second,
		logger:            logger.With().Str("component", "SafetyKernel").Logger(),
		store:             store,
		reconnectInterval: config.Seconds(cfg.RedisConfig.ReconnectIntervalSeconds),
		closeStore:        closeStore,
	}
	if k.reconnectInterval <= 0 {
		k.reconnectInterval = 10 * time.Second
	}
	if k.sweepInterval <= 0 {
		k.sweepInterval = 5 * time.Minute
	}

	k.logger.Info().Str("store", cfg.LossLimitConfig.Store).Bool("metrics", m != nil).
		Bool("dynamic_correlations", cfg.CorrelationConfig.DynamicEnabled && history != nil).
		Msg("Safety kernel ready")
	return k, nil
}

// SetAdmitter replaces the admission check, e.g. with a limiter shared across processes
func (k *Kernel) SetAdmitter(a Admitter) {
	if a != nil {
		k.admitter = a
	}
}

// SubmitOrder runs admission, exposure and daily-loss checks, then sends the
// order through op while holding the symbol lock. A rejection is reported in
// the Outcome with a nil error; errors come only from op or ctx.
func (k *Kernel) SubmitOrder(ctx context.Context, req OrderRequest, op func(ctx context.Context) error) (Outcome, error) {
	if req.Component == "" {
		req.Component = ratelimit.TradingEngine
	}
	if req.Dependency == "" {
		req.Dependency = DefaultDependency
	}
	if req.Policy == "" {
		req.Policy = retry.PolicyConservative
	}
	if req.Holder == "" {
		req.Holder = "order-" + uuid.NewString()
	}

	log := logging.OrderContext(k.logger, req.AccountID, req.Symbol, req.Side, req.SizeUSD)
	if traceID := logging.TraceID(ctx); traceID != "" {
		log = log.With().Str("trace_id", traceID).Logger()
	}

	// 1. admission
	admit := k.admitter.TryAcquire(req.Component)
	if !admit.Acquired {
		return k.reject(log, req, StageAdmission, fmt.Sprintf("%s (retry after %s)", admit.Reason, admit.WaitTime), nil), nil
	}

	// 2. exposure, then daily loss
	positions := req.Positions
	if positions == nil {
		positions = k.Exposure.TrackedPositions(req.AccountID)
	}
	check := k.Exposure.CanOpenPositionDynamic(ctx, req.Symbol, req.SizeUSD, positions, req.EquityUSD)
	if !check.CanOpen {
		return k.reject(log, req, StageExposure, check.Reason, check.Warnings), nil
	}

	if ok, reason := k.Governor.CanOpenTrade(ctx, req.AccountID, req.EquityUSD, req.ProposedRiskUSD); !ok {
		return k.reject(log, req, StageRisk, reason, check.Warnings), nil
	}

	// 3. symbol lock, 4. execution
	// the lease outlives every backoff sleep; op is cancelled if it still runs at expiry
	policy := k.Executor.Policy(req.Policy)
	ttl := k.Locks.DefaultTTL() + k.Executor.MaxBackoff(policy)
	held, err := k.Locks.WithLock(ctx, req.Symbol, req.Holder, ttl, 0, func(ctx context.Context) error {
		return k.Executor.ExecuteWithCircuitBreaker(ctx, req.Dependency, policy, op)
	})
	if !held {
		reason := fmt.Sprintf("symbol %s is locked by another task", req.Symbol)
		if err != nil {
			reason = fmt.Sprintf("lock wait for %s aborted: %v", req.Symbol, err)
		}
		return k.reject(log, req, StageLock, reason, check.Warnings), err
	}
	if err != nil {
		var nonRetryable *retry.NonRetryableError
		var open *circuit.OpenError
		switch {
		case errors.As(err, &open):
			log.Warn().Err(err).Str("dependency", open.Dependency).Msg("Order refused by open circuit")
		case errors.As(err, &nonRetryable):
			log.Error().Err(err).Bool("non_retryable", true).Msg("Order execution failed")
		default:
			log.Error().Err(err).Msg("Order execution failed")
		}
		return k.reject(log, req, StageExecution, err.Error(), check.Warnings), err
	}

	k.Exposure.AddPosition(req.AccountID, req.Symbol, req.Side, req.SizeUSD)
	k.Metrics.ObserveOrderDecision(string(StageSubmitted), true)
	k.Bus.PublishOrderDecision(true, req.AccountID, req.Symbol, string(StageSubmitted), "")
	log.Info().Strs("warnings", check.Warnings).Msg("Order submitted")

	return Outcome{Submitted: true, Stage: StageSubmitted, Warnings: check.Warnings}, nil
}

func (k *Kernel) reject(log zerolog.Logger, req OrderRequest, stage Stage, reason string, warnings []string) Outcome {
	if stage != StageExecution {
		log.Warn().Str("stage", string(stage)).Str("reason", reason).Msg("Order rejected")
	}
	k.Metrics.ObserveOrderDecision(string(stage), false)
	k.Bus.PublishOrderDecision(false, req.AccountID, req.Symbol, string(stage), reason)
	return Outcome{Stage: stage, Reason: reason, Warnings: warnings}
}

// RecordClose reports a closed position's realized P&L
func (k *Kernel) RecordClose(ctx context.Context, account, symbol string, pnl float64) {
	k.Exposure.RemovePosition(account, symbol)
	k.Governor.RecordTradeResult(ctx, account, pnl, pnl > 0)
}

// Run drives the background janitors until ctx is done
func (k *Kernel) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		k.Locks.Run(ctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(k.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := k.Admission.Sweep(); n > 0 {
					k.logger.Debug().Int("pruned", n).Msg("Admission windows swept")
				}
			}
		}
	})

	if rs, ok := k.store.(reconnectingStore); ok {
		g.Go(func() error {
			ticker := time.NewTicker(k.reconnectInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					rs.CheckRedisConnection(ctx)
				}
			}
		})
	}

	return g.Wait()
}

// Close releases the governor's store
func (k *Kernel) Close() error {
	if k.closeStore == nil {
		return nil
	}
	return k.closeStore()
}
