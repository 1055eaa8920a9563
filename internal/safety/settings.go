package safety

import (
	"fmt"
	"time"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/config"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/circuit"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/exposure"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/lock"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/ratelimit"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/retry"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/risk"
)

func lockSettings(c config.LockConfig) lock.Config {
	return lock.Config{
		DefaultTTL:      config.Seconds(c.DefaultTTLSeconds),
		MaxWait:         config.Seconds(c.MaxWaitSeconds),
		ForceRetryWait:  config.Seconds(c.ForceRetryWaitSeconds),
		CleanupInterval: time.Duration(c.CleanupIntervalSeconds) * time.Second,
	}
}

func rateLimitSettings(c config.RateLimitConfig) ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	for name, l := range c.Components {
		cfg.Limits[name] = ratelimit.Limits{
			Burst:     l.BurstLimit,
			PerMinute: l.MaxPerMinute,
			PerHour:   l.MaxPerHour,
			PerDay:    l.MaxPerDay,
			Cooldown:  config.Seconds(l.CooldownSeconds),
		}
	}
	if c.SweepIntervalSeconds > 0 {
		cfg.SweepInterval = time.Duration(c.SweepIntervalSeconds) * time.Second
	}
	return cfg
}

func retrySettings(c config.RetryConfig) retry.Config {
	cfg := retry.Config{JitterFactor: c.JitterFactor, Policies: make(map[string]retry.Policy)}
	presets := retry.Presets()
	for name, p := range c.Policies {
		policy, ok := presets[name]
		if !ok {
			policy = retry.DefaultPolicy()
		}
		if p.MaxRetries > 0 {
			policy.MaxRetries = p.MaxRetries
		}
		if p.BaseDelayMs > 0 {
			policy.BaseDelay = time.Duration(p.BaseDelayMs) * time.Millisecond
		}
		if p.MaxDelayMs > 0 {
			policy.MaxDelay = time.Duration(p.MaxDelayMs) * time.Millisecond
		}
		if p.ExponentialBase > 0 {
			policy.ExponentialBase = p.ExponentialBase
		}
		cfg.Policies[name] = policy
	}
	return cfg
}

func circuitSettings(c config.CircuitBreakerConfig) circuit.Config {
	return circuit.Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		Timeout:          config.Seconds(c.TimeoutSeconds),
	}
}

func riskSettings(c config.LossLimitConfig) (risk.Config, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return risk.Config{}, fmt.Errorf("invalid loss limit timezone %q: %w", c.Timezone, err)
	}
	return risk.Config{
		MaxDailyLossPct:      c.MaxDailyLossPct,
		MaxDailyLossUSD:      c.MaxDailyLossUSD,
		MaxConsecutiveLosses: c.MaxConsecutiveLosses,
		MaxDailyTrades:       c.MaxDailyTrades,
		Cooldown:             time.Duration(c.CooldownHours * float64(time.Hour)),
		WarnAtPct:            c.WarnAtPct,
		Location:             loc,
		PersistTimeout:       time.Duration(c.PersistTimeoutMs) * time.Millisecond,
	}, nil
}

func exposureSettings(c config.CorrelationConfig) (exposure.Config, exposure.DynamicConfig) {
	return exposure.Config{
			MaxCorrelatedExposurePct: c.MaxCorrelatedExposurePct,
			CorrelationThreshold:     c.CorrelationThreshold,
			MaxPositionsPerCategory:  c.MaxPositionsPerCategory,
			MaxSingleAssetPct:        c.MaxSingleAssetPct,
			WarnRatio:                c.WarnRatio,
		}, exposure.DynamicConfig{
			CacheTTL:     time.Duration(c.CacheTTLMinutes) * time.Minute,
			LookbackDays: c.LookbackDays,
			Timeframe:    c.Timeframe,
		}
}
