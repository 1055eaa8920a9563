package retry

import (
	"math"
	"time"
)

// Policy defines backoff for one class of operation
type Policy struct {
	Name            string
	MaxRetries      int // Retries after the first attempt
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
}

const (
	PolicyDefault      = "default"
	PolicyAggressive   = "aggressive"
	PolicyConservative = "conservative"
	PolicyCritical     = "critical"
	PolicyQuick        = "quick"
)

// MinDelay is the floor applied after jitter
const MinDelay = 100 * time.Millisecond

// DefaultJitterFactor spreads each delay by ±30%
const DefaultJitterFactor = 0.3

// DefaultPolicy is used when no named policy applies
func DefaultPolicy() Policy {
	return Policy{Name: PolicyDefault, MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second, ExponentialBase: 2.0}
}

// Aggressive retries often with short delays, for market data
func Aggressive() Policy {
	return Policy{Name: PolicyAggressive, MaxRetries: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, ExponentialBase: 1.5}
}

// Conservative retries rarely with long delays, for order placement
func Conservative() Policy {
	return Policy{Name: PolicyConservative, MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second, ExponentialBase: 3.0}
}

// Critical keeps trying, for stop-loss and position closing
func Critical() Policy {
	return Policy{Name: PolicyCritical, MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 120 * time.Second, ExponentialBase: 2.0}
}

// Quick is for non-critical reads
func Quick() Policy {
	return Policy{Name: PolicyQuick, MaxRetries: 2, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, ExponentialBase: 2.0}
}

// Presets returns all named policies
func Presets() map[string]Policy {
	return map[string]Policy{
		PolicyDefault:      DefaultPolicy(),
		PolicyAggressive:   Aggressive(),
		PolicyConservative: Conservative(),
		PolicyCritical:     Critical(),
		PolicyQuick:        Quick(),
	}
}

// Delay returns the un-jittered backoff before retry number attempt (0-based)
func (p Policy) Delay(attempt int) time.Duration {
	base := p.ExponentialBase
	if base < 1 {
		base = 1
	}
	d := float64(p.BaseDelay) * math.Pow(base, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// MaxBackoff is the longest total sleep Execute can spend between attempts of p
func (p Policy) MaxBackoff(jitterFactor float64) time.Duration {
	var total time.Duration
	for attempt := 0; attempt < p.MaxRetries; attempt++ {
		total += jittered(p.Delay(attempt), jitterFactor, 1)
	}
	return total
}

// jittered spreads d by ±factor using r in [0,1) and applies MinDelay
func jittered(d time.Duration, factor, r float64) time.Duration {
	if factor > 0 {
		d = time.Duration(float64(d) * (1 + factor*(2*r-1)))
	}
	if d < MinDelay {
		d = MinDelay
	}
	return d
}
