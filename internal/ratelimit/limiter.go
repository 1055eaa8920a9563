package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/events"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/metrics"

	"github.com/rs/zerolog"
)

// Components with a dedicated quota
const (
	TradingEngine   = "trading_engine"
	PositionMonitor = "position_monitor"
	MarketData      = "market_data"
	AIAnalysis      = "ai_analysis"
	ExchangeAPI     = "exchange_api"
	Database        = "database"
)

const (
	burstWindow  = time.Second
	minuteWindow = time.Minute
	hourWindow   = time.Hour
	dayWindow    = 24 * time.Hour
)

// ErrRateLimited is matched by every *LimitError
var ErrRateLimited = errors.New("rate limited")

// LimitError is returned by Guard when a component has no headroom
type LimitError struct {
	Component  string
	Reason     string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited [%s]: %s (retry after %s)", e.Component, e.Reason, e.RetryAfter)
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// Limits is the quota of one component
type Limits struct {
	Burst     int // per second
	PerMinute int
	PerHour   int
	PerDay    int
	Cooldown  time.Duration // hour breach; day breach doubles it
}

// DefaultLimits returns the production quota table
func DefaultLimits() map[string]Limits {
	return map[string]Limits{
		TradingEngine:   {Burst: 3, PerMinute: 10, PerHour: 60, PerDay: 200, Cooldown: 120 * time.Second},
		PositionMonitor: {Burst: 20, PerMinute: 100, PerHour: 3000, PerDay: 50000, Cooldown: 10 * time.Second},
		MarketData:      {Burst: 10, PerMinute: 60, PerHour: 1000, PerDay: 20000, Cooldown: 30 * time.Second},
		AIAnalysis:      {Burst: 2, PerMinute: 10, PerHour: 100, PerDay: 500, Cooldown: 60 * time.Second},
		ExchangeAPI:     {Burst: 5, PerMinute: 30, PerHour: 500, PerDay: 5000, Cooldown: 60 * time.Second},
		Database:        {Burst: 50, PerMinute: 200, PerHour: 5000, PerDay: 100000, Cooldown: 5 * time.Second},
	}
}

// DefaultComponentLimits applies to components missing from the table
func DefaultComponentLimits() Limits {
	return Limits{Burst: 10, PerMinute: 60, PerHour: 1000, PerDay: 10000, Cooldown: 60 * time.Second}
}

// Config holds admission controller configuration
type Config struct {
	Limits        map[string]Limits
	Default       Limits
	SweepInterval time.Duration // lazy pruning period inside Record
}

// DefaultConfig returns the production configuration
func DefaultConfig() Config {
	return Config{
		Limits:        DefaultLimits(),
		Default:       DefaultComponentLimits(),
		SweepInterval: 5 * time.Minute,
	}
}

// AcquireResult is the outcome of TryAcquire
type AcquireResult struct {
	Acquired  bool
	Reason    string
	WaitTime  time.Duration // suggested wait when not acquired
	Remaining Remaining
}

// Remaining is the headroom left in each window
type Remaining struct {
	Burst  int
	Minute int
	Hour   int
	Day    int
}

type window struct {
	stamps        []time.Time // ascending
	cooldownUntil time.Time
}

// count returns the number of stamps newer than now-d
func (w *window) count(now time.Time, d time.Duration) int {
	cutoff := now.Add(-d)
	idx := sort.Search(len(w.stamps), func(i int) bool { return w.stamps[i].After(cutoff) })
	return len(w.stamps) - idx
}

// oldestIn returns the oldest stamp newer than now-d
func (w *window) oldestIn(now time.Time, d time.Duration) (time.Time, bool) {
	cutoff := now.Add(-d)
	idx := sort.Search(len(w.stamps), func(i int) bool { return w.stamps[i].After(cutoff) })
	if idx >= len(w.stamps) {
		return time.Time{}, false
	}
	return w.stamps[idx], true
}

// Controller admits requests per component against sliding windows.
type Controller struct {
	mu        sync.Mutex
	cfg       Config
	windows   map[string]*window
	lastSweep time.Time

	logger  zerolog.Logger
	bus     *events.EventBus
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewController creates an admission controller. bus and m may be nil.
func NewController(cfg Config, logger zerolog.Logger, bus *events.EventBus, m *metrics.Metrics) *Controller {
	if cfg.Limits == nil {
		cfg.Limits = DefaultLimits()
	}
	if cfg.Default == (Limits{}) {
		cfg.Default = DefaultComponentLimits()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	return &Controller{
		cfg:     cfg,
		windows: make(map[string]*window),
		logger:  logger.With().Str("component", "AdmissionController").Logger(),
		bus:     bus,
		metrics: m,
		now:     time.Now,
	}
}

// LimitsFor returns the quota applied to component
func (c *Controller) LimitsFor(component string) Limits {
	if l, ok := c.cfg.Limits[component]; ok {
		return l
	}
	return c.cfg.Default
}

// CanProceed reports whether component may issue a request now. An hour or
// day breach observed here starts the component's cooldown.
func (c *Controller) CanProceed(component string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ok, _ := c.checkLocked(component, c.now())
	c.metrics.ObserveAdmission(component, ok)
	return ok
}

// Record counts one request against component
func (c *Controller) Record(component string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recordLocked(component, c.now())
}

// TryAcquire checks and records atomically
func (c *Controller) TryAcquire(component string) AcquireResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ok, reason := c.checkLocked(component, now)
	c.metrics.ObserveAdmission(component, ok)
	if !ok {
		return AcquireResult{
			Reason:    reason,
			WaitTime:  c.retryAfterLocked(component, now),
			Remaining: c.remainingLocked(component, now),
		}
	}
	c.recordLocked(component, now)
	return AcquireResult{
		Acquired:  true,
		Remaining: c.remainingLocked(component, now),
	}
}

// Remaining returns the headroom left in each window
func (c *Controller) Remaining(component string) Remaining {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.remainingLocked(component, c.now())
}

// RetryAfter returns how long until component may proceed: the rest of an
// active cooldown, else the time until the tightest full window frees a slot.
func (c *Controller) RetryAfter(component string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.retryAfterLocked(component, c.now())
}

// InCooldown reports whether component is serving a cooldown
func (c *Controller) InCooldown(component string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[component]
	return ok && c.now().Before(w.cooldownUntil)
}

// Reset clears the history and cooldown of component
func (c *Controller) Reset(component string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.windows, component)
	c.logger.Info().Str("limited_component", component).Msg("Rate limiter reset")
}

// ResetAll clears every component
func (c *Controller) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.windows = make(map[string]*window)
	c.logger.Info().Msg("Rate limiter reset for all components")
}

// Sweep drops timestamps older than the day window. Returns the number pruned.
func (c *Controller) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sweepLocked(c.now())
}

// Guard runs fn only when component is admitted
func (c *Controller) Guard(component string, fn func() error) error {
	res := c.TryAcquire(component)
	if !res.Acquired {
		return &LimitError{Component: component, Reason: res.Reason, RetryAfter: res.WaitTime}
	}
	return fn()
}

func (c *Controller) checkLocked(component string, now time.Time) (bool, string) {
	w := c.windowLocked(component)
	limits := c.LimitsFor(component)

	if now.Before(w.cooldownUntil) {
		return false, fmt.Sprintf("cooldown active for %s", w.cooldownUntil.Sub(now).Round(time.Second))
	}

	if n := w.count(now, burstWindow); n >= limits.Burst {
		return false, fmt.Sprintf("burst limit reached (%d/%d per second)", n, limits.Burst)
	}
	if n := w.count(now, minuteWindow); n >= limits.PerMinute {
		return false, fmt.Sprintf("minute limit reached (%d/%d)", n, limits.PerMinute)
	}
	if n := w.count(now, hourWindow); n >= limits.PerHour {
		c.startCooldownLocked(component, w, now, limits.Cooldown, "hour")
		return false, fmt.Sprintf("hour limit reached (%d/%d)", n, limits.PerHour)
	}
	if n := w.count(now, dayWindow); n >= limits.PerDay {
		c.startCooldownLocked(component, w, now, 2*limits.Cooldown, "day")
		return false, fmt.Sprintf("day limit reached (%d/%d)", n, limits.PerDay)
	}
	return true, ""
}

func (c *Controller) startCooldownLocked(component string, w *window, now time.Time, d time.Duration, which string) {
	w.cooldownUntil = now.Add(d)
	c.logger.Warn().Str("limited_component", component).Str("window", which).Dur("cooldown", d).
		Msg("Rate limit breached, entering cooldown")
	c.metrics.ObserveCooldown(component, which)
	c.bus.PublishAdmissionCooldown(component, which, w.cooldownUntil)
}

func (c *Controller) recordLocked(component string, now time.Time) {
	w := c.windowLocked(component)
	// keep ascending even if the clock steps back
	if n := len(w.stamps); n > 0 && now.Before(w.stamps[n-1]) {
		now = w.stamps[n-1]
	}
	w.stamps = append(w.stamps, now)

	if now.Sub(c.lastSweep) >= c.cfg.SweepInterval {
		c.sweepLocked(now)
	}
}

func (c *Controller) sweepLocked(now time.Time) int {
	c.lastSweep = now
	cutoff := now.Add(-dayWindow)
	pruned := 0
	for _, w := range c.windows {
		idx := sort.Search(len(w.stamps), func(i int) bool { return w.stamps[i].After(cutoff) })
		if idx > 0 {
			pruned += idx
			w.stamps = append(w.stamps[:0], w.stamps[idx:]...)
		}
	}
	if pruned > 0 {
		c.logger.Debug().Int("pruned", pruned).Msg("Swept expired rate limit entries")
	}
	return pruned
}

func (c *Controller) remainingLocked(component string, now time.Time) Remaining {
	w := c.windowLocked(component)
	limits := c.LimitsFor(component)
	return Remaining{
		Burst:  max(0, limits.Burst-w.count(now, burstWindow)),
		Minute: max(0, limits.PerMinute-w.count(now, minuteWindow)),
		Hour:   max(0, limits.PerHour-w.count(now, hourWindow)),
		Day:    max(0, limits.PerDay-w.count(now, dayWindow)),
	}
}

func (c *Controller) retryAfterLocked(component string, now time.Time) time.Duration {
	w := c.windowLocked(component)
	if now.Before(w.cooldownUntil) {
		return w.cooldownUntil.Sub(now)
	}

	limits := c.LimitsFor(component)
	var wait time.Duration
	for _, win := range []struct {
		d     time.Duration
		limit int
	}{
		{burstWindow, limits.Burst},
		{minuteWindow, limits.PerMinute},
		{hourWindow, limits.PerHour},
		{dayWindow, limits.PerDay},
	} {
		if w.count(now, win.d) < win.limit {
			continue
		}
		// the window frees a slot once its oldest entry ages out
		if oldest, ok := w.oldestIn(now, win.d); ok {
			if d := oldest.Add(win.d).Sub(now); d > wait {
				wait = d
			}
		}
	}
	return wait
}

func (c *Controller) windowLocked(component string) *window {
	w, ok := c.windows[component]
	if !ok {
		w = &window{}
		c.windows[component] = w
	}
	return w
}
