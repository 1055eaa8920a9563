package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/events"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrLeaseExpired is the cancellation cause seen by WithLock callbacks that outlive their lease
var ErrLeaseExpired = errors.New("symbol lease expired")

// Config holds lock manager defaults
type Config struct {
	DefaultTTL      time.Duration // Lease lifetime when the caller passes 0
	MaxWait         time.Duration // Max wait when the caller passes 0
	ForceRetryWait  time.Duration // Second wait after force-releasing an expired lease
	CleanupInterval time.Duration // Janitor period for Run
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      30 * time.Second,
		MaxWait:         5 * time.Second,
		ForceRetryWait:  time.Second,
		CleanupInterval: 60 * time.Second,
	}
}

// Lease is a time-bounded exclusive claim on one symbol
type Lease struct {
	Symbol     string
	Holder     string
	Token      uuid.UUID
	AcquiredAt time.Time
	ExpiresAt  time.Time

	m *Manager
}

// Release gives the lease back. It is a no-op returning false when the lease
// already expired and the symbol was granted to someone else.
func (l *Lease) Release() bool {
	if l == nil || l.m == nil {
		return false
	}
	return l.m.releaseToken(l.Symbol, l.Token)
}

// Expired reports whether the lease outlived its TTL at t
func (l *Lease) Expired(t time.Time) bool {
	return !t.Before(l.ExpiresAt)
}

// Stats is a snapshot of lock manager counters
type Stats struct {
	Active        int
	Acquired      int64
	Timeouts      int64
	ForceReleases int64
}

type slot struct {
	sem     chan struct{} // capacity 1; a buffered token means the symbol is taken
	lease   *Lease
	waiters int
}

// Manager grants per-symbol exclusive leases.
type Manager struct {
	mu    sync.Mutex
	slots map[string]*slot

	cfg     Config
	logger  zerolog.Logger
	bus     *events.EventBus
	metrics *metrics.Metrics
	now     func() time.Time

	acquired      atomic.Int64
	timeouts      atomic.Int64
	forceReleases atomic.Int64
}

// NewManager creates a lock manager. bus and m may be nil.
func NewManager(cfg Config, logger zerolog.Logger, bus *events.EventBus, m *metrics.Metrics) *Manager {
	def := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.ForceRetryWait <= 0 {
		cfg.ForceRetryWait = def.ForceRetryWait
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	return &Manager{
		slots:   make(map[string]*slot),
		cfg:     cfg,
		logger:  logger.With().Str("component", "SymbolLock").Logger(),
		bus:     bus,
		metrics: m,
		now:     time.Now,
	}
}

// DefaultTTL is the lease lifetime used when callers pass 0
func (m *Manager) DefaultTTL() time.Duration {
	return m.cfg.DefaultTTL
}

// Acquire waits up to maxWait for the symbol. On timeout an expired holder is
// force-released and the wait is retried once. Zero ttl or maxWait use defaults.
func (m *Manager) Acquire(ctx context.Context, symbol, holder string, ttl, maxWait time.Duration) (*Lease, bool) {
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	if maxWait <= 0 {
		maxWait = m.cfg.MaxWait
	}
	start := m.now()

	s := m.enter(symbol, holder)
	if m.wait(ctx, s, maxWait) {
		return m.grant(symbol, holder, ttl, s, start), true
	}
	if ctx.Err() != nil {
		m.leave(s)
		m.metrics.ObserveLock("cancelled", m.now().Sub(start))
		return nil, false
	}

	// Timed out: the holder may have died without releasing.
	m.mu.Lock()
	var previous string
	forced := false
	if s.lease != nil && s.lease.Expired(m.now()) {
		previous = s.lease.Holder
		m.releaseLocked(s)
		forced = true
	}
	m.mu.Unlock()

	if !forced {
		m.leave(s)
		m.timeouts.Add(1)
		m.metrics.ObserveLock("timeout", m.now().Sub(start))
		m.logger.Warn().Str("symbol", symbol).Str("holder", holder).
			Dur("max_wait", maxWait).Msg("Timed out waiting for symbol lock")
		return nil, false
	}

	m.forceReleased(symbol, previous, holder)

	if m.wait(ctx, s, m.cfg.ForceRetryWait) {
		return m.grant(symbol, holder, ttl, s, start), true
	}
	m.leave(s)
	m.timeouts.Add(1)
	m.metrics.ObserveLock("timeout", m.now().Sub(start))
	return nil, false
}

// TryAcquire takes the symbol only if it is free right now
func (m *Manager) TryAcquire(symbol, holder string, ttl time.Duration) (*Lease, bool) {
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	start := m.now()
	s := m.enter(symbol, holder)
	select {
	case s.sem <- struct{}{}:
		return m.grant(symbol, holder, ttl, s, start), true
	default:
		m.leave(s)
		return nil, false
	}
}

// WithLock runs fn while holding the symbol. fn is not run when the lock could
// not be taken; the lease is released on every exit path including panics.
// The ctx passed to fn is cancelled when the lease expires, after which
// another holder may be granted the symbol.
func (m *Manager) WithLock(ctx context.Context, symbol, holder string, ttl, maxWait time.Duration, fn func(ctx context.Context) error) (bool, error) {
	lease, ok := m.Acquire(ctx, symbol, holder, ttl, maxWait)
	if !ok {
		return false, ctx.Err()
	}
	defer lease.Release()

	leaseCtx, cancel := context.WithTimeoutCause(ctx, lease.ExpiresAt.Sub(lease.AcquiredAt), ErrLeaseExpired)
	defer cancel()

	return true, fn(leaseCtx)
}

// Release frees the symbol if holder currently owns it
func (m *Manager) Release(symbol, holder string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[symbol]
	if !ok || s.lease == nil || s.lease.Holder != holder {
		current := ""
		if ok && s.lease != nil {
			current = s.lease.Holder
		}
		m.logger.Warn().Str("symbol", symbol).Str("holder", holder).Str("current_holder", current).
			Msg("Release attempted by non-owner")
		return false
	}
	m.releaseLocked(s)
	return true
}

func (m *Manager) releaseToken(symbol string, token uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[symbol]
	if !ok || s.lease == nil || s.lease.Token != token {
		m.logger.Debug().Str("symbol", symbol).Msg("Stale lease release ignored")
		return false
	}
	m.releaseLocked(s)
	return true
}

// IsLocked reports whether an unexpired lease exists for symbol
func (m *Manager) IsLocked(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[symbol]
	return ok && s.lease != nil && !s.lease.Expired(m.now())
}

// Holder returns the current holder of symbol
func (m *Manager) Holder(symbol string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[symbol]
	if !ok || s.lease == nil || s.lease.Expired(m.now()) {
		return "", false
	}
	return s.lease.Holder, true
}

// ActiveLocks returns copies of all unexpired leases, ordered by symbol
func (m *Manager) ActiveLocks() []Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]Lease, 0, len(m.slots))
	for _, s := range m.slots {
		if s.lease != nil && !s.lease.Expired(now) {
			l := *s.lease
			l.m = nil
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// CleanupExpired releases expired leases and drops idle slots. Returns the
// number of leases released.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	released := 0
	for symbol, s := range m.slots {
		if s.lease != nil && s.lease.Expired(now) {
			m.logger.Info().Str("symbol", symbol).Str("holder", s.lease.Holder).Msg("Cleaning up expired lock")
			m.releaseLocked(s)
			released++
		}
		if s.lease == nil && s.waiters == 0 && len(s.sem) == 0 {
			delete(m.slots, symbol)
		}
	}
	return released
}

// Run cleans up expired leases every CleanupInterval until ctx is done
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanupExpired(); n > 0 {
				m.logger.Info().Int("released", n).Msg("Lock janitor released expired locks")
			}
		}
	}
}

// Stats returns a snapshot of counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	active := m.activeLocked()
	m.mu.Unlock()

	return Stats{
		Active:        active,
		Acquired:      m.acquired.Load(),
		Timeouts:      m.timeouts.Load(),
		ForceReleases: m.forceReleases.Load(),
	}
}

// enter registers a waiter on the symbol's slot, force-releasing an expired lease first
func (m *Manager) enter(symbol, holder string) *slot {
	m.mu.Lock()

	s, ok := m.slots[symbol]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		m.slots[symbol] = s
	}
	var previous string
	forced := false
	if s.lease != nil && s.lease.Expired(m.now()) {
		previous = s.lease.Holder
		m.releaseLocked(s)
		forced = true
	}
	s.waiters++
	m.mu.Unlock()

	if forced {
		m.forceReleased(symbol, previous, holder)
	}
	return s
}

func (m *Manager) forceReleased(symbol, previous, holder string) {
	m.forceReleases.Add(1)
	m.logger.Warn().Str("symbol", symbol).Str("previous_holder", previous).Str("holder", holder).
		Msg("Force-released expired symbol lock")
	m.bus.PublishLockForceReleased(symbol, previous, holder)
}

func (m *Manager) leave(s *slot) {
	m.mu.Lock()
	s.waiters--
	m.mu.Unlock()
}

func (m *Manager) wait(ctx context.Context, s *slot, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case s.sem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) grant(symbol, holder string, ttl time.Duration, s *slot, start time.Time) *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s.waiters--
	s.lease = &Lease{
		Symbol:     symbol,
		Holder:     holder,
		Token:      uuid.New(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		m:          m,
	}
	m.acquired.Add(1)
	m.metrics.ObserveLock("acquired", now.Sub(start))
	m.metrics.SetActiveLocks(m.activeLocked())

	m.logger.Debug().Str("symbol", symbol).Str("holder", holder).Dur("ttl", ttl).Msg("Lock acquired")
	lease := *s.lease
	return &lease
}

// releaseLocked requires m.mu
func (m *Manager) releaseLocked(s *slot) {
	s.lease = nil
	select {
	case <-s.sem:
	default:
	}
	m.metrics.SetActiveLocks(m.activeLocked())
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, s := range m.slots {
		if s.lease != nil {
			n++
		}
	}
	return n
}
