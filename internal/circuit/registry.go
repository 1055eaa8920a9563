package circuit

import (
	"sort"
	"sync"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/events"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/metrics"

	"github.com/rs/zerolog"
)

// Registry lazily creates one breaker per dependency name
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
	logger   zerolog.Logger
	bus      *events.EventBus
	metrics  *metrics.Metrics
	hooks    []StateChangeFunc
}

// NewRegistry creates a registry whose breakers share config. bus and m may be nil.
func NewRegistry(config Config, logger zerolog.Logger, bus *events.EventBus, m *metrics.Metrics) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
		logger:   logger.With().Str("component", "CircuitBreaker").Logger(),
		bus:      bus,
		metrics:  m,
	}
}

// OnStateChange adds a hook called on every transition of any breaker
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Get returns the breaker for name, creating it closed on first use
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewBreaker(name, r.config, r.stateChanged)
	r.breakers[name] = cb
	r.metrics.SetCircuitState(name, string(StateClosed))
	return cb
}

// States returns the state of every known breaker
func (r *Registry) States() map[string]BreakerState {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	out := make(map[string]BreakerState, len(breakers))
	for _, cb := range breakers {
		out[cb.Name()] = cb.State()
	}
	return out
}

// Names returns known dependency names in order
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) stateChanged(name string, from, to BreakerState) {
	ev := r.logger.Info()
	if to == StateOpen {
		ev = r.logger.Warn()
	}
	ev.Str("dependency", name).Str("from", string(from)).Str("to", string(to)).Msg("Circuit breaker state changed")

	r.metrics.SetCircuitState(name, string(to))
	r.bus.PublishCircuitStateChanged(name, string(from), string(to))

	r.mu.Lock()
	hooks := append([]StateChangeFunc(nil), r.hooks...)
	r.mu.Unlock()
	for _, h := range hooks {
		h(name, from, to)
	}
}
