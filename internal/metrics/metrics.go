// Package metrics provides Prometheus instrumentation for the safety services.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the safety kernel.
// Every method is safe to call on a nil *Metrics.
type Metrics struct {
	// Lock metrics
	LockAcquisitions *prometheus.CounterVec
	LockWaitSeconds  prometheus.Histogram
	ActiveLocks      prometheus.Gauge

	// Admission metrics
	AdmissionDecisions *prometheus.CounterVec
	CooldownsStarted   *prometheus.CounterVec

	// Executor metrics
	RetryAttempts     *prometheus.CounterVec
	CircuitState      *prometheus.GaugeVec
	CircuitRejections *prometheus.CounterVec

	// Governor metrics
	TradingBlocks *prometheus.CounterVec
	DailyPnL      *prometheus.GaugeVec
	StoreErrors   *prometheus.CounterVec

	// Exposure metrics
	ExposureChecks     *prometheus.CounterVec
	CorrelationFetches *prometheus.CounterVec

	// Kernel metrics
	OrderDecisions *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance registered on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "safety_kernel"
	}
	factory := promauto.With(reg)

	return &Metrics{
		LockAcquisitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Symbol lock acquisition attempts by result",
		}, []string{"result"}),
		LockWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a symbol lock",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		ActiveLocks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "active",
			Help:      "Number of currently held symbol locks",
		}),

		AdmissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by component and result",
		}, []string{"component", "result"}),
		CooldownsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "cooldowns_total",
			Help:      "Cooldowns started by component and breached window",
		}, []string{"component", "window"}),

		RetryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "attempts_total",
			Help:      "Operation attempts by operation and outcome",
		}, []string{"operation", "outcome"}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		}, []string{"dependency"}),
		CircuitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "circuit_rejections_total",
			Help:      "Calls rejected by an open circuit",
		}, []string{"dependency"}),

		TradingBlocks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "trading_blocks_total",
			Help:      "Trading blocks by breached limit",
		}, []string{"limit"}),
		DailyPnL: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "daily_pnl_usd",
			Help:      "Current total daily P&L per account",
		}, []string{"account_id"}),
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "store_errors_total",
			Help:      "Daily P&L persistence errors by operation",
		}, []string{"operation"}),

		ExposureChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exposure",
			Name:      "checks_total",
			Help:      "Exposure checks by result",
		}, []string{"result"}),
		CorrelationFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exposure",
			Name:      "correlation_fetches_total",
			Help:      "Dynamic correlation computations by result",
		}, []string{"result"}),

		OrderDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "order_decisions_total",
			Help:      "Order decisions by stage and result",
		}, []string{"stage", "result"}),
	}
}

func (m *Metrics) ObserveLock(result string, wait time.Duration) {
	if m == nil {
		return
	}
	m.LockAcquisitions.WithLabelValues(result).Inc()
	m.LockWaitSeconds.Observe(wait.Seconds())
}

func (m *Metrics) SetActiveLocks(n int) {
	if m == nil {
		return
	}
	m.ActiveLocks.Set(float64(n))
}

func (m *Metrics) ObserveAdmission(component string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.AdmissionDecisions.WithLabelValues(component, result).Inc()
}

func (m *Metrics) ObserveCooldown(component, window string) {
	if m == nil {
		return
	}
	m.CooldownsStarted.WithLabelValues(component, window).Inc()
}

func (m *Metrics) ObserveAttempt(operation, outcome string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(operation, outcome).Inc()
}

// SetCircuitState records a breaker state by name (closed, half_open, open)
func (m *Metrics) SetCircuitState(dependency, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitState.WithLabelValues(dependency).Set(v)
}

func (m *Metrics) ObserveCircuitRejection(dependency string) {
	if m == nil {
		return
	}
	m.CircuitRejections.WithLabelValues(dependency).Inc()
}

func (m *Metrics) ObserveTradingBlock(limit string) {
	if m == nil {
		return
	}
	m.TradingBlocks.WithLabelValues(limit).Inc()
}

func (m *Metrics) SetDailyPnL(accountID string, pnl float64) {
	if m == nil {
		return
	}
	m.DailyPnL.WithLabelValues(accountID).Set(pnl)
}

func (m *Metrics) ObserveStoreError(operation string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) ObserveExposureCheck(allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "blocked"
	}
	m.ExposureChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveCorrelationFetch(result string) {
	if m == nil {
		return
	}
	m.CorrelationFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveOrderDecision(stage string, submitted bool) {
	if m == nil {
		return
	}
	result := "submitted"
	if !submitted {
		result = "rejected"
	}
	m.OrderDecisions.WithLabelValues(stage, result).Inc()
}
