package redis

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the limiter's Prometheus metrics.
type Metrics struct {
	// Store operations
	operationDuration *prometheus.HistogramVec
	operationTotal    *prometheus.CounterVec
	operationErrors   *prometheus.CounterVec

	// Admission outcomes
	admissionAllowed *prometheus.CounterVec
	admissionDenied  *prometheus.CounterVec

	// Fail-closed path
	breakerState   prometheus.Gauge
	failClosed     prometheus.Counter
	overrideBypass prometheus.Counter
	auditEntries   prometheus.Counter
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics *Metrics

func init() {
	DefaultMetrics = NewMetrics("openlimit")
}

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{}

	m.operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of backing store operations in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
	m.operationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of backing store operations",
		},
		[]string{"operation"},
	)
	m.operationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_errors_total",
			Help:      "Total number of backing store operation errors",
		},
		[]string{"operation"},
	)

	m.admissionAllowed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "allowed_total",
			Help:      "Total number of requests admitted per scope",
		},
		[]string{"scope"},
	)
	m.admissionDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "denied_total",
			Help:      "Total number of requests denied per scope",
		},
		[]string{"scope"},
	)

	m.breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	})
	m.failClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "fail_closed_total",
		Help:      "Total number of requests refused because the store was unavailable",
	})
	m.overrideBypass = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "override_bypass_total",
		Help:      "Total number of requests admitted through an emergency bypass",
	})
	m.auditEntries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "audit_entries_total",
		Help:      "Total number of audit log entries written",
	})

	return m
}

// ObserveOperation records the duration and result of a store operation.
func (m *Metrics) ObserveOperation(operation string, duration time.Duration, err error) {
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.operationTotal.WithLabelValues(operation).Inc()
	if err != nil {
		m.operationErrors.WithLabelValues(operation).Inc()
	}
}

// RecordAdmission records the outcome of an admission check.
func (m *Metrics) RecordAdmission(scope string, allowed bool) {
	if allowed {
		m.admissionAllowed.WithLabelValues(scope).Inc()
	} else {
		m.admissionDenied.WithLabelValues(scope).Inc()
	}
}

// SetBreakerState publishes the breaker state.
func (m *Metrics) SetBreakerState(state int) {
	m.breakerState.Set(float64(state))
}

// RecordFailClosed counts a request refused on the fail-closed path.
func (m *Metrics) RecordFailClosed() {
	m.failClosed.Inc()
}

// RecordBypass counts a request admitted through an emergency bypass.
func (m *Metrics) RecordBypass() {
	m.overrideBypass.Inc()
}

// RecordAuditEntry counts an audit log write.
func (m *Metrics) RecordAuditEntry() {
	m.auditEntries.Inc()
}
