package points

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for ledger activity.
type Metrics struct {
	transactions *prometheus.CounterVec
	retries      prometheus.Counter
	conflicts    prometheus.Counter
	violations   prometheus.Counter
	drift        *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the ledger collectors with reg. Collectors that
// are already registered are reused, so tests can build several recorders.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "points",
			Subsystem: "ledger",
			Name:      "transactions_total",
			Help:      "Ledger transactions recorded, by type and category.",
		}, []string{"type", "category"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "points",
			Subsystem: "ledger",
			Name:      "optimistic_retries_total",
			Help:      "Balance writes retried after a version conflict.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "points",
			Subsystem: "ledger",
			Name:      "concurrency_conflicts_total",
			Help:      "Operations that gave up after exhausting optimistic retries.",
		}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "points",
			Subsystem: "ledger",
			Name:      "invariant_violations_total",
			Help:      "Postings rejected because a reserved bucket would go negative.",
		}),
		drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "points",
			Subsystem: "reconciler",
			Name:      "drift_detected_total",
			Help:      "Reconciliations that found a snapshot out of line with history.",
		}, []string{"bucket"}),
	}

	m.transactions = Register(reg, m.transactions)
	m.retries = Register(reg, m.retries)
	m.conflicts = Register(reg, m.conflicts)
	m.violations = Register(reg, m.violations)
	m.drift = Register(reg, m.drift)
	return m
}

// Register registers c with reg, returning the already registered collector
// of the same type when one exists. Any other registration error panics.
func Register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) incTransaction(t TxType, c Category) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(string(t), string(c)).Inc()
}

func (m *Metrics) incRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) incConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) incViolation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

func (m *Metrics) incDrift(bucket string) {
	if m == nil {
		return
	}
	m.drift.WithLabelValues(bucket).Inc()
}
