package investment

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/points-engine/points"
)

// Metrics counts sweeper and maturity outcomes.
type Metrics struct {
	students *prometheus.CounterVec
	invested prometheus.Counter
	settled  *prometheus.CounterVec
}

// MustNewMetrics registers the investment collectors with reg.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		students: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "points",
			Subsystem: "sweeper",
			Name:      "students_total",
			Help:      "Students handled by the auto-investment sweeper, by outcome.",
		}, []string{"outcome"}),
		invested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "points",
			Subsystem: "sweeper",
			Name:      "invested_points_total",
			Help:      "Points moved from available to invested by the sweeper.",
		}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "points",
			Subsystem: "investments",
			Name:      "settled_total",
			Help:      "Investments closed, by final status.",
		}, []string{"status"}),
	}
	m.students = points.Register(reg, m.students)
	m.invested = points.Register(reg, m.invested)
	m.settled = points.Register(reg, m.settled)
	return m
}

func (m *Metrics) observeStudent(outcome string) {
	if m == nil {
		return
	}
	m.students.WithLabelValues(outcome).Inc()
}

func (m *Metrics) addInvested(p points.Points) {
	if m == nil {
		return
	}
	m.invested.Add(float64(p))
}

func (m *Metrics) observeSettled(s Status) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(string(s)).Inc()
}
