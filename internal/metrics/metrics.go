// Package metrics exposes the service's operational-health signals as
// Prometheus collectors. The blocklist degraded gauge is the load-bearing
// one: it flips to 1 whenever domain blocking is silently running on an
// empty rule set.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tabfence/tabfence/pkg/models"
)

// Metrics holds every collector the service registers.
type Metrics struct {
	ContextsByState   *prometheus.GaugeVec
	TransitionsTotal  *prometheus.CounterVec
	RotationsTotal    prometheus.Counter
	RequestsAllowed   prometheus.Counter
	RequestsBlocked   *prometheus.CounterVec
	BlocklistRules    prometheus.Gauge
	BlocklistDegraded prometheus.Gauge
	ReceiptsDropped   prometheus.Counter
}

// Block reasons for the requests_blocked counter.
const (
	ReasonStateGate = "state_gate"
	ReasonBlocklist = "blocklist"
)

// New creates and registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ContextsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tabfence_contexts",
			Help: "Number of registered contexts by lifecycle state.",
		}, []string{"state"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabfence_transitions_total",
			Help: "Committed lifecycle transitions by target state.",
		}, []string{"to"}),
		RotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabfence_rotations_total",
			Help: "Identity rotations started.",
		}),
		RequestsAllowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabfence_requests_allowed_total",
			Help: "Requests admitted by the interceptor.",
		}),
		RequestsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabfence_requests_blocked_total",
			Help: "Requests cancelled by the interceptor, by reason.",
		}, []string{"reason"}),
		BlocklistRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabfence_blocklist_rules",
			Help: "Number of compiled blocklist rules currently installed.",
		}),
		BlocklistDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabfence_blocklist_degraded",
			Help: "1 when the blocklist failed to load and an empty rule set is in service.",
		}),
		ReceiptsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabfence_receipts_dropped_total",
			Help: "Interception receipts dropped under backpressure.",
		}),
	}

	reg.MustRegister(
		m.ContextsByState,
		m.TransitionsTotal,
		m.RotationsTotal,
		m.RequestsAllowed,
		m.RequestsBlocked,
		m.BlocklistRules,
		m.BlocklistDegraded,
		m.ReceiptsDropped,
	)
	return m
}

// ObserveRegistration tracks contexts entering and leaving the registry.
// Wire it to the state machine's registry observer; together with
// ObserveTransition it keeps the per-state gauge balanced, so the sum
// over all states equals the number of registered contexts.
func (m *Metrics) ObserveRegistration(state models.ContextState, registered bool) {
	g := m.ContextsByState.WithLabelValues(string(state))
	if registered {
		g.Inc()
	} else {
		g.Dec()
	}
}

// ObserveTransition updates the per-state gauges for one committed
// transition. Wire it to the state machine's transition observer.
func (m *Metrics) ObserveTransition(from, to models.ContextState) {
	if from.Valid() {
		m.ContextsByState.WithLabelValues(string(from)).Dec()
	}
	m.ContextsByState.WithLabelValues(string(to)).Inc()
	m.TransitionsTotal.WithLabelValues(string(to)).Inc()
	if to == models.StateRotating {
		m.RotationsTotal.Inc()
	}
}
