// Package sipmetrics exposes Prometheus instrumentation for the protocol
// core: transaction counts and retransmissions, dialog lifecycle, and
// transport-FSM state. It is deliberately thin — counters and gauges only,
// registered once per process via promauto's default registerer, the same
// approach the pack's soft-phone dialog package uses for its own collector.
package sipmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector groups the gauges/counters the core packages increment.
// A nil *Collector is valid and every method becomes a no-op, so callers
// that don't care about metrics can leave the field zero-valued.
type Collector struct {
	transactionsCreated  *prometheus.CounterVec
	transactionRetransmit *prometheus.CounterVec
	transactionsActive   *prometheus.GaugeVec
	dialogsActive        prometheus.Gauge
	transportState       *prometheus.GaugeVec
}

// New registers a fresh set of collectors under namespace "sipcore".
// Call it once per process; constructing a second Collector will panic on
// duplicate registration, matching promauto's documented behavior.
func New() *Collector {
	return &Collector{
		transactionsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipcore",
			Subsystem: "transaction",
			Name:      "created_total",
			Help:      "Transactions created, partitioned by flavor (ICT/IST/NICT/NIST).",
		}, []string{"flavor"}),
		transactionRetransmit: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipcore",
			Subsystem: "transaction",
			Name:      "retransmissions_total",
			Help:      "Retransmissions sent by the transaction layer, partitioned by flavor.",
		}, []string{"flavor"}),
		transactionsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sipcore",
			Subsystem: "transaction",
			Name:      "active",
			Help:      "Transactions currently not in a terminal state.",
		}, []string{"flavor"}),
		dialogsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "sipcore",
			Subsystem: "dialog",
			Name:      "active",
			Help:      "Dialogs with at least one live usage.",
		}),
		transportState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sipcore",
			Subsystem: "transport",
			Name:      "state",
			Help:      "1 if the named transport FSM state is current, else 0.",
		}, []string{"state"}),
	}
}

func (c *Collector) TransactionCreated(flavor string) {
	if c == nil {
		return
	}
	c.transactionsCreated.WithLabelValues(flavor).Inc()
	c.transactionsActive.WithLabelValues(flavor).Inc()
}

func (c *Collector) TransactionTerminated(flavor string) {
	if c == nil {
		return
	}
	c.transactionsActive.WithLabelValues(flavor).Dec()
}

func (c *Collector) TransactionRetransmitted(flavor string) {
	if c == nil {
		return
	}
	c.transactionRetransmit.WithLabelValues(flavor).Inc()
}

func (c *Collector) DialogCreated() {
	if c == nil {
		return
	}
	c.dialogsActive.Inc()
}

func (c *Collector) DialogDestroyed() {
	if c == nil {
		return
	}
	c.dialogsActive.Dec()
}

// TransportStateChanged records the new current Transport FSM state,
// zeroing every other known state label. Callers pass the full state set
// once so labels exist even before the first transition out of them.
func (c *Collector) TransportStateChanged(states []string, current string) {
	if c == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1.0
		}
		c.transportState.WithLabelValues(s).Set(v)
	}
}
