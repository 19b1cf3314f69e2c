// Package metrics holds the Prometheus collectors for the ledger, the purchase
// saga and the renewal queue.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "netpulse"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	ledgerOps          *prometheus.CounterVec
	lockWait           prometheus.Histogram
	purchases          *prometheus.CounterVec
	activationDuration *prometheus.HistogramVec
	refundFailures     prometheus.Counter
	queueJobs          *prometheus.CounterVec
}

// MustNewMetrics registers the collectors with reg and panics on a registration
// error. Tests pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger write operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "write_duration_seconds",
			Help:      "Time spent in a locked ledger write including lock acquisition.",
			Buckets:   prometheus.DefBuckets,
		}),
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "purchase",
			Name:      "total",
			Help:      "Purchases by service type and resulting execution status.",
		}, []string{"service", "status"}),
		activationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "purchase",
			Name:      "activation_duration_seconds",
			Help:      "Time from debit to terminal activation outcome.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"service", "status"}),
		refundFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "purchase",
			Name:      "refund_failures_total",
			Help:      "Failed activations whose compensating refund could not be applied.",
		}),
		queueJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Renewal job attempts by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.ledgerOps, m.lockWait, m.purchases, m.activationDuration, m.refundFailures, m.queueJobs)
	return m
}

// LedgerOp counts one engine write. outcome is "ok", "replay" or an error class.
func (m *Metrics) LedgerOp(op, outcome string) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveLedgerWrite(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) Purchase(service, status string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(service, status).Inc()
}

func (m *Metrics) ObserveActivation(service, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.activationDuration.WithLabelValues(service, status).Observe(d.Seconds())
}

// RefundFailure counts a saga that needs manual reconciliation.
func (m *Metrics) RefundFailure() {
	if m == nil {
		return
	}
	m.refundFailures.Inc()
}

func (m *Metrics) QueueJob(outcome string) {
	if m == nil {
		return
	}
	m.queueJobs.WithLabelValues(outcome).Inc()
}
