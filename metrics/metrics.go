// This package defines the prometheus metrics exposed by the pipeline. All recording methods are safe to call
// on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/meow-io/go-reconcile/saga"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry *prometheus.Registry

	envelopesRouted     *prometheus.CounterVec
	envelopesDeferred   *prometheus.CounterVec
	envelopesReplayed   prometheus.Counter
	envelopesEvicted    *prometheus.CounterVec
	deferredPending     prometheus.Gauge
	unrecognized        prometheus.Counter
	receiptsProcessed   *prometheus.CounterVec
	receiptAttempts     prometheus.Histogram
	continuousDecisions *prometheus.CounterVec
	sagaDuration        *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		envelopesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_routed_total",
			Help:      "Envelopes routed, by payload kind and resulting instruction.",
		}, []string{"kind", "instruction"}),
		envelopesDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_deferred_total",
			Help:      "Envelopes held back for a missing dependency, by dependency kind.",
		}, []string{"dependency"}),
		envelopesReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_replayed_total",
			Help:      "Deferred envelopes routed again after their dependency was satisfied.",
		}),
		envelopesEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_evicted_total",
			Help:      "Deferred envelopes given up on because their dependency never arrived.",
		}, []string{"dependency"}),
		deferredPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "envelopes_deferred_pending",
			Help:      "Envelopes currently waiting for a dependency.",
		}),
		unrecognized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_unrecognized_total",
			Help:      "Payloads that matched no known kind.",
		}),
		receiptsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_processed_total",
			Help:      "Return receipts processed, by result.",
		}, []string{"result"}),
		receiptAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "receipt_attempts",
			Help:      "Attempts needed to apply a return receipt.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		continuousDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "continuous_updates_total",
			Help:      "Continuous updates seen by the rate limiter, by decision.",
		}, []string{"decision"}),
		sagaDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_duration_seconds",
			Help:      "Saga execution time, by result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.envelopesRouted,
		m.envelopesDeferred,
		m.envelopesReplayed,
		m.envelopesEvicted,
		m.deferredPending,
		m.unrecognized,
		m.receiptsProcessed,
		m.receiptAttempts,
		m.continuousDecisions,
		m.sagaDuration,
	)
	return m
}

// Registry is what an embedding application serves or gathers from.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordRouted(kind, instruction string) {
	if m == nil {
		return
	}
	m.envelopesRouted.With(prometheus.Labels{"kind": kind, "instruction": instruction}).Inc()
}

func (m *Metrics) RecordDeferred(dependency string) {
	if m == nil {
		return
	}
	m.envelopesDeferred.With(prometheus.Labels{"dependency": dependency}).Inc()
}

func (m *Metrics) RecordReplayed(n int) {
	if m == nil {
		return
	}
	m.envelopesReplayed.Add(float64(n))
}

func (m *Metrics) RecordEvicted(dependency string) {
	if m == nil {
		return
	}
	m.envelopesEvicted.With(prometheus.Labels{"dependency": dependency}).Inc()
}

func (m *Metrics) SetDeferredPending(n int) {
	if m == nil {
		return
	}
	m.deferredPending.Set(float64(n))
}

func (m *Metrics) RecordUnrecognized() {
	if m == nil {
		return
	}
	m.unrecognized.Inc()
}

func (m *Metrics) RecordReceipt(result string, attempts int) {
	if m == nil {
		return
	}
	m.receiptsProcessed.With(prometheus.Labels{"result": result}).Inc()
	if attempts > 0 {
		m.receiptAttempts.Observe(float64(attempts))
	}
}

func (m *Metrics) RecordContinuous(decision string) {
	if m == nil {
		return
	}
	m.continuousDecisions.With(prometheus.Labels{"decision": decision}).Inc()
}

// SagaFinished implements saga.Observer.
func (m *Metrics) SagaFinished(label string, r saga.Result, d time.Duration) {
	if m == nil {
		return
	}
	result := "completed"
	if r.Cancelled {
		result = "cancelled"
	}
	m.sagaDuration.With(prometheus.Labels{"result": result}).Observe(d.Seconds())
}
