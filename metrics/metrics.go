// Package metrics exposes Prometheus counters for the message engine's
// ingestion boundary. Each engine owns its own registry so several engines
// can live in one process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "msgcore"

// Metrics groups the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	MessagesIngested     *prometheus.CounterVec
	ReceiptsProcessed    *prometheus.CounterVec
	RemoteRequests       *prometheus.CounterVec
	DeferredReplayed     *prometheus.CounterVec
	PlaceholdersCreated  prometheus.Counter
	PlaceholdersResolved prometheus.Counter
	ContractViolations   *prometheus.CounterVec
	RetentionPurged      *prometheus.CounterVec
	StatusTransitions    *prometheus.CounterVec
	ReceiptBatchSeconds  prometheus.Histogram
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_ingested_total",
			Help:      "Messages inserted, by origin.",
		}, []string{"origin"}),
		ReceiptsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_processed_total",
			Help:      "Return receipts processed, by result.",
		}, []string{"result"}),
		RemoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_requests_total",
			Help:      "Edit, delete and reaction requests, by kind and result.",
		}, []string{"kind", "result"}),
		DeferredReplayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_replayed_total",
			Help:      "Deferred requests replayed on target creation, by kind and result.",
		}, []string{"kind", "result"}),
		PlaceholdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_placeholders_created_total",
			Help:      "Reply placeholders created for unknown targets.",
		}),
		PlaceholdersResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_placeholders_resolved_total",
			Help:      "Reply placeholders replaced by a direct link.",
		}),
		ContractViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contract_violations_total",
			Help:      "Refused operations, by function.",
		}, []string{"function"}),
		RetentionPurged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_purged_total",
			Help:      "Records removed by the retention sweep, by kind.",
		}, []string{"kind"}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_status_transitions_total",
			Help:      "Sent message status changes, by new status.",
		}, []string{"status"}),
		ReceiptBatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "receipt_batch_seconds",
			Help:      "Time spent processing one batch of return receipts.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.MessagesIngested,
		m.ReceiptsProcessed,
		m.RemoteRequests,
		m.DeferredReplayed,
		m.PlaceholdersCreated,
		m.PlaceholdersResolved,
		m.ContractViolations,
		m.RetentionPurged,
		m.StatusTransitions,
		m.ReceiptBatchSeconds,
	)
	return m
}

// OrNew returns m, or a fresh unshared set when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New()
	}
	return m
}

// Registry returns the registry holding the collectors, for callers that
// gather or federate them.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format. The
// host application decides where to mount it.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
