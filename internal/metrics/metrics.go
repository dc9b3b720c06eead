// Package metrics exposes the Prometheus instrumentation for the service.
// A single Metrics value owns a private registry; components receive it by
// reference at construction and never touch package-level state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service observes.
type Metrics struct {
	registry *prometheus.Registry

	UpstreamRequestSeconds *prometheus.HistogramVec
	ReplyDelaySeconds      prometheus.Histogram

	MessagesReceived  prometheus.Counter
	RepliesSent       prometheus.Counter
	UpstreamErrors    *prometheus.CounterVec
	ProactiveSent     *prometheus.CounterVec
	TasksEnqueued     *prometheus.CounterVec
	TasksCompleted    *prometheus.CounterVec
	TasksRequeued     prometheus.Counter
	TasksFailed       prometheus.Counter
	RecoveryGapTotal  prometheus.Counter
}

// New builds the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.UpstreamRequestSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "n8n_request_seconds",
		Help:    "Upstream workflow call latency by intent.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"intent"})

	m.ReplyDelaySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reply_delay_seconds",
		Help:    "Humanized delay applied before sending a reply.",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 180, 300, 400},
	})

	m.MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_received_total",
		Help: "Inbound user messages accepted for processing.",
	})
	m.RepliesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replies_sent_total",
		Help: "Assistant replies delivered to the platform.",
	})
	m.UpstreamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "n8n_errors_total",
		Help: "Upstream workflow call failures by intent.",
	}, []string{"intent"})
	m.ProactiveSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proactive_sent_total",
		Help: "Proactive messages sent by intent.",
	}, []string{"intent"})
	m.TasksEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_enqueued_total",
		Help: "Tasks enqueued by kind.",
	}, []string{"kind"})
	m.TasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_completed_total",
		Help: "Tasks finished by kind and terminal status.",
	}, []string{"kind", "status"})
	m.TasksRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_requeued_total",
		Help: "Tasks returned to pending for retry.",
	})
	m.TasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_failed_total",
		Help: "Tasks that exhausted their attempts.",
	})
	m.RecoveryGapTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recovery_gap_messages_total",
		Help: "User messages found during startup gap recovery.",
	})

	m.registry.MustRegister(
		m.UpstreamRequestSeconds,
		m.ReplyDelaySeconds,
		m.MessagesReceived,
		m.RepliesSent,
		m.UpstreamErrors,
		m.ProactiveSent,
		m.TasksEnqueued,
		m.TasksCompleted,
		m.TasksRequeued,
		m.TasksFailed,
		m.RecoveryGapTotal,
	)

	return m
}

// Handler returns the /metrics exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
