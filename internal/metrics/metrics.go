// Package metrics holds the Prometheus instrumentation for the platform.
// One Metrics value is created at startup and handed to every component;
// nothing registers collectors lazily.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the platform exports at /metrics.
type Metrics struct {
	// Ingest
	IngestTotal   *prometheus.CounterVec // result: success, duplicate, rejected
	ParseFailures *prometheus.CounterVec // reason: missing_field, malformed, unknown_format, checksum_mismatch
	Backpressure  prometheus.Counter

	// Processing
	ProcessingDuration *prometheus.HistogramVec // outcome: acked, redelivered, dlq
	DLQTotal           *prometheus.CounterVec   // reason
	StaleClaims        prometheus.Counter

	// Dual-write
	ProjectionRetries prometheus.Counter
	DebtOutstanding   prometheus.Gauge
	DebtResolved      prometheus.Counter
	GraphQueryLatency *prometheus.HistogramVec // query: journey, location, flight_bags, connection_risk, bottlenecks

	// Orchestration
	WorkflowSteps *prometheus.CounterVec // step, outcome: proceed, skip, fail, defer, pending
	CasesOpened   prometheus.Counter
	PIRsFiled     prometheus.Counter
	BagsDelayed   prometheus.Counter

	// Notifications
	NotificationResults *prometheus.CounterVec // channel, result: sent, failed, dead, deduped

	// Live feed
	StreamClients prometheus.Gauge
}

// New creates and registers every collector on the default registry.
func New() *Metrics {
	return &Metrics{
		IngestTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skytrace_ingest_events_total",
				Help: "Events offered to the ingest bus, by result",
			},
			[]string{"result"},
		),
		ParseFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skytrace_parse_failures_total",
				Help: "Parse failures by structured reason",
			},
			[]string{"format", "reason"},
		),
		Backpressure: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skytrace_ingest_backpressure_total",
				Help: "Ingest requests refused with 429",
			},
		),
		ProcessingDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skytrace_processing_duration_seconds",
				Help:    "Per-envelope pipeline duration, by outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		DLQTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skytrace_dlq_events_total",
				Help: "Envelopes moved to the dead-letter stream, by reason",
			},
			[]string{"reason"},
		),
		StaleClaims: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skytrace_stale_claims_total",
				Help: "Envelopes reclaimed from crashed consumers",
			},
		),
		ProjectionRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skytrace_projection_retries_total",
				Help: "Graph projection attempts beyond the first",
			},
		),
		DebtOutstanding: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "skytrace_reconciliation_debt_outstanding",
				Help: "Reconciliation debt rows awaiting repair",
			},
		),
		DebtResolved: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skytrace_reconciliation_debt_resolved_total",
				Help: "Reconciliation debts repaired by the background reconciler",
			},
		),
		GraphQueryLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "skytrace_graph_query_duration_seconds",
				Help:    "Graph query surface latency, by query",
				Buckets: []float64{.005, .01, .025, .05, .1, .15, .2, .5, 1, 2.5},
			},
			[]string{"query"},
		),
		WorkflowSteps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skytrace_workflow_steps_total",
				Help: "Orchestrator step outcomes",
			},
			[]string{"step", "outcome"},
		),
		CasesOpened: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skytrace_exception_cases_opened_total",
				Help: "Exception cases opened by the workflow",
			},
		),
		PIRsFiled: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skytrace_pirs_filed_total",
				Help: "Property irregularity reports filed",
			},
		),
		BagsDelayed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "skytrace_bags_delayed_total",
				Help: "Bags marked delayed by the scan gap sweep",
			},
		),
		NotificationResults: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skytrace_notifications_total",
				Help: "Notification outcomes by channel",
			},
			[]string{"channel", "result"},
		),
		StreamClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "skytrace_stream_clients",
				Help: "Connected live-feed WebSocket clients",
			},
		),
	}
}

// ObserveProcessing records one envelope's pipeline duration.
func (m *Metrics) ObserveProcessing(outcome string, d time.Duration) {
	m.ProcessingDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveGraphQuery records one query-surface call.
func (m *Metrics) ObserveGraphQuery(query string, d time.Duration) {
	m.GraphQueryLatency.WithLabelValues(query).Observe(d.Seconds())
}
