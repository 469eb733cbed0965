// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ChunksCreated      *prometheus.CounterVec
	VersionsCreated    *prometheus.CounterVec
	JobsClaimed        *prometheus.CounterVec
	JobsCompleted      *prometheus.CounterVec
	JobsFailed         *prometheus.CounterVec
	JobsExhausted      *prometheus.CounterVec
	JobsReset          *prometheus.CounterVec
	GuardrailDecisions *prometheus.CounterVec
	RecoveryVersions   *prometheus.CounterVec
	RecoveryChunks     prometheus.Counter
	StuckVersions      prometheus.Gauge
	OrphanedVersions   prometheus.Gauge
	SummarizeDuration  *prometheus.HistogramVec
}

// New builds a Metrics set on its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ChunksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docdelta",
			Name:      "chunks_created_total",
			Help:      "Chunks written per version, by origin.",
		}, []string{"origin"}),
		VersionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docdelta",
			Name:      "versions_created_total",
			Help:      "Create-version requests by outcome.",
		}, []string{"outcome"}),
		JobsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docdelta",
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed by workers.",
		}, []string{"kind"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docdelta",
			Name:      "jobs_completed_total",
			Help:      "Jobs completed by workers.",
		}, []string{"kind"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docdelta",
			Name:      "jobs_failed_total",
			Help:      "Job attempts that failed.",
		}, []string{"kind"}),
		JobsExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docdelta",
			Name:      "jobs_exhausted_total",
			Help:      "Jobs that failed with no retries left.",
		}, []string{"kind"}),
		JobsReset: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docdelta",
			Name:      "jobs_reset_total",
			Help:      "Jobs moved back to queued by the job sweep.",
		}, []string{"reason"}),
		GuardrailDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docdelta",
			Name:      "guardrail_decisions_total",
			Help:      "Admission decisions.",
		}, []string{"decision"}),
		RecoveryVersions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docdelta",
			Name:      "recovery_versions_total",
			Help:      "Versions visited by the recovery sweep.",
		}, []string{"outcome"}),
		RecoveryChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docdelta",
			Name:      "recovery_chunks_total",
			Help:      "Chunk jobs re-enqueued by replay and recovery.",
		}),
		StuckVersions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docdelta",
			Name:      "stuck_versions",
			Help:      "Versions with incomplete chunks older than the stuck threshold.",
		}),
		OrphanedVersions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docdelta",
			Name:      "orphaned_reuse_versions",
			Help:      "Versions whose reused chunks point at missing rows.",
		}),
		SummarizeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docdelta",
			Name:      "summarize_duration_seconds",
			Help:      "Latency of summarizer calls.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ChunksCreated,
		m.VersionsCreated,
		m.JobsClaimed,
		m.JobsCompleted,
		m.JobsFailed,
		m.JobsExhausted,
		m.JobsReset,
		m.GuardrailDecisions,
		m.RecoveryVersions,
		m.RecoveryChunks,
		m.StuckVersions,
		m.OrphanedVersions,
		m.SummarizeDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
