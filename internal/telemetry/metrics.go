// Package telemetry holds prometheus instrumentation for the pipeline.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all pipeline metrics, registered on a single registry
// exposed at /metrics.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested    prometheus.Counter
	EventsRejected    prometheus.Counter
	EventsDeduped     prometheus.Counter
	EmbeddingsFailed  prometheus.Counter
	QueueSkipped      prometheus.Counter
	PatternsCreated   prometheus.Counter
	Contradictions    prometheus.Counter
	RulesPublished    prometheus.Counter
	PublishConflicts  prometheus.Counter
	CyclesRun         prometheus.Counter
	CyclesCoalesced   prometheus.Counter
	PatternsByState   *prometheus.GaugeVec
	CycleDuration     prometheus.Histogram
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialectd_events_ingested_total",
			Help: "Capture events accepted into the memory store.",
		}),
		EventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialectd_events_rejected_total",
			Help: "Capture events rejected at the boundary as malformed.",
		}),
		EventsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialectd_events_deduped_total",
			Help: "Capture events dropped by the append debounce window.",
		}),
		EmbeddingsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialectd_embeddings_failed_total",
			Help: "Embedding requests that failed; memories stored without vectors.",
		}),
		QueueSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialectd_embed_queue_skipped_total",
			Help: "Memories whose embedding was skipped because the queue was full.",
		}),
		PatternsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialectd_patterns_created_total",
			Help: "Candidate patterns seeded by the detector.",
		}),
		Contradictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialectd_contradictions_total",
			Help: "Contradictions recorded against patterns.",
		}),
		RulesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialectd_rules_published_total",
			Help: "Rule artifacts published (version bumps, not no-ops).",
		}),
		PublishConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialectd_publish_conflicts_total",
			Help: "Publishes aborted because the target artifact changed externally.",
		}),
		CyclesRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialectd_consolidation_cycles_total",
			Help: "Consolidation cycles executed.",
		}),
		CyclesCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialectd_consolidation_cycles_coalesced_total",
			Help: "Cycle requests coalesced into an already pending run.",
		}),
		PatternsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dialectd_patterns",
			Help: "Current pattern count by state.",
		}, []string{"state"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dialectd_cycle_duration_seconds",
			Help:    "Consolidation cycle duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.EventsIngested, m.EventsRejected, m.EventsDeduped,
		m.EmbeddingsFailed, m.QueueSkipped,
		m.PatternsCreated, m.Contradictions,
		m.RulesPublished, m.PublishConflicts,
		m.CyclesRun, m.CyclesCoalesced,
		m.PatternsByState, m.CycleDuration,
	)
	return m
}

// Registry returns the prometheus registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
