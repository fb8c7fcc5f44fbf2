package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("ontology-engine/services")

var (
	cycleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ontology_cycle_total",
		Help: "Discovery cycles by result",
	}, []string{"result"})

	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ontology_cycle_phase_duration_seconds",
		Help:    "Duration of each discovery cycle phase",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
	}, []string{"phase"})

	entitiesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ontology_entities_processed_total",
		Help: "Entities run through the heuristics processor by result",
	}, []string{"result"})

	heuristicUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ontology_heuristic_updates_total",
		Help: "Relation heuristic create-or-merge operations",
	})

	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ontology_evaluations_total",
		Help: "Relation candidate evaluations by result (evaluated, carried_forward, below_min_count, error)",
	}, []string{"result"})

	syncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ontology_relation_sync_total",
		Help: "Relation sync outcomes by resulting status",
	}, []string{"status"})

	judgeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ontology_judge_latency_seconds",
		Help:    "Latency of LLM judge calls including retries",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	cleanupRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ontology_cleanup_removed_total",
		Help: "Records removed by version cleanup by graph",
	}, []string{"graph"})
)
