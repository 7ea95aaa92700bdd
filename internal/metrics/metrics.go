// Package metrics defines the prometheus instrumentation for the trapline
// core. Each long-lived component gets its own metrics struct built from a
// shared registerer so tests can use isolated registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "trapline_build_info",
	Help: "Build information",
}, []string{"version", "commit", "date"})

type LoaderMetrics struct {
	EventsInserted      prometheus.Counter
	EventsQuarantined   prometheus.Counter
	BatchesCommitted    prometheus.Counter
	BatchCommitFailures prometheus.Counter
	BatchCommitDuration prometheus.Histogram
	SessionsTouched     prometheus.Counter
}

func NewLoaderMetrics(reg prometheus.Registerer) *LoaderMetrics {
	factory := promauto.With(reg)

	return &LoaderMetrics{
		EventsInserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "loader_events_inserted_total",
			Help: "Total number of raw events inserted",
		}),
		EventsQuarantined: factory.NewCounter(prometheus.CounterOpts{
			Name: "loader_events_quarantined_total",
			Help: "Total number of events quarantined to the dead letter table",
		}),
		BatchesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "loader_batches_committed_total",
			Help: "Total number of batches committed",
		}),
		BatchCommitFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "loader_batch_commit_failures_total",
			Help: "Total number of batch commit failures after retry",
		}),
		BatchCommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "loader_batch_commit_duration_seconds",
			Help: "Duration of batch commit transactions in seconds",
		}),
		SessionsTouched: factory.NewCounter(prometheus.CounterOpts{
			Name: "loader_sessions_touched_total",
			Help: "Total number of session summaries upserted",
		}),
	}
}

type EnricherMetrics struct {
	IPsEnriched        prometheus.Counter
	EnrichmentDuration prometheus.Histogram
	SourceSuccess      *prometheus.CounterVec
	SourceFailure      *prometheus.CounterVec
	SourceSkipped      *prometheus.CounterVec
	CacheHits          *prometheus.CounterVec
	ScannerBudget      prometheus.Gauge
}

func NewEnricherMetrics(reg prometheus.Registerer) *EnricherMetrics {
	factory := promauto.With(reg)

	return &EnricherMetrics{
		IPsEnriched: factory.NewCounter(prometheus.CounterOpts{
			Name: "enricher_ips_enriched_total",
			Help: "Total number of IPs run through the enrichment cascade",
		}),
		EnrichmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "enricher_enrichment_duration_seconds",
			Help: "Duration of a full enrichment cascade in seconds",
		}),
		SourceSuccess: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_source_success_total",
			Help: "Successful lookups per enrichment source",
		}, []string{"source"}),
		SourceFailure: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_source_failure_total",
			Help: "Failed lookups per enrichment source",
		}, []string{"source"}),
		SourceSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_source_skipped_total",
			Help: "Skipped lookups per enrichment source",
		}, []string{"source"}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_cache_hits_total",
			Help: "Cache hits per enrichment source and tier",
		}, []string{"source", "tier"}),
		ScannerBudget: factory.NewGauge(prometheus.GaugeOpts{
			Name: "enricher_scanner_budget_remaining",
			Help: "Remaining scanner lookups in the current UTC day",
		}),
	}
}

type CacheMetrics struct {
	Hits   *prometheus.CounterVec
	Misses *prometheus.CounterVec
	Puts   *prometheus.CounterVec
	Errors *prometheus.CounterVec
}

func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	factory := promauto.With(reg)

	return &CacheMetrics{
		Hits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Cache hits per service and tier",
		}, []string{"service", "tier"}),
		Misses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Full cache misses per service",
		}, []string{"service"}),
		Puts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_puts_total",
			Help: "Cache writes per service and tier",
		}, []string{"service", "tier"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_tier_errors_total",
			Help: "Tier failures treated as misses, per tier",
		}, []string{"tier"}),
	}
}

type DLQMetrics struct {
	Processed      prometheus.Counter
	Resolved       prometheus.Counter
	Failures       prometheus.Counter
	BreakerState   prometheus.Gauge
	Depth          prometheus.Gauge
	OldestAgeHours prometheus.Gauge
}

func NewDLQMetrics(reg prometheus.Registerer) *DLQMetrics {
	factory := promauto.With(reg)

	return &DLQMetrics{
		Processed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dlq_records_processed_total",
			Help: "Total number of dead letter records processed",
		}),
		Resolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "dlq_records_resolved_total",
			Help: "Total number of dead letter records resolved",
		}),
		Failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "dlq_record_failures_total",
			Help: "Total number of dead letter reprocessing failures",
		}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dlq_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}),
		Depth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dlq_depth",
			Help: "Number of unresolved dead letter records",
		}),
		OldestAgeHours: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dlq_oldest_age_hours",
			Help: "Age of the oldest unresolved dead letter record in hours",
		}),
	}
}

type ClassifierMetrics struct {
	Classifications *prometheus.CounterVec
	RefreshFailures *prometheus.CounterVec
	ReferenceAge    *prometheus.GaugeVec
}

func NewClassifierMetrics(reg prometheus.Registerer) *ClassifierMetrics {
	factory := promauto.With(reg)

	return &ClassifierMetrics{
		Classifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classifier_classifications_total",
			Help: "Classifications per matcher",
		}, []string{"matcher"}),
		RefreshFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classifier_reference_refresh_failures_total",
			Help: "Reference set refresh failures per set",
		}, []string{"set"}),
		ReferenceAge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "classifier_reference_age_seconds",
			Help: "Age of each reference set since last successful refresh",
		}, []string{"set"}),
	}
}
