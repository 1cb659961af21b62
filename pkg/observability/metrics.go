package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// TrainingRunsTotal tracks completed training run outcomes
	TrainingRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "titlerec_training_runs_total",
			Help: "Total number of training runs by outcome",
		},
		[]string{"model", "status"}, // status: trained, failed, skipped
	)

	// TrainingRunDuration measures end-to-end training run duration
	TrainingRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "titlerec_training_run_duration_seconds",
			Help:    "Training run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68m
		},
		[]string{"model"},
	)

	// TrainingTriggersTotal tracks manual and scheduled trigger outcomes
	TrainingTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "titlerec_training_triggers_total",
			Help: "Total number of training triggers by reported status",
		},
		[]string{"status"}, // status: trained, started, skipped, failed
	)

	// RecommendationRequestsTotal tracks recommendation requests
	RecommendationRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "titlerec_recommendation_requests_total",
			Help: "Total number of recommendation requests",
		},
		[]string{"status"}, // status: ok, cold_start, not_ready, error
	)

	// RecommendationLatency measures recommendation serving latency
	RecommendationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "titlerec_recommendation_latency_seconds",
			Help:    "Recommendation request latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	// SimilarTitlesRequestsTotal tracks similar-title requests
	SimilarTitlesRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "titlerec_similar_titles_requests_total",
			Help: "Total number of similar-title requests",
		},
		[]string{"status"}, // status: ok, not_found, not_ready, error
	)

	// CacheLookupsTotal tracks hot cache lookup results
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "titlerec_cache_lookups_total",
			Help: "Total number of cache lookups by result",
		},
		[]string{"result"}, // result: hit, miss
	)

	// ActiveModelVersion exposes the serving pointer per configuration
	ActiveModelVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "titlerec_active_model_version",
			Help: "Currently active model version per configuration",
		},
		[]string{"config_id"},
	)

	// MatrixEntries tracks the size of the last built interaction matrix
	MatrixEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "titlerec_matrix_entries",
			Help: "Number of entries in the last built interaction matrix",
		},
		[]string{"model"},
	)
)

// RecordTrainingRun records the outcome and duration of one training run.
func RecordTrainingRun(model, status string, duration time.Duration) {
	TrainingRunsTotal.WithLabelValues(model, status).Inc()
	TrainingRunDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordTrainingTrigger records the reported status of one trigger.
func RecordTrainingTrigger(status string) {
	TrainingTriggersTotal.WithLabelValues(status).Inc()
}

// RecordRecommendation records one recommendation request.
func RecordRecommendation(status string, duration time.Duration) {
	RecommendationRequestsTotal.WithLabelValues(status).Inc()
	RecommendationLatency.Observe(duration.Seconds())
}

// RecordSimilarTitles records one similar-title request.
func RecordSimilarTitles(status string, duration time.Duration) {
	SimilarTitlesRequestsTotal.WithLabelValues(status).Inc()
	RecommendationLatency.Observe(duration.Seconds())
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(hit bool) {
	if hit {
		CacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}

	CacheLookupsTotal.WithLabelValues("miss").Inc()
}

// SetActiveModelVersion updates the serving pointer gauge.
func SetActiveModelVersion(configID string, version int64) {
	ActiveModelVersion.WithLabelValues(configID).Set(float64(version))
}

// SetMatrixEntries updates the last built matrix size gauge.
func SetMatrixEntries(model string, entries int) {
	MatrixEntries.WithLabelValues(model).Set(float64(entries))
}
