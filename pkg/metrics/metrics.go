package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RetrainingJobsTotal counts retraining jobs reaching a terminal state,
// labelled by trigger reason and final status.
var RetrainingJobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gallop_retraining_jobs_total",
		Help: "Total number of retraining jobs by trigger reason and terminal status",
	},
	[]string{"reason", "status"},
)

// TrainingPipelineDuration records wall-clock duration of pipeline runs.
var TrainingPipelineDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "gallop_training_pipeline_duration_seconds",
		Help:    "Duration in seconds of training pipeline executions",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	},
)

// Scheduler queue depth gauges
var (
	JobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gallop_scheduler_jobs_queued",
			Help: "Number of retraining jobs waiting in the pending queue",
		},
	)

	JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gallop_scheduler_jobs_active",
			Help: "Number of retraining jobs currently executing",
		},
	)
)

// DriftAlertsTotal counts drift alerts raised, labelled by alert type and
// severity.
var DriftAlertsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gallop_drift_alerts_total",
		Help: "Total number of drift alerts raised by type and severity",
	},
	[]string{"type", "severity"},
)

// ABTestPromotionsTotal counts A/B test winner promotions applied to the
// ensemble.
var ABTestPromotionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "gallop_ab_test_promotions_total",
		Help: "Total number of A/B test winners promoted",
	},
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gallop_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gallop_db_idle_connections",
			Help: "Number of idle connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gallop_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(RetrainingJobsTotal, TrainingPipelineDuration)
	prometheus.MustRegister(JobsQueued, JobsActive)
	prometheus.MustRegister(DriftAlertsTotal, ABTestPromotionsTotal)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}
