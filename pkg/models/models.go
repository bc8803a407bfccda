// Package models defines the domain records shared across the Gallop model
// lifecycle services: per-model performance metrics, ensemble weights, drift
// alerts, A/B test records and retraining jobs.
package models

import (
	"time"
)

// AlertType classifies the kind of drift an alert reports.
type AlertType string

const (
	AlertDataDrift        AlertType = "data_drift"
	AlertPredictionDrift  AlertType = "prediction_drift"
	AlertConceptDrift     AlertType = "concept_drift"
	AlertPerformanceDrift AlertType = "performance_drift"
)

// Severity grades an alert. Severities are ordered; see Rank.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns an ordinal for severity comparisons (critical ranks highest).
// Unknown severities rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// MaxSeverity returns the highest-ranked of the given severities, or
// SeverityLow when the slice is empty.
func MaxSeverity(severities []Severity) Severity {
	max := SeverityLow
	for _, s := range severities {
		if s.Rank() > max.Rank() {
			max = s
		}
	}
	return max
}

// TriggerReason explains why a retraining job was queued.
type TriggerReason string

const (
	TriggerDriftDetected          TriggerReason = "drift_detected"
	TriggerPerformanceDegradation TriggerReason = "performance_degradation"
	TriggerScheduled              TriggerReason = "scheduled"
	TriggerManual                 TriggerReason = "manual"
)

// JobStatus is the retraining job state machine. Jobs are created pending,
// move to running when dequeued and end in exactly one of completed or
// failed.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ABTestStatus is the lifecycle of an A/B test record.
type ABTestStatus string

const (
	ABTestActive    ABTestStatus = "active"
	ABTestConcluded ABTestStatus = "concluded"
)

// TrainingStrategy selects which model families a pipeline run trains.
type TrainingStrategy string

const (
	StrategySingle   TrainingStrategy = "single"
	StrategyEnsemble TrainingStrategy = "ensemble"
	StrategyBoth     TrainingStrategy = "both"
)

// TrendDirection classifies an NDCG trend slope.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDegrading TrendDirection = "degrading"
	TrendStable    TrendDirection = "stable"
)

// ModelMetrics is the performance record for one tracked ranking model.
// NDCG scores are in [0,1]; accuracies are percentages. Records are never
// deleted, only superseded by newer versions.
type ModelMetrics struct {
	ModelID            string    `json:"model_id"`
	Name               string    `json:"name"`
	Version            string    `json:"version"`
	NDCGAt3            float64   `json:"ndcg_at_3"`
	NDCGAt5            float64   `json:"ndcg_at_5"`
	WinAccuracy        float64   `json:"win_accuracy"`
	PlaceAccuracy      float64   `json:"place_accuracy"`
	ShowAccuracy       float64   `json:"show_accuracy"`
	TotalPredictions   int64     `json:"total_predictions"`
	CorrectPredictions int64     `json:"correct_predictions"`
	AverageConfidence  float64   `json:"average_confidence"`
	ROI                float64   `json:"roi"`
	LastUpdated        time.Time `json:"last_updated"`
}

// MetricsDelta is a partial update to ModelMetrics. Nil fields are left
// unchanged.
type MetricsDelta struct {
	NDCGAt3            *float64 `json:"ndcg_at_3,omitempty"`
	NDCGAt5            *float64 `json:"ndcg_at_5,omitempty"`
	WinAccuracy        *float64 `json:"win_accuracy,omitempty"`
	PlaceAccuracy      *float64 `json:"place_accuracy,omitempty"`
	ShowAccuracy       *float64 `json:"show_accuracy,omitempty"`
	TotalPredictions   *int64   `json:"total_predictions,omitempty"`
	CorrectPredictions *int64   `json:"correct_predictions,omitempty"`
	AverageConfidence  *float64 `json:"average_confidence,omitempty"`
	ROI                *float64 `json:"roi,omitempty"`
}

// ModelWeight is one model's share of the live ensemble. Weights across all
// models sum to 1; PerformanceBased distinguishes computed weights from
// manually set ones.
type ModelWeight struct {
	ModelID          string    `json:"model_id"`
	Weight           float64   `json:"weight"`
	PerformanceBased bool      `json:"performance_based"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DriftAlert is an immutable drift event raised by the drift monitor.
// Alerts age out of active views after 24 hours but are never deleted.
type DriftAlert struct {
	AlertID            string    `json:"alert_id"`
	ModelID            string    `json:"model_id"`
	AlertType          AlertType `json:"alert_type"`
	Severity           Severity  `json:"severity"`
	DriftMagnitude     float64   `json:"drift_magnitude"`
	Threshold          float64   `json:"threshold"`
	Message            string    `json:"message"`
	Timestamp          time.Time `json:"timestamp"`
	RequiresRetraining bool      `json:"requires_retraining"`
}

// ABTestResult compares a control model against a treatment model.
// Created active; concluded by an external decision; consumed exactly once
// by winner promotion.
type ABTestResult struct {
	TestID                  string       `json:"test_id"`
	ControlModelID          string       `json:"control_model_id"`
	TreatmentModelID        string       `json:"treatment_model_id"`
	ControlNDCGAt3          float64      `json:"control_ndcg_at_3"`
	TreatmentNDCGAt3        float64      `json:"treatment_ndcg_at_3"`
	Improvement             float64      `json:"improvement"`
	StatisticalSignificance float64      `json:"statistical_significance"`
	IsSignificant           bool         `json:"is_significant"`
	TrafficSplit            float64      `json:"traffic_split"`
	Status                  ABTestStatus `json:"status"`
	CreatedAt               time.Time    `json:"created_at"`
	ConcludedAt             *time.Time   `json:"concluded_at,omitempty"`
	PromotedAt              *time.Time   `json:"promoted_at,omitempty"`
}

// RetrainingJob is the scheduler's unit of work. The scheduler exclusively
// owns the lifecycle; once terminal the record is immutable.
type RetrainingJob struct {
	JobID           string        `json:"job_id"`
	ModelID         string        `json:"model_id"`
	TriggerReason   TriggerReason `json:"trigger_reason"`
	Status          JobStatus     `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	StartTime       *time.Time    `json:"start_time,omitempty"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	NewModelVersion string        `json:"new_model_version,omitempty"`
	NDCGImprovement float64       `json:"ndcg_improvement"`
	Error           string        `json:"error,omitempty"`
}

// Clone returns a copy of the job so callers can read it without racing the
// scheduler's own mutations.
func (j *RetrainingJob) Clone() *RetrainingJob {
	if j == nil {
		return nil
	}
	cp := *j
	if j.StartTime != nil {
		t := *j.StartTime
		cp.StartTime = &t
	}
	if j.EndTime != nil {
		t := *j.EndTime
		cp.EndTime = &t
	}
	return &cp
}

// TrainingResult is one trainer invocation's outcome inside a pipeline run.
type TrainingResult struct {
	ModelID         string                 `json:"model_id"`
	NDCGAt3         float64                `json:"ndcg_at_3"`
	NDCGAt5         float64                `json:"ndcg_at_5"`
	WinAccuracy     float64                `json:"win_accuracy"`
	PlaceAccuracy   float64                `json:"place_accuracy"`
	ShowAccuracy    float64                `json:"show_accuracy"`
	TrainingTimeMs  int64                  `json:"training_time_ms"`
	Hyperparameters map[string]interface{} `json:"hyperparameters,omitempty"`
	Success         bool                   `json:"success"`
	Error           string                 `json:"error,omitempty"`
	TrainedAt       time.Time              `json:"trained_at"`
}

// OrchestrationResult summarizes one training pipeline execution.
type OrchestrationResult struct {
	Success         bool             `json:"success"`
	TriggerReason   TriggerReason    `json:"trigger_reason"`
	TrainedModels   []TrainingResult `json:"trained_models"`
	BestModel       *TrainingResult  `json:"best_model,omitempty"`
	NewModelVersion string           `json:"new_model_version,omitempty"`
	Improvement     float64          `json:"improvement"`
	Promoted        bool             `json:"promoted"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
	ExecutedAt      time.Time        `json:"executed_at"`
	Error           string           `json:"error,omitempty"`
}
