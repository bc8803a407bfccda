package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stridelabs/gallop/internal/training"
	"github.com/stridelabs/gallop/pkg/models"
)

// trainingFetchCap bounds how many settled rows one pipeline run pulls.
const trainingFetchCap = 5000

// TrainingRun is the persisted record of one pipeline execution. The
// per-trainer results ride along as a JSON column.
type TrainingRun struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TriggerReason   string    `gorm:"size:32;index" json:"trigger_reason"`
	Success         bool      `json:"success"`
	BestModelID     string    `gorm:"size:64" json:"best_model_id"`
	NewModelVersion string    `gorm:"size:32" json:"new_model_version"`
	Improvement     float64   `json:"improvement"`
	Promoted        bool      `json:"promoted"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	Error           string    `gorm:"type:text" json:"error,omitempty"`
	Results         string    `gorm:"type:text" json:"results,omitempty"`
	ExecutedAt      time.Time `gorm:"index" json:"executed_at"`
}

// JobHistory is the persisted terminal record of a retraining job.
type JobHistory struct {
	JobID           string     `gorm:"size:64;primaryKey" json:"job_id"`
	ModelID         string     `gorm:"size:64;index" json:"model_id"`
	TriggerReason   string     `gorm:"size:32" json:"trigger_reason"`
	Status          string     `gorm:"size:16;index" json:"status"`
	NewModelVersion string     `gorm:"size:32" json:"new_model_version"`
	NDCGImprovement float64    `json:"ndcg_improvement"`
	Error           string     `gorm:"type:text" json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// TableName keeps the table aligned with what the rows actually are.
func (JobHistory) TableName() string { return "retraining_jobs" }

// Store wraps the database for prediction rows, run history and job history.
type Store struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

// NewStore creates a Store on an open connection.
func NewStore(db *gorm.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger}
}

// AutoMigrate creates or updates the backing tables.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&models.RacePrediction{},
		&TrainingRun{},
		&JobHistory{},
	)
}

// SavePredictions inserts a batch of prediction rows. IDs are assigned for
// rows that arrive without one.
func (s *Store) SavePredictions(ctx context.Context, rows []models.RacePrediction) error {
	if len(rows) == 0 {
		return nil
	}
	for i := range rows {
		if rows[i].ID == uuid.Nil {
			rows[i].ID = uuid.New()
		}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, 200).Error; err != nil {
		s.logger.Errorw("failed to save prediction rows", "rows", len(rows), "error", err)
		return fmt.Errorf("failed to save prediction rows: %w", err)
	}
	return nil
}

// FetchTrainingData returns the most recent settled prediction rows, newest
// first. Rows whose race has not produced a result yet carry no label and are
// skipped. Fewer than minRows settled rows fails with ErrInsufficientData.
func (s *Store) FetchTrainingData(ctx context.Context, minRows int) ([]models.RacePrediction, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&models.RacePrediction{}).
		Where("actual_position > 0").
		Count(&total).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count settled rows: %w", err)
	}
	if total < int64(minRows) {
		return nil, fmt.Errorf("%d of %d required rows: %w", total, minRows, training.ErrInsufficientData)
	}

	var rows []models.RacePrediction
	err = s.db.WithContext(ctx).
		Where("actual_position > 0").
		Order("race_date DESC").
		Limit(trainingFetchCap).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch training rows: %w", err)
	}
	return rows, nil
}

// RecordRun persists one pipeline execution.
func (s *Store) RecordRun(ctx context.Context, result *models.OrchestrationResult) error {
	payload, err := json.Marshal(result.TrainedModels)
	if err != nil {
		return fmt.Errorf("failed to encode trainer results: %w", err)
	}
	run := &TrainingRun{
		ID:              uuid.New(),
		TriggerReason:   string(result.TriggerReason),
		Success:         result.Success,
		NewModelVersion: result.NewModelVersion,
		Improvement:     result.Improvement,
		Promoted:        result.Promoted,
		ExecutionTimeMs: result.ExecutionTimeMs,
		Error:           result.Error,
		Results:         string(payload),
		ExecutedAt:      result.ExecutedAt,
	}
	if result.BestModel != nil {
		run.BestModelID = result.BestModel.ModelID
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to record training run: %w", err)
	}
	return nil
}

// RecordJob upserts a job snapshot keyed by job ID, so the same job can be
// written once when queued and again when it reaches a terminal state.
func (s *Store) RecordJob(ctx context.Context, job *models.RetrainingJob) error {
	row := &JobHistory{
		JobID:           job.JobID,
		ModelID:         job.ModelID,
		TriggerReason:   string(job.TriggerReason),
		Status:          string(job.Status),
		NewModelVersion: job.NewModelVersion,
		NDCGImprovement: job.NDCGImprovement,
		Error:           job.Error,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartTime,
		EndedAt:         job.EndTime,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			UpdateAll: true,
		}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", job.JobID, err)
	}
	return nil
}

// RecentRuns returns the latest pipeline executions, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]TrainingRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []TrainingRun
	err := s.db.WithContext(ctx).
		Order("executed_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent runs: %w", err)
	}
	return runs, nil
}

// RecentJobs returns the latest job records, newest first.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]JobHistory, error) {
	if limit <= 0 {
		limit = 20
	}
	var jobs []JobHistory
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent jobs: %w", err)
	}
	return jobs, nil
}

// PredictionCount reports how many settled rows are available for training.
func (s *Store) PredictionCount(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&models.RacePrediction{}).
		Where("actual_position > 0").
		Count(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count settled rows: %w", err)
	}
	return total, nil
}
