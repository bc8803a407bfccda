// Package training runs the retraining pipeline: fetch a dataset, prepare
// features, train each enabled model family, pick the best candidate and
// register it when it clears the improvement bar.
package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stridelabs/gallop/internal/registry"
	"github.com/stridelabs/gallop/pkg/metrics"
	"github.com/stridelabs/gallop/pkg/models"
)

var (
	// ErrInsufficientData is returned by dataset providers when fewer rows
	// exist than the pipeline minimum.
	ErrInsufficientData = errors.New("insufficient training data")
	// ErrNoSuccessfulResults is returned when every trainer failed.
	ErrNoSuccessfulResults = errors.New("no model trained successfully")
)

// FeatureSet is the prepared training input: one dense feature row per
// prediction plus a graded relevance label.
type FeatureSet struct {
	Matrix       [][]float64
	Labels       []float64
	FeatureNames []string
}

// DatasetProvider fetches historical prediction rows for training.
type DatasetProvider interface {
	FetchTrainingData(ctx context.Context, minRows int) ([]models.RacePrediction, error)
}

// FeatureBuilder turns raw prediction rows into a feature set.
type FeatureBuilder interface {
	Prepare(rows []models.RacePrediction) (*FeatureSet, error)
}

// Trainer fits one model family against a feature set. Implementations are
// external capabilities; the orchestrator only sees the returned result.
type Trainer interface {
	ModelID() string
	Kind() models.TrainingStrategy
	Train(ctx context.Context, features *FeatureSet) (*models.TrainingResult, error)
}

// RunRecorder persists pipeline outcomes. A nil recorder disables
// persistence.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *models.OrchestrationResult) error
}

// BaselineSource yields the reference NDCG@3 that improvement is measured
// against.
type BaselineSource func() float64

// RegistryBaseline reads the best production NDCG@3 from the registry,
// falling back to the given constant while the registry is empty.
func RegistryBaseline(reg *registry.Registry, fallback float64) BaselineSource {
	return func() float64 {
		if all := reg.AllByNDCG3(); len(all) > 0 && all[0].NDCGAt3 > 0 {
			return all[0].NDCGAt3
		}
		return fallback
	}
}

// Config tunes the pipeline.
type Config struct {
	MinDataPoints        int
	Strategy             models.TrainingStrategy
	AutoPromoteThreshold float64
	TrainerTimeout       time.Duration
	HistoryLimit         int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		MinDataPoints:        100,
		Strategy:             models.StrategyBoth,
		AutoPromoteThreshold: 0.01,
		TrainerTimeout:       10 * time.Minute,
		HistoryLimit:         50,
	}
}

// Statistics aggregates pipeline run outcomes.
type Statistics struct {
	TotalRuns      int64     `json:"total_runs"`
	SuccessfulRuns int64     `json:"successful_runs"`
	FailedRuns     int64     `json:"failed_runs"`
	PromotedRuns   int64     `json:"promoted_runs"`
	SuccessRate    float64   `json:"success_rate"`
	LastExecutedAt time.Time `json:"last_executed_at"`
}

// Orchestrator executes the staged training pipeline and keeps a bounded
// run history.
type Orchestrator struct {
	logger   *zap.SugaredLogger
	cfg      Config
	registry *registry.Registry
	data     DatasetProvider
	features FeatureBuilder
	trainers []Trainer
	baseline BaselineSource
	recorder RunRecorder

	mu      sync.RWMutex
	history []models.OrchestrationResult
	stats   Statistics

	now func() time.Time
}

// NewOrchestrator wires the pipeline. recorder may be nil.
func NewOrchestrator(
	cfg Config,
	reg *registry.Registry,
	data DatasetProvider,
	features FeatureBuilder,
	trainers []Trainer,
	baseline BaselineSource,
	recorder RunRecorder,
	logger *zap.SugaredLogger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	def := DefaultConfig()
	if cfg.MinDataPoints <= 0 {
		cfg.MinDataPoints = def.MinDataPoints
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.AutoPromoteThreshold <= 0 {
		cfg.AutoPromoteThreshold = def.AutoPromoteThreshold
	}
	if cfg.TrainerTimeout <= 0 {
		cfg.TrainerTimeout = def.TrainerTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	return &Orchestrator{
		logger:   logger,
		cfg:      cfg,
		registry: reg,
		data:     data,
		features: features,
		trainers: trainers,
		baseline: baseline,
		recorder: recorder,
		now:      time.Now,
	}
}

// ExecuteTrainingPipeline runs the full pipeline for the given trigger.
// Dataset and feature failures abort the run; individual trainer failures
// are recorded and the pipeline continues with the survivors. Every run,
// successful or not, lands in the history.
func (o *Orchestrator) ExecuteTrainingPipeline(ctx context.Context, reason models.TriggerReason) (*models.OrchestrationResult, error) {
	start := o.now()
	result := &models.OrchestrationResult{
		TriggerReason: reason,
		ExecutedAt:    start,
	}
	o.logger.Infow("training pipeline started",
		"reason", reason,
		"strategy", o.cfg.Strategy)

	rows, err := o.data.FetchTrainingData(ctx, o.cfg.MinDataPoints)
	if err != nil {
		return o.finishRun(ctx, result, start, fmt.Errorf("fetch training data: %w", err))
	}
	o.logger.Infow("training dataset fetched", "rows", len(rows))

	featureSet, err := o.features.Prepare(rows)
	if err != nil {
		return o.finishRun(ctx, result, start, fmt.Errorf("prepare features: %w", err))
	}

	for _, trainer := range o.trainers {
		if !o.trainerEnabled(trainer) {
			continue
		}
		if ctx.Err() != nil {
			return o.finishRun(ctx, result, start, ctx.Err())
		}
		result.TrainedModels = append(result.TrainedModels, o.runTrainer(ctx, trainer, featureSet))
	}

	best := bestResult(result.TrainedModels)
	if best == nil {
		return o.finishRun(ctx, result, start, ErrNoSuccessfulResults)
	}
	result.BestModel = best
	result.NewModelVersion = fmt.Sprintf("v%d", start.Unix())

	baselineNDCG := o.baseline()
	if baselineNDCG > 0 {
		result.Improvement = (best.NDCGAt3 - baselineNDCG) / baselineNDCG
	} else {
		o.logger.Warnw("baseline ndcg is zero, improvement unmeasured", "model_id", best.ModelID)
	}

	if result.Improvement >= o.cfg.AutoPromoteThreshold {
		o.registry.RegisterModel(models.ModelMetrics{
			ModelID:           best.ModelID,
			Name:              best.ModelID,
			Version:           result.NewModelVersion,
			NDCGAt3:           best.NDCGAt3,
			NDCGAt5:           best.NDCGAt5,
			WinAccuracy:       best.WinAccuracy,
			PlaceAccuracy:     best.PlaceAccuracy,
			ShowAccuracy:      best.ShowAccuracy,
			AverageConfidence: best.NDCGAt3,
		})
		o.registry.RebalanceWeightsByPerformance()
		result.Promoted = true
		o.logger.Infow("model auto-promoted",
			"model_id", best.ModelID,
			"version", result.NewModelVersion,
			"improvement", result.Improvement)
	}

	result.Success = true
	return o.finishRun(ctx, result, start, nil)
}

func (o *Orchestrator) trainerEnabled(t Trainer) bool {
	if o.cfg.Strategy == models.StrategyBoth {
		return true
	}
	return t.Kind() == o.cfg.Strategy
}

func (o *Orchestrator) runTrainer(ctx context.Context, trainer Trainer, features *FeatureSet) models.TrainingResult {
	trainCtx, cancel := context.WithTimeout(ctx, o.cfg.TrainerTimeout)
	defer cancel()

	res, err := trainer.Train(trainCtx, features)
	trainedAt := o.now()
	if err != nil {
		o.logger.Errorw("trainer failed",
			"model_id", trainer.ModelID(),
			"error", err)
		return models.TrainingResult{
			ModelID:   trainer.ModelID(),
			Success:   false,
			Error:     err.Error(),
			TrainedAt: trainedAt,
		}
	}

	out := *res
	out.ModelID = trainer.ModelID()
	out.Success = true
	out.TrainedAt = trainedAt
	o.logger.Infow("trainer finished",
		"model_id", out.ModelID,
		"ndcg_at_3", out.NDCGAt3,
		"training_time_ms", out.TrainingTimeMs)
	return out
}

// bestResult picks the highest NDCG@3 among successful results; ties keep
// the earliest trained.
func bestResult(results []models.TrainingResult) *models.TrainingResult {
	var best *models.TrainingResult
	for i := range results {
		r := &results[i]
		if !r.Success {
			continue
		}
		if best == nil || r.NDCGAt3 > best.NDCGAt3 {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func (o *Orchestrator) finishRun(ctx context.Context, result *models.OrchestrationResult, start time.Time, err error) (*models.OrchestrationResult, error) {
	end := o.now()
	result.ExecutionTimeMs = end.Sub(start).Milliseconds()
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		o.logger.Errorw("training pipeline failed",
			"reason", result.TriggerReason,
			"error", err,
			"execution_ms", result.ExecutionTimeMs)
	} else {
		o.logger.Infow("training pipeline finished",
			"reason", result.TriggerReason,
			"best_model", bestModelID(result),
			"improvement", result.Improvement,
			"promoted", result.Promoted,
			"execution_ms", result.ExecutionTimeMs)
	}
	metrics.TrainingPipelineDuration.Observe(end.Sub(start).Seconds())

	o.mu.Lock()
	o.history = append(o.history, *result)
	if len(o.history) > o.cfg.HistoryLimit {
		o.history = o.history[len(o.history)-o.cfg.HistoryLimit:]
	}
	o.stats.TotalRuns++
	if result.Success {
		o.stats.SuccessfulRuns++
	} else {
		o.stats.FailedRuns++
	}
	if result.Promoted {
		o.stats.PromotedRuns++
	}
	o.stats.LastExecutedAt = end
	o.mu.Unlock()

	if o.recorder != nil {
		if recErr := o.recorder.RecordRun(ctx, result); recErr != nil {
			o.logger.Errorw("run history persistence failed", "error", recErr)
		}
	}
	return result, err
}

func bestModelID(result *models.OrchestrationResult) string {
	if result.BestModel == nil {
		return ""
	}
	return result.BestModel.ModelID
}

// GetStatistics returns aggregate pipeline counters.
func (o *Orchestrator) GetStatistics() Statistics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	stats := o.stats
	if stats.TotalRuns > 0 {
		stats.SuccessRate = float64(stats.SuccessfulRuns) / float64(stats.TotalRuns)
	}
	return stats
}

// GetLatestExecution returns the most recent run, or nil before the
// first one.
func (o *Orchestrator) GetLatestExecution() *models.OrchestrationResult {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if len(o.history) == 0 {
		return nil
	}
	cp := o.history[len(o.history)-1]
	return &cp
}

// History returns up to limit recent runs, newest last.
func (o *Orchestrator) History(limit int) []models.OrchestrationResult {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if limit <= 0 || limit > len(o.history) {
		limit = len(o.history)
	}
	out := make([]models.OrchestrationResult, limit)
	copy(out, o.history[len(o.history)-limit:])
	return out
}
