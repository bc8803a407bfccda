package training

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stridelabs/gallop/internal/registry"
	"github.com/stridelabs/gallop/pkg/models"
)

type stubProvider struct {
	rows []models.RacePrediction
	err  error
}

func (s *stubProvider) FetchTrainingData(ctx context.Context, minRows int) ([]models.RacePrediction, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.rows, nil
}

type stubTrainer struct {
	id    string
	kind  models.TrainingStrategy
	ndcg  float64
	err   error
	block bool
}

func (t *stubTrainer) ModelID() string               { return t.id }
func (t *stubTrainer) Kind() models.TrainingStrategy { return t.kind }

func (t *stubTrainer) Train(ctx context.Context, features *FeatureSet) (*models.TrainingResult, error) {
	if t.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if t.err != nil {
		return nil, t.err
	}
	return &models.TrainingResult{
		NDCGAt3:        t.ndcg,
		NDCGAt5:        t.ndcg + 0.02,
		WinAccuracy:    28,
		PlaceAccuracy:  55,
		ShowAccuracy:   70,
		TrainingTimeMs: 5,
	}, nil
}

func makeRows(n int) []models.RacePrediction {
	rows := make([]models.RacePrediction, n)
	for i := range rows {
		pos := i%8 + 1
		rows[i] = models.RacePrediction{
			RaceID:            fmt.Sprintf("race-%d", i/8),
			HorseID:           fmt.Sprintf("horse-%d", i),
			Odds:              decimal.NewFromFloat(2.5 + float64(i%10)),
			Confidence:        0.6,
			PredictedPosition: pos,
			ActualPosition:    (i+1)%8 + 1,
			FieldSize:         8,
			Draw:              i%8 + 1,
			RaceDate:          time.Now(),
		}
	}
	return rows
}

func newOrchestrator(t *testing.T, cfg Config, provider DatasetProvider, trainers []Trainer, baseline BaselineSource) (*Orchestrator, *registry.Registry) {
	t.Helper()
	reg := registry.NewRegistry(registry.DefaultConfig(), zaptest.NewLogger(t).Sugar())
	o := NewOrchestrator(cfg, reg, provider, NewRankingFeatureBuilder(), trainers, baseline, nil, zaptest.NewLogger(t).Sugar())
	return o, reg
}

func fixedBaseline(v float64) BaselineSource {
	return func() float64 { return v }
}

func TestPipelineSuccessAndPromotion(t *testing.T) {
	trainers := []Trainer{
		&stubTrainer{id: "gradient_boosting", kind: models.StrategySingle, ndcg: 0.82},
		&stubTrainer{id: "ensemble", kind: models.StrategyEnsemble, ndcg: 0.86},
	}
	o, reg := newOrchestrator(t, Config{}, &stubProvider{rows: makeRows(120)}, trainers, fixedBaseline(0.80))

	result, err := o.ExecuteTrainingPipeline(context.Background(), models.TriggerDriftDetected)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotNil(t, result.BestModel)

	assert.Equal(t, "ensemble", result.BestModel.ModelID)
	assert.Len(t, result.TrainedModels, 2)
	assert.InDelta(t, (0.86-0.80)/0.80, result.Improvement, 1e-9)
	assert.True(t, result.Promoted, "7.5%% improvement clears the 1%% bar")
	assert.NotEmpty(t, result.NewModelVersion)

	registered, err := reg.GetMetrics("ensemble")
	require.NoError(t, err, "promoted model must be registered")
	assert.Equal(t, 0.86, registered.NDCGAt3)
	assert.Equal(t, result.NewModelVersion, registered.Version)

	var sum float64
	for _, w := range reg.GetWeights() {
		sum += w.Weight
	}
	assert.InDelta(t, 1.0, sum, 1e-6, "promotion must rebalance weights")
}

func TestPipelineBelowPromotionBar(t *testing.T) {
	trainers := []Trainer{&stubTrainer{id: "gradient_boosting", kind: models.StrategySingle, ndcg: 0.801}}
	o, reg := newOrchestrator(t, Config{}, &stubProvider{rows: makeRows(120)}, trainers, fixedBaseline(0.80))

	result, err := o.ExecuteTrainingPipeline(context.Background(), models.TriggerManual)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Promoted, "0.125%% improvement is under the 1%% bar")
	_, err = reg.GetMetrics("gradient_boosting")
	assert.ErrorIs(t, err, registry.ErrModelNotFound, "unpromoted model stays unregistered")
}

func TestPipelineInsufficientData(t *testing.T) {
	provider := &stubProvider{err: fmt.Errorf("68 of 100 rows: %w", ErrInsufficientData)}
	o, _ := newOrchestrator(t, Config{}, provider, DefaultTrainers(1), fixedBaseline(0.80))

	result, err := o.ExecuteTrainingPipeline(context.Background(), models.TriggerScheduled)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "insufficient")

	stats := o.GetStatistics()
	assert.Equal(t, int64(1), stats.TotalRuns)
	assert.Equal(t, int64(1), stats.FailedRuns)
}

func TestPipelineTrainerFailureIsNotFatal(t *testing.T) {
	trainers := []Trainer{
		&stubTrainer{id: "gradient_boosting", kind: models.StrategySingle, err: fmt.Errorf("solver diverged")},
		&stubTrainer{id: "random_forest", kind: models.StrategySingle, ndcg: 0.83},
	}
	o, _ := newOrchestrator(t, Config{}, &stubProvider{rows: makeRows(120)}, trainers, fixedBaseline(0.80))

	result, err := o.ExecuteTrainingPipeline(context.Background(), models.TriggerDriftDetected)
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.TrainedModels, 2, "failed trainer is still recorded")

	var failed *models.TrainingResult
	for i := range result.TrainedModels {
		if !result.TrainedModels[i].Success {
			failed = &result.TrainedModels[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "gradient_boosting", failed.ModelID)
	assert.Contains(t, failed.Error, "solver diverged")
	assert.Equal(t, "random_forest", result.BestModel.ModelID)
}

func TestPipelineAllTrainersFail(t *testing.T) {
	trainers := []Trainer{
		&stubTrainer{id: "a", kind: models.StrategySingle, err: fmt.Errorf("boom")},
		&stubTrainer{id: "b", kind: models.StrategySingle, err: fmt.Errorf("boom")},
	}
	o, _ := newOrchestrator(t, Config{}, &stubProvider{rows: makeRows(120)}, trainers, fixedBaseline(0.80))

	result, err := o.ExecuteTrainingPipeline(context.Background(), models.TriggerManual)
	assert.ErrorIs(t, err, ErrNoSuccessfulResults)
	assert.False(t, result.Success)
	assert.Nil(t, result.BestModel)
}

func TestPipelineBestTieKeepsEarliest(t *testing.T) {
	trainers := []Trainer{
		&stubTrainer{id: "first", kind: models.StrategySingle, ndcg: 0.84},
		&stubTrainer{id: "second", kind: models.StrategySingle, ndcg: 0.84},
	}
	o, _ := newOrchestrator(t, Config{}, &stubProvider{rows: makeRows(120)}, trainers, fixedBaseline(0.80))

	result, err := o.ExecuteTrainingPipeline(context.Background(), models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, "first", result.BestModel.ModelID, "ties go to the earliest trained result")
}

func TestPipelineStrategyFilter(t *testing.T) {
	trainers := []Trainer{
		&stubTrainer{id: "gradient_boosting", kind: models.StrategySingle, ndcg: 0.82},
		&stubTrainer{id: "ensemble", kind: models.StrategyEnsemble, ndcg: 0.86},
	}

	t.Run("single strategy skips ensemble trainers", func(t *testing.T) {
		o, _ := newOrchestrator(t, Config{Strategy: models.StrategySingle}, &stubProvider{rows: makeRows(120)}, trainers, fixedBaseline(0.80))
		result, err := o.ExecuteTrainingPipeline(context.Background(), models.TriggerManual)
		require.NoError(t, err)
		require.Len(t, result.TrainedModels, 1)
		assert.Equal(t, "gradient_boosting", result.TrainedModels[0].ModelID)
	})

	t.Run("ensemble strategy trains only the ensemble", func(t *testing.T) {
		o, _ := newOrchestrator(t, Config{Strategy: models.StrategyEnsemble}, &stubProvider{rows: makeRows(120)}, trainers, fixedBaseline(0.80))
		result, err := o.ExecuteTrainingPipeline(context.Background(), models.TriggerManual)
		require.NoError(t, err)
		require.Len(t, result.TrainedModels, 1)
		assert.Equal(t, "ensemble", result.TrainedModels[0].ModelID)
	})
}

func TestPipelineTrainerTimeout(t *testing.T) {
	trainers := []Trainer{
		&stubTrainer{id: "hung", kind: models.StrategySingle, block: true},
		&stubTrainer{id: "random_forest", kind: models.StrategySingle, ndcg: 0.83},
	}
	cfg := Config{TrainerTimeout: 20 * time.Millisecond}
	o, _ := newOrchestrator(t, cfg, &stubProvider{rows: makeRows(120)}, trainers, fixedBaseline(0.80))

	result, err := o.ExecuteTrainingPipeline(context.Background(), models.TriggerDriftDetected)
	require.NoError(t, err, "a hung trainer must not sink the pipeline")
	assert.True(t, result.Success)

	var hung *models.TrainingResult
	for i := range result.TrainedModels {
		if result.TrainedModels[i].ModelID == "hung" {
			hung = &result.TrainedModels[i]
		}
	}
	require.NotNil(t, hung)
	assert.False(t, hung.Success)
	assert.Contains(t, hung.Error, "deadline")
}

func TestStatisticsAndLatestExecution(t *testing.T) {
	o, _ := newOrchestrator(t, Config{},
		&stubProvider{rows: makeRows(120)},
		[]Trainer{&stubTrainer{id: "ensemble", kind: models.StrategyEnsemble, ndcg: 0.85}},
		fixedBaseline(0.80))

	assert.Nil(t, o.GetLatestExecution(), "no runs yet")

	_, err := o.ExecuteTrainingPipeline(context.Background(), models.TriggerManual)
	require.NoError(t, err)
	_, err = o.ExecuteTrainingPipeline(context.Background(), models.TriggerScheduled)
	require.NoError(t, err)

	stats := o.GetStatistics()
	assert.Equal(t, int64(2), stats.TotalRuns)
	assert.Equal(t, int64(2), stats.SuccessfulRuns)
	assert.InDelta(t, 1.0, stats.SuccessRate, 1e-9)
	assert.False(t, stats.LastExecutedAt.IsZero())

	latest := o.GetLatestExecution()
	require.NotNil(t, latest)
	assert.Equal(t, models.TriggerScheduled, latest.TriggerReason)
	assert.Len(t, o.History(10), 2)
}

func TestRegistryBaseline(t *testing.T) {
	reg := registry.NewRegistry(registry.DefaultConfig(), zaptest.NewLogger(t).Sugar())
	baseline := RegistryBaseline(reg, 0.75)

	assert.Equal(t, 0.75, baseline(), "empty registry falls back to the configured constant")

	reg.RegisterModel(models.ModelMetrics{ModelID: "a", NDCGAt3: 0.81})
	reg.RegisterModel(models.ModelMetrics{ModelID: "b", NDCGAt3: 0.84})
	assert.Equal(t, 0.84, baseline(), "baseline tracks the best production model")
}

func TestRankingFeatureBuilder(t *testing.T) {
	b := NewRankingFeatureBuilder()

	t.Run("empty rows", func(t *testing.T) {
		_, err := b.Prepare(nil)
		assert.Error(t, err)
	})

	rows := []models.RacePrediction{
		{Odds: decimal.NewFromFloat(4.0), Confidence: 0.7, FieldSize: 10, Draw: 3, PredictedPosition: 1, ActualPosition: 1},
		{Odds: decimal.NewFromFloat(0), Confidence: 0.4, FieldSize: 10, Draw: 7, PredictedPosition: 5, ActualPosition: 9},
	}
	fs, err := b.Prepare(rows)
	require.NoError(t, err)
	require.Len(t, fs.Matrix, 2)
	assert.Equal(t, rankingFeatureNames, fs.FeatureNames)

	assert.InDelta(t, 0.25, fs.Matrix[0][0], 1e-9, "implied probability is 1/odds")
	assert.Zero(t, fs.Matrix[1][0], "zero odds must not divide")
	assert.Equal(t, []float64{3, 0}, fs.Labels, "win scores 3, out of the frame scores 0")
}

func TestSimulatedTrainer(t *testing.T) {
	fs := &FeatureSet{Matrix: [][]float64{{1, 2}}, Labels: []float64{1}}

	t.Run("metrics stay in family range", func(t *testing.T) {
		tr := NewSimulatedTrainer("ensemble", models.StrategyEnsemble, 42)
		res, err := tr.Train(context.Background(), fs)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.NDCGAt3, 0.80)
		assert.Less(t, res.NDCGAt3, 0.88)
		assert.LessOrEqual(t, res.NDCGAt5, 1.0)
		assert.NotEmpty(t, res.Hyperparameters)
	})

	t.Run("same seed is reproducible", func(t *testing.T) {
		a, err := NewSimulatedTrainer("random_forest", models.StrategySingle, 7).Train(context.Background(), fs)
		require.NoError(t, err)
		b, err := NewSimulatedTrainer("random_forest", models.StrategySingle, 7).Train(context.Background(), fs)
		require.NoError(t, err)
		assert.Equal(t, a.NDCGAt3, b.NDCGAt3)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewSimulatedTrainer("ensemble", models.StrategyEnsemble, 1).Train(ctx, fs)
		assert.Error(t, err)
	})

	t.Run("empty feature set", func(t *testing.T) {
		_, err := NewSimulatedTrainer("ensemble", models.StrategyEnsemble, 1).Train(context.Background(), &FeatureSet{})
		assert.Error(t, err)
	})
}
