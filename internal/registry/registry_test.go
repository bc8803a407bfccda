package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stridelabs/gallop/pkg/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(DefaultConfig(), zaptest.NewLogger(t).Sugar())
}

func sumWeights(r *Registry) float64 {
	var sum float64
	for _, w := range r.GetWeights() {
		sum += w.Weight
	}
	return sum
}

func TestRegisterAndGetMetrics(t *testing.T) {
	r := newTestRegistry(t)

	r.RegisterModel(models.ModelMetrics{ModelID: "ensemble", Name: "Ensemble", Version: "v1", NDCGAt3: 0.82})

	got, err := r.GetMetrics("ensemble")
	require.NoError(t, err)
	assert.Equal(t, "Ensemble", got.Name)
	assert.Equal(t, 0.82, got.NDCGAt3)
	assert.False(t, got.LastUpdated.IsZero(), "registration should stamp LastUpdated")

	_, err = r.GetMetrics("missing")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestUpdateMetrics(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterModel(models.ModelMetrics{ModelID: "gbm", NDCGAt3: 0.75, TotalPredictions: 10})

	ndcg := 0.79
	total := int64(20)
	correct := int64(12)
	err := r.UpdateMetrics("gbm", models.MetricsDelta{NDCGAt3: &ndcg, TotalPredictions: &total, CorrectPredictions: &correct})
	require.NoError(t, err)

	got, err := r.GetMetrics("gbm")
	require.NoError(t, err)
	assert.Equal(t, 0.79, got.NDCGAt3)
	assert.Equal(t, int64(12), got.CorrectPredictions)

	t.Run("unknown model is an error, not a panic", func(t *testing.T) {
		err := r.UpdateMetrics("nope", models.MetricsDelta{NDCGAt3: &ndcg})
		assert.ErrorIs(t, err, ErrModelNotFound)
	})

	t.Run("correct predictions never exceed total", func(t *testing.T) {
		tooMany := int64(999)
		err := r.UpdateMetrics("gbm", models.MetricsDelta{CorrectPredictions: &tooMany})
		require.NoError(t, err)
		got, _ := r.GetMetrics("gbm")
		assert.Equal(t, got.TotalPredictions, got.CorrectPredictions)
	})
}

func TestAllByNDCG3Sorted(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterModel(models.ModelMetrics{ModelID: "a", NDCGAt3: 0.70})
	r.RegisterModel(models.ModelMetrics{ModelID: "b", NDCGAt3: 0.90})
	r.RegisterModel(models.ModelMetrics{ModelID: "c", NDCGAt3: 0.80})

	all := r.AllByNDCG3()
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].ModelID)
	assert.Equal(t, "c", all[1].ModelID)
	assert.Equal(t, "a", all[2].ModelID)
}

func TestWeightInvariantAcrossOperations(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterModel(models.ModelMetrics{ModelID: "a", NDCGAt3: 0.80})
	r.RegisterModel(models.ModelMetrics{ModelID: "b", NDCGAt3: 0.60})
	r.RegisterModel(models.ModelMetrics{ModelID: "c", NDCGAt3: 0.40})

	steps := []struct {
		name string
		op   func() error
	}{
		{"first weight", func() error { return r.SetWeight("a", 0.5, false) }},
		{"second weight", func() error { return r.SetWeight("b", 0.2, false) }},
		{"third weight", func() error { return r.SetWeight("c", 0.9, false) }},
		{"rebalance", func() error { r.RebalanceWeightsByPerformance(); return nil }},
		{"overwrite existing", func() error { return r.SetWeight("a", 0.7, true) }},
		{"rebalance again", func() error { r.RebalanceWeightsByPerformance(); return nil }},
	}
	for _, step := range steps {
		require.NoError(t, step.op(), step.name)
		assert.InDelta(t, 1.0, sumWeights(r), 1e-6, "weights must sum to 1 after %s", step.name)
	}
}

func TestSetWeightSingleModel(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.SetWeight("solo", 0.7, false))

	weights := r.GetWeights()
	require.Len(t, weights, 1)
	assert.Equal(t, 1.0, weights[0].Weight, "sole ensemble member takes the full weight")
}

func TestSetWeightRejectsOutOfRange(t *testing.T) {
	r := newTestRegistry(t)
	assert.Error(t, r.SetWeight("a", -0.1, false))
	assert.Error(t, r.SetWeight("a", 1.5, false))
}

func TestRebalanceWeightsByPerformance(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterModel(models.ModelMetrics{ModelID: "a", NDCGAt3: 0.80})
	r.RegisterModel(models.ModelMetrics{ModelID: "b", NDCGAt3: 0.20})

	r.RebalanceWeightsByPerformance()

	byID := make(map[string]models.ModelWeight)
	for _, w := range r.GetWeights() {
		byID[w.ModelID] = w
	}
	assert.InDelta(t, 0.8, byID["a"].Weight, 1e-9)
	assert.InDelta(t, 0.2, byID["b"].Weight, 1e-9)
	assert.True(t, byID["a"].PerformanceBased)

	t.Run("zero total is a no-op", func(t *testing.T) {
		r := newTestRegistry(t)
		r.RegisterModel(models.ModelMetrics{ModelID: "zero", NDCGAt3: 0})
		r.RebalanceWeightsByPerformance()
		assert.Empty(t, r.GetWeights())
	})
}

func TestAlertActiveWindow(t *testing.T) {
	r := newTestRegistry(t)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return current }

	r.RecordDriftAlert(models.DriftAlert{ModelID: "a", AlertType: models.AlertPerformanceDrift, Severity: models.SeverityHigh, RequiresRetraining: true})

	require.Len(t, r.ActiveAlerts(), 1)
	require.Len(t, r.CriticalAlerts(), 1)

	// 25 hours later the alert has aged out of the active views.
	current = current.Add(25 * time.Hour)
	assert.Empty(t, r.ActiveAlerts(), "alerts should expire from active views after 24h")
	assert.Empty(t, r.CriticalAlerts())
}

func TestCriticalAlertsSubset(t *testing.T) {
	r := newTestRegistry(t)
	r.RecordDriftAlert(models.DriftAlert{ModelID: "a", Severity: models.SeverityLow, RequiresRetraining: false})
	r.RecordDriftAlert(models.DriftAlert{ModelID: "b", Severity: models.SeverityCritical, RequiresRetraining: true})

	assert.Len(t, r.ActiveAlerts(), 2)
	critical := r.CriticalAlerts()
	require.Len(t, critical, 1)
	assert.Equal(t, "b", critical[0].ModelID)
}

func TestABTestLifecycle(t *testing.T) {
	r := newTestRegistry(t)

	test := r.CreateABTest(models.ABTestResult{ControlModelID: "champion", TreatmentModelID: "challenger", TrafficSplit: 0.5})
	require.NotEmpty(t, test.TestID)
	assert.Equal(t, models.ABTestActive, test.Status)
	assert.Len(t, r.ActiveABTests(), 1)

	ctrl, treat, sig := 0.80, 0.84, 0.01
	yes := true
	concluded := models.ABTestConcluded
	require.NoError(t, r.UpdateABTest(test.TestID, ABTestUpdate{
		ControlNDCGAt3:          &ctrl,
		TreatmentNDCGAt3:        &treat,
		StatisticalSignificance: &sig,
		IsSignificant:           &yes,
		Status:                  &concluded,
	}))

	got, err := r.GetABTest(test.TestID)
	require.NoError(t, err)
	assert.Equal(t, models.ABTestConcluded, got.Status)
	assert.NotNil(t, got.ConcludedAt)
	assert.InDelta(t, 5.0, got.Improvement, 1e-9, "improvement should be (0.84-0.80)/0.80 in percent")
	assert.Empty(t, r.ActiveABTests())

	t.Run("promotion is recorded once", func(t *testing.T) {
		require.NoError(t, r.MarkABTestPromoted(test.TestID))
		got, _ := r.GetABTest(test.TestID)
		assert.NotNil(t, got.PromotedAt)
	})

	t.Run("unknown test id", func(t *testing.T) {
		assert.ErrorIs(t, r.UpdateABTest("missing", ABTestUpdate{}), ErrTestNotFound)
		_, err := r.GetABTest("missing")
		assert.ErrorIs(t, err, ErrTestNotFound)
	})
}

func TestSummary(t *testing.T) {
	r := newTestRegistry(t)

	t.Run("empty registry", func(t *testing.T) {
		s := r.Summary()
		assert.Equal(t, 0, s.ModelCount)
		assert.Empty(t, s.TopModels)
	})

	r.RegisterModel(models.ModelMetrics{ModelID: "a", NDCGAt3: 0.9})
	r.RegisterModel(models.ModelMetrics{ModelID: "b", NDCGAt3: 0.8})
	r.RegisterModel(models.ModelMetrics{ModelID: "c", NDCGAt3: 0.7})
	r.RegisterModel(models.ModelMetrics{ModelID: "d", NDCGAt3: 0.6})

	s := r.Summary()
	assert.Equal(t, 4, s.ModelCount)
	assert.Equal(t, "a", s.BestModelID)
	assert.Equal(t, "d", s.WorstModelID)
	assert.InDelta(t, 0.75, s.MeanNDCGAt3, 1e-9)
	// Sample variance of {0.9, 0.8, 0.7, 0.6}.
	assert.InDelta(t, 0.016666666, s.Variance, 1e-6)
	assert.Equal(t, []string{"a", "b", "c"}, s.TopModels)
}

func TestRetrainingRecommendation(t *testing.T) {
	r := newTestRegistry(t)

	t.Run("no critical alerts", func(t *testing.T) {
		rec := r.RetrainingRecommendation()
		assert.False(t, rec.ShouldRetrain)
		assert.Empty(t, rec.AffectedModels)
	})

	r.RecordDriftAlert(models.DriftAlert{ModelID: "a", Severity: models.SeverityHigh, RequiresRetraining: true})
	r.RecordDriftAlert(models.DriftAlert{ModelID: "b", Severity: models.SeverityCritical, RequiresRetraining: true})
	r.RecordDriftAlert(models.DriftAlert{ModelID: "a", Severity: models.SeverityCritical, RequiresRetraining: true})
	r.RecordDriftAlert(models.DriftAlert{ModelID: "c", Severity: models.SeverityLow, RequiresRetraining: false})

	rec := r.RetrainingRecommendation()
	assert.True(t, rec.ShouldRetrain)
	assert.Equal(t, models.SeverityCritical, rec.Priority, "priority is the max severity among critical alerts")
	assert.Equal(t, []string{"a", "b"}, rec.AffectedModels, "affected models are unique and sorted")
}
