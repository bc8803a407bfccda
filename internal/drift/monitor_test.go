package drift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stridelabs/gallop/internal/registry"
	"github.com/stridelabs/gallop/pkg/models"
)

func newTestMonitor(t *testing.T) (*Monitor, *registry.Registry) {
	t.Helper()
	reg := registry.NewRegistry(registry.DefaultConfig(), zaptest.NewLogger(t).Sugar())
	return NewMonitor(DefaultConfig(), reg, zaptest.NewLogger(t).Sugar()), reg
}

func TestMonitorPerformanceNDCGDrift(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.SetBaseline("ensemble", models.ModelMetrics{NDCGAt3: 0.85, WinAccuracy: 30})

	alerts := m.MonitorPerformance("ensemble", models.ModelMetrics{NDCGAt3: 0.80, WinAccuracy: 30})
	require.Len(t, alerts, 1)

	alert := alerts[0]
	assert.Equal(t, models.AlertPerformanceDrift, alert.AlertType)
	assert.InDelta(t, 0.0588, alert.DriftMagnitude, 0.0001)
	assert.Equal(t, models.SeverityHigh, alert.Severity, "5.88%% drift crosses the 5%% boundary")
	assert.True(t, alert.RequiresRetraining)
	assert.NotEmpty(t, alert.AlertID)
}

func TestMonitorPerformanceSeverityBoundaries(t *testing.T) {
	cases := []struct {
		name     string
		current  float64
		severity models.Severity
		retrain  bool
	}{
		{"just over threshold", 0.8285, models.SeverityLow, false},     // ~2.5% drift
		{"over medium boundary", 0.8160, models.SeverityMedium, false}, // ~4% drift
		{"over high boundary", 0.7900, models.SeverityHigh, true},      // ~7% drift
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newTestMonitor(t)
			m.SetBaseline("ensemble", models.ModelMetrics{NDCGAt3: 0.85})

			alerts := m.MonitorPerformance("ensemble", models.ModelMetrics{NDCGAt3: tc.current})
			require.Len(t, alerts, 1)
			assert.Equal(t, tc.severity, alerts[0].Severity)
			assert.Equal(t, tc.retrain, alerts[0].RequiresRetraining)
		})
	}
}

func TestMonitorPerformanceNoAlertOnImprovement(t *testing.T) {
	m, reg := newTestMonitor(t)
	m.SetBaseline("ensemble", models.ModelMetrics{NDCGAt3: 0.80, WinAccuracy: 28, PlaceAccuracy: 55})

	alerts := m.MonitorPerformance("ensemble", models.ModelMetrics{NDCGAt3: 0.86, WinAccuracy: 30, PlaceAccuracy: 58})
	assert.Empty(t, alerts, "improving metrics must not raise drift alerts")
	assert.Empty(t, reg.ActiveAlerts())
}

func TestMonitorPerformanceAccuracyDrift(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.SetBaseline("gbm", models.ModelMetrics{NDCGAt3: 0.80, WinAccuracy: 30, PlaceAccuracy: 60})

	t.Run("unchanged win accuracy raises nothing", func(t *testing.T) {
		alerts := m.MonitorPerformance("gbm", models.ModelMetrics{NDCGAt3: 0.80, WinAccuracy: 30, PlaceAccuracy: 60})
		assert.Empty(t, alerts)
	})

	t.Run("win and place drops are separate alerts", func(t *testing.T) {
		// Win: (30-25)/30 = 16.7% > 10%; place: (60-54)/60 = 10% > 8%.
		alerts := m.MonitorPerformance("gbm", models.ModelMetrics{NDCGAt3: 0.80, WinAccuracy: 25, PlaceAccuracy: 54})
		require.Len(t, alerts, 2)
		for _, a := range alerts {
			assert.Equal(t, models.AlertPredictionDrift, a.AlertType)
		}
	})

	t.Run("severe win drop requires retraining", func(t *testing.T) {
		// (30-21)/30 = 30% drift, over twice the 10% threshold.
		alerts := m.MonitorPerformance("gbm", models.ModelMetrics{NDCGAt3: 0.80, WinAccuracy: 21, PlaceAccuracy: 60})
		require.Len(t, alerts, 1)
		assert.Equal(t, models.SeverityHigh, alerts[0].Severity)
		assert.True(t, alerts[0].RequiresRetraining)
	})
}

func TestMonitorPerformanceWithoutBaseline(t *testing.T) {
	m, reg := newTestMonitor(t)

	alerts := m.MonitorPerformance("unknown", models.ModelMetrics{NDCGAt3: 0.10})
	assert.Empty(t, alerts)
	assert.Empty(t, reg.ActiveAlerts())
	assert.Equal(t, 1, m.HistoryLen("unknown"), "history still accumulates without a baseline")
}

func TestHistoryWindowBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryWindow = 5
	reg := registry.NewRegistry(registry.DefaultConfig(), zaptest.NewLogger(t).Sugar())
	m := NewMonitor(cfg, reg, zaptest.NewLogger(t).Sugar())

	for i := 0; i < 12; i++ {
		m.MonitorPerformance("ensemble", models.ModelMetrics{NDCGAt3: 0.8})
	}
	assert.Equal(t, 5, m.HistoryLen("ensemble"))
}

func TestDetectConceptDrift(t *testing.T) {
	t.Run("shifted distribution raises critical alert", func(t *testing.T) {
		m, reg := newTestMonitor(t)
		recent := []float64{0.5, 0.6, 0.7, 0.8, 0.9, 1.0, 1.1, 1.2, 1.3}
		baseline := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9}

		ks, alert := m.DetectConceptDrift("ensemble", recent, baseline)
		assert.InDelta(t, 4.0/9.0, ks, 1e-9)
		require.NotNil(t, alert)
		assert.Equal(t, models.AlertConceptDrift, alert.AlertType)
		assert.Equal(t, models.SeverityCritical, alert.Severity)
		assert.True(t, alert.RequiresRetraining)
		assert.Len(t, reg.ActiveAlerts(), 1)
	})

	t.Run("identical samples yield zero and no alert", func(t *testing.T) {
		m, reg := newTestMonitor(t)
		sample := []float64{0.3, 0.1, 0.7, 0.5}

		ks, alert := m.DetectConceptDrift("ensemble", sample, sample)
		assert.Zero(t, ks)
		assert.Nil(t, alert)
		assert.Empty(t, reg.ActiveAlerts())
	})

	t.Run("statistic is symmetric and bounded", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		a := []float64{0.2, 0.4, 0.9, 1.5, 0.1}
		b := []float64{0.3, 0.35, 0.32, 0.31}

		ab, _ := m.DetectConceptDrift("x", a, b)
		ba, _ := m.DetectConceptDrift("x", b, a)
		assert.InDelta(t, ab, ba, 1e-12, "KS(a,b) must equal KS(b,a)")
		assert.GreaterOrEqual(t, ab, 0.0)
		assert.LessOrEqual(t, ab, 1.0)
	})

	t.Run("empty samples", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		ks, alert := m.DetectConceptDrift("x", nil, []float64{0.1})
		assert.Zero(t, ks)
		assert.Nil(t, alert)

		ks, alert = m.DetectConceptDrift("x", []float64{0.1}, nil)
		assert.Zero(t, ks)
		assert.Nil(t, alert)
	})

	t.Run("input slices are not reordered", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		recent := []float64{0.9, 0.1, 0.5}
		baseline := []float64{0.4, 0.2, 0.6}
		m.DetectConceptDrift("x", recent, baseline)
		assert.Equal(t, []float64{0.9, 0.1, 0.5}, recent)
		assert.Equal(t, []float64{0.4, 0.2, 0.6}, baseline)
	})
}

func TestShouldRetrainCooldown(t *testing.T) {
	m, _ := newTestMonitor(t)
	current := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	m.SetBaseline("ensemble", models.ModelMetrics{NDCGAt3: 0.85})
	// 7% drift raises a retraining-required alert.
	m.MonitorPerformance("ensemble", models.ModelMetrics{NDCGAt3: 0.79})

	assert.True(t, m.ShouldRetrain("ensemble"), "critical drift and no prior retraining")

	m.MarkRetrained("ensemble")
	assert.False(t, m.ShouldRetrain("ensemble"), "cooldown blocks immediately after retraining")

	current = current.Add(30 * time.Minute)
	assert.False(t, m.ShouldRetrain("ensemble"), "cooldown still active at 30m")

	current = current.Add(31 * time.Minute)
	assert.True(t, m.ShouldRetrain("ensemble"), "cooldown elapsed and drift still present")
}

func TestShouldRetrainRequiresRecommendation(t *testing.T) {
	m, _ := newTestMonitor(t)
	assert.False(t, m.ShouldRetrain("ensemble"), "no critical alerts, no retraining")

	m.SetBaseline("other", models.ModelMetrics{NDCGAt3: 0.85})
	m.MonitorPerformance("other", models.ModelMetrics{NDCGAt3: 0.75})
	assert.False(t, m.ShouldRetrain("ensemble"), "alerts for another model do not qualify this one")
	assert.True(t, m.ShouldRetrain("other"))
}

func TestCalculateNDCGTrend(t *testing.T) {
	t.Run("improving", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		for _, score := range []float64{0.70, 0.72, 0.74, 0.76, 0.78} {
			m.MonitorPerformance("up", models.ModelMetrics{NDCGAt3: score})
		}
		trend := m.CalculateNDCGTrend("up")
		assert.Equal(t, models.TrendImproving, trend.Trend)
		assert.InDelta(t, 0.02, trend.Slope, 1e-9)
		assert.InDelta(t, 11.43, trend.ChangePercent, 0.01)
		assert.Equal(t, 5, trend.Samples)
	})

	t.Run("degrading", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		for _, score := range []float64{0.80, 0.78, 0.75, 0.71} {
			m.MonitorPerformance("down", models.ModelMetrics{NDCGAt3: score})
		}
		trend := m.CalculateNDCGTrend("down")
		assert.Equal(t, models.TrendDegrading, trend.Trend)
		assert.Negative(t, trend.Slope)
		assert.Negative(t, trend.ChangePercent)
	})

	t.Run("stable", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		for i := 0; i < 4; i++ {
			m.MonitorPerformance("flat", models.ModelMetrics{NDCGAt3: 0.80})
		}
		trend := m.CalculateNDCGTrend("flat")
		assert.Equal(t, models.TrendStable, trend.Trend)
		assert.InDelta(t, 0, trend.Slope, 1e-9)
	})

	t.Run("too few samples", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		m.MonitorPerformance("one", models.ModelMetrics{NDCGAt3: 0.9})
		trend := m.CalculateNDCGTrend("one")
		assert.Equal(t, models.TrendStable, trend.Trend)
		assert.Equal(t, 1, trend.Samples)
		assert.Zero(t, trend.ChangePercent)
	})
}

func TestAlertCallback(t *testing.T) {
	m, _ := newTestMonitor(t)
	received := make(chan models.DriftAlert, 4)
	m.SetAlertCallback(func(alert models.DriftAlert) error {
		received <- alert
		return nil
	})

	m.SetBaseline("ensemble", models.ModelMetrics{NDCGAt3: 0.85})
	m.MonitorPerformance("ensemble", models.ModelMetrics{NDCGAt3: 0.79})

	select {
	case alert := <-received:
		assert.Equal(t, models.AlertPerformanceDrift, alert.AlertType)
		assert.Equal(t, "ensemble", alert.ModelID)
	case <-time.After(2 * time.Second):
		t.Fatal("alert callback was not invoked")
	}

	m.MonitorPerformance("ensemble", models.ModelMetrics{NDCGAt3: 0.86})
	select {
	case alert := <-received:
		t.Fatalf("unexpected %s callback without drift", alert.AlertType)
	case <-time.After(50 * time.Millisecond):
	}
}
