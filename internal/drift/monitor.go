// Package drift watches live model metrics against frozen baselines,
// raises drift alerts into the metrics registry and gates retraining with
// a per-model cooldown.
package drift

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/stridelabs/gallop/internal/registry"
	"github.com/stridelabs/gallop/pkg/models"
)

// Config tunes the drift thresholds and the retraining gate.
type Config struct {
	// PerformanceThreshold is the relative NDCG@3 drop that raises a
	// performance_drift alert.
	PerformanceThreshold float64
	// ConceptThreshold is the KS statistic above which a concept_drift
	// alert is raised.
	ConceptThreshold float64
	// WinAccuracyThreshold and PlaceAccuracyThreshold are the relative
	// accuracy drops that raise prediction_drift alerts.
	WinAccuracyThreshold   float64
	PlaceAccuracyThreshold float64
	// CooldownPeriod is the minimum gap between retrainings of one model.
	CooldownPeriod time.Duration
	// HistoryWindow bounds the rolling metrics history kept per model.
	HistoryWindow int
}

// DefaultConfig returns the drift monitor defaults.
func DefaultConfig() Config {
	return Config{
		PerformanceThreshold:   0.02,
		ConceptThreshold:       0.15,
		WinAccuracyThreshold:   0.10,
		PlaceAccuracyThreshold: 0.08,
		CooldownPeriod:         time.Hour,
		HistoryWindow:          100,
	}
}

// NDCGTrend reports the OLS trend of a model's NDCG@3 over its rolling
// history.
type NDCGTrend struct {
	ModelID       string                `json:"model_id"`
	Trend         models.TrendDirection `json:"trend"`
	Slope         float64               `json:"slope"`
	ChangePercent float64               `json:"change_percent"`
	Samples       int                   `json:"samples"`
}

// Monitor compares live metrics against baselines. Baselines are frozen
// snapshots set explicitly; drift is always measured against a deliberate
// checkpoint, never a moving average.
type Monitor struct {
	mu       sync.RWMutex
	logger   *zap.SugaredLogger
	cfg      Config
	registry *registry.Registry

	baselines     map[string]models.ModelMetrics
	history       map[string][]models.ModelMetrics
	lastRetrained map[string]time.Time

	now func() time.Time

	onAlert func(models.DriftAlert) error
}

// NewMonitor creates a drift monitor recording alerts into reg.
func NewMonitor(cfg Config, reg *registry.Registry, logger *zap.SugaredLogger) *Monitor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	def := DefaultConfig()
	if cfg.PerformanceThreshold <= 0 {
		cfg.PerformanceThreshold = def.PerformanceThreshold
	}
	if cfg.ConceptThreshold <= 0 {
		cfg.ConceptThreshold = def.ConceptThreshold
	}
	if cfg.WinAccuracyThreshold <= 0 {
		cfg.WinAccuracyThreshold = def.WinAccuracyThreshold
	}
	if cfg.PlaceAccuracyThreshold <= 0 {
		cfg.PlaceAccuracyThreshold = def.PlaceAccuracyThreshold
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = def.CooldownPeriod
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	return &Monitor{
		logger:        logger,
		cfg:           cfg,
		registry:      reg,
		baselines:     make(map[string]models.ModelMetrics),
		history:       make(map[string][]models.ModelMetrics),
		lastRetrained: make(map[string]time.Time),
		now:           time.Now,
	}
}

// SetAlertCallback sets the callback invoked for every alert this monitor
// raises. Callbacks run on their own goroutine; failures are logged.
func (m *Monitor) SetAlertCallback(callback func(models.DriftAlert) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = callback
}

func (m *Monitor) emitAlert(alert models.DriftAlert) {
	m.mu.RLock()
	callback := m.onAlert
	m.mu.RUnlock()
	if callback == nil {
		return
	}
	go func() {
		if err := callback(alert); err != nil {
			m.logger.Errorw("drift alert callback failed",
				"alert_id", alert.AlertID,
				"model_id", alert.ModelID,
				"error", err)
		}
	}()
}

// SetBaseline freezes the comparison snapshot for a model.
func (m *Monitor) SetBaseline(modelID string, metrics models.ModelMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics.ModelID = modelID
	m.baselines[modelID] = metrics
	m.logger.Infow("baseline set",
		"model_id", modelID,
		"ndcg_at_3", metrics.NDCGAt3,
		"win_accuracy", metrics.WinAccuracy)
}

// Baseline returns the frozen snapshot for a model, if one was set.
func (m *Monitor) Baseline(modelID string) (models.ModelMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselines[modelID]
	return b, ok
}

// MonitorPerformance compares current metrics against the model's baseline,
// raising performance and prediction drift alerts as warranted, and appends
// the sample to the rolling history. It returns the alerts raised. Without
// a baseline only the history is updated.
func (m *Monitor) MonitorPerformance(modelID string, current models.ModelMetrics) []models.DriftAlert {
	m.mu.Lock()
	baseline, hasBaseline := m.baselines[modelID]
	m.appendHistoryLocked(modelID, current)
	m.mu.Unlock()

	if !hasBaseline {
		m.logger.Debugw("no baseline for model, history updated only", "model_id", modelID)
		return nil
	}

	var alerts []models.DriftAlert

	if baseline.NDCGAt3 > 0 {
		ndcgDrift := (baseline.NDCGAt3 - current.NDCGAt3) / baseline.NDCGAt3
		if ndcgDrift > m.cfg.PerformanceThreshold {
			alert := m.registry.RecordDriftAlert(models.DriftAlert{
				ModelID:        modelID,
				AlertType:      models.AlertPerformanceDrift,
				Severity:       performanceSeverity(ndcgDrift),
				DriftMagnitude: ndcgDrift,
				Threshold:      m.cfg.PerformanceThreshold,
				Message: fmt.Sprintf("NDCG@3 dropped %.2f%% from baseline %.4f to %.4f",
					ndcgDrift*100, baseline.NDCGAt3, current.NDCGAt3),
				RequiresRetraining: ndcgDrift > 0.05,
			})
			alerts = append(alerts, alert)
		}
	}

	if a := m.accuracyDrift(modelID, "win accuracy", baseline.WinAccuracy, current.WinAccuracy, m.cfg.WinAccuracyThreshold); a != nil {
		alerts = append(alerts, *a)
	}
	if a := m.accuracyDrift(modelID, "place accuracy", baseline.PlaceAccuracy, current.PlaceAccuracy, m.cfg.PlaceAccuracyThreshold); a != nil {
		alerts = append(alerts, *a)
	}

	for _, a := range alerts {
		m.emitAlert(a)
	}
	return alerts
}

func (m *Monitor) appendHistoryLocked(modelID string, current models.ModelMetrics) {
	h := append(m.history[modelID], current)
	if len(h) > m.cfg.HistoryWindow {
		h = h[len(h)-m.cfg.HistoryWindow:]
	}
	m.history[modelID] = h
}

func (m *Monitor) accuracyDrift(modelID, metric string, baseline, current, threshold float64) *models.DriftAlert {
	if baseline <= 0 {
		return nil
	}
	drift := (baseline - current) / baseline
	if drift <= threshold {
		return nil
	}

	severity := models.SeverityLow
	switch {
	case drift > 2*threshold:
		severity = models.SeverityHigh
	case drift > 1.5*threshold:
		severity = models.SeverityMedium
	}
	alert := m.registry.RecordDriftAlert(models.DriftAlert{
		ModelID:        modelID,
		AlertType:      models.AlertPredictionDrift,
		Severity:       severity,
		DriftMagnitude: drift,
		Threshold:      threshold,
		Message: fmt.Sprintf("%s dropped %.2f%% from baseline %.2f to %.2f",
			metric, drift*100, baseline, current),
		RequiresRetraining: severity == models.SeverityHigh,
	})
	return &alert
}

// performanceSeverity escalates at the 3% and 5% drift boundaries.
func performanceSeverity(drift float64) models.Severity {
	switch {
	case drift > 0.05:
		return models.SeverityHigh
	case drift > 0.03:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// DetectConceptDrift runs a two-sample Kolmogorov-Smirnov test between a
// recent prediction sample and a baseline sample. It returns the KS
// statistic and, when it crosses the concept threshold, the recorded
// alert. Empty samples yield a zero statistic and no alert.
func (m *Monitor) DetectConceptDrift(modelID string, recent, baseline []float64) (float64, *models.DriftAlert) {
	if len(recent) == 0 || len(baseline) == 0 {
		return 0, nil
	}

	x := make([]float64, len(recent))
	copy(x, recent)
	y := make([]float64, len(baseline))
	copy(y, baseline)
	sort.Float64s(x)
	sort.Float64s(y)

	ks := stat.KolmogorovSmirnov(x, nil, y, nil)
	if ks <= m.cfg.ConceptThreshold {
		return ks, nil
	}

	severity := models.SeverityMedium
	switch {
	case ks > 0.3:
		severity = models.SeverityCritical
	case ks > 0.2:
		severity = models.SeverityHigh
	}
	alert := m.registry.RecordDriftAlert(models.DriftAlert{
		ModelID:        modelID,
		AlertType:      models.AlertConceptDrift,
		Severity:       severity,
		DriftMagnitude: ks,
		Threshold:      m.cfg.ConceptThreshold,
		Message: fmt.Sprintf("prediction distribution shifted, KS statistic %.4f over %d recent vs %d baseline samples",
			ks, len(recent), len(baseline)),
		RequiresRetraining: ks > 0.25,
	})
	m.emitAlert(alert)
	return ks, &alert
}

// ShouldRetrain reports whether the model is eligible for retraining right
// now: the registry's recommendation must include it and the cooldown since
// its last retraining must have elapsed. This is the sole gate preventing
// retraining storms.
func (m *Monitor) ShouldRetrain(modelID string) bool {
	rec := m.registry.RetrainingRecommendation()
	if !rec.ShouldRetrain {
		return false
	}
	recommended := false
	for _, id := range rec.AffectedModels {
		if id == modelID {
			recommended = true
			break
		}
	}
	if !recommended {
		return false
	}

	m.mu.RLock()
	last, retrained := m.lastRetrained[modelID]
	m.mu.RUnlock()
	if !retrained {
		return true
	}
	return m.now().Sub(last) > m.cfg.CooldownPeriod
}

// MarkRetrained stamps the model's cooldown clock.
func (m *Monitor) MarkRetrained(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastRetrained[modelID] = m.now()
	m.logger.Infow("model marked retrained", "model_id", modelID)
}

// CalculateNDCGTrend fits an ordinary least squares line to the model's
// NDCG@3 history and classifies the slope at the 0.001 boundary. Fewer than
// two samples report a stable trend.
func (m *Monitor) CalculateNDCGTrend(modelID string) NDCGTrend {
	m.mu.RLock()
	hist := m.history[modelID]
	scores := make([]float64, len(hist))
	for i, h := range hist {
		scores[i] = h.NDCGAt3
	}
	m.mu.RUnlock()

	trend := NDCGTrend{ModelID: modelID, Trend: models.TrendStable, Samples: len(scores)}
	if len(scores) < 2 {
		return trend
	}

	xs := make([]float64, len(scores))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, scores, nil, false)
	trend.Slope = slope
	switch {
	case slope > 0.001:
		trend.Trend = models.TrendImproving
	case slope < -0.001:
		trend.Trend = models.TrendDegrading
	}
	if first := scores[0]; first != 0 {
		trend.ChangePercent = (scores[len(scores)-1] - first) / first * 100
	}
	return trend
}

// HistoryLen returns the number of rolling history samples held for a
// model.
func (m *Monitor) HistoryLen(modelID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history[modelID])
}
