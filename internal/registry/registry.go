// Package registry implements the in-memory bookkeeping for model
// performance: per-model metrics, ensemble weights, drift alerts and A/B
// test records, plus the derived summaries the scheduler acts on.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/stridelabs/gallop/pkg/metrics"
	"github.com/stridelabs/gallop/pkg/models"
)

var (
	// ErrModelNotFound is returned for operations against an unregistered
	// model id.
	ErrModelNotFound = errors.New("model not found")
	// ErrTestNotFound is returned for operations against an unknown A/B
	// test id.
	ErrTestNotFound = errors.New("ab test not found")
)

// Config tunes the registry.
type Config struct {
	// ActiveAlertWindow is how long an alert stays in active views.
	ActiveAlertWindow time.Duration
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{ActiveAlertWindow: 24 * time.Hour}
}

// Registry is the metrics registry. All methods are safe for concurrent
// use; state is guarded by a single RWMutex so every operation observes a
// consistent snapshot.
type Registry struct {
	mu      sync.RWMutex
	logger  *zap.SugaredLogger
	cfg     Config
	metrics map[string]*models.ModelMetrics
	weights map[string]*models.ModelWeight
	alerts  []*models.DriftAlert
	abTests map[string]*models.ABTestResult

	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.ActiveAlertWindow <= 0 {
		cfg.ActiveAlertWindow = DefaultConfig().ActiveAlertWindow
	}
	return &Registry{
		logger:  logger,
		cfg:     cfg,
		metrics: make(map[string]*models.ModelMetrics),
		weights: make(map[string]*models.ModelWeight),
		abTests: make(map[string]*models.ABTestResult),
		now:     time.Now,
	}
}

// RegisterModel stores or supersedes the metrics record for a model.
func (r *Registry) RegisterModel(m models.ModelMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m.LastUpdated = r.now()
	r.metrics[m.ModelID] = &m
	r.logger.Infow("model registered",
		"model_id", m.ModelID,
		"version", m.Version,
		"ndcg_at_3", m.NDCGAt3)
}

// UpdateMetrics applies a partial update to a model's metrics. Unknown ids
// are logged and reported as ErrModelNotFound; they are never fatal.
func (r *Registry) UpdateMetrics(modelID string, delta models.MetricsDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.metrics[modelID]
	if !ok {
		r.logger.Errorw("metrics update for unknown model", "model_id", modelID)
		return fmt.Errorf("update metrics %q: %w", modelID, ErrModelNotFound)
	}

	if delta.NDCGAt3 != nil {
		m.NDCGAt3 = *delta.NDCGAt3
	}
	if delta.NDCGAt5 != nil {
		m.NDCGAt5 = *delta.NDCGAt5
	}
	if delta.WinAccuracy != nil {
		m.WinAccuracy = *delta.WinAccuracy
	}
	if delta.PlaceAccuracy != nil {
		m.PlaceAccuracy = *delta.PlaceAccuracy
	}
	if delta.ShowAccuracy != nil {
		m.ShowAccuracy = *delta.ShowAccuracy
	}
	if delta.TotalPredictions != nil {
		m.TotalPredictions = *delta.TotalPredictions
	}
	if delta.CorrectPredictions != nil {
		m.CorrectPredictions = *delta.CorrectPredictions
	}
	if delta.AverageConfidence != nil {
		m.AverageConfidence = *delta.AverageConfidence
	}
	if delta.ROI != nil {
		m.ROI = *delta.ROI
	}
	if m.CorrectPredictions > m.TotalPredictions {
		m.CorrectPredictions = m.TotalPredictions
		r.logger.Warnw("correct predictions clamped to total",
			"model_id", modelID, "total", m.TotalPredictions)
	}
	m.LastUpdated = r.now()
	return nil
}

// GetMetrics returns a copy of the model's metrics record.
func (r *Registry) GetMetrics(modelID string) (models.ModelMetrics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.metrics[modelID]
	if !ok {
		return models.ModelMetrics{}, fmt.Errorf("get metrics %q: %w", modelID, ErrModelNotFound)
	}
	return *m, nil
}

// AllByNDCG3 returns all metrics records sorted by NDCG@3 descending.
func (r *Registry) AllByNDCG3() []models.ModelMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ModelMetrics, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NDCGAt3 > out[j].NDCGAt3 })
	return out
}

// SetWeight assigns an ensemble weight to a model, rescaling every other
// weight proportionally so the weights still sum to 1 afterwards. A model
// that is the sole ensemble member always ends at weight 1.
func (r *Registry) SetWeight(modelID string, weight float64, performanceBased bool) error {
	if weight < 0 || weight > 1 {
		return fmt.Errorf("set weight %q: weight %.4f outside [0,1]", modelID, weight)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var otherSum float64
	var others []*models.ModelWeight
	for id, w := range r.weights {
		if id == modelID {
			continue
		}
		others = append(others, w)
		otherSum += w.Weight
	}

	now := r.now()
	remaining := 1 - weight
	switch {
	case len(others) == 0:
		weight = 1
	case otherSum > 0:
		scale := remaining / otherSum
		for _, w := range others {
			w.Weight *= scale
			w.UpdatedAt = now
		}
	default:
		// Other members exist but carry zero weight; split the remainder
		// evenly so the sum still lands on 1.
		share := remaining / float64(len(others))
		for _, w := range others {
			w.Weight = share
			w.UpdatedAt = now
		}
	}

	r.weights[modelID] = &models.ModelWeight{
		ModelID:          modelID,
		Weight:           weight,
		PerformanceBased: performanceBased,
		UpdatedAt:        now,
	}
	r.logger.Infow("ensemble weight set",
		"model_id", modelID,
		"weight", weight,
		"performance_based", performanceBased)
	return nil
}

// RebalanceWeightsByPerformance recomputes every registered model's weight
// as its NDCG@3 share of the total. A zero total leaves weights untouched.
func (r *Registry) RebalanceWeightsByPerformance() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total float64
	for _, m := range r.metrics {
		total += m.NDCGAt3
	}
	if total == 0 {
		r.logger.Warnw("weight rebalance skipped, total ndcg is zero",
			"models", len(r.metrics))
		return
	}

	now := r.now()
	rebalanced := make(map[string]*models.ModelWeight, len(r.metrics))
	for id, m := range r.metrics {
		rebalanced[id] = &models.ModelWeight{
			ModelID:          id,
			Weight:           m.NDCGAt3 / total,
			PerformanceBased: true,
			UpdatedAt:        now,
		}
	}
	r.weights = rebalanced
	r.logger.Infow("ensemble weights rebalanced by performance", "models", len(rebalanced))
}

// GetWeights returns a copy of the current ensemble weights.
func (r *Registry) GetWeights() []models.ModelWeight {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ModelWeight, 0, len(r.weights))
	for _, w := range r.weights {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// RecordDriftAlert appends an immutable drift alert. Alert ids are assigned
// here when the caller left them empty.
func (r *Registry) RecordDriftAlert(alert models.DriftAlert) models.DriftAlert {
	r.mu.Lock()
	defer r.mu.Unlock()

	if alert.AlertID == "" {
		alert.AlertID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = r.now()
	}
	r.alerts = append(r.alerts, &alert)
	metrics.DriftAlertsTotal.WithLabelValues(string(alert.AlertType), string(alert.Severity)).Inc()

	log := r.logger.Warnw
	if alert.Severity == models.SeverityCritical {
		log = r.logger.Errorw
	}
	log("drift alert recorded",
		"alert_id", alert.AlertID,
		"model_id", alert.ModelID,
		"type", alert.AlertType,
		"severity", alert.Severity,
		"magnitude", alert.DriftMagnitude,
		"requires_retraining", alert.RequiresRetraining)
	return alert
}

// ActiveAlerts returns alerts raised inside the active window (24h by
// default), newest first. Older alerts are retained but no longer surfaced.
func (r *Registry) ActiveAlerts() []models.DriftAlert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeAlertsLocked()
}

func (r *Registry) activeAlertsLocked() []models.DriftAlert {
	cutoff := r.now().Add(-r.cfg.ActiveAlertWindow)
	var out []models.DriftAlert
	for _, a := range r.alerts {
		if a.Timestamp.After(cutoff) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// CriticalAlerts returns the active alerts that require retraining.
func (r *Registry) CriticalAlerts() []models.DriftAlert {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.DriftAlert
	for _, a := range r.activeAlertsLocked() {
		if a.RequiresRetraining {
			out = append(out, a)
		}
	}
	return out
}

// CreateABTest stores a new A/B test in active state and returns the stored
// record. A missing test id is assigned.
func (r *Registry) CreateABTest(test models.ABTestResult) models.ABTestResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if test.TestID == "" {
		test.TestID = uuid.NewString()
	}
	test.Status = models.ABTestActive
	test.CreatedAt = r.now()
	test.ConcludedAt = nil
	r.abTests[test.TestID] = &test
	r.logger.Infow("ab test created",
		"test_id", test.TestID,
		"control", test.ControlModelID,
		"treatment", test.TreatmentModelID,
		"traffic_split", test.TrafficSplit)
	return test
}

// ABTestUpdate is a partial update to an A/B test. Nil fields are left
// unchanged; improvement is recomputed whenever either NDCG changes.
type ABTestUpdate struct {
	ControlNDCGAt3          *float64
	TreatmentNDCGAt3        *float64
	StatisticalSignificance *float64
	IsSignificant           *bool
	Status                  *models.ABTestStatus
}

// UpdateABTest applies a partial update; moving to concluded stamps
// ConcludedAt.
func (r *Registry) UpdateABTest(testID string, update ABTestUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	test, ok := r.abTests[testID]
	if !ok {
		return fmt.Errorf("update ab test %q: %w", testID, ErrTestNotFound)
	}

	if update.ControlNDCGAt3 != nil {
		test.ControlNDCGAt3 = *update.ControlNDCGAt3
	}
	if update.TreatmentNDCGAt3 != nil {
		test.TreatmentNDCGAt3 = *update.TreatmentNDCGAt3
	}
	if test.ControlNDCGAt3 > 0 && (update.ControlNDCGAt3 != nil || update.TreatmentNDCGAt3 != nil) {
		test.Improvement = (test.TreatmentNDCGAt3 - test.ControlNDCGAt3) / test.ControlNDCGAt3 * 100
	}
	if update.StatisticalSignificance != nil {
		test.StatisticalSignificance = *update.StatisticalSignificance
	}
	if update.IsSignificant != nil {
		test.IsSignificant = *update.IsSignificant
	}
	if update.Status != nil && *update.Status != test.Status {
		test.Status = *update.Status
		if test.Status == models.ABTestConcluded {
			t := r.now()
			test.ConcludedAt = &t
		}
	}
	return nil
}

// GetABTest returns a copy of the test record.
func (r *Registry) GetABTest(testID string) (models.ABTestResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	test, ok := r.abTests[testID]
	if !ok {
		return models.ABTestResult{}, fmt.Errorf("get ab test %q: %w", testID, ErrTestNotFound)
	}
	return *test, nil
}

// ActiveABTests returns the tests still in active state.
func (r *Registry) ActiveABTests() []models.ABTestResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.ABTestResult
	for _, test := range r.abTests {
		if test.Status == models.ABTestActive {
			out = append(out, *test)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MarkABTestPromoted records that the test's winner was applied to the
// ensemble, so a test is only ever consumed once.
func (r *Registry) MarkABTestPromoted(testID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	test, ok := r.abTests[testID]
	if !ok {
		return fmt.Errorf("mark ab test promoted %q: %w", testID, ErrTestNotFound)
	}
	t := r.now()
	test.PromotedAt = &t
	return nil
}

// PerformanceSummary aggregates NDCG@3 across all registered models.
type PerformanceSummary struct {
	ModelCount   int      `json:"model_count"`
	BestModelID  string   `json:"best_model_id"`
	BestNDCGAt3  float64  `json:"best_ndcg_at_3"`
	WorstModelID string   `json:"worst_model_id"`
	WorstNDCGAt3 float64  `json:"worst_ndcg_at_3"`
	MeanNDCGAt3  float64  `json:"mean_ndcg_at_3"`
	Variance     float64  `json:"variance"`
	TopModels    []string `json:"top_models"`
}

// Summary computes the current performance summary. Variance is the sample
// variance; fewer than two models report 0.
func (r *Registry) Summary() PerformanceSummary {
	sorted := r.AllByNDCG3()

	summary := PerformanceSummary{ModelCount: len(sorted)}
	if len(sorted) == 0 {
		return summary
	}

	scores := make([]float64, len(sorted))
	for i, m := range sorted {
		scores[i] = m.NDCGAt3
	}

	summary.BestModelID = sorted[0].ModelID
	summary.BestNDCGAt3 = sorted[0].NDCGAt3
	summary.WorstModelID = sorted[len(sorted)-1].ModelID
	summary.WorstNDCGAt3 = sorted[len(sorted)-1].NDCGAt3
	summary.MeanNDCGAt3 = stat.Mean(scores, nil)
	if len(scores) >= 2 {
		summary.Variance = stat.Variance(scores, nil)
	}

	top := len(sorted)
	if top > 3 {
		top = 3
	}
	for _, m := range sorted[:top] {
		summary.TopModels = append(summary.TopModels, m.ModelID)
	}
	return summary
}

// Recommendation is the retraining advice derived from critical alerts.
type Recommendation struct {
	ShouldRetrain  bool            `json:"should_retrain"`
	Priority       models.Severity `json:"priority"`
	AffectedModels []string        `json:"affected_models"`
}

// RetrainingRecommendation derives retraining advice purely from the
// current critical alerts: retrain when any exist, at the highest severity
// among them.
func (r *Registry) RetrainingRecommendation() Recommendation {
	critical := r.CriticalAlerts()

	rec := Recommendation{Priority: models.SeverityLow}
	if len(critical) == 0 {
		return rec
	}

	rec.ShouldRetrain = true
	seen := make(map[string]bool)
	severities := make([]models.Severity, 0, len(critical))
	for _, a := range critical {
		severities = append(severities, a.Severity)
		if !seen[a.ModelID] {
			seen[a.ModelID] = true
			rec.AffectedModels = append(rec.AffectedModels, a.ModelID)
		}
	}
	sort.Strings(rec.AffectedModels)
	rec.Priority = models.MaxSeverity(severities)
	return rec
}
