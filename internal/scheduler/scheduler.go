// Package scheduler drives retraining. One cooperative loop dequeues pending
// jobs up to a concurrency cap, runs each through the drift gate and the
// training pipeline, and sweeps finished jobs into a bounded history. The
// scheduler exclusively owns job state; every dequeued job reaches exactly
// one of completed or failed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stridelabs/gallop/internal/drift"
	"github.com/stridelabs/gallop/internal/events"
	"github.com/stridelabs/gallop/internal/registry"
	"github.com/stridelabs/gallop/internal/training"
	"github.com/stridelabs/gallop/pkg/metrics"
	"github.com/stridelabs/gallop/pkg/models"
)

// ErrJobNotFound is returned when a job ID is unknown or already evicted
// from the completed history.
var ErrJobNotFound = errors.New("job not found")

// Config tunes the control loop.
type Config struct {
	MaxConcurrentJobs    int
	PollInterval         time.Duration
	ErrorBackoff         time.Duration
	PerformanceThreshold float64
	CompletedGracePeriod time.Duration
	CompletedHistorySize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs:    2,
		PollInterval:         30 * time.Second,
		ErrorBackoff:         2 * time.Minute,
		PerformanceThreshold: 0.01,
		CompletedGracePeriod: 5 * time.Minute,
		CompletedHistorySize: 50,
	}
}

// JobRecorder persists job snapshots. The store satisfies this; a nil
// recorder keeps the scheduler memory-only.
type JobRecorder interface {
	RecordJob(ctx context.Context, job *models.RetrainingJob) error
}

// QueueStatus is a point-in-time view of the job pipeline.
type QueueStatus struct {
	Queued    int  `json:"queued"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Running   bool `json:"running"`
}

// RetrainingNeeds lists models whose drift state justifies a retraining job
// right now, with a human-readable reason per model.
type RetrainingNeeds struct {
	ModelsNeedingRetrain []string          `json:"models_needing_retrain"`
	Reasons              map[string]string `json:"reasons"`
}

// DriftSummary aggregates the active alert state for operators.
type DriftSummary struct {
	ModelsWithDrift    []string `json:"models_with_drift"`
	CriticalAlertCount int      `json:"critical_alert_count"`
	RecommendedActions []string `json:"recommended_actions"`
}

// PromotionResult is the typed outcome of an A/B winner promotion. A refusal
// (missing test, still active, not significant) is a business answer, not an
// error.
type PromotionResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	PromotedModel string `json:"promoted_model,omitempty"`
}

// Scheduler owns the retraining job lifecycle. Jobs live in memory: a
// restart drops the pending queue. The recorder keeps an audit trail, it is
// not a recovery source.
type Scheduler struct {
	cfg          Config
	logger       *zap.SugaredLogger
	registry     *registry.Registry
	monitor      *drift.Monitor
	orchestrator *training.Orchestrator
	recorder     JobRecorder
	publisher    events.Publisher

	mu     sync.Mutex
	jobs   map[string]*models.RetrainingJob // every known job, by ID
	queue  []*models.RetrainingJob          // pending, FIFO
	active map[string]*models.RetrainingJob // dispatched, until swept
	done   []*models.RetrainingJob          // terminal ring, oldest first

	running  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	kick     chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

// NewScheduler wires the control loop to its collaborators. recorder and
// publisher may be nil; events then go nowhere and jobs live only in memory.
func NewScheduler(
	cfg Config,
	reg *registry.Registry,
	monitor *drift.Monitor,
	orchestrator *training.Orchestrator,
	recorder JobRecorder,
	publisher events.Publisher,
	logger *zap.SugaredLogger,
) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.PerformanceThreshold == 0 {
		cfg.PerformanceThreshold = def.PerformanceThreshold
	}
	if cfg.CompletedGracePeriod <= 0 {
		cfg.CompletedGracePeriod = def.CompletedGracePeriod
	}
	if cfg.CompletedHistorySize <= 0 {
		cfg.CompletedHistorySize = def.CompletedHistorySize
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Scheduler{
		cfg:          cfg,
		logger:       logger,
		registry:     reg,
		monitor:      monitor,
		orchestrator: orchestrator,
		recorder:     recorder,
		publisher:    publisher,
		jobs:         make(map[string]*models.RetrainingJob),
		active:       make(map[string]*models.RetrainingJob),
		kick:         make(chan struct{}, 1),
		now:          time.Now,
	}
}

// Start launches the control loop. A second Start without an intervening
// Stop is an error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	s.logger.Infow("scheduler started",
		"max_concurrent_jobs", s.cfg.MaxConcurrentJobs,
		"poll_interval", s.cfg.PollInterval)
	go s.loop(ctx)
	return nil
}

// Stop halts the loop and waits for in-flight jobs to reach a terminal
// state. Their pipeline contexts are cancelled, so a hung trainer resolves
// as a failed job rather than blocking shutdown past its timeout.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	loopDone := s.loopDone
	s.mu.Unlock()

	cancel()
	<-loopDone
	s.wg.Wait()
	s.logger.Infow("scheduler stopped")
}

// loop is the single cooperative driver: dispatch, sweep, sleep. A panic in
// an iteration is logged and answered with a longer sleep so a systemic
// fault degrades to slow polling instead of killing the process.
func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)

	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		wait := s.iterate(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) iterate(ctx context.Context) (wait time.Duration) {
	wait = s.cfg.PollInterval
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("scheduler iteration panicked, backing off",
				"panic", r,
				"backoff", s.cfg.ErrorBackoff)
			wait = s.cfg.ErrorBackoff
		}
	}()

	s.dispatch(ctx)
	s.sweep()
	return wait
}

// dispatch starts pending jobs while running capacity remains.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.runningCountLocked() >= s.cfg.MaxConcurrentJobs {
			s.mu.Unlock()
			return
		}
		job := s.queue[0]
		s.queue = s.queue[1:]

		start := s.now()
		job.Status = models.JobRunning
		job.StartTime = &start
		s.active[job.JobID] = job
		s.updateGaugesLocked()
		snapshot := job.Clone()
		s.mu.Unlock()

		s.logger.Infow("job dequeued",
			"job_id", snapshot.JobID,
			"model_id", snapshot.ModelID,
			"reason", snapshot.TriggerReason)
		s.notify(ctx, snapshot)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.executeRetrainingJob(ctx, job)
		}()
	}
}

// sweep moves jobs whose terminal transition is older than the grace period
// out of active and into the bounded completed ring.
func (s *Scheduler) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.cfg.CompletedGracePeriod)
	for id, job := range s.active {
		if !job.Status.Terminal() || job.EndTime == nil || job.EndTime.After(cutoff) {
			continue
		}
		delete(s.active, id)
		s.done = append(s.done, job)
	}

	if excess := len(s.done) - s.cfg.CompletedHistorySize; excess > 0 {
		for _, job := range s.done[:excess] {
			delete(s.jobs, job.JobID)
		}
		s.done = s.done[excess:]
	}
}

// QueueRetrainingJob appends a pending job and returns it immediately.
// Enqueue is fire-and-forget: acceptance is not an execution guarantee, the
// drift gate still decides at dispatch time.
func (s *Scheduler) QueueRetrainingJob(ctx context.Context, modelID string, reason models.TriggerReason) (*models.RetrainingJob, error) {
	if modelID == "" {
		return nil, errors.New("model id is required")
	}

	job := &models.RetrainingJob{
		JobID:         uuid.NewString(),
		ModelID:       modelID,
		TriggerReason: reason,
		Status:        models.JobPending,
		CreatedAt:     s.now(),
	}

	s.mu.Lock()
	s.jobs[job.JobID] = job
	s.queue = append(s.queue, job)
	s.updateGaugesLocked()
	snapshot := job.Clone()
	s.mu.Unlock()

	s.logger.Infow("retraining job queued",
		"job_id", snapshot.JobID,
		"model_id", modelID,
		"reason", reason)
	s.notify(ctx, snapshot)

	// Wake the loop without waiting for the next poll tick.
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return snapshot, nil
}

// executeRetrainingJob is the per-job state machine. The job is already
// running when it arrives here; every path below ends it in completed or
// failed, including a panicking pipeline.
func (s *Scheduler) executeRetrainingJob(ctx context.Context, job *models.RetrainingJob) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("retraining job panicked",
				"job_id", job.JobID,
				"panic", r)
			s.finishJob(ctx, job, models.JobFailed, "", 0, fmt.Sprintf("panic: %v", r))
		}
	}()

	if !s.monitor.ShouldRetrain(job.ModelID) {
		s.finishJob(ctx, job, models.JobFailed, "", 0, "cooldown or no critical drift")
		return
	}

	result, err := s.orchestrator.ExecuteTrainingPipeline(ctx, job.TriggerReason)
	if err != nil {
		s.finishJob(ctx, job, models.JobFailed, "", 0, err.Error())
		return
	}

	if result.Improvement < s.cfg.PerformanceThreshold {
		msg := fmt.Sprintf("improvement %.2f%% below required %.2f%%",
			result.Improvement*100, s.cfg.PerformanceThreshold*100)
		s.finishJob(ctx, job, models.JobFailed, "", 0, msg)
		return
	}

	s.monitor.MarkRetrained(job.ModelID)
	s.bumpModelNDCG(job.ModelID, result.Improvement)
	s.finishJob(ctx, job, models.JobCompleted, result.NewModelVersion, result.Improvement, "")
}

// bumpModelNDCG reflects a successful retrain on the job's model, capped at
// a perfect score. Unknown models (first-time training) are skipped; the
// pipeline has already registered the new entry in that case.
func (s *Scheduler) bumpModelNDCG(modelID string, improvement float64) {
	current, err := s.registry.GetMetrics(modelID)
	if err != nil {
		return
	}
	updated := current.NDCGAt3 * (1 + improvement)
	if updated > 1 {
		updated = 1
	}
	if err := s.registry.UpdateMetrics(modelID, models.MetricsDelta{NDCGAt3: &updated}); err != nil {
		s.logger.Warnw("failed to bump model ndcg after retrain",
			"model_id", modelID,
			"error", err)
	}
}

func (s *Scheduler) finishJob(ctx context.Context, job *models.RetrainingJob, status models.JobStatus, version string, improvement float64, errMsg string) {
	s.mu.Lock()
	end := s.now()
	job.Status = status
	job.EndTime = &end
	job.NewModelVersion = version
	job.NDCGImprovement = improvement
	job.Error = errMsg
	s.updateGaugesLocked()
	snapshot := job.Clone()
	s.mu.Unlock()

	metrics.RetrainingJobsTotal.WithLabelValues(string(job.TriggerReason), string(status)).Inc()
	if status == models.JobCompleted {
		s.logger.Infow("retraining job completed",
			"job_id", snapshot.JobID,
			"model_id", snapshot.ModelID,
			"new_version", version,
			"improvement", improvement)
	} else {
		s.logger.Warnw("retraining job failed",
			"job_id", snapshot.JobID,
			"model_id", snapshot.ModelID,
			"error", errMsg)
	}
	s.notify(ctx, snapshot)
}

// notify persists and publishes a job snapshot. Both sinks are best-effort;
// the job state machine never depends on them.
func (s *Scheduler) notify(ctx context.Context, snapshot *models.RetrainingJob) {
	if s.recorder != nil {
		if err := s.recorder.RecordJob(ctx, snapshot); err != nil {
			s.logger.Errorw("job persistence failed",
				"job_id", snapshot.JobID,
				"error", err)
		}
	}
	if err := s.publisher.PublishJobEvent(ctx, snapshot); err != nil {
		s.logger.Errorw("job event publish failed",
			"job_id", snapshot.JobID,
			"error", err)
	}
}

// GetJobStatus returns a copy of the job, or ErrJobNotFound once it has
// been evicted from the completed history.
func (s *Scheduler) GetJobStatus(jobID string) (*models.RetrainingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job.Clone(), nil
}

// GetQueueStatus reports queue depth, in-flight count and retained terminal
// jobs.
func (s *Scheduler) GetQueueStatus() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed := len(s.done)
	for _, job := range s.active {
		if job.Status.Terminal() {
			completed++
		}
	}
	return QueueStatus{
		Queued:    len(s.queue),
		Active:    s.runningCountLocked(),
		Completed: completed,
		Running:   s.running,
	}
}

// RecentJobs returns up to limit known jobs, newest first.
func (s *Scheduler) RecentJobs(limit int) []models.RetrainingJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.RetrainingJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CheckRetrainingNeeds lists models that would pass the drift gate right
// now, with the alert evidence per model.
func (s *Scheduler) CheckRetrainingNeeds() RetrainingNeeds {
	needs := RetrainingNeeds{
		ModelsNeedingRetrain: []string{},
		Reasons:              make(map[string]string),
	}

	critical := s.registry.CriticalAlerts()
	byModel := make(map[string][]models.DriftAlert)
	for _, alert := range critical {
		byModel[alert.ModelID] = append(byModel[alert.ModelID], alert)
	}

	for modelID, alerts := range byModel {
		if !s.monitor.ShouldRetrain(modelID) {
			continue
		}
		severities := make([]models.Severity, 0, len(alerts))
		for _, alert := range alerts {
			severities = append(severities, alert.Severity)
		}
		needs.ModelsNeedingRetrain = append(needs.ModelsNeedingRetrain, modelID)
		needs.Reasons[modelID] = fmt.Sprintf("%d critical alert(s), max severity %s",
			len(alerts), models.MaxSeverity(severities))
	}
	sort.Strings(needs.ModelsNeedingRetrain)
	return needs
}

// GetDriftSummary aggregates active alerts into an operator view.
func (s *Scheduler) GetDriftSummary() DriftSummary {
	alerts := s.registry.ActiveAlerts()
	seen := make(map[string]bool)
	var withDrift []string
	for _, alert := range alerts {
		if !seen[alert.ModelID] {
			seen[alert.ModelID] = true
			withDrift = append(withDrift, alert.ModelID)
		}
	}
	sort.Strings(withDrift)

	needs := s.CheckRetrainingNeeds()
	needed := make(map[string]bool, len(needs.ModelsNeedingRetrain))
	actions := make([]string, 0, len(withDrift))
	for _, modelID := range needs.ModelsNeedingRetrain {
		needed[modelID] = true
		actions = append(actions, fmt.Sprintf("queue retraining for %s", modelID))
	}
	for _, modelID := range withDrift {
		if !needed[modelID] {
			actions = append(actions, fmt.Sprintf("monitor %s", modelID))
		}
	}

	return DriftSummary{
		ModelsWithDrift:    withDrift,
		CriticalAlertCount: len(s.registry.CriticalAlerts()),
		RecommendedActions: actions,
	}
}

// GetNDCGTrend reports the regression trend over the model's metric history.
func (s *Scheduler) GetNDCGTrend(modelID string) drift.NDCGTrend {
	return s.monitor.CalculateNDCGTrend(modelID)
}

// PromoteABTestWinner promotes the side of a concluded, significant test
// with the higher NDCG@3 to a 0.7 ensemble weight, demoting the loser to
// 0.3. Each test is consumed at most once.
func (s *Scheduler) PromoteABTestWinner(ctx context.Context, testID string) PromotionResult {
	test, err := s.registry.GetABTest(testID)
	if err != nil {
		return PromotionResult{Success: false, Message: fmt.Sprintf("ab test %s not found", testID)}
	}
	if test.Status != models.ABTestConcluded {
		return PromotionResult{Success: false, Message: fmt.Sprintf("ab test %s is still %s", testID, test.Status)}
	}
	if !test.IsSignificant {
		return PromotionResult{Success: false, Message: fmt.Sprintf("ab test %s is not statistically significant (p=%.3f)", testID, test.StatisticalSignificance)}
	}
	if test.PromotedAt != nil {
		return PromotionResult{Success: false, Message: fmt.Sprintf("ab test %s winner was already promoted", testID)}
	}

	// Ties keep the control model: no evidence, no switch.
	winner, loser := test.ControlModelID, test.TreatmentModelID
	if test.TreatmentNDCGAt3 > test.ControlNDCGAt3 {
		winner, loser = test.TreatmentModelID, test.ControlModelID
	}

	// Loser first so the winner's weight lands exactly on 0.7.
	if err := s.registry.SetWeight(loser, 0.3, false); err != nil {
		return PromotionResult{Success: false, Message: fmt.Sprintf("failed to demote %s: %v", loser, err)}
	}
	if err := s.registry.SetWeight(winner, 0.7, false); err != nil {
		return PromotionResult{Success: false, Message: fmt.Sprintf("failed to promote %s: %v", winner, err)}
	}
	if err := s.registry.MarkABTestPromoted(testID); err != nil {
		return PromotionResult{Success: false, Message: fmt.Sprintf("failed to conclude promotion: %v", err)}
	}

	metrics.ABTestPromotionsTotal.Inc()
	improvement := test.Improvement
	if err := s.publisher.PublishPromotion(ctx, &events.PromotionMessage{
		TestID:        testID,
		PromotedModel: winner,
		DemotedModel:  loser,
		Improvement:   improvement,
		Weight:        0.7,
	}); err != nil {
		s.logger.Errorw("promotion event publish failed", "test_id", testID, "error", err)
	}

	s.logger.Infow("ab test winner promoted",
		"test_id", testID,
		"winner", winner,
		"loser", loser,
		"improvement", improvement)
	return PromotionResult{
		Success:       true,
		Message:       fmt.Sprintf("promoted %s with weight 0.7", winner),
		PromotedModel: winner,
	}
}

func (s *Scheduler) runningCountLocked() int {
	n := 0
	for _, job := range s.active {
		if job.Status == models.JobRunning {
			n++
		}
	}
	return n
}

func (s *Scheduler) updateGaugesLocked() {
	metrics.JobsQueued.Set(float64(len(s.queue)))
	metrics.JobsActive.Set(float64(s.runningCountLocked()))
}
