package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stridelabs/gallop/internal/registry"
	"github.com/stridelabs/gallop/internal/scheduler"
	"github.com/stridelabs/gallop/pkg/models"
)

type queueJobRequest struct {
	ModelID string `json:"model_id" validate:"required"`
	Reason  string `json:"reason" validate:"omitempty,oneof=drift_detected performance_degradation scheduled manual"`
}

type createABTestRequest struct {
	ControlModelID   string  `json:"control_model_id" validate:"required"`
	TreatmentModelID string  `json:"treatment_model_id" validate:"required"`
	TrafficSplit     float64 `json:"traffic_split" validate:"gte=0,lte=1"`
}

type concludeABTestRequest struct {
	ControlNDCGAt3          float64 `json:"control_ndcg_at_3" validate:"gte=0,lte=1"`
	TreatmentNDCGAt3        float64 `json:"treatment_ndcg_at_3" validate:"gte=0,lte=1"`
	StatisticalSignificance float64 `json:"statistical_significance" validate:"gte=0,lte=1"`
	IsSignificant           bool    `json:"is_significant"`
}

// queueRetrainingJob enqueues a retraining job for a model. The job is
// accepted pending; the control loop decides when it runs.
func (s *Server) queueRetrainingJob(c *gin.Context) {
	var req queueJobRequest
	if !s.bindAndValidate(c, &req) {
		return
	}
	reason := models.TriggerReason(req.Reason)
	if reason == "" {
		reason = models.TriggerManual
	}

	job, err := s.scheduler.QueueRetrainingJob(c.Request.Context(), req.ModelID, reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// getRetrainingJob returns one job by id.
func (s *Server) getRetrainingJob(c *gin.Context) {
	job, err := s.scheduler.GetJobStatus(c.Param("id"))
	if err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// listRetrainingJobs returns known jobs, newest first.
func (s *Server) listRetrainingJobs(c *gin.Context) {
	jobs := s.scheduler.RecentJobs(limitQuery(c, 20))
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// getQueueStatus reports queue depth and in-flight count.
func (s *Server) getQueueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.scheduler.GetQueueStatus())
}

// getRetrainingNeeds lists models whose drift state justifies retraining
// right now.
func (s *Server) getRetrainingNeeds(c *gin.Context) {
	c.JSON(http.StatusOK, s.scheduler.CheckRetrainingNeeds())
}

// getTrainingStatistics returns aggregate pipeline counters.
func (s *Server) getTrainingStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, s.orchestrator.GetStatistics())
}

// getLatestRun returns the most recent pipeline execution.
func (s *Server) getLatestRun(c *gin.Context) {
	latest := s.orchestrator.GetLatestExecution()
	if latest == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pipeline runs yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": latest})
}

// listTrainingRuns returns recent in-memory pipeline runs.
func (s *Server) listTrainingRuns(c *gin.Context) {
	runs := s.orchestrator.History(limitQuery(c, 20))
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// createABTest opens an active test comparing two models. A zero traffic
// split defaults to an even 50/50.
func (s *Server) createABTest(c *gin.Context) {
	var req createABTestRequest
	if !s.bindAndValidate(c, &req) {
		return
	}
	if req.TrafficSplit == 0 {
		req.TrafficSplit = 0.5
	}

	test := s.registry.CreateABTest(models.ABTestResult{
		ControlModelID:   req.ControlModelID,
		TreatmentModelID: req.TreatmentModelID,
		TrafficSplit:     req.TrafficSplit,
	})
	c.JSON(http.StatusCreated, gin.H{"test": test})
}

// listABTests returns the tests still running.
func (s *Server) listABTests(c *gin.Context) {
	tests := s.registry.ActiveABTests()
	c.JSON(http.StatusOK, gin.H{"tests": tests, "count": len(tests)})
}

// getABTest returns one test record.
func (s *Server) getABTest(c *gin.Context) {
	test, err := s.registry.GetABTest(c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrTestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"test": test})
}

// concludeABTest records the final scores and moves the test to concluded,
// making it eligible for winner promotion.
func (s *Server) concludeABTest(c *gin.Context) {
	testID := c.Param("id")
	var req concludeABTestRequest
	if !s.bindAndValidate(c, &req) {
		return
	}

	concluded := models.ABTestConcluded
	update := registry.ABTestUpdate{
		ControlNDCGAt3:          &req.ControlNDCGAt3,
		TreatmentNDCGAt3:        &req.TreatmentNDCGAt3,
		StatisticalSignificance: &req.StatisticalSignificance,
		IsSignificant:           &req.IsSignificant,
		Status:                  &concluded,
	}
	if err := s.registry.UpdateABTest(testID, update); err != nil {
		if errors.Is(err, registry.ErrTestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.writeError(c, err)
		return
	}
	test, err := s.registry.GetABTest(testID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"test": test})
}

// promoteABTest applies the winner of a concluded, significant test to the
// ensemble. A refusal is reported as a conflict, not an error.
func (s *Server) promoteABTest(c *gin.Context) {
	testID := c.Param("id")
	if _, err := s.registry.GetABTest(testID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	result := s.scheduler.PromoteABTestWinner(c.Request.Context(), testID)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	c.JSON(status, result)
}

// ingestPredictions persists a batch of settled race predictions for use as
// training data.
func (s *Server) ingestPredictions(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}

	var rows []models.RacePrediction
	if err := c.ShouldBindJSON(&rows); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty prediction batch"})
		return
	}

	if err := s.store.SavePredictions(c.Request.Context(), rows); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"saved": len(rows)})
}

// listStoredRuns returns persisted pipeline runs, newest first.
func (s *Server) listStoredRuns(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}
	runs, err := s.store.RecentRuns(c.Request.Context(), limitQuery(c, 20))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// listStoredJobs returns persisted retraining jobs, newest first.
func (s *Server) listStoredJobs(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}
	jobs, err := s.store.RecentJobs(c.Request.Context(), limitQuery(c, 20))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}
