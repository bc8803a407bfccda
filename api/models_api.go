package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stridelabs/gallop/internal/registry"
	"github.com/stridelabs/gallop/pkg/models"
)

type registerModelRequest struct {
	ModelID           string  `json:"model_id" validate:"required"`
	Name              string  `json:"name"`
	Version           string  `json:"version" validate:"required"`
	NDCGAt3           float64 `json:"ndcg_at_3" validate:"gte=0,lte=1"`
	NDCGAt5           float64 `json:"ndcg_at_5" validate:"gte=0,lte=1"`
	WinAccuracy       float64 `json:"win_accuracy" validate:"gte=0,lte=100"`
	PlaceAccuracy     float64 `json:"place_accuracy" validate:"gte=0,lte=100"`
	ShowAccuracy      float64 `json:"show_accuracy" validate:"gte=0,lte=100"`
	AverageConfidence float64 `json:"average_confidence" validate:"gte=0,lte=1"`
	ROI               float64 `json:"roi"`
}

type setWeightRequest struct {
	Weight           float64 `json:"weight" validate:"gte=0,lte=1"`
	PerformanceBased bool    `json:"performance_based"`
}

type conceptDriftRequest struct {
	ModelID  string    `json:"model_id" validate:"required"`
	Recent   []float64 `json:"recent" validate:"required,min=1"`
	Baseline []float64 `json:"baseline" validate:"required,min=1"`
}

// listModels returns every tracked model, best NDCG@3 first.
func (s *Server) listModels(c *gin.Context) {
	all := s.registry.AllByNDCG3()
	c.JSON(http.StatusOK, gin.H{"models": all, "count": len(all)})
}

// registerModel stores or supersedes a model's metrics record and seeds its
// drift history.
func (s *Server) registerModel(c *gin.Context) {
	var req registerModelRequest
	if !s.bindAndValidate(c, &req) {
		return
	}

	m := models.ModelMetrics{
		ModelID:           req.ModelID,
		Name:              req.Name,
		Version:           req.Version,
		NDCGAt3:           req.NDCGAt3,
		NDCGAt5:           req.NDCGAt5,
		WinAccuracy:       req.WinAccuracy,
		PlaceAccuracy:     req.PlaceAccuracy,
		ShowAccuracy:      req.ShowAccuracy,
		AverageConfidence: req.AverageConfidence,
		ROI:               req.ROI,
	}
	s.registry.RegisterModel(m)
	registered, err := s.registry.GetMetrics(req.ModelID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"model": registered})
}

// getModel returns one model's metrics record.
func (s *Server) getModel(c *gin.Context) {
	m, err := s.registry.GetMetrics(c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrModelNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": m})
}

// reportModelMetrics applies a partial metrics update and runs the drift
// check against the model's baseline. Alerts raised by the check are
// returned alongside the updated record.
func (s *Server) reportModelMetrics(c *gin.Context) {
	modelID := c.Param("id")
	var delta models.MetricsDelta
	if err := c.ShouldBindJSON(&delta); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.registry.UpdateMetrics(modelID, delta); err != nil {
		if errors.Is(err, registry.ErrModelNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.writeError(c, err)
		return
	}
	updated, err := s.registry.GetMetrics(modelID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	alerts := s.monitor.MonitorPerformance(modelID, updated)
	c.JSON(http.StatusOK, gin.H{"model": updated, "alerts": alerts})
}

// setModelBaseline freezes the model's current metrics as the drift
// comparison snapshot.
func (s *Server) setModelBaseline(c *gin.Context) {
	modelID := c.Param("id")
	m, err := s.registry.GetMetrics(modelID)
	if err != nil {
		if errors.Is(err, registry.ErrModelNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.writeError(c, err)
		return
	}
	s.monitor.SetBaseline(modelID, m)
	c.JSON(http.StatusOK, gin.H{"baseline": m})
}

// getModelTrend reports the regression trend over the model's rolling
// metric history.
func (s *Server) getModelTrend(c *gin.Context) {
	c.JSON(http.StatusOK, s.scheduler.GetNDCGTrend(c.Param("id")))
}

// getModelSummary aggregates NDCG@3 across all tracked models.
func (s *Server) getModelSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Summary())
}

// getWeights returns the current ensemble weights.
func (s *Server) getWeights(c *gin.Context) {
	weights := s.registry.GetWeights()
	c.JSON(http.StatusOK, gin.H{"weights": weights, "count": len(weights)})
}

// setModelWeight assigns a manual ensemble weight; the remaining models are
// rescaled so the weights still sum to 1.
func (s *Server) setModelWeight(c *gin.Context) {
	var req setWeightRequest
	if !s.bindAndValidate(c, &req) {
		return
	}
	if err := s.registry.SetWeight(c.Param("id"), req.Weight, req.PerformanceBased); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"weights": s.registry.GetWeights()})
}

// rebalanceWeights recomputes every weight from NDCG@3 shares.
func (s *Server) rebalanceWeights(c *gin.Context) {
	s.registry.RebalanceWeightsByPerformance()
	c.JSON(http.StatusOK, gin.H{"weights": s.registry.GetWeights()})
}

// listDriftAlerts returns the alerts inside the active window.
func (s *Server) listDriftAlerts(c *gin.Context) {
	alerts := s.registry.ActiveAlerts()
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// getDriftSummary aggregates active alerts into an operator view.
func (s *Server) getDriftSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.scheduler.GetDriftSummary())
}

// getRecommendation derives retraining advice from the critical alerts.
func (s *Server) getRecommendation(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.RetrainingRecommendation())
}

// checkConceptDrift runs the KS test between a recent prediction sample and
// a baseline sample, recording an alert when the threshold is crossed.
func (s *Server) checkConceptDrift(c *gin.Context) {
	var req conceptDriftRequest
	if !s.bindAndValidate(c, &req) {
		return
	}
	statistic, alert := s.monitor.DetectConceptDrift(req.ModelID, req.Recent, req.Baseline)
	c.JSON(http.StatusOK, gin.H{"ks_statistic": statistic, "alert": alert})
}
