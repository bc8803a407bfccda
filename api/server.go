// Package api exposes the Gallop control surface over HTTP: model
// performance, ensemble weights, drift state, the retraining queue and A/B
// winner promotion.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"
	ginlimiter "github.com/ulule/limiter/v3/drivers/middleware/gin"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/stridelabs/gallop/internal/drift"
	"github.com/stridelabs/gallop/internal/registry"
	"github.com/stridelabs/gallop/internal/scheduler"
	"github.com/stridelabs/gallop/internal/store"
	"github.com/stridelabs/gallop/internal/training"
)

// Server represents the control API server.
type Server struct {
	router       *gin.Engine
	logger       *zap.Logger
	registry     *registry.Registry
	monitor      *drift.Monitor
	orchestrator *training.Orchestrator
	scheduler    *scheduler.Scheduler
	store        *store.Store // nil when persistence is disabled
	validator    *validator.Validate
	rateLimiter  gin.HandlerFunc
}

// NewServer creates a new API server with injected services. st may be nil;
// persistence-backed routes then answer 503.
func NewServer(
	logger *zap.Logger,
	reg *registry.Registry,
	mon *drift.Monitor,
	orch *training.Orchestrator,
	sched *scheduler.Scheduler,
	st *store.Store,
	allowedOrigins []string,
) *Server {
	server := &Server{
		logger:       logger,
		registry:     reg,
		monitor:      mon,
		orchestrator: orch,
		scheduler:    sched,
		store:        st,
	}

	router := gin.New()

	// Add middleware
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("gallop-api"))

	// Configure CORS
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Input validator
	validate := validator.New()
	// Rate limiter for mutating routes (100 req/min per IP)
	memStore := memory.NewStore()
	rate, _ := limiter.NewRateFromFormatted("100-M")
	limiterMiddleware := ginlimiter.NewMiddleware(limiter.New(memStore, rate))
	server.validator = validate
	server.rateLimiter = limiterMiddleware
	server.router = router
	server.registerRoutes()
	return server
}

// Start starts the API server.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router returns the internal Gin engine for embedding and testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// registerRoutes registers all API routes.
func (s *Server) registerRoutes() {
	// Read-only routes
	public := s.router.Group("/api/v1")
	{
		// Metrics endpoint
		public.GET("/metrics", gin.WrapH(promhttp.Handler()))

		// Health check
		public.GET("/health", s.healthCheck)

		// Model performance
		model := public.Group("/models")
		{
			model.GET("", s.listModels)
			model.GET("/summary", s.getModelSummary)
			model.GET("/weights", s.getWeights)
			model.GET("/:id", s.getModel)
			model.GET("/:id/trend", s.getModelTrend)
		}

		// Drift state
		driftGroup := public.Group("/drift")
		{
			driftGroup.GET("/alerts", s.listDriftAlerts)
			driftGroup.GET("/summary", s.getDriftSummary)
			driftGroup.GET("/recommendation", s.getRecommendation)
		}

		// Retraining queue
		retraining := public.Group("/retraining")
		{
			retraining.GET("/jobs", s.listRetrainingJobs)
			retraining.GET("/jobs/:id", s.getRetrainingJob)
			retraining.GET("/queue", s.getQueueStatus)
			retraining.GET("/needs", s.getRetrainingNeeds)
		}

		// Training pipeline
		trainingGroup := public.Group("/training")
		{
			trainingGroup.GET("/statistics", s.getTrainingStatistics)
			trainingGroup.GET("/latest", s.getLatestRun)
			trainingGroup.GET("/runs", s.listTrainingRuns)
		}

		// A/B tests
		public.GET("/abtests", s.listABTests)
		public.GET("/abtests/:id", s.getABTest)

		// Persisted history (503 without a store)
		history := public.Group("/history")
		{
			history.GET("/runs", s.listStoredRuns)
			history.GET("/jobs", s.listStoredJobs)
		}
	}

	// Mutating routes (rate limited)
	control := s.router.Group("/api/v1")
	control.Use(s.rateLimiter)
	{
		control.POST("/models", s.registerModel)
		control.POST("/models/:id/metrics", s.reportModelMetrics)
		control.POST("/models/:id/baseline", s.setModelBaseline)
		control.POST("/models/:id/weight", s.setModelWeight)
		control.POST("/models/rebalance", s.rebalanceWeights)

		control.POST("/drift/concept", s.checkConceptDrift)

		control.POST("/retraining/jobs", s.queueRetrainingJob)

		control.POST("/abtests", s.createABTest)
		control.POST("/abtests/:id/conclude", s.concludeABTest)
		control.POST("/abtests/:id/promote", s.promoteABTest)

		control.POST("/predictions", s.ingestPredictions)
	}
}

// healthCheck handles the health check endpoint.
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"time":      time.Now(),
		"scheduler": s.scheduler.GetQueueStatus().Running,
	})
}

// bindAndValidate binds the JSON body into req and validates it, answering
// 400 itself on failure.
func (s *Server) bindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	if err := s.validator.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// writeError logs and answers an unexpected handler failure.
func (s *Server) writeError(c *gin.Context, err error) {
	s.logger.Error("handler error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// limitQuery parses the limit query parameter, falling back to def.
func limitQuery(c *gin.Context, def int) int {
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}
