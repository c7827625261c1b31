package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/synapsemodel/backend/internal/handlers"
	"github.com/synapsemodel/backend/internal/middleware"
)

type RouterConfig struct {
	ServiceName         string
	AllowOrigins        []string
	AuthMiddleware      *middleware.AuthMiddleware
	RateLimit           *middleware.RateLimitMiddleware
	HealthHandler       *handlers.HealthHandler
	JobsHandler         *handlers.JobsHandler
	VerificationHandler *handlers.VerificationHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "synapsemodel"
	}
	router.Use(otelgin.Middleware(serviceName))

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-API-Key", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	router.GET("/readycheck", cfg.HealthHandler.ReadyCheck)

	// ===============
	// || Protected ||
	// ===============
	api := router.Group("/api")
	if cfg.RateLimit != nil {
		api.Use(cfg.RateLimit.Limit())
	}
	api.Use(cfg.AuthMiddleware.RequireAuth())
	// Jobs
	api.POST("/jobs", cfg.JobsHandler.SubmitJob)
	api.GET("/jobs", cfg.JobsHandler.ListJobs)
	api.GET("/jobs/stats", cfg.JobsHandler.GetStats)
	api.GET("/jobs/dead-letters", cfg.JobsHandler.ListDeadLetters)
	api.GET("/jobs/:id", cfg.JobsHandler.GetJobByID)
	api.POST("/jobs/:id/cancel", cfg.JobsHandler.CancelJob)
	api.DELETE("/jobs/:id", cfg.JobsHandler.CancelJob)
	api.POST("/jobs/:id/process", cfg.JobsHandler.ProcessJob)
	// Verification
	api.POST("/jobs/:id/verify", cfg.VerificationHandler.VerifyJob)
	api.GET("/jobs/:id/verification", cfg.VerificationHandler.GetVerification)
	api.GET("/verification/transaction/:txRef", cfg.VerificationHandler.GetVerificationByTxRef)

	return router
}
