package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/synapsemodel/backend/internal/db"
	"github.com/synapsemodel/backend/internal/handlers"
	"github.com/synapsemodel/backend/internal/ledger"
	"github.com/synapsemodel/backend/internal/logger"
	"github.com/synapsemodel/backend/internal/middleware"
	"github.com/synapsemodel/backend/internal/observability"
	"github.com/synapsemodel/backend/internal/queue"
	"github.com/synapsemodel/backend/internal/repos"
	"github.com/synapsemodel/backend/internal/server"
	"github.com/synapsemodel/backend/internal/services"
	"github.com/synapsemodel/backend/internal/utils"
	"github.com/synapsemodel/backend/internal/worker"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "synapsemodel",
		Environment: utils.GetEnv("ENVIRONMENT", "development", log),
		Version:     utils.GetEnv("SERVICE_VERSION", "dev", log),
	})

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	jobRepo := repos.NewJobRepo(thePG, log)
	verificationRepo := repos.NewVerificationRepo(thePG, log)

	// Queue
	log.Info("Setting up dispatcher from main...")
	var dispatcher queue.Dispatcher
	if strings.TrimSpace(os.Getenv("REDIS_ADDR")) != "" {
		dispatcher, err = queue.NewRedisDispatcher(log)
		if err != nil {
			log.Error("Could not init redis dispatcher", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("REDIS_ADDR not set, using in-memory dispatcher (entries do not survive restart)")
		dispatcher = queue.NewMemoryDispatcher(queue.DefaultRetryPolicy())
	}
	defer dispatcher.Close()

	// Services
	log.Info("Setting up Services from main...")
	computeClient, err := services.NewComputeClient(log)
	if err != nil {
		log.Error("Could not init ComputeClient", "error", err)
		os.Exit(1)
	}
	var ledgerClient ledger.Client
	ledgerClient, err = ledger.NewHTTPClient(log)
	if err != nil {
		log.Warn("Ledger client not configured, verification disabled", "error", err)
		ledgerClient = nil
	}
	jobService := services.NewJobService(thePG, log, jobRepo, dispatcher)
	verificationService := services.NewVerificationService(thePG, log, jobRepo, verificationRepo, ledgerClient)

	// Workers
	pool := worker.NewPool(log, dispatcher, jobRepo, computeClient, verificationService, worker.OptionsFromEnv(log))
	pool.Start(ctx)
	defer pool.Stop()

	// Handlers
	log.Info("Setting up handlers from main...")
	healthHandler := handlers.NewHealthHandler(computeClient)
	jobsHandler := handlers.NewJobsHandler(jobService)
	verificationHandler := handlers.NewVerificationHandler(verificationService)

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(log)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(log)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		ServiceName:         "synapsemodel",
		AllowOrigins:        splitOrigins(utils.GetEnv("CORS_ALLOW_ORIGINS", "", log)),
		AuthMiddleware:      authMiddleware,
		RateLimit:           rateLimitMiddleware,
		HealthHandler:       healthHandler,
		JobsHandler:         jobsHandler,
		VerificationHandler: verificationHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server failed", "error", err)
	}

	pool.Stop()
	if otelShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}
