// Command ocrbase-api runs the document OCR and extraction API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocrbase/ocrbase/internal/bus"
	"github.com/ocrbase/ocrbase/internal/config"
	"github.com/ocrbase/ocrbase/internal/database"
	"github.com/ocrbase/ocrbase/internal/http/handlers"
	"github.com/ocrbase/ocrbase/internal/http/mw"
	"github.com/ocrbase/ocrbase/internal/logging"
	"github.com/ocrbase/ocrbase/internal/queue"
	"github.com/ocrbase/ocrbase/internal/repository"
	"github.com/ocrbase/ocrbase/internal/service"
	"github.com/ocrbase/ocrbase/internal/version"
	"github.com/ocrbase/ocrbase/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger := logging.Setup()
	logger.Info("starting ocrbase-api", "version", version.Get().Version)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := database.Open(cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repositories.
	jobRepo := repository.NewJobRepository(db)
	schemaRepo := repository.NewSchemaRepository(db)
	keyRepo := repository.NewAPIKeyRepository(db)

	// Jobs stuck in flight from a previous crash fail now rather than
	// lingering as phantom work.
	if n, err := jobRepo.MarkStaleProcessingFailed(ctx, 2*cfg.AttemptTimeout); err != nil {
		logger.Warn("sweeping stale jobs failed", "error", err)
	} else if n > 0 {
		logger.Warn("failed stale in-flight jobs from previous run", "count", n)
	}

	// Collaborators and services.
	storage, err := service.NewStorageService(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	ocrClient := service.NewOCRClient(cfg, logger)
	llmClient := service.NewLLMClient(cfg, logger)
	authSvc := service.NewAuthService(keyRepo, logger)
	schemaSvc := service.NewSchemaService(schemaRepo, llmClient, logger)

	eventBus := bus.New(logger)
	registry := bus.NewRegistry(eventBus)

	workQueue := queue.New(db, queue.Options{
		MaxAttempts:   cfg.MaxAttempts,
		LeaseDuration: cfg.LeaseDuration,
	}, logger)

	submissionSvc := service.NewSubmissionService(jobRepo, storage, workQueue, schemaSvc, cfg, logger)
	cleanupSvc := service.NewCleanupService(jobRepo, storage, cfg, logger)

	pool := worker.New(jobRepo, workQueue, storage, ocrClient, llmClient, schemaSvc, eventBus, cfg, logger)
	workQueue.OnTerminalFailure(pool.HandleTerminalFailure)
	pool.Start()
	defer pool.Stop()

	go cleanupSvc.Run(ctx)

	// HTTP surface.
	h := handlers.New(cfg, jobRepo, submissionSvc, schemaSvc, registry, logger)
	health := handlers.NewHealthHandler(db)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(cfg.MaxUploadBytes + (1 << 20)))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(httprate.LimitByIP(300, time.Minute))

	// Unauthenticated surface.
	r.Get("/healthz", health.Live)
	r.Get("/readyz", health.Ready)
	r.Get("/v1/health", health.Health)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated surface.
	r.Group(func(r chi.Router) {
		r.Use(mw.Auth(authSvc, cfg.SessionSigningKey()))

		humaCfg := huma.DefaultConfig("ocrbase API", version.Get().Version)
		humaCfg.Info.Description = "Asynchronous document OCR and structured extraction."
		api := humachi.New(r, humaCfg)

		h.RegisterJobs(api)
		h.RegisterUploads(api)
		h.RegisterSchemas(api)

		// Multipart and streaming endpoints stay raw chi.
		r.Post("/v1/parse", h.SubmitParse)
		r.Post("/v1/extract", h.SubmitExtract)
		r.Get("/v1/realtime", h.Realtime)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// No blanket write timeout: realtime streams manage their own
		// deadlines via the response controller.
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	return nil
}
