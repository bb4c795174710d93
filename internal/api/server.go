package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/finsec/kyt/internal/auth"
	"github.com/finsec/kyt/internal/config"
	"github.com/finsec/kyt/internal/inference"
	"github.com/finsec/kyt/internal/moderation"
	"github.com/finsec/kyt/internal/pipeline"
	"github.com/finsec/kyt/internal/queue"
	"github.com/finsec/kyt/internal/sanctions"
	"github.com/finsec/kyt/internal/scheduler"
	"github.com/finsec/kyt/internal/store"
)

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	store  *store.Store
	queue  *queue.Queue
	http   *http.Server
	logger *slog.Logger

	authService *auth.Service
	userStore   auth.UserStore

	scheduler      *scheduler.Scheduler
	schedulerStore scheduler.Store

	worker *queue.Worker
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing queue: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		store:  st,
		queue:  q,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.userStore = auth.NewPostgresUserStore(st.DB())
	s.authService = auth.NewService(auth.Config{
		JWTSecret:          cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
	}, s.userStore)

	s.schedulerStore = scheduler.NewPostgresStore(st.DB())
	s.scheduler = scheduler.NewScheduler(s.schedulerStore, s.logger)

	generator := inference.NewClient(inference.Config{
		Endpoint:  cfg.Inference.Endpoint,
		APIKey:    cfg.Inference.APIKey,
		Timeout:   cfg.Inference.Timeout,
		MaxTokens: cfg.Inference.MaxTokens,
	})
	directory := sanctions.NewClient(sanctions.Config{
		Endpoint:            cfg.Sanctions.Endpoint,
		APIKey:              cfg.Sanctions.APIKey,
		Timeout:             cfg.Sanctions.Timeout,
		SimilarityThreshold: cfg.Sanctions.SimilarityThreshold,
		CacheTTL:            cfg.Sanctions.CacheTTL,
	}, q.Client())
	screener := moderation.NewClient(moderation.Config{
		Endpoint: cfg.Moderation.Endpoint,
		APIKey:   cfg.Moderation.APIKey,
		Timeout:  cfg.Moderation.Timeout,
	})

	runner := pipeline.NewRunner(generator, directory, screener, st, pipeline.Config{
		WindowSize:     cfg.Pipeline.WindowSize,
		Concurrency:    cfg.Pipeline.Concurrency,
		MaxRetries:     cfg.Pipeline.MaxRetries,
		RetryBaseDelay: cfg.Pipeline.RetryBaseDelay,
		CallTimeout:    cfg.Pipeline.CallTimeout,
	}, s.logger)

	s.worker = queue.NewWorker(queue.WorkerConfig{
		Queue:  q,
		Store:  st,
		Runner: runner,
		Logger: s.logger,
	})

	s.registerSchedulerHandlers()
	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

func (s *Server) registerSchedulerHandlers() {
	handlers := &scheduler.DefaultHandlers{
		// A recurring audit re-runs the batch of a previous run on a cron
		// schedule, so a desk can re-screen positions against updated lists.
		AuditFunc: func(ctx context.Context, batchRef string, _ map[string]string) error {
			sourceID, err := uuid.Parse(batchRef)
			if err != nil {
				return fmt.Errorf("invalid batch_ref %q: %w", batchRef, err)
			}
			return s.enqueueReaudit(ctx, sourceID)
		},
		CleanupFunc: func(ctx context.Context, olderThan time.Duration) error {
			cutoff := time.Now().Add(-olderThan)
			deleted, err := s.store.DeleteRunsOlderThan(ctx, cutoff)
			if err != nil {
				return err
			}
			pruned, err := s.schedulerStore.PruneExecutions(ctx, cutoff)
			if err != nil {
				return err
			}
			s.logger.Info("retention purge", "runs_deleted", deleted, "executions_pruned", pruned)
			return nil
		},
		SweepFunc: func(ctx context.Context) error {
			_, err := s.queue.CleanupStaleJobs(ctx, 15*time.Minute)
			return err
		},
	}
	handlers.Register(s.scheduler)
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Post("/auth/logout", s.logout)
			r.Get("/auth/me", s.getCurrentUser)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Get("/users", s.listUsers)
				r.Post("/users", s.createUser)
			})

			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.listRuns)
				r.With(auth.RequireRole(auth.RoleAdmin, auth.RoleAnalyst)).Post("/", s.submitRun)
				r.Get("/{runID}", s.getRun)
				r.Get("/{runID}/progress", s.getRunProgress)
				r.Get("/{runID}/result", s.getResult)
				r.Get("/{runID}/audit", s.getAuditTrail)
				r.Get("/{runID}/report.pdf", s.exportReportPDF)
				r.With(auth.RequireRole(auth.RoleAdmin, auth.RoleAnalyst)).Post("/{runID}/reaudit", s.reaudit)
			})

			r.Route("/queue", func(r chi.Router) {
				r.Get("/stats", s.getQueueStats)
				r.Get("/workers", s.getActiveWorkers)
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Get("/", s.listScheduledJobs)
				r.Post("/", s.createScheduledJob)
				r.Get("/{jobID}", s.getScheduledJob)
				r.Put("/{jobID}", s.updateScheduledJob)
				r.Delete("/{jobID}", s.deleteScheduledJob)
				r.Post("/{jobID}/run", s.runScheduledJobNow)
				r.Get("/{jobID}/executions", s.getJobExecutions)
			})
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	if err := s.scheduler.Start(ctx); err != nil {
		s.logger.Error("failed to start scheduler", "error", err)
	}

	if err := s.worker.Start(ctx); err != nil {
		s.logger.Error("failed to start worker", "error", err)
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.scheduler.Stop()
		s.worker.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
