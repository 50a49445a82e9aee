// Package api provides the HTTP API server for the orchestrator.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/appforge/orchestrator/internal/allocator"
	"github.com/appforge/orchestrator/internal/api/handlers"
	"github.com/appforge/orchestrator/internal/api/health"
	"github.com/appforge/orchestrator/internal/api/middleware"
	"github.com/appforge/orchestrator/internal/auth"
	"github.com/appforge/orchestrator/internal/chain"
	"github.com/appforge/orchestrator/internal/ledger"
	"github.com/appforge/orchestrator/internal/queue"
	"github.com/appforge/orchestrator/internal/store"
	"github.com/appforge/orchestrator/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	store         store.Store
	queue         queue.Queue
	chain         *chain.Service
	ledger        *ledger.Service
	allocator     *allocator.Allocator
	validator     *auth.Validator
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// Deps bundles the services the server exposes.
type Deps struct {
	Store     store.Store
	Queue     queue.Queue
	Chain     *chain.Service
	Ledger    *ledger.Service
	Allocator *allocator.Allocator
	Validator *auth.Validator
	// Pinger backs the health endpoint; usually the store's DB handle.
	Pinger health.Pinger
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:     deps.Store,
		queue:     deps.Queue,
		chain:     deps.Chain,
		ledger:    deps.Ledger,
		allocator: deps.Allocator,
		validator: deps.Validator,
		config:    cfg,
		logger:    logger,
	}
	s.healthChecker = health.NewChecker(deps.Pinger, Version)
	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// Health check endpoint (no auth required)
	r.Get("/health", s.healthChecker.Handler())

	authMiddleware := middleware.NewAuthMiddleware(s.validator, s.logger)

	chatHandler := handlers.NewChatHandler(s.chain, s.logger)
	buildHandler := handlers.NewBuildHandler(s.store, s.chain, s.logger)
	billingHandler := handlers.NewBillingHandler(s.ledger, s.logger)
	workerHandler := handlers.NewWorkerHandler(s.store, s.allocator, s.logger)
	jobHandler := handlers.NewJobHandler(s.queue, s.logger)

	r.Route("/v1", func(r chi.Router) {
		// User routes: chat, the staged chain, and billing reads.
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.RequireUser)

			r.Post("/chat", chatHandler.Send)

			r.Get("/projects/{projectID}/staged-builds", buildHandler.ListStaged)

			r.Route("/builds/{buildID}", func(r chi.Router) {
				r.Get("/", buildHandler.Get)
				r.Delete("/", buildHandler.DeleteStaged)
				r.Post("/retry", buildHandler.Retry)
				r.Post("/dismiss", buildHandler.Dismiss)
			})

			r.Get("/billing/credits", billingHandler.GetCredits)
		})

		// Service routes: workers, the pipeline, and the billing provider.
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.RequireService)

			r.Patch("/builds/{buildID}", buildHandler.UpdateStatus)

			r.Post("/billing/spend", billingHandler.Spend)
			r.Post("/billing/webhook", billingHandler.Webhook)

			r.Route("/workers", func(r chi.Router) {
				r.Post("/register", workerHandler.Register)
				r.Post("/{workerID}/heartbeat", workerHandler.Heartbeat)
				r.Post("/{workerID}/release", workerHandler.Release)
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/claim", jobHandler.Claim)
				r.Post("/{jobID}/heartbeat", jobHandler.Heartbeat)
				r.Post("/{jobID}/start", jobHandler.Start)
				r.Post("/{jobID}/complete", jobHandler.Complete)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Get("/cluster", workerHandler.Cluster)
				r.Get("/jobs/stats", jobHandler.Stats)
			})
		})
	})

	s.router = r
}

// Start starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
