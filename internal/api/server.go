// Package api exposes the Merlin HTTP surface: transaction intake, the
// alert ledger, dashboard statistics and the live alert stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/metrics"
	"github.com/opensource-finance/merlin/internal/realtime"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. cache, bus and hub may be nil.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, evaluator Evaluator, hub *realtime.Hub, version string) *Server {
	handler := NewHandler(repo, cache, bus, evaluator, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(metrics.Middleware)
	router.Use(middleware.RealIP)
	router.Use(BodyLimitMiddleware(cfg.MaxBodyBytes))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	if hub != nil {
		router.Get("/ws", hub.HandleWebSocket)
		handler.RegisterComponent("realtime", func() any { return hub.Stats() })
	}

	router.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))

		r.Post("/transactions", handler.EvaluateTransaction)
		r.Post("/transactions/batch", handler.EvaluateBatch)
		r.Get("/transactions/{id}", handler.GetTransaction)
		r.Get("/transactions/{id}/related", handler.RelatedTransactions)

		r.Get("/alerts", handler.ListAlerts)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Patch("/alerts/{id}", handler.UpdateAlert)

		r.Get("/stats", handler.Stats)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the API handler.
func (s *Server) Handler() *Handler {
	return s.handler
}
