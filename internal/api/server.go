package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves the intake, review, template and rule endpoints.
type Server struct {
	router *chi.Mux
	server *http.Server
}

// NewServer wires the routes. The listener is not opened until Start.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))
	router.Use(BodyLimitMiddleware(cfg.MaxBodyBytes))

	mount(router, NewHandler(deps, version), deps.MetricsPath)

	return &Server{
		router: router,
		server: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

func mount(router chi.Router, h *Handler, metricsPath string) {
	// Probes and metrics need no tenant
	router.Get("/health", h.Health)
	router.Get("/ready", h.Ready)
	if metricsPath != "" {
		router.Handle(metricsPath, promhttp.Handler())
	}

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Route("/emails", func(r chi.Router) {
			r.Post("/", h.IngestEmail)
			r.Get("/{id}", h.GetEmail)
		})

		r.Route("/transactions/{id}", func(r chi.Router) {
			r.Get("/", h.GetTransaction)
			r.Post("/corrections", h.CreateCorrection)
		})

		r.Route("/reviews", func(r chi.Router) {
			r.Get("/", h.ListReviews)
			r.Get("/{id}", h.GetReview)
			r.Post("/{id}/approve", h.ApproveReview)
			r.Post("/{id}/reject", h.RejectReview)
			r.Post("/{id}/correct", h.CorrectReview)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", h.ListTemplates)
			r.Post("/", h.CreateTemplate)
			r.Get("/{id}", h.GetTemplate)
			r.Put("/{id}", h.UpdateTemplate)
			r.Delete("/{id}", h.DeleteTemplate)
			r.Get("/{id}/improvements", h.ListImprovements)
			r.Get("/{id}/corrections", h.ListCorrections)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Post("/reload", h.ReloadRules)
		})
	})
}

// Start listens until Shutdown; it then returns http.ErrServerClosed.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the routes for httptest.
func (s *Server) Router() *chi.Mux {
	return s.router
}
