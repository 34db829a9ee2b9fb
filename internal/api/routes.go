// Package api provides HTTP handlers and routing for the campaign engine.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health and telemetry
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Event intake
	api.HandleFunc("/events", s.handlers.IngestEvent).Methods("POST")

	// Workflow definitions
	api.HandleFunc("/workflows", s.handlers.CreateWorkflow).Methods("POST")
	api.HandleFunc("/workflows", s.handlers.ListWorkflows).Methods("GET")
	api.HandleFunc("/workflows/validate", s.handlers.ValidateWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}", s.handlers.GetWorkflow).Methods("GET")
	api.HandleFunc("/workflows/{id}/activate", s.handlers.ActivateWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}/pause", s.handlers.PauseWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}/archive", s.handlers.ArchiveWorkflow).Methods("POST")

	// Enrollments
	api.HandleFunc("/enrollments", s.handlers.ListEnrollments).Methods("GET")
	api.HandleFunc("/enrollments/{id}", s.handlers.GetEnrollment).Methods("GET")
	api.HandleFunc("/enrollments/{id}/cancel", s.handlers.CancelEnrollment).Methods("POST")
	api.HandleFunc("/enrollments/{id}/attempts", s.handlers.ListAttempts).Methods("GET")
	api.HandleFunc("/enrollments/{id}/attempts/stream", s.handlers.StreamAttempts).Methods("GET")

	// Store diagnostics
	api.HandleFunc("/store/info", s.handlers.StoreInfo).Methods("GET")

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
