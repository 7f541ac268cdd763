package server

import (
	"log/slog"
	"net/http"

	"cohort-dashboard/internal/handlers"
	"cohort-dashboard/internal/services"
)

type Server struct {
	cohorts     *services.Cohorts
	mux         *http.ServeMux
	logger      *slog.Logger
	apiHandlers *handlers.APIHandlers
	sseHandlers *handlers.SSEHandlers
}

type TemplateHandlers struct {
	Dashboard http.HandlerFunc
}

func NewServer(cohorts *services.Cohorts, logger *slog.Logger, maxUpload int64, templateHandlers *TemplateHandlers) *Server {
	s := &Server{
		cohorts:     cohorts,
		mux:         http.NewServeMux(),
		logger:      logger,
		apiHandlers: handlers.NewAPIHandlers(cohorts, logger, maxUpload),
		sseHandlers: handlers.NewSSEHandlers(cohorts, logger),
	}
	s.setupRoutes(templateHandlers)
	return s
}

func (s *Server) setupRoutes(templateHandlers *TemplateHandlers) {
	// Dashboard routes
	s.mux.HandleFunc("GET /{$}", templateHandlers.Dashboard)
	s.mux.HandleFunc("POST /upload", s.apiHandlers.HandleUploadForm)
	s.mux.HandleFunc("GET /heatmap.png", s.apiHandlers.HandleHeatmap)
	s.mux.HandleFunc("GET /health", s.apiHandlers.HandleHealth)
	s.mux.HandleFunc("GET /admin/stats", s.apiHandlers.HandleStats)

	// REST API endpoints
	s.mux.HandleFunc("POST /api/cohorts", s.apiHandlers.HandleUpload)
	s.mux.HandleFunc("GET /api/cohorts", s.apiHandlers.HandleCurrent)
	s.mux.HandleFunc("GET /api/summary", s.apiHandlers.HandleSummary)
	s.mux.HandleFunc("POST /api/commentary", s.apiHandlers.HandleCommentary)

	// Datastar SSE endpoints
	s.mux.HandleFunc("GET /sse/retention", s.sseHandlers.HandleRetention)
	s.mux.HandleFunc("GET /sse/summary", s.sseHandlers.HandleSummary)
	s.mux.HandleFunc("POST /sse/commentary", s.sseHandlers.HandleCommentary)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
