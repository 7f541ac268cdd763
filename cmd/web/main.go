package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cohort-dashboard/internal/config"
	"cohort-dashboard/internal/llm"
	"cohort-dashboard/internal/middleware"
	"cohort-dashboard/internal/observability"
	"cohort-dashboard/internal/server"
	"cohort-dashboard/internal/services"
	"cohort-dashboard/internal/ui/templates"
)

const (
	renderTimeout  = 10 * time.Second
	preloadTimeout = 30 * time.Second
)

func newDashboardHandler(cohorts *services.Cohorts) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), renderTimeout)
		defer cancel()

		analysis, _ := cohorts.Current()

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if err := templates.Dashboard(analysis, r.URL.Query().Get("error")).Render(ctx, w); err != nil {
			http.Error(w, "render error", http.StatusInternalServerError)
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logger)
	slog.SetDefault(logger)

	logger.Info("starting application",
		"version", "1.0.0",
		"config", cfg,
	)

	groq := llm.NewClient(llm.Config{
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		Endpoint: cfg.LLM.Endpoint,
		Timeout:  cfg.LLM.Timeout,
	}, logger)

	cohorts := services.NewCohorts(groq, services.Options{
		Sheet:               cfg.Upload.Sheet,
		CommentaryPerMinute: cfg.LLM.RequestsPerMinute,
	}, logger)

	if cfg.Upload.PreloadFile != "" {
		preload(cohorts, cfg.Upload.PreloadFile, logger)
	}

	templateHandlers := &server.TemplateHandlers{
		Dashboard: newDashboardHandler(cohorts),
	}

	srv := server.NewServer(cohorts, logger, cfg.Upload.MaxBytes, templateHandlers)

	rateLimiter := middleware.NewRateLimiter(cfg.Security)

	middlewareChain := middleware.Chain(
		middleware.Recovery(logger),
		middleware.RequestID(),
		middleware.Logger(logger),
		middleware.Tracing(logger),
		middleware.SecurityHeaders(),
		middleware.CORS(cfg.Security),
		middleware.TrustedProxy(cfg.Security),
		middleware.RateLimit(rateLimiter, logger),
	)

	handler := middlewareChain(srv)

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	gracefulServer := server.NewGracefulServer(httpServer, logger, cfg.Server)

	gracefulServer.RegisterShutdownHook(func(ctx context.Context) error {
		logger.Info("shutting down cohort service", "stats", cohorts.Stats())
		return nil
	})

	if err := gracefulServer.ListenAndServe(); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("application stopped gracefully")
}

// preload analyses a file from disk at startup. A bad file is logged and the
// dashboard starts empty.
func preload(cohorts *services.Cohorts, path string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), preloadTimeout)
	defer cancel()

	start := time.Now()
	analysis, err := cohorts.LoadFile(ctx, path)
	if err != nil {
		logger.Error("failed to preload cohort data", "file", path, "error", err)
		return
	}
	logger.Info("cohort data preloaded",
		"file", path,
		"analysis_id", analysis.ID,
		"duration", time.Since(start),
	)
}
