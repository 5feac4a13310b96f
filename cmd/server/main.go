// Dr Prepper - guided health-visit preparation server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/drprepper/drprepper/internal/api"
	"github.com/drprepper/drprepper/internal/assistant"
	"github.com/drprepper/drprepper/internal/config"
	"github.com/drprepper/drprepper/internal/flow"
	"github.com/drprepper/drprepper/internal/identity"
	"github.com/drprepper/drprepper/internal/middleware"
	"github.com/drprepper/drprepper/internal/search"
	"github.com/drprepper/drprepper/internal/store"
	"github.com/drprepper/drprepper/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	// Missing API keys are fatal here, before any session logic runs.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Remote collaborators.
	assistantClient := assistant.NewClient(assistant.ClientConfig{
		BaseURL: cfg.OpenAIBase,
		APIKey:  cfg.OpenAIAPIKey,
	})
	searchClient := search.NewClient(cfg.SerpAPIBase, cfg.SerpAPIKey)

	poller := assistant.NewPoller(assistantClient, assistant.PollerConfig{
		Interval: cfg.PollInterval,
		Timeout:  cfg.RunTimeout,
	}, logger)
	poller.RegisterTool("search_google", search.Tool(searchClient, logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Live event fan-out and the orchestrator that feeds it.
	eventHub := api.NewEventHub()
	orchestrator := flow.NewOrchestrator(poller, assistantClient, cfg.AssistantIDs, eventHub, logger)

	// Handlers.
	sessionHandler := api.NewSessionHandler(ctx, repo, orchestrator, cfg)
	healthHandler := api.NewHealthHandler(repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)

	// WebSocket endpoint for run-status and transcript events.
	r.Get("/ws/events", eventHub.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Create server.
	// Note: assistant runs can take up to the full poll budget, so the write
	// timeout must exceed RunTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RunTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start TTL worker.
	store.StartTTLWorker(ctx, repo, cfg.SessionTTL)
	slog.Info("TTL worker started", "session_ttl", cfg.SessionTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
