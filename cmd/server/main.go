// livedeck - live presentation runtime server
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

	"github.com/ashureev/livedeck/internal/api"
	"github.com/ashureev/livedeck/internal/config"
	"github.com/ashureev/livedeck/internal/deck"
	"github.com/ashureev/livedeck/internal/execution"
	"github.com/ashureev/livedeck/internal/hub"
	"github.com/ashureev/livedeck/internal/identity"
	"github.com/ashureev/livedeck/internal/logging"
	"github.com/ashureev/livedeck/internal/metrics"
	"github.com/ashureev/livedeck/internal/middleware"
	"github.com/ashureev/livedeck/internal/navigation"
	"github.com/ashureev/livedeck/internal/recording"
	"github.com/ashureev/livedeck/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		slog.Error("Failed to initialize logging", "error", err)
		os.Exit(1)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	slog.Info("Starting server", "port", cfg.Port, "deck_path", cfg.DeckPath, "backend", cfg.Exec.Backend)

	d, err := deck.Load(cfg.DeckPath)
	if err != nil {
		slog.Error("Failed to load deck", "error", err, "path", cfg.DeckPath)
		os.Exit(1)
	}
	slog.Info("Deck loaded", "deck_id", d.ID, "slides", d.Len(), "fragments", d.TotalFragments())

	archive, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := archive.Close(); closeErr != nil {
			slog.Error("Failed to close archive", "error", closeErr)
		}
	}()
	if err := archive.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	runner, closeRunner, err := newRunner(cfg.Exec, logger.Logger)
	if err != nil {
		slog.Error("Failed to initialize execution backend", "error", err, "backend", cfg.Exec.Backend)
		os.Exit(1)
	}
	defer closeRunner()

	m := metrics.New()
	holder := deck.NewHolder(d)
	machine := navigation.NewMachine(d)
	recordings := recording.NewStore(recording.Limits{
		MaxRuns:  cfg.Recording.MaxRuns,
		MaxBytes: cfg.Recording.MaxBytes,
	}, logger.With("component", "recording"))

	engine := execution.NewEngine(holder, recordings, execution.Options{
		Runner:       runner,
		Interpreters: execution.DefaultInterpreters().Merge(cfg.Exec.Interpreters),
		WorkDir:      cfg.Exec.WorkDir,
		KillGrace:    cfg.Exec.KillGrace,
		Archiver:     archive,
		Metrics:      m,
		Logger:       logger.With("component", "execution"),
	})

	h := hub.New(holder, machine, engine, hub.Options{
		QueueSize:     cfg.Sync.ClientQueueSize,
		EventLogSize:  cfg.Sync.EventLogSize,
		EventLogBytes: cfg.Sync.EventLogBytes,
		Metrics:       m,
		Logger:        logger.With("component", "hub"),
	})
	engine.SetObserver(h)

	wsHandler := hub.NewWebSocketHandler(h, cfg.AllowedOrigin, logger.With("component", "websocket"))
	baseHandler := api.NewHandler(holder, h, engine, archive)
	presentationHandler := api.NewPresentationHandler(baseHandler)
	healthHandler := api.NewHealthHandler(archive, 5*time.Second)

	origins := middleware.ParseOrigins(cfg.AllowedOrigin)
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(origins))
	r.Use(identity.Middleware())

	healthHandler.RegisterHealth(r)
	presentationHandler.RegisterRoutes(r)
	r.Handle("/metrics", m.Handler())

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartRetentionWorker(ctx, archive, cfg.Archive.SweepInterval, cfg.Archive.KeepPerBlock)

	if cfg.WatchDeck {
		watcher := deck.NewWatcher(cfg.DeckPath, h.ReplaceDeck, logger.With("component", "deck"))
		go func() {
			if err := watcher.Run(ctx); err != nil {
				slog.Error("Deck watcher stopped", "error", err)
			}
		}()
	}

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

	// Views hold hijacked connections that Shutdown does not close.
	h.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := engine.Close(shutdownCtx); err != nil {
		slog.Error("Executions did not stop cleanly", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func newRunner(cfg config.ExecConfig, logger *slog.Logger) (execution.Runner, func(), error) {
	if cfg.Backend != config.BackendDocker {
		return execution.NewLocalRunner(), func() {}, nil
	}

	runner, err := execution.NewDockerRunner(cfg.DockerImage, cfg.DockerRuntime, logger.With("component", "docker"))
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runner.Ping(ctx); err != nil {
		_ = runner.Close()
		return nil, nil, err
	}
	slog.Info("Docker execution backend ready", "image", cfg.DockerImage, "runtime", cfg.DockerRuntime)
	return runner, func() { _ = runner.Close() }, nil
}
