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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/irfndi/coin-rag/internal/api"
	"github.com/irfndi/coin-rag/internal/api/handlers"
	"github.com/irfndi/coin-rag/internal/app"
	"github.com/irfndi/coin-rag/internal/config"
	"github.com/irfndi/coin-rag/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize telemetry first
	if err := telemetry.InitTelemetry(app.TelemetryConfig(cfg)); err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to shutdown telemetry: %v\n", err)
		}
	}()

	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer a.Close()

	if cfg.Server.RebuildOnStart {
		if _, err := a.Service.Build(ctx); err != nil {
			// The first request to /rag/build can still succeed once inputs land.
			a.Logger.WithError(err).Warn("Initial index build failed")
		}
	}

	srv := newHTTPServer(cfg, a)

	go func() {
		a.Logger.LogStartup(cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	a.Logger.LogShutdown(cfg.Telemetry.ServiceName, "signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Duration(cfg.Server.ShutdownTimeout, 30*time.Second))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// newHTTPServer mounts the RAG routes on a server with the configured timeouts.
func newHTTPServer(cfg *config.Config, a *app.App) *http.Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := api.NewRouter(api.RouterDeps{
		ServiceName: cfg.Telemetry.ServiceName,
		Rag:         handlers.NewRagHandler(a.Service, a.Logrus),
		Health:      handlers.NewHealthHandler(a.Service.Current, a.HealthChecks(), cfg.Telemetry.ServiceVersion),
		Metrics:     a.Metrics,
		Logger:      a.Logger,
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       config.Duration(cfg.Server.ReadTimeout, 10*time.Second),
		WriteTimeout:      config.Duration(cfg.Server.WriteTimeout, 30*time.Second),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
