// Package app provides application lifecycle management for the annotation service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/partonomy/annotator/internal/config"
	"github.com/partonomy/annotator/internal/coordinator"
)

// AnnotatorApp encapsulates all components needed to run the annotation API server
// It provides lifecycle management and graceful shutdown capabilities
type AnnotatorApp struct {
	config     *config.Config
	components *AppComponents
	httpServer *http.Server

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
}

// Start publishes the work queue and then serves HTTP.
// This method blocks until the HTTP server stops or encounters an error
func (app *AnnotatorApp) Start() error {
	n, err := app.components.Coordinator.Initialize(app.ctx)
	switch {
	case err == nil:
		slog.Info("Work queue published", "queue_length", n)
	case errors.Is(err, coordinator.ErrConflict):
		// another instance holds the queue and state locks and is publishing
		slog.Warn("Skipped queue initialization, another instance is initializing", "error", err)
	default:
		return fmt.Errorf("failed to initialize annotation state: %w", err)
	}

	slog.Info("Server listening", "address", app.httpServer.Addr)
	if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Stop gracefully stops the application with the given timeout
// It shuts down the HTTP server and then releases the shared store
func (app *AnnotatorApp) Stop(timeout time.Duration) error {
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := app.httpServer.Shutdown(shutdownCtx)

	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *AnnotatorApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing to get the actual port)
func (app *AnnotatorApp) GetHTTPServer() *http.Server {
	return app.httpServer
}
