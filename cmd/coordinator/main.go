// Command coordinator runs the polyglot persistence coordination service:
// one HTTP surface in front of the relational, document, vector, graph, and
// embedded stores.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"polystore-backend/internal/config"
	"polystore-backend/internal/di"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Build the component graph
	container, err := di.NewContainer(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}
	if err := container.Validate(); err != nil {
		log.Fatalf("Container validation failed: %v", err)
	}

	// Connect the fleet and start availability polling
	if err := container.Start(ctx); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	// Start server in goroutine
	go func() {
		container.Logger.Info("starting http server",
			zap.String("address", container.Server.Addr),
			zap.String("environment", string(cfg.Environment)))
		if err := container.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			container.Logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	// Graceful shutdown; the container drains the server before stopping
	// the pipeline and closing the stores.
	container.Logger.Info("shutting down")
	cancel()

	if err := container.Shutdown(); err != nil {
		container.Logger.Error("shutdown finished with errors", zap.Error(err))
	}
	_ = container.Logger.Sync()
	log.Println("coordinator stopped")
}
