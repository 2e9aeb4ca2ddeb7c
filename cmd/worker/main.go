package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docucore/infrastructure/config"
	"docucore/infrastructure/di"

	"go.uber.org/zap"
)

// main runs the core's background maintenance as a standalone process: the
// listen manager's client eviction sweeper (spec §5's TTL reclaim) and the
// group manifest / dynamic config watchers, without the HTTP endpoint
// surface. A deployment that wants to scale sweeping independently of
// request handling runs this instead of cmd/server.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	container, err := di.InitializeContainer(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize container: %v", err)
	}

	container.Logger.Info("starting worker service",
		zap.String("environment", cfg.Environment),
		zap.Duration("client_ttl", time.Duration(cfg.Listen.ClientTTL)*time.Second),
	)

	go heartbeat(ctx, container.Logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	container.Logger.Info("shutting down worker service...")
	container.Shutdown()
	log.Println("worker service stopped")
}

// heartbeat logs a liveness tick so the sweeper's goroutine group is
// visible in logs even when no clients have expired recently.
func heartbeat(ctx context.Context, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Debug("worker heartbeat")
		}
	}
}
