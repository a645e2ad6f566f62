// The monitor command runs the node health-check loop on its own, for
// deployments that keep the probing workload off the API tier.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/outfleet/outline-control-plane/internal/config"
	"github.com/outfleet/outline-control-plane/internal/health"
	"github.com/outfleet/outline-control-plane/internal/outline"
	"github.com/outfleet/outline-control-plane/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	st := store.New(pool)
	clients := outline.Factory(func(apiURL, apiKey string) outline.API {
		return outline.NewClient(apiURL, apiKey, cfg.HealthProbeTimeout, nil)
	})

	monitor := health.NewMonitor(st, clients, cfg.HealthInterval, cfg.DegradedThresholdMS)

	log.Printf("outline health monitor started interval=%s", cfg.HealthInterval)
	monitor.Run(ctx)
	log.Printf("outline health monitor stopped")
}
