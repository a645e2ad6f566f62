package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/outfleet/outline-control-plane/internal/api"
	"github.com/outfleet/outline-control-plane/internal/assign"
	"github.com/outfleet/outline-control-plane/internal/auth"
	"github.com/outfleet/outline-control-plane/internal/config"
	"github.com/outfleet/outline-control-plane/internal/fleet"
	"github.com/outfleet/outline-control-plane/internal/health"
	"github.com/outfleet/outline-control-plane/internal/outline"
	"github.com/outfleet/outline-control-plane/internal/provision"
	"github.com/outfleet/outline-control-plane/internal/selector"
	"github.com/outfleet/outline-control-plane/internal/session"
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

	probeClients := outline.Factory(func(apiURL, apiKey string) outline.API {
		return outline.NewClient(apiURL, apiKey, cfg.HealthProbeTimeout, nil)
	})
	provisionClients := outline.Factory(func(apiURL, apiKey string) outline.API {
		return outline.NewClient(apiURL, apiKey, 10*time.Second, nil)
	})

	monitor := health.NewMonitor(st, probeClients, cfg.HealthInterval, cfg.DegradedThresholdMS)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitor.Run(ctx)
	}()

	provisioner := provision.New(st, provisionClients)
	assigner := assign.New(selector.New(st), provisioner)

	tokens := session.NewMemoryStore()
	go tokens.Sweep(ctx, cfg.SessionSweepInterval)
	issuer := session.NewIssuer(
		auth.NewTokenValidator(cfg.JWTSecret),
		assigner,
		tokens,
		cfg.SessionTTL,
		cfg.GatewayURL,
		cfg.MaxStreams,
		cfg.DefaultPool,
	)

	var launcher fleet.Launcher
	switch cfg.NodeLauncher {
	case "aws":
		ec2Launcher, err := fleet.NewEC2Launcher(fleet.EC2LauncherOptions{
			AMIByRegion:   cfg.AWSAMIMap,
			InstanceType:  cfg.AWSInstanceType,
			SubnetID:      cfg.AWSSubnetID,
			SecurityGroup: cfg.AWSSecurityIDs,
			KeyName:       cfg.AWSKeyName,
		})
		if err != nil {
			log.Fatalf("init ec2 launcher: %v", err)
		}
		launcher = ec2Launcher
	case "fake":
		launcher = fleet.NewFakeLauncher()
	}

	handler := api.NewRouter(cfg, st, assigner, provisioner, monitor, issuer, launcher)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Node launches may take minutes before the handler writes a response.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("outline-control-plane listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}

	// Give the monitor a bounded window to finish an in-flight cycle.
	select {
	case <-monitorDone:
	case <-time.After(10 * time.Second):
		log.Printf("event=monitor_drain_timeout")
	}
}
