package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OUTFLEET_DATABASE_URL", "postgres://localhost/outfleet")
	t.Setenv("OUTFLEET_JWT_SECRET", "jwt")
	t.Setenv("OUTFLEET_INTERNAL_SECRET", "internal")
	t.Setenv("OUTFLEET_ADMIN_SECRET", "admin")
	t.Setenv("OUTFLEET_GATEWAY_URL", "wss://gw.example/tunnel")
}

func TestLoadFromEnvDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv returned err: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.HealthInterval != 30*time.Second || cfg.HealthProbeTimeout != 5*time.Second {
		t.Fatalf("health defaults wrong: %+v", cfg)
	}
	if cfg.DegradedThresholdMS != 750 {
		t.Fatalf("threshold = %d", cfg.DegradedThresholdMS)
	}
	if cfg.SessionTTL != 900*time.Second || cfg.MaxStreams != 3 {
		t.Fatalf("session defaults wrong: %+v", cfg)
	}
	if cfg.NodeLauncher != "none" {
		t.Fatalf("launcher = %q", cfg.NodeLauncher)
	}
}

func TestLoadFromEnvRequiredFields(t *testing.T) {
	keys := []string{
		"OUTFLEET_DATABASE_URL",
		"OUTFLEET_JWT_SECRET",
		"OUTFLEET_INTERNAL_SECRET",
		"OUTFLEET_ADMIN_SECRET",
		"OUTFLEET_GATEWAY_URL",
	}
	for _, missing := range keys {
		t.Run(missing, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(missing, "")
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), missing) {
				t.Fatalf("expected error naming %s, got %v", missing, err)
			}
		})
	}
}

func TestLoadFromEnvNegativeIntervalDisables(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OUTFLEET_HEALTH_INTERVAL_SECONDS", "-1")
	t.Setenv("OUTFLEET_SESSION_SWEEP_SECONDS", "0")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv returned err: %v", err)
	}
	if cfg.HealthInterval >= 0 && cfg.HealthInterval != -1*time.Second {
		t.Fatalf("health interval = %s", cfg.HealthInterval)
	}
	if cfg.SessionSweepInterval != 0 {
		t.Fatalf("sweep interval = %s", cfg.SessionSweepInterval)
	}
}

func TestLoadFromEnvLauncherValidation(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OUTFLEET_NODE_LAUNCHER", "azure")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for unknown launcher")
	}

	t.Setenv("OUTFLEET_NODE_LAUNCHER", "aws")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for aws launcher without AMI map")
	}

	t.Setenv("OUTFLEET_AWS_AMI_MAP", "us-east-1=ami-111, eu-west-1=ami-222")
	t.Setenv("OUTFLEET_AWS_SECURITY_GROUP_IDS", "sg-1, sg-2")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv returned err: %v", err)
	}
	if cfg.AWSAMIMap["eu-west-1"] != "ami-222" {
		t.Fatalf("ami map = %+v", cfg.AWSAMIMap)
	}
	if len(cfg.AWSSecurityIDs) != 2 || cfg.AWSSecurityIDs[1] != "sg-2" {
		t.Fatalf("security ids = %+v", cfg.AWSSecurityIDs)
	}
}
