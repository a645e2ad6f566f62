package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr  string
	DatabaseURL string

	JWTSecret      string
	InternalSecret string
	AdminSecret    string

	DefaultPool string

	HealthInterval      time.Duration
	HealthProbeTimeout  time.Duration
	DegradedThresholdMS int

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	GatewayURL           string
	MaxStreams           int

	NodeLauncher    string
	AWSAMIMap       map[string]string
	AWSInstanceType string
	AWSSubnetID     string
	AWSSecurityIDs  []string
	AWSKeyName      string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:  envOrDefault("OUTFLEET_LISTEN_ADDR", ":8080"),
		DatabaseURL: os.Getenv("OUTFLEET_DATABASE_URL"),

		JWTSecret:      os.Getenv("OUTFLEET_JWT_SECRET"),
		InternalSecret: os.Getenv("OUTFLEET_INTERNAL_SECRET"),
		AdminSecret:    os.Getenv("OUTFLEET_ADMIN_SECRET"),

		DefaultPool: os.Getenv("OUTFLEET_DEFAULT_POOL"),

		HealthInterval:      time.Duration(intEnv("OUTFLEET_HEALTH_INTERVAL_SECONDS", 30)) * time.Second,
		HealthProbeTimeout:  time.Duration(positiveIntEnv("OUTFLEET_HEALTH_TIMEOUT_SECONDS", 5)) * time.Second,
		DegradedThresholdMS: positiveIntEnv("OUTFLEET_HEALTH_DEGRADED_THRESHOLD_MS", 750),

		SessionTTL:           time.Duration(positiveIntEnv("OUTFLEET_SESSION_TTL_SECONDS", 900)) * time.Second,
		SessionSweepInterval: time.Duration(intEnv("OUTFLEET_SESSION_SWEEP_SECONDS", 300)) * time.Second,
		GatewayURL:           os.Getenv("OUTFLEET_GATEWAY_URL"),
		MaxStreams:           positiveIntEnv("OUTFLEET_MAX_STREAMS", 3),

		NodeLauncher:    envOrDefault("OUTFLEET_NODE_LAUNCHER", "none"),
		AWSAMIMap:       parseKVMap(os.Getenv("OUTFLEET_AWS_AMI_MAP")),
		AWSInstanceType: envOrDefault("OUTFLEET_AWS_INSTANCE_TYPE", "t4g.small"),
		AWSSubnetID:     os.Getenv("OUTFLEET_AWS_SUBNET_ID"),
		AWSSecurityIDs:  splitCSV(os.Getenv("OUTFLEET_AWS_SECURITY_GROUP_IDS")),
		AWSKeyName:      os.Getenv("OUTFLEET_AWS_KEY_NAME"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("OUTFLEET_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("OUTFLEET_JWT_SECRET is required")
	}
	if cfg.InternalSecret == "" {
		return Config{}, fmt.Errorf("OUTFLEET_INTERNAL_SECRET is required")
	}
	if cfg.AdminSecret == "" {
		return Config{}, fmt.Errorf("OUTFLEET_ADMIN_SECRET is required")
	}
	if cfg.GatewayURL == "" {
		return Config{}, fmt.Errorf("OUTFLEET_GATEWAY_URL is required")
	}
	switch cfg.NodeLauncher {
	case "none", "fake", "aws":
	default:
		return Config{}, fmt.Errorf("OUTFLEET_NODE_LAUNCHER must be one of none|fake|aws")
	}
	if cfg.NodeLauncher == "aws" && len(cfg.AWSAMIMap) == 0 {
		return Config{}, fmt.Errorf("OUTFLEET_AWS_AMI_MAP is required for aws node launcher")
	}
	return cfg, nil
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

// intEnv allows zero and negative values, used for intervals where <= 0
// means disabled.
func intEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return d
	}
	return n
}

func positiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseKVMap(v string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(v) == "" {
		return out
	}
	pairs := strings.Split(v, ",")
	for _, p := range pairs {
		parts := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(parts) != 2 {
			continue
		}
		k := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if k != "" && val != "" {
			out[k] = val
		}
	}
	return out
}
