package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the context router.
type Config struct {
	Port      int
	Version   string
	Admin     AdminConfig
	Loop      LoopConfig
	Delivery  DeliveryConfig
	Audit     AuditConfig
	Telemetry TelemetryConfig
}

type AdminConfig struct {
	// Shared secret for the admin dashboard login.
	Password string
}

type LoopConfig struct {
	MaxPerMinute   int
	DefaultDelayMs int
	BurstDelayMs   int
}

type DeliveryConfig struct {
	MaxRetries  int
	BaseDelayMs int
}

type AuditConfig struct {
	SQLitePath string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	defaultDelay := envInt("LOOP_DELAY_DEFAULT_MS", 2000)
	return &Config{
		Port:    envInt("PORT", 8787),
		Version: envStr("ROUTER_VERSION", "0.2.0"),
		Admin: AdminConfig{
			Password: envStr("ADMIN_PASSWORD", ""),
		},
		Loop: LoopConfig{
			MaxPerMinute:   envInt("LOOP_MAX_PER_MINUTE", 6),
			DefaultDelayMs: defaultDelay,
			BurstDelayMs:   envInt("LOOP_DELAY_BURST_MS", defaultDelay),
		},
		Delivery: DeliveryConfig{
			MaxRetries:  envInt("DELIVERY_MAX_RETRIES", 3),
			BaseDelayMs: envInt("DELIVERY_BASE_DELAY_MS", 1000),
		},
		Audit: AuditConfig{
			SQLitePath: envStr("SQLITE_PATH", "router.db"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "context-router"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
