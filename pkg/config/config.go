// Package config loads process configuration from the environment once at
// startup. The resulting Config is read-only and shared by every component.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingRelayURL is returned by Load when AO_RELAY_URL is unset.
var ErrMissingRelayURL = errors.New("config: AO_RELAY_URL is required")

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Relay
	RelayURL    string
	RelayAPIKey string

	// Admin
	AdminSecret      string
	ProcessID        string
	BridgeURL        string
	AdminTokenSecret string
	SignatureWindow  time.Duration

	// HTTP
	CORSOrigins string
	PolicyFile  string

	// AuditDSN adds a SQL audit sink (postgres:// URL or SQLite path).
	AuditDSN string

	// Rate limiting
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RateLimitRPM   int
	RateLimitBurst int

	// Telemetry
	OTelEnabled  bool
	OTelEndpoint string
	OTelInsecure bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	relayURL := strings.TrimSpace(os.Getenv("AO_RELAY_URL"))
	if relayURL == "" {
		return nil, ErrMissingRelayURL
	}
	if _, err := url.ParseRequestURI(relayURL); err != nil {
		return nil, fmt.Errorf("config: invalid AO_RELAY_URL: %w", err)
	}

	port := envOr("PORT", "8080")

	cfg := &Config{
		Port:             port,
		LogLevel:         strings.ToUpper(envOr("LOG_LEVEL", "INFO")),
		RelayURL:         relayURL,
		RelayAPIKey:      os.Getenv("AO_RELAY_API_KEY"),
		AdminSecret:      os.Getenv("AO_ADMIN_SECRET"),
		ProcessID:        os.Getenv("AO_PROCESS_ID"),
		BridgeURL:        envOr("BRIDGE_URL", "http://127.0.0.1:"+port+"/api/ao"),
		AdminTokenSecret: os.Getenv("ADMIN_TOKEN_SECRET"),
		CORSOrigins:      os.Getenv("CORS_ORIGINS"),
		PolicyFile:       os.Getenv("POLICY_FILE"),
		AuditDSN:         os.Getenv("AUDIT_DSN"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		OTelEndpoint:     envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:      os.Getenv("OTEL_ENABLED") == "true",
		OTelInsecure:     os.Getenv("OTEL_INSECURE") != "false",
	}

	var err error
	if cfg.SignatureWindow, err = envDuration("SIGNATURE_WINDOW", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPM, err = envInt("RATE_LIMIT_RPM", 120); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = envInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SlogLevel maps LogLevel to a slog level. Unknown values fall back to INFO.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("config: %s must be a non-negative integer, got %q", key, raw)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive duration, got %q", key, raw)
	}
	return d, nil
}
