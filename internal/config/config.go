// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage. DatabaseURL wins when both are set; with neither the
	// service runs on the in-memory store.
	DatabaseURL string
	SQLitePath  string

	// Escrow engine
	CustodyAgent        string // party id of the admin holding funds in trust
	AdminSecret         string // required from callers acting as the custody agent
	PaymentTimeout      time.Duration
	ConfirmationTimeout time.Duration
	SweepInterval       time.Duration
	MaxWriteAttempts    int

	// Listing catalog collaborator. Empty URL selects the in-memory catalog.
	ListingWebhookURL    string
	ListingWebhookSecret string

	RateLimitRPS int
	CORSOrigins  []string

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultPaymentTimeout      = 24 * time.Hour
	DefaultConfirmationTimeout = 24 * time.Hour
	DefaultSweepInterval       = 60 * time.Second
	DefaultMaxWriteAttempts    = 5
	DefaultRateLimit           = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		SQLitePath:           os.Getenv("SQLITE_PATH"),
		CustodyAgent:         strings.ToLower(strings.TrimSpace(os.Getenv("CUSTODY_AGENT"))),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		PaymentTimeout:       getEnvDuration("PAYMENT_TIMEOUT", DefaultPaymentTimeout),
		ConfirmationTimeout:  getEnvDuration("CONFIRMATION_TIMEOUT", DefaultConfirmationTimeout),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		MaxWriteAttempts:     int(getEnvInt64("MAX_WRITE_ATTEMPTS", DefaultMaxWriteAttempts)),
		ListingWebhookURL:    os.Getenv("LISTING_WEBHOOK_URL"),
		ListingWebhookSecret: os.Getenv("LISTING_WEBHOOK_SECRET"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		CORSOrigins:          getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.CustodyAgent == "" {
		return fmt.Errorf("CUSTODY_AGENT is required")
	}
	if c.PaymentTimeout <= 0 {
		return fmt.Errorf("PAYMENT_TIMEOUT must be positive")
	}
	if c.ConfirmationTimeout <= 0 {
		return fmt.Errorf("CONFIRMATION_TIMEOUT must be positive")
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1s")
	}
	if c.MaxWriteAttempts < 1 {
		return fmt.Errorf("MAX_WRITE_ATTEMPTS must be at least 1")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.ListingWebhookURL != "" && !strings.HasPrefix(c.ListingWebhookURL, "http") {
		return fmt.Errorf("LISTING_WEBHOOK_URL must be an http(s) URL")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
