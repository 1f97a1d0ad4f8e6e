// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger settings
	DefaultCurrency string

	// Escrow settings
	EscrowAutoRelease  time.Duration // deadline before funded escrows release to seller
	EscrowSweepEvery   time.Duration // auto-release sweep interval
	PendingTxTTL       time.Duration // how long a pending deposit may await its gateway callback
	PendingEscrowTTL   time.Duration // how long an unfunded escrow offer survives
	ExpirySweepEvery   time.Duration // expiry/reconciliation sweep interval

	// Settlement gateways: webhook signing secrets, per provider
	PaystackSecret    string
	FlutterwaveSecret string
	NOWPaymentsSecret string
	ClubKonnectSecret string

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled when empty

	// Security
	AdminSecret  string // Admin API secret (dispute resolution)
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultCurrency        = "NGN"
	DefaultAutoRelease     = 72 * time.Hour
	DefaultEscrowSweep     = 30 * time.Second
	DefaultPendingTxTTL    = 24 * time.Hour
	DefaultPendingEscrow   = 7 * 24 * time.Hour
	DefaultExpirySweep     = time.Minute
	DefaultRateLimitPerMin = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		DefaultCurrency:   getEnv("DEFAULT_CURRENCY", DefaultCurrency),
		EscrowAutoRelease: getEnvDuration("ESCROW_AUTO_RELEASE", DefaultAutoRelease),
		EscrowSweepEvery:  getEnvDuration("ESCROW_SWEEP_INTERVAL", DefaultEscrowSweep),
		PendingTxTTL:      getEnvDuration("PENDING_TX_TTL", DefaultPendingTxTTL),
		PendingEscrowTTL:  getEnvDuration("PENDING_ESCROW_TTL", DefaultPendingEscrow),
		ExpirySweepEvery:  getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultExpirySweep),
		PaystackSecret:    os.Getenv("PAYSTACK_WEBHOOK_SECRET"),
		FlutterwaveSecret: os.Getenv("FLUTTERWAVE_WEBHOOK_SECRET"),
		NOWPaymentsSecret: os.Getenv("NOWPAYMENTS_WEBHOOK_SECRET"),
		ClubKonnectSecret: os.Getenv("CLUBKONNECT_WEBHOOK_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitPerMin)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.EscrowAutoRelease <= 0 {
		return fmt.Errorf("ESCROW_AUTO_RELEASE must be positive")
	}
	if c.PendingTxTTL <= 0 {
		return fmt.Errorf("PENDING_TX_TTL must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

// GatewaySecret returns the webhook signing secret for a provider name, or "".
func (c *Config) GatewaySecret(provider string) string {
	switch provider {
	case "paystack":
		return c.PaystackSecret
	case "flutterwave":
		return c.FlutterwaveSecret
	case "nowpayments":
		return c.NOWPaymentsSecret
	case "clubkonnect":
		return c.ClubKonnectSecret
	}
	return ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
