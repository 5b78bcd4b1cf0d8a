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

// Ledger rails.
const (
	RailMemory = "memory"
	RailEVM    = "evm"
	RailStripe = "stripe"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage and messaging (all optional; in-memory fallbacks when unset)
	DatabaseURL  string
	RedisURL     string
	RabbitMQURL  string
	SettleQueue  string
	OTLPEndpoint string

	// Ledger rail
	LedgerRail     string
	RPCURL         string
	ChainID        int64
	StripeKey      string
	StripeCurrency string
	StripeHookKey  string // Stripe webhook signing secret
	RailTimeout    time.Duration
	RailRPS        float64
	RailAttempts   int

	// Escrow timing
	PaymentWindow time.Duration
	SweepInterval time.Duration
	PollInterval  time.Duration

	// Identity resolver
	IdentityCacheTTL time.Duration
	IdentityTimeout  time.Duration

	// Security
	AdminSecret   string
	WebhookSecret string // shared secret for rail push callbacks
	RateLimitRPS  int
	CORSOrigins   []string

	// Reputation
	RescoreInterval time.Duration
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultSettleQueue    = "session.settled"
	DefaultRPCURL         = "https://sepolia.base.org"
	DefaultChainID        = 84532 // Base Sepolia
	DefaultStripeCurrency = "usd"
	DefaultRailTimeout    = 10 * time.Second
	DefaultRailRPS        = 5.0
	DefaultRailAttempts   = 3
	DefaultPaymentWindow  = 30 * time.Minute
	DefaultSweepInterval  = 30 * time.Second
	DefaultPollInterval   = 15 * time.Second
	DefaultIdentityTTL    = 5 * time.Minute
	DefaultIdentityWait   = 2 * time.Second
	DefaultRateLimit      = 100
	DefaultRescore        = time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		RabbitMQURL:      os.Getenv("RABBITMQ_URL"),
		SettleQueue:      getEnv("SETTLE_QUEUE", DefaultSettleQueue),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LedgerRail:       getEnv("LEDGER_RAIL", RailMemory),
		RPCURL:           getEnv("RPC_URL", DefaultRPCURL),
		ChainID:          getEnvInt64("CHAIN_ID", DefaultChainID),
		StripeKey:        os.Getenv("STRIPE_SECRET_KEY"),
		StripeCurrency:   getEnv("STRIPE_CURRENCY", DefaultStripeCurrency),
		StripeHookKey:    os.Getenv("STRIPE_WEBHOOK_SECRET"),
		RailTimeout:      getEnvDuration("RAIL_TIMEOUT", DefaultRailTimeout),
		RailRPS:          getEnvFloat("RAIL_RPS", DefaultRailRPS),
		RailAttempts:     int(getEnvInt64("RAIL_ATTEMPTS", DefaultRailAttempts)),
		PaymentWindow:    getEnvDuration("PAYMENT_WINDOW", DefaultPaymentWindow),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		PollInterval:     getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		IdentityCacheTTL: getEnvDuration("IDENTITY_CACHE_TTL", DefaultIdentityTTL),
		IdentityTimeout:  getEnvDuration("IDENTITY_TIMEOUT", DefaultIdentityWait),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:     int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		CORSOrigins:      getEnvList("CORS_ORIGINS"),
		RescoreInterval:  getEnvDuration("RESCORE_INTERVAL", DefaultRescore),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected rail has what it needs and that
// timing values are usable.
func (c *Config) Validate() error {
	switch c.LedgerRail {
	case RailMemory:
		if c.IsProduction() {
			return fmt.Errorf("LEDGER_RAIL=memory is not allowed in production")
		}
	case RailEVM:
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required for the evm rail")
		}
		if c.ChainID <= 0 {
			return fmt.Errorf("CHAIN_ID must be positive")
		}
	case RailStripe:
		if c.StripeKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required for the stripe rail")
		}
	default:
		return fmt.Errorf("unknown LEDGER_RAIL %q", c.LedgerRail)
	}

	if c.PaymentWindow <= 0 {
		return fmt.Errorf("PAYMENT_WINDOW must be positive")
	}
	if c.SweepInterval <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL and POLL_INTERVAL must be positive")
	}
	if c.RailRPS <= 0 {
		return fmt.Errorf("RAIL_RPS must be positive")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
