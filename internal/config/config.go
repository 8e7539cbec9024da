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

	// Network settings
	Network     string // "mainnet", "stagenet", "localnet"
	NodeAddress string // this node's overlay address, e.g. "3kv8q...xyz.onion:9999"

	// Arbitration settings
	ArbitratorPrivKey string        // Hex-encoded secp256k1 key, no 0x prefix
	DonationAddress   string        // First output of every payout tx must pay here
	MirrorDelay       time.Duration // Delay before mirroring an opened dispute to the peer
	RetentionCutoff   time.Duration // Closed disputes older than this get sensitive fields cleared

	// Wallet daemon
	WalletRPCURL  string
	WalletRPCUser string
	WalletRPCPass string

	// Price feed (advisory only)
	PriceFeedURL string

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultNetwork         = "localnet"
	DefaultMirrorDelay     = 3 * time.Second
	DefaultRetentionCutoff = 720 * time.Hour // 30 days
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Network:           getEnv("NETWORK", DefaultNetwork),
		NodeAddress:       os.Getenv("NODE_ADDRESS"),
		ArbitratorPrivKey: os.Getenv("ARBITRATOR_PRIVKEY"), // Required in arbitrator mode, no default
		DonationAddress:   os.Getenv("DONATION_ADDRESS"),
		MirrorDelay:       getEnvDuration("MIRROR_DELAY", DefaultMirrorDelay),
		RetentionCutoff:   getEnvDuration("RETENTION_CUTOFF", DefaultRetentionCutoff),
		WalletRPCURL:      os.Getenv("WALLET_RPC_URL"),
		WalletRPCUser:     os.Getenv("WALLET_RPC_USER"),
		WalletRPCPass:     os.Getenv("WALLET_RPC_PASS"),
		PriceFeedURL:      os.Getenv("PRICE_FEED_URL"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Network {
	case "mainnet", "stagenet", "localnet":
	default:
		return fmt.Errorf("invalid NETWORK %q (want mainnet, stagenet or localnet)", c.Network)
	}

	if c.MirrorDelay < 0 {
		return fmt.Errorf("MIRROR_DELAY must not be negative")
	}
	if c.RetentionCutoff <= 0 {
		return fmt.Errorf("RETENTION_CUTOFF must be positive")
	}

	// Production deployments must not run without a real overlay address.
	if c.Env == "production" && c.NodeAddress == "" {
		return fmt.Errorf("NODE_ADDRESS is required in production")
	}

	return nil
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare integers are taken as seconds.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
