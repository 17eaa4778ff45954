// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/DaveO280/Diem-Marketplace/internal/admin"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment token settings. PrivateKey empty = in-memory token (dev mode).
	RPCURL       string
	ChainID      int64
	PrivateKey   string // Custody wallet key, hex-encoded, 0x prefix optional
	USDCContract string

	// Governance
	AdminAddresses  []string // Authority members; one = single key, several = quorum
	AdminQuorum     int      // Approvals needed when AdminAddresses has several entries
	TreasuryAddress string   // Receives platform fee withdrawals; defaults to first admin
	TimelockDelay   time.Duration

	// Escrow economics
	MaxEscrowAmount  string // Per-escrow exposure cap, USDC
	PlatformFeeBps   int64
	UnusedPenaltyBps int64

	// Escrow lifecycle windows
	DefaultEscrowDuration time.Duration
	KeyDeliveryGrace      time.Duration
	ReportingGrace        time.Duration
	DisputeRaiseWindow    time.Duration
	DisputeWindow         time.Duration
	SweepInterval         time.Duration

	// Security
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP gRPC collector; empty disables tracing

	// Dev mode: seed fresh in-memory token accounts with this USDC balance.
	FaucetAmount string
}

// Base Sepolia defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532                                        // Base Sepolia
	DefaultUSDCContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultRateLimit    = 100
	DefaultMaxEscrow    = "10000"
	DefaultFeeBps       = 100 // 1%
	DefaultPenaltyBps   = 500 // 5% of the unused remainder
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		RPCURL:       getEnv("RPC_URL", DefaultRPCURL),
		ChainID:      getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:   os.Getenv("PRIVATE_KEY"), // Optional in development
		USDCContract: getEnv("USDC_CONTRACT", DefaultUSDCContract),

		AdminAddresses:  splitAddresses(os.Getenv("ADMIN_ADDRESSES")),
		AdminQuorum:     int(getEnvInt64("ADMIN_QUORUM", 1)),
		TreasuryAddress: strings.ToLower(os.Getenv("TREASURY_ADDRESS")),
		TimelockDelay:   getEnvDuration("TIMELOCK_DELAY", 24*time.Hour),

		MaxEscrowAmount:  getEnv("MAX_ESCROW_AMOUNT", DefaultMaxEscrow),
		PlatformFeeBps:   getEnvInt64("PLATFORM_FEE_BPS", DefaultFeeBps),
		UnusedPenaltyBps: getEnvInt64("UNUSED_PENALTY_BPS", DefaultPenaltyBps),

		DefaultEscrowDuration: getEnvDuration("DEFAULT_ESCROW_DURATION", 7*24*time.Hour),
		KeyDeliveryGrace:      getEnvDuration("KEY_DELIVERY_GRACE", 24*time.Hour),
		ReportingGrace:        getEnvDuration("REPORTING_GRACE", 48*time.Hour),
		DisputeRaiseWindow:    getEnvDuration("DISPUTE_RAISE_WINDOW", 72*time.Hour),
		DisputeWindow:         getEnvDuration("DISPUTE_WINDOW", 24*time.Hour),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", time.Minute),

		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		FaucetAmount: getEnv("FAUCET_AMOUNT", "100"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.AdminAddresses) == 0 {
		return fmt.Errorf("ADMIN_ADDRESSES is required (at least one authority address)")
	}
	if c.AdminQuorum < 1 || c.AdminQuorum > len(c.AdminAddresses) {
		return fmt.Errorf("ADMIN_QUORUM must be between 1 and the number of admin addresses")
	}

	// Fee parameters obey the same caps the governance path enforces, so a
	// deploy cannot boot with rates an admin could never schedule.
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps > admin.MaxPlatformFeeBps {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and %d", admin.MaxPlatformFeeBps)
	}
	if c.UnusedPenaltyBps < 0 || c.UnusedPenaltyBps > admin.MaxUnusedPenaltyBps {
		return fmt.Errorf("UNUSED_PENALTY_BPS must be between 0 and %d", admin.MaxUnusedPenaltyBps)
	}

	// Production custody runs against a real USDC contract; development may
	// fall back to the in-memory token when no key is configured.
	if c.PrivateKey == "" {
		if c.IsProduction() {
			return fmt.Errorf("PRIVATE_KEY is required in production")
		}
		return nil
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
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

// Treasury returns the fee withdrawal destination, defaulting to the first
// authority address.
func (c *Config) Treasury() string {
	if c.TreasuryAddress != "" {
		return c.TreasuryAddress
	}
	return c.AdminAddresses[0]
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

func splitAddresses(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
