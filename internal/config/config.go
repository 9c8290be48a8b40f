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
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL          string
	ChainID         int64
	VotingContract  string // Dispute voting contract address
	SignerKey       string // Hex-encoded private key for on-chain writes, 0x prefix optional
	StartBlock      uint64 // First block the indexer considers when no checkpoint exists
	ConfirmationLag uint64 // Blocks withheld from indexing to ride out shallow reorgs

	// Default voting eligibility, used when a platform does not override it
	TokenContract string
	MinBalance    string // Decimal string in token base units

	// Callbacks
	PlatformWebhookURL string // Fallback webhook when a platform has no URL of its own

	// Security
	HMACSecret string // Shared secret for request authentication on mutating routes

	// Background workers
	RunWorkers        bool // Start indexer/finalizer/callbacks/reaper in this process
	IndexerInterval   time.Duration
	FinalizerInterval time.Duration
	CallbackInterval  time.Duration
	ReaperInterval    time.Duration

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultConfirmationLag   = 3
	DefaultIndexerInterval   = 10 * time.Second
	DefaultFinalizerInterval = 60 * time.Second
	DefaultCallbackInterval  = 15 * time.Second
	DefaultReaperInterval    = 5 * time.Minute
	DefaultMinBalance        = "1000000000000000000" // 1 token, 18 decimals
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RPCURL:             os.Getenv("RPC_URL"),
		ChainID:            getEnvInt64("CHAIN_ID", 0),
		VotingContract:     os.Getenv("VOTING_CONTRACT"),
		SignerKey:          os.Getenv("SIGNER_PRIVATE_KEY"),
		StartBlock:         uint64(getEnvInt64("START_BLOCK", 0)),
		ConfirmationLag:    uint64(getEnvInt64("CONFIRMATION_LAG", DefaultConfirmationLag)),
		TokenContract:      os.Getenv("TOKEN_CONTRACT"),
		MinBalance:         getEnv("MIN_BALANCE", DefaultMinBalance),
		PlatformWebhookURL: os.Getenv("PLATFORM_WEBHOOK_URL"),
		HMACSecret:         os.Getenv("HMAC_SECRET"),
		RunWorkers:         getEnvBool("RUN_WORKERS", true),
		IndexerInterval:    getEnvDuration("INDEXER_INTERVAL", DefaultIndexerInterval),
		FinalizerInterval:  getEnvDuration("FINALIZER_INTERVAL", DefaultFinalizerInterval),
		CallbackInterval:   getEnvDuration("CALLBACK_INTERVAL", DefaultCallbackInterval),
		ReaperInterval:     getEnvDuration("REAPER_INTERVAL", DefaultReaperInterval),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID is required and must be positive")
	}
	if c.VotingContract == "" {
		return fmt.Errorf("VOTING_CONTRACT is required")
	}
	if c.SignerKey == "" {
		return fmt.Errorf("SIGNER_PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := strings.TrimPrefix(c.SignerKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("SIGNER_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.HMACSecret == "" {
		return fmt.Errorf("HMAC_SECRET is required")
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

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
