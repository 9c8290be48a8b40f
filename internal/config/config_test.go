package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	setEnv(t, "RPC_URL", "http://localhost:8545")
	setEnv(t, "CHAIN_ID", "31337")
	setEnv(t, "VOTING_CONTRACT", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	setEnv(t, "SIGNER_PRIVATE_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	setEnv(t, "HMAC_SECRET", "test-secret")
}

func TestLoad_WithValidConfig(t *testing.T) {
	setRequiredEnv(t)
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(31337), cfg.ChainID)
	assert.Equal(t, uint64(DefaultConfirmationLag), cfg.ConfirmationLag)
	assert.Equal(t, DefaultIndexerInterval, cfg.IndexerInterval)
	assert.Equal(t, DefaultFinalizerInterval, cfg.FinalizerInterval)
	assert.Equal(t, DefaultMinBalance, cfg.MinBalance)
	assert.True(t, cfg.RunWorkers)
}

func TestLoad_MissingRPCURL(t *testing.T) {
	setRequiredEnv(t)
	setEnv(t, "RPC_URL", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "RPC_URL is required")
}

func TestLoad_InvalidSignerKeyLength(t *testing.T) {
	setRequiredEnv(t)
	setEnv(t, "SIGNER_PRIVATE_KEY", "tooshort")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestLoad_WorkerTuning(t *testing.T) {
	setRequiredEnv(t)
	setEnv(t, "RUN_WORKERS", "false")
	setEnv(t, "INDEXER_INTERVAL", "5s")
	setEnv(t, "CONFIRMATION_LAG", "12")
	setEnv(t, "START_BLOCK", "1000000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.RunWorkers)
	assert.Equal(t, 5*time.Second, cfg.IndexerInterval)
	assert.Equal(t, uint64(12), cfg.ConfirmationLag)
	assert.Equal(t, uint64(1000000), cfg.StartBlock)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		RPCURL:         "http://localhost:8545",
		ChainID:        31337,
		VotingContract: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		SignerKey:      "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		HMACSecret:     "secret",
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: ""},
		{
			name:    "missing RPC URL",
			mutate:  func(c *Config) { c.RPCURL = "" },
			wantErr: "RPC_URL is required",
		},
		{
			name:    "missing chain id",
			mutate:  func(c *Config) { c.ChainID = 0 },
			wantErr: "CHAIN_ID is required",
		},
		{
			name:    "missing voting contract",
			mutate:  func(c *Config) { c.VotingContract = "" },
			wantErr: "VOTING_CONTRACT is required",
		},
		{
			name:    "missing signer key",
			mutate:  func(c *Config) { c.SignerKey = "" },
			wantErr: "SIGNER_PRIVATE_KEY is required",
		},
		{
			name:    "short signer key",
			mutate:  func(c *Config) { c.SignerKey = "abc123" },
			wantErr: "64 hex characters",
		},
		{
			name:    "missing hmac secret",
			mutate:  func(c *Config) { c.HMACSecret = "" },
			wantErr: "HMAC_SECRET is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DURATION", "90s")
	setEnv(t, "TEST_INVALID_DURATION", "ninety")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_INVALID_DURATION", time.Minute)) // Falls back on parse error
}

func TestGetEnvBool(t *testing.T) {
	setEnv(t, "TEST_BOOL", "false")
	setEnv(t, "TEST_INVALID_BOOL", "maybe")

	assert.False(t, getEnvBool("TEST_BOOL", true))
	assert.True(t, getEnvBool("NONEXISTENT_VAR", true))
	assert.True(t, getEnvBool("TEST_INVALID_BOOL", true))
}
