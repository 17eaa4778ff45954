package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DaveO280/Diem-Marketplace/internal/admin"
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

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "ADMIN_ADDRESSES", "0x1234567890123456789012345678901234567890")
	setEnv(t, "PRIVATE_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	setEnv(t, "PORT", "9090")
	setEnv(t, "DISPUTE_WINDOW", "2h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultUSDCContract, cfg.USDCContract)
	assert.Equal(t, 2*time.Hour, cfg.DisputeWindow)
	assert.Equal(t, int64(DefaultFeeBps), cfg.PlatformFeeBps)
}

func TestLoad_MissingAdmins(t *testing.T) {
	setEnv(t, "ADMIN_ADDRESSES", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_ADDRESSES is required")
}

func TestLoad_NoPrivateKeyInDevelopment(t *testing.T) {
	// Development falls back to the in-memory token.
	setEnv(t, "ADMIN_ADDRESSES", "0x1234567890123456789012345678901234567890")
	setEnv(t, "PRIVATE_KEY", "")
	setEnv(t, "ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.PrivateKey)
}

func TestLoad_InvalidPrivateKeyLength(t *testing.T) {
	setEnv(t, "ADMIN_ADDRESSES", "0x1234567890123456789012345678901234567890")
	setEnv(t, "PRIVATE_KEY", "tooshort")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestConfig_Validate(t *testing.T) {
	admins := []string{"0x1234567890123456789012345678901234567890"}

	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				AdminAddresses: admins,
				AdminQuorum:    1,
				PrivateKey:     "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
				RPCURL:         "https://sepolia.base.org",
			},
			wantErr: "",
		},
		{
			name: "missing admins",
			config: Config{
				AdminQuorum: 1,
				RPCURL:      "https://sepolia.base.org",
			},
			wantErr: "ADMIN_ADDRESSES is required",
		},
		{
			name: "quorum larger than member set",
			config: Config{
				AdminAddresses: admins,
				AdminQuorum:    2,
			},
			wantErr: "ADMIN_QUORUM",
		},
		{
			name: "platform fee above governance cap",
			config: Config{
				AdminAddresses: admins,
				AdminQuorum:    1,
				PlatformFeeBps: admin.MaxPlatformFeeBps + 1,
			},
			wantErr: "PLATFORM_FEE_BPS",
		},
		{
			name: "negative unused penalty",
			config: Config{
				AdminAddresses:   admins,
				AdminQuorum:      1,
				UnusedPenaltyBps: -1,
			},
			wantErr: "UNUSED_PENALTY_BPS",
		},
		{
			name: "unused penalty above governance cap",
			config: Config{
				AdminAddresses:   admins,
				AdminQuorum:      1,
				UnusedPenaltyBps: admin.MaxUnusedPenaltyBps + 1,
			},
			wantErr: "UNUSED_PENALTY_BPS",
		},
		{
			name: "no private key in production",
			config: Config{
				AdminAddresses: admins,
				AdminQuorum:    1,
				Env:            "production",
			},
			wantErr: "PRIVATE_KEY is required in production",
		},
		{
			name: "invalid private key length",
			config: Config{
				AdminAddresses: admins,
				AdminQuorum:    1,
				PrivateKey:     "abc123",
				RPCURL:         "https://sepolia.base.org",
			},
			wantErr: "64 hex characters",
		},
		{
			name: "missing RPC URL",
			config: Config{
				AdminAddresses: admins,
				AdminQuorum:    1,
				PrivateKey:     "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
				RPCURL:         "",
			},
			wantErr: "RPC_URL is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_Treasury(t *testing.T) {
	cfg := &Config{AdminAddresses: []string{"0xadmin"}}
	assert.Equal(t, "0xadmin", cfg.Treasury())

	cfg.TreasuryAddress = "0xtreasury"
	assert.Equal(t, "0xtreasury", cfg.Treasury())
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90m")
	setEnv(t, "TEST_DUR_INVALID", "ninety minutes")
	setEnv(t, "TEST_DUR_NEGATIVE", "-1h")

	assert.Equal(t, 90*time.Minute, getEnvDuration("TEST_DUR", time.Hour))
	assert.Equal(t, time.Hour, getEnvDuration("TEST_DUR_INVALID", time.Hour))
	assert.Equal(t, time.Hour, getEnvDuration("TEST_DUR_NEGATIVE", time.Hour))
	assert.Equal(t, time.Hour, getEnvDuration("NONEXISTENT_VAR", time.Hour))
}

func TestSplitAddresses(t *testing.T) {
	assert.Nil(t, splitAddresses(""))
	assert.Equal(t, []string{"0xaa", "0xbb"}, splitAddresses("0xAA, 0xBB"))
	assert.Equal(t, []string{"0xaa"}, splitAddresses("0xAA,,"))
}
