package config

import (
	"os"
	"testing"

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

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(DefaultMemberLimit), cfg.DefaultMemberLimit)
	assert.Equal(t, DefaultFederationBetaMin, cfg.FederationBetaMin)
	assert.True(t, cfg.EnforceEscrowSafety)
}

func TestLoad_InvalidPort(t *testing.T) {
	setEnv(t, "PORT", "not_a_port")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PORT must be a number")
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			Port:                            "8080",
			MinMemberLimit:                   0,
			MaxMemberLimit:                   1000,
			DefaultMemberLimit:               500,
			FederationBetaMin:                0.05,
			FederationBetaMax:                0.35,
			EmergencyEnterStressedFloorMass:  0.6,
			EmergencyExitStressedFloorMass:   0.45,
			EmergencyEnterPanicFloorMass:     0.85,
			EmergencyExitPanicFloorMass:      0.65,
			EmergencyOverallStressEnter:      1.0,
			EmergencyOverallStressExit:       0.8,
			EmergencyLimitAdjustmentRate:     0.1,
			RateLimitRPM:                     100,
			DBStatementTimeout:               30000,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "max below min",
			mutate:  func(c *Config) { c.MaxMemberLimit = -1 },
			wantErr: "MAX_MEMBER_LIMIT",
		},
		{
			name:    "default outside range",
			mutate:  func(c *Config) { c.DefaultMemberLimit = 5000 },
			wantErr: "DEFAULT_MEMBER_LIMIT",
		},
		{
			name:    "beta out of bounds",
			mutate:  func(c *Config) { c.FederationBetaMax = 1.5 },
			wantErr: "FEDERATION_BETA_MIN/MAX",
		},
		{
			name:    "missing stressed hysteresis gap",
			mutate:  func(c *Config) { c.EmergencyExitStressedFloorMass = 0.6 },
			wantErr: "EMERGENCY_EXIT_STRESSED",
		},
		{
			name:    "missing panic hysteresis gap",
			mutate:  func(c *Config) { c.EmergencyExitPanicFloorMass = 0.9 },
			wantErr: "EMERGENCY_EXIT_PANIC",
		},
		{
			name:    "panic threshold below stressed threshold",
			mutate:  func(c *Config) { c.EmergencyEnterPanicFloorMass = 0.5; c.EmergencyExitPanicFloorMass = 0.4 },
			wantErr: "EMERGENCY_ENTER_PANIC must exceed",
		},
		{
			name:    "rate limit too low",
			mutate:  func(c *Config) { c.RateLimitRPM = 0 },
			wantErr: "RATE_LIMIT_RPM",
		},
		{
			name:    "statement timeout too low",
			mutate:  func(c *Config) { c.DBStatementTimeout = 10 },
			wantErr: "POSTGRES_STATEMENT_TIMEOUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
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

func TestGetEnvFloat(t *testing.T) {
	setEnv(t, "TEST_FLOAT", "0.25")
	setEnv(t, "TEST_INVALID_FLOAT", "nope")

	assert.Equal(t, 0.25, getEnvFloat("TEST_FLOAT", 0))
	assert.Equal(t, 1.5, getEnvFloat("NONEXISTENT_VAR", 1.5))
	assert.Equal(t, 1.5, getEnvFloat("TEST_INVALID_FLOAT", 1.5))
}

func TestGetEnvBool(t *testing.T) {
	setEnv(t, "TEST_BOOL", "false")

	assert.False(t, getEnvBool("TEST_BOOL", true))
	assert.True(t, getEnvBool("NONEXISTENT_VAR", true))
}
