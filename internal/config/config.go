// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger defaults (per-cell, overridable per-member via governance)
	DefaultMemberLimit  int64 // default floor magnitude (credit limit) for a newly added member
	MinMemberLimit      int64
	MaxMemberLimit      int64
	EnforceEscrowSafety bool // reject any operation that would leave balance - reserve below -limit

	// Federation settings
	FederationBetaMin float64 // minimum allowed bilateral exposure cap fraction
	FederationBetaMax float64 // maximum allowed bilateral exposure cap fraction
	// FederationPeers maps a remote cell ID to the base URL of the server
	// hosting it, parsed from FEDERATION_PEERS as "cellID=url,cellID=url".
	// Empty means every federated cell is hosted by this same process
	// (the LocalTransport case).
	FederationPeers map[string]string

	// Emergency thresholds (hysteresis band, see internal/emergency)
	EmergencyEnterStressedFloorMass float64 // fraction of aggregate limit consumed that enters Stressed
	EmergencyExitStressedFloorMass  float64 // floor-mass fraction below which Stressed may be exited
	EmergencyEnterPanicFloorMass    float64
	EmergencyExitPanicFloorMass     float64
	EmergencyPollInterval           time.Duration
	EmergencyDisputeRateThreshold   float64       // recent dispute rate above which Stressed triggers
	EmergencyOverallStressEnter     float64       // overall_stress above which Stressed triggers
	EmergencyOverallStressExit      float64       // overall_stress must fall below this to de-escalate
	EmergencyEnergyStressPanic      float64       // energy_stress above which Panic triggers
	EmergencyStabilizationDwell     time.Duration // minimum time in a state before de-escalation is considered
	EmergencyLimitAdjustmentRate    float64       // η: fraction of the target-limit gap closed per policy-application step

	// Security
	APIKeyHash    string // for authenticating demo API clients
	WebhookSecret string // HMAC secret for signing outbound emergency/federation event advertisements
	RateLimitRPM  int

	// Hardening harness
	HardeningSeed           int64 // seed for the deterministic PRNG; 0 means "pick one at startup and log it"
	HardeningHealthWeightA  float64
	HardeningHealthWeightB  float64
	HardeningHealthWeightC  float64
	HardeningHealthMinimum  float64

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration // global handler execution timeout

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint (e.g. "localhost:4317"), empty = disabled
}

const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultMemberLimit = 1000
	DefaultMinLimit    = 0
	DefaultMaxLimit    = 1_000_000

	DefaultFederationBetaMin = 0.05
	DefaultFederationBetaMax = 0.35

	DefaultEmergencyEnterStressedFloorMass = 0.60
	DefaultEmergencyExitStressedFloorMass  = 0.45
	DefaultEmergencyEnterPanicFloorMass    = 0.85
	DefaultEmergencyExitPanicFloorMass     = 0.65
	DefaultEmergencyPollInterval           = 10 * time.Second
	DefaultEmergencyDisputeRateThreshold   = 0.05
	DefaultEmergencyOverallStressEnter     = 1.0
	DefaultEmergencyOverallStressExit      = 0.8
	DefaultEmergencyEnergyStressPanic      = 1.2
	DefaultEmergencyStabilizationDwell     = 24 * time.Hour
	DefaultEmergencyLimitAdjustmentRate    = 0.1

	DefaultRateLimit = 100

	DefaultHardeningHealthWeightA = 0.4
	DefaultHardeningHealthWeightB = 0.3
	DefaultHardeningHealthWeightC = 0.3
	DefaultHardeningHealthMinimum = 0.85

	// Database pool defaults
	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5     // seconds
	DefaultDBStatementTimeout = 30000 // milliseconds (30s)

	// HTTP server timeout defaults
	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // optional, uses in-memory if not set

		DefaultMemberLimit:  getEnvInt64("DEFAULT_MEMBER_LIMIT", DefaultMemberLimit),
		MinMemberLimit:      getEnvInt64("MIN_MEMBER_LIMIT", DefaultMinLimit),
		MaxMemberLimit:      getEnvInt64("MAX_MEMBER_LIMIT", DefaultMaxLimit),
		EnforceEscrowSafety: getEnvBool("ENFORCE_ESCROW_SAFETY", true),

		FederationBetaMin: getEnvFloat("FEDERATION_BETA_MIN", DefaultFederationBetaMin),
		FederationPeers:   getEnvPeerMap("FEDERATION_PEERS"),
		FederationBetaMax: getEnvFloat("FEDERATION_BETA_MAX", DefaultFederationBetaMax),

		EmergencyEnterStressedFloorMass: getEnvFloat("EMERGENCY_ENTER_STRESSED", DefaultEmergencyEnterStressedFloorMass),
		EmergencyExitStressedFloorMass:  getEnvFloat("EMERGENCY_EXIT_STRESSED", DefaultEmergencyExitStressedFloorMass),
		EmergencyEnterPanicFloorMass:    getEnvFloat("EMERGENCY_ENTER_PANIC", DefaultEmergencyEnterPanicFloorMass),
		EmergencyExitPanicFloorMass:     getEnvFloat("EMERGENCY_EXIT_PANIC", DefaultEmergencyExitPanicFloorMass),
		EmergencyPollInterval:           getEnvDuration("EMERGENCY_POLL_INTERVAL", DefaultEmergencyPollInterval),
		EmergencyDisputeRateThreshold:   getEnvFloat("EMERGENCY_DISPUTE_RATE_THRESHOLD", DefaultEmergencyDisputeRateThreshold),
		EmergencyOverallStressEnter:     getEnvFloat("EMERGENCY_OVERALL_STRESS_ENTER", DefaultEmergencyOverallStressEnter),
		EmergencyOverallStressExit:      getEnvFloat("EMERGENCY_OVERALL_STRESS_EXIT", DefaultEmergencyOverallStressExit),
		EmergencyEnergyStressPanic:      getEnvFloat("EMERGENCY_ENERGY_STRESS_PANIC", DefaultEmergencyEnergyStressPanic),
		EmergencyStabilizationDwell:     getEnvDuration("EMERGENCY_STABILIZATION_DWELL", DefaultEmergencyStabilizationDwell),
		EmergencyLimitAdjustmentRate:    getEnvFloat("EMERGENCY_LIMIT_ADJUSTMENT_RATE", DefaultEmergencyLimitAdjustmentRate),

		APIKeyHash:    os.Getenv("API_KEY_HASH"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPM:  int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),

		HardeningSeed:          getEnvInt64("HARDENING_SEED", 0),
		HardeningHealthWeightA: getEnvFloat("HARDENING_HEALTH_WEIGHT_A", DefaultHardeningHealthWeightA),
		HardeningHealthWeightB: getEnvFloat("HARDENING_HEALTH_WEIGHT_B", DefaultHardeningHealthWeightB),
		HardeningHealthWeightC: getEnvFloat("HARDENING_HEALTH_WEIGHT_C", DefaultHardeningHealthWeightC),
		HardeningHealthMinimum: getEnvFloat("HARDENING_HEALTH_MINIMUM", DefaultHardeningHealthMinimum),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are internally consistent.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.MinMemberLimit < 0 {
		return fmt.Errorf("MIN_MEMBER_LIMIT must be >= 0, got %d", c.MinMemberLimit)
	}
	if c.MaxMemberLimit < c.MinMemberLimit {
		return fmt.Errorf("MAX_MEMBER_LIMIT (%d) must be >= MIN_MEMBER_LIMIT (%d)", c.MaxMemberLimit, c.MinMemberLimit)
	}
	if c.DefaultMemberLimit < c.MinMemberLimit || c.DefaultMemberLimit > c.MaxMemberLimit {
		return fmt.Errorf("DEFAULT_MEMBER_LIMIT (%d) must be within [%d, %d]", c.DefaultMemberLimit, c.MinMemberLimit, c.MaxMemberLimit)
	}

	if c.FederationBetaMin <= 0 || c.FederationBetaMax >= 1 || c.FederationBetaMin > c.FederationBetaMax {
		return fmt.Errorf("FEDERATION_BETA_MIN/MAX must satisfy 0 < min <= max < 1, got [%v, %v]", c.FederationBetaMin, c.FederationBetaMax)
	}

	if c.EmergencyExitStressedFloorMass >= c.EmergencyEnterStressedFloorMass {
		return fmt.Errorf("EMERGENCY_EXIT_STRESSED must be below EMERGENCY_ENTER_STRESSED to provide hysteresis")
	}
	if c.EmergencyExitPanicFloorMass >= c.EmergencyEnterPanicFloorMass {
		return fmt.Errorf("EMERGENCY_EXIT_PANIC must be below EMERGENCY_ENTER_PANIC to provide hysteresis")
	}
	if c.EmergencyEnterPanicFloorMass <= c.EmergencyEnterStressedFloorMass {
		return fmt.Errorf("EMERGENCY_ENTER_PANIC must exceed EMERGENCY_ENTER_STRESSED")
	}
	if c.EmergencyOverallStressExit >= c.EmergencyOverallStressEnter {
		return fmt.Errorf("EMERGENCY_OVERALL_STRESS_EXIT must be below EMERGENCY_OVERALL_STRESS_ENTER to provide hysteresis")
	}
	if c.EmergencyLimitAdjustmentRate <= 0 || c.EmergencyLimitAdjustmentRate > 1 {
		return fmt.Errorf("EMERGENCY_LIMIT_ADJUSTMENT_RATE must be in (0, 1], got %v", c.EmergencyLimitAdjustmentRate)
	}

	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1, got %d", c.RateLimitRPM)
	}

	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}

	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	if c.IsProduction() && c.WebhookSecret == "" {
		slog.Warn("WEBHOOK_SECRET not set — event advertisements will be unsigned")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
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

// getEnvPeerMap parses "cellID=url,cellID=url" into a map. Malformed
// entries (missing "=") are skipped.
func getEnvPeerMap(key string) map[string]string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	peers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		cellID, url, ok := strings.Cut(pair, "=")
		if !ok || cellID == "" || url == "" {
			continue
		}
		peers[cellID] = url
	}
	return peers
}
