// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/risktier/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "production"
	LogLevel string

	// Storage. DatabaseURL selects Postgres; otherwise DataDir holds a
	// file-backed store.
	DatabaseURL string
	DataDir     string

	// Ledger and contract
	HorizonURL        string
	RPCURL            string
	NetworkPassphrase string
	ContractID        string
	ContractMethod    string
	SignerSecret      string // optional S... seed for server-side signing

	// Analysis
	RiskPolicyFile     string
	AnalysisWindowDays int
	MaxRecords         int
	AnalysisTTL        time.Duration

	// Commit
	CommitBaseFee      int64 // stroops
	CommitTimeout      time.Duration
	CommitPollAttempts int
	CommitPollInterval time.Duration
	CommitCooldown     time.Duration

	// Events and tracing
	KafkaBrokers []string
	KafkaTopic   string
	OTLPEndpoint string

	// HTTP
	CORSOrigins    []string // empty allows any origin
	RateLimitRPM   int
	RateLimitBurst int
}

// Testnet defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultDataDir            = "./data"
	DefaultHorizonURL         = "https://horizon-testnet.stellar.org"
	DefaultRPCURL             = "https://soroban-testnet.stellar.org"
	DefaultNetworkPassphrase  = "Test SDF Network ; September 2015"
	DefaultContractMethod     = "set_risk_tier"
	LegacyContractMethod      = "set_score"
	DefaultWindowDays         = 30
	DefaultMaxRecords         = 1000
	DefaultAnalysisTTL        = time.Hour
	DefaultCommitBaseFee      = 100 * 100 // BASE_FEE x 100
	DefaultCommitTimeout      = 30 * time.Second
	DefaultCommitPollAttempts = 15
	DefaultCommitPollInterval = 3 * time.Second
	DefaultCommitCooldown     = 24 * time.Hour
	DefaultKafkaTopic         = "risktier.commits"
	DefaultRateLimitRPM       = 120
	DefaultRateLimitBurst     = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DataDir:            getEnv("DATA_DIR", DefaultDataDir),
		HorizonURL:         strings.TrimRight(getEnv("HORIZON_URL", DefaultHorizonURL), "/"),
		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		NetworkPassphrase:  getEnv("NETWORK_PASSPHRASE", DefaultNetworkPassphrase),
		ContractID:         strings.TrimSpace(os.Getenv("CONTRACT_ID")),
		ContractMethod:     getEnv("CONTRACT_METHOD", DefaultContractMethod),
		SignerSecret:       strings.TrimSpace(os.Getenv("SIGNER_SECRET")),
		RiskPolicyFile:     os.Getenv("RISK_POLICY_FILE"),
		AnalysisWindowDays: int(getEnvInt64("ANALYSIS_WINDOW_DAYS", DefaultWindowDays)),
		MaxRecords:         int(getEnvInt64("MAX_RECORDS", DefaultMaxRecords)),
		AnalysisTTL:        getEnvDuration("ANALYSIS_TTL", DefaultAnalysisTTL),
		CommitBaseFee:      getEnvInt64("COMMIT_BASE_FEE", DefaultCommitBaseFee),
		CommitTimeout:      getEnvDuration("COMMIT_TIMEOUT", DefaultCommitTimeout),
		CommitPollAttempts: int(getEnvInt64("COMMIT_POLL_ATTEMPTS", DefaultCommitPollAttempts)),
		CommitPollInterval: getEnvDuration("COMMIT_POLL_INTERVAL", DefaultCommitPollInterval),
		CommitCooldown:     getEnvDuration("COMMIT_COOLDOWN", DefaultCommitCooldown),
		KafkaBrokers:       splitCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CORSOrigins:        splitCSV(os.Getenv("CORS_ORIGINS")),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and well formed.
func (c *Config) Validate() error {
	errs := validation.Validate(
		validation.Required("CONTRACT_ID", c.ContractID),
		validation.ValidContract("CONTRACT_ID", c.ContractID),
		validation.Required("RPC_URL", c.RPCURL),
		validation.Required("HORIZON_URL", c.HorizonURL),
		validation.Required("NETWORK_PASSPHRASE", c.NetworkPassphrase),
		validation.ValidSeed("SIGNER_SECRET", c.SignerSecret),
		validation.OneOf("CONTRACT_METHOD", c.ContractMethod, DefaultContractMethod, LegacyContractMethod),
		validation.Positive("ANALYSIS_WINDOW_DAYS", int64(c.AnalysisWindowDays)),
		validation.Positive("MAX_RECORDS", int64(c.MaxRecords)),
		validation.Positive("COMMIT_BASE_FEE", c.CommitBaseFee),
		validation.Positive("COMMIT_POLL_ATTEMPTS", int64(c.CommitPollAttempts)),
		validation.Positive("COMMIT_POLL_INTERVAL", int64(c.CommitPollInterval)),
		validation.Positive("COMMIT_TIMEOUT", int64(c.CommitTimeout)),
	)
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errs)
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

// KafkaEnabled reports whether commit events should be streamed to Kafka.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
