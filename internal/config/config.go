// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

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

	// Policy engine settings
	SecurityLevel string // Active spending profile: unrestricted, moderate, strict, lockdown
	AgentAddress  string // The agent wallet the engine guards (optional)

	// Security
	RateLimitRPS   int
	AllowedOrigins string // Comma-separated CORS origins; empty allows all in development

	// Observability
	OTLPEndpoint string // OTLP trace collector endpoint (optional)
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultSecurityLevel = "moderate"
	DefaultRateLimit     = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		SecurityLevel:  getEnv("SECURITY_LEVEL", DefaultSecurityLevel),
		AgentAddress:   os.Getenv("AGENT_ADDRESS"),
		RateLimitRPS:   int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AllowedOrigins: os.Getenv("ALLOWED_ORIGINS"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.SecurityLevel {
	case "unrestricted", "moderate", "strict", "lockdown":
	default:
		return fmt.Errorf("SECURITY_LEVEL must be one of unrestricted, moderate, strict, lockdown (got %q)", c.SecurityLevel)
	}

	if c.Port == "" {
		return fmt.Errorf("PORT is required")
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
