// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	Version  string
	LogLevel string

	Postgres PostgresConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Access   AccessConfig
	Limits   LimitConfig
}

// PostgresConfig holds DB connection values. An empty DSN selects the in-memory store.
type PostgresConfig struct {
	DSN string
}

// RedisConfig holds Redis connection values. An empty Addr selects the in-process limiter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthConfig defines bearer token and development credential settings.
type AuthConfig struct {
	Secret    string
	Issuer    string
	DevTokens bool
	// DevActors seeds in-memory credentials as id:password pairs.
	DevActors map[string]string
}

// AccessConfig tunes the access core.
type AccessConfig struct {
	TokenTTL          time.Duration
	EmergencyDuration time.Duration
	SweepInterval     time.Duration
	QRScheme          string
}

// LimitConfig controls HTTP throttling and the failed-validation guard.
type LimitConfig struct {
	RatePerSec          float64
	Burst               int
	ValidateMaxFailures int
	ValidateWindow      time.Duration
}

// Load reads configuration from environment variables, applying defaults
// where possible. A .env file in the working directory is honoured.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr: getEnv("CG_HTTP_ADDR", ":8080"),
		GRPCAddr: getEnv("CG_GRPC_ADDR", ":9090"),
		Version:  getEnv("CG_VERSION", "dev"),
		LogLevel: getEnv("CG_LOG_LEVEL", "info"),
		Postgres: PostgresConfig{DSN: os.Getenv("CG_PG_DSN")},
		Redis: RedisConfig{
			Addr:     os.Getenv("CG_REDIS_ADDR"),
			Password: os.Getenv("CG_REDIS_PASSWORD"),
		},
		Auth: AuthConfig{
			Secret: os.Getenv("CG_AUTH_SECRET"),
			Issuer: getEnv("CG_AUTH_ISSUER", "consentgate"),
		},
		Access: AccessConfig{
			QRScheme: getEnv("CG_QR_SCHEME", "consentgate"),
		},
	}

	var err error
	if cfg.Redis.DB, err = getEnvAsInt("CG_REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.Auth.DevTokens, err = getEnvAsBool("CG_DEV_TOKENS", false); err != nil {
		return nil, err
	}
	if cfg.Auth.DevActors, err = parsePairs(os.Getenv("CG_DEV_ACTORS")); err != nil {
		return nil, fmt.Errorf("invalid CG_DEV_ACTORS: %w", err)
	}
	if cfg.Access.TokenTTL, err = getEnvAsDuration("CG_TOKEN_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Access.EmergencyDuration, err = getEnvAsDuration("CG_EMERGENCY_DURATION", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Access.SweepInterval, err = getEnvAsDuration("CG_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.Limits.RatePerSec, err = getEnvAsFloat("CG_RATE_PER_SEC", 20); err != nil {
		return nil, err
	}
	if cfg.Limits.Burst, err = getEnvAsInt("CG_RATE_BURST", 40); err != nil {
		return nil, err
	}
	if cfg.Limits.ValidateMaxFailures, err = getEnvAsInt("CG_VALIDATE_MAX_FAILURES", 5); err != nil {
		return nil, err
	}
	if cfg.Limits.ValidateWindow, err = getEnvAsDuration("CG_VALIDATE_WINDOW", time.Minute); err != nil {
		return nil, err
	}

	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("CG_AUTH_SECRET is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) (int, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvAsFloat(key string, fallback float64) (float64, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvAsBool(key string, fallback bool) (bool, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return parsed, nil
}

func parsePairs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, password, ok := strings.Cut(item, ":")
		id = strings.TrimSpace(id)
		if !ok || id == "" || password == "" {
			return nil, fmt.Errorf("expected id:password, got %q", item)
		}
		out[id] = password
	}
	return out, nil
}
