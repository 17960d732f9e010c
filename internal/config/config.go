// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"APP_ENV"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	FeatureFlags   string `mapstructure:"FEATURE_FLAGS"`

	JWTSecret   string `mapstructure:"JWT_SECRET"`
	JWTIssuer   string `mapstructure:"JWT_ISSUER"`
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`

	// StoreBackend is "memory" or "mongo".
	StoreBackend     string `mapstructure:"STORE_BACKEND"`
	MongoURI         string `mapstructure:"MONGO_URI"`
	MongoDatabase    string `mapstructure:"MONGO_DATABASE"`
	StoreMaxInFilter int    `mapstructure:"STORE_MAX_IN_FILTER"`
	StoreTimeoutMS   int    `mapstructure:"STORE_TIMEOUT_MS"`

	RedisURL string `mapstructure:"REDIS_URL"`

	// JournalDriver is "sqlite" or "postgres".
	JournalDriver string `mapstructure:"JOURNAL_DRIVER"`
	JournalDSN    string `mapstructure:"JOURNAL_DSN"`

	FollowRetryAttempts  int           `mapstructure:"FOLLOW_RETRY_ATTEMPTS"`
	FollowRetryInitialMS int           `mapstructure:"FOLLOW_RETRY_INITIAL_MS"`
	FollowRetryMaxMS     int           `mapstructure:"FOLLOW_RETRY_MAX_MS"`
	PairLockTTLMS        int           `mapstructure:"PAIR_LOCK_TTL_MS"`
	ReconcileInterval    time.Duration `mapstructure:"RECONCILE_INTERVAL"`

	TracingEnabled      bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter     string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint        string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSamplerRatio float64 `mapstructure:"TRACING_SAMPLER_RATIO"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8375")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173")
	v.SetDefault("FEATURE_FLAGS", "live_feed=on,follow_notifications=on")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_AUDIENCE", "")
	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DATABASE", "plaza")
	v.SetDefault("STORE_MAX_IN_FILTER", 30)
	v.SetDefault("STORE_TIMEOUT_MS", 5000)
	v.SetDefault("REDIS_URL", "localhost:6379")
	v.SetDefault("JOURNAL_DRIVER", "sqlite")
	v.SetDefault("JOURNAL_DSN", "file:plaza-journal.db?_busy_timeout=5000")
	v.SetDefault("FOLLOW_RETRY_ATTEMPTS", 4)
	v.SetDefault("FOLLOW_RETRY_INITIAL_MS", 50)
	v.SetDefault("FOLLOW_RETRY_MAX_MS", 1000)
	v.SetDefault("PAIR_LOCK_TTL_MS", 5000)
	v.SetDefault("RECONCILE_INTERVAL", "0s")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_EXPORTER", "stdout")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	v.SetDefault("TRACING_SAMPLER_RATIO", 1.0)
}

// LoadConfig reads config.yml from ., .. or ../.., merges config.<APP_ENV>.yml
// for any environment other than development, applies environment variables
// and validates the result.
func LoadConfig() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	v.AddConfigPath("../..")
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AutomaticEnv()
	setDefaults(v)

	// The base file is optional.
	_ = v.ReadInConfig()

	env := strings.TrimSpace(v.GetString("APP_ENV"))
	if env != "" && env != "development" && env != "test" {
		v.SetConfigName("config." + env)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		slog.Info("loaded profile-specific configuration", slog.String("file", "config."+env+".yml"))
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func (c *Config) normalize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.JournalDriver = strings.ToLower(strings.TrimSpace(c.JournalDriver))
	c.TracingExporter = strings.ToLower(strings.TrimSpace(c.TracingExporter))
}

// IsProduction reports whether the app runs with production checks.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	switch c.StoreBackend {
	case "memory":
	case "mongo":
		if c.MongoURI == "" || c.MongoDatabase == "" {
			return errors.New("MONGO_URI and MONGO_DATABASE are required when STORE_BACKEND is mongo")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.JournalDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown JOURNAL_DRIVER %q", c.JournalDriver)
	}

	if c.FollowRetryAttempts < 1 || c.FollowRetryAttempts > 10 {
		return errors.New("FOLLOW_RETRY_ATTEMPTS must be between 1 and 10")
	}
	if c.FollowRetryInitialMS <= 0 || c.FollowRetryMaxMS < c.FollowRetryInitialMS {
		return errors.New("FOLLOW_RETRY_INITIAL_MS must be positive and not above FOLLOW_RETRY_MAX_MS")
	}
	if c.StoreMaxInFilter < 1 {
		return errors.New("STORE_MAX_IN_FILTER must be positive")
	}
	if c.TracingSamplerRatio < 0 || c.TracingSamplerRatio > 1 {
		return errors.New("TRACING_SAMPLER_RATIO must be between 0 and 1")
	}
	if c.ReconcileInterval < 0 {
		return errors.New("RECONCILE_INTERVAL cannot be negative")
	}

	if c.IsProduction() {
		if c.JWTSecret == defaultJWTSecret {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.StoreBackend == "memory" {
			return errors.New("STORE_BACKEND memory is not durable and cannot be used in production")
		}
		if c.AllowedOrigins == "*" {
			slog.Warn("ALLOWED_ORIGINS is set to '*' in production")
		}
	} else if len(c.JWTSecret) < 32 {
		slog.Warn("JWT_SECRET is shorter than 32 characters")
	}
	return nil
}

// StoreTimeout is the per-call deadline applied to document store operations.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMS) * time.Millisecond
}

// PairLockTTL is how long a follow pair lock is held before it expires on its own.
func (c *Config) PairLockTTL() time.Duration {
	return time.Duration(c.PairLockTTLMS) * time.Millisecond
}
