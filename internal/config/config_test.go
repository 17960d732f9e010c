package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:                 "8080",
		Env:                  "development",
		JWTSecret:            "secure-secret-at-least-32-chars-long",
		StoreBackend:         "memory",
		JournalDriver:        "sqlite",
		StoreMaxInFilter:     30,
		FollowRetryAttempts:  4,
		FollowRetryInitialMS: 50,
		FollowRetryMaxMS:     1000,
		TracingSamplerRatio:  1,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
	}{
		{"valid development", func(*Config) {}, false},
		{"missing port", func(c *Config) { c.Port = "" }, true},
		{"unknown store", func(c *Config) { c.StoreBackend = "cassandra" }, true},
		{"mongo without uri", func(c *Config) { c.StoreBackend = "mongo" }, true},
		{"mongo with uri", func(c *Config) {
			c.StoreBackend, c.MongoURI, c.MongoDatabase = "mongo", "mongodb://db", "plaza"
		}, false},
		{"unknown journal", func(c *Config) { c.JournalDriver = "mysql" }, true},
		{"zero retries", func(c *Config) { c.FollowRetryAttempts = 0 }, true},
		{"max below initial", func(c *Config) { c.FollowRetryMaxMS = 10 }, true},
		{"sampler out of range", func(c *Config) { c.TracingSamplerRatio = 1.5 }, true},
		{"production with memory store", func(c *Config) { c.Env = "production" }, true},
		{"production with default secret", func(c *Config) {
			c.Env, c.StoreBackend, c.MongoURI, c.MongoDatabase = "production", "mongo", "mongodb://db", "plaza"
			c.JWTSecret = defaultJWTSecret
		}, true},
		{"production with short secret", func(c *Config) {
			c.Env, c.StoreBackend, c.MongoURI, c.MongoDatabase = "prod", "mongo", "mongodb://db", "plaza"
			c.JWTSecret = "short"
		}, true},
		{"production ready", func(c *Config) {
			c.Env, c.StoreBackend, c.MongoURI, c.MongoDatabase = "production", "mongo", "mongodb://db", "plaza"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfig_DefaultsAndEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("APP_ENV", "test")
	t.Setenv("STORE_BACKEND", "  MEMORY ")
	t.Setenv("FOLLOW_RETRY_ATTEMPTS", "6")
	t.Setenv("RECONCILE_INTERVAL", "15m")

	c, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "8375", c.Port)
	assert.Equal(t, "memory", c.StoreBackend)
	assert.Equal(t, 6, c.FollowRetryAttempts)
	assert.Equal(t, 15*time.Minute, c.ReconcileInterval)
	assert.Equal(t, "live_feed=on,follow_notifications=on", c.FeatureFlags)
	assert.Equal(t, 5*time.Second, c.StoreTimeout())
	assert.Equal(t, 5*time.Second, c.PairLockTTL())
}

func TestLoadConfig_ProfileOverlay(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte("PORT: \"9000\"\nMONGO_DATABASE: base\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.staging.yml"), []byte("MONGO_DATABASE: staging\nSTORE_MAX_IN_FILTER: 10\n"), 0o600))
	t.Setenv("APP_ENV", "staging")

	c, err := load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "9000", c.Port)
	assert.Equal(t, "staging", c.MongoDatabase)
	assert.Equal(t, 10, c.StoreMaxInFilter)

	t.Setenv("APP_ENV", "qa")
	_, err = LoadConfig()
	assert.Error(t, err)
}
