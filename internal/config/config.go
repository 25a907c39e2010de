// Package config loads application configuration from environment variables
// and an optional .env file using Viper.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the acctswitch configuration.
type Config struct {
	// APIBaseURL is the cloud API root, e.g. https://api.example.com/v4.
	APIBaseURL string `mapstructure:"ACCTSWITCH_API_BASE_URL"`
	ListenAddr string `mapstructure:"ACCTSWITCH_LISTEN_ADDR"`
	DBPath     string `mapstructure:"ACCTSWITCH_DB_PATH"`
	LogLevel   string `mapstructure:"ACCTSWITCH_LOG_LEVEL"`

	// SecretKeyHex is 64 hex characters; decoded into SecretKey by Load.
	SecretKeyHex string `mapstructure:"ACCTSWITCH_SECRET_KEY"`
	SecretKey    []byte `mapstructure:"-"`

	// ParentToken and ParentAccountID seed the parent credential when the
	// database holds no active credential. Stored credentials take priority.
	ParentToken     string `mapstructure:"ACCTSWITCH_PARENT_TOKEN"`
	ParentAccountID string `mapstructure:"ACCTSWITCH_PARENT_ACCOUNT_ID"`
	// ParentTokenExpiryRaw is an optional RFC 3339 timestamp.
	ParentTokenExpiryRaw string    `mapstructure:"ACCTSWITCH_PARENT_TOKEN_EXPIRY"`
	ParentTokenExpiry    time.Time `mapstructure:"-"`

	WarnThreshold       time.Duration `mapstructure:"ACCTSWITCH_WARN_THRESHOLD"`
	ClockSkewTolerance  time.Duration `mapstructure:"ACCTSWITCH_CLOCK_SKEW_TOLERANCE"`
	MaxProxyLifetime    time.Duration `mapstructure:"ACCTSWITCH_MAX_PROXY_LIFETIME"`
	RevokeMaxRetries    uint64        `mapstructure:"ACCTSWITCH_REVOKE_MAX_RETRIES"`
	RevokeRetryInterval time.Duration `mapstructure:"ACCTSWITCH_REVOKE_RETRY_INTERVAL"`
	HTTPTimeout         time.Duration `mapstructure:"ACCTSWITCH_HTTP_TIMEOUT"`
}

// HasParentSeed reports whether a parent credential is configured.
func (c *Config) HasParentSeed() bool {
	return c.ParentToken != "" && c.ParentAccountID != ""
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Environment variables override .env.
// ACCTSWITCH_API_BASE_URL and ACCTSWITCH_SECRET_KEY are required.
func Load() (*Config, error) {
	v := viper.New()

	if err := readDotEnv(v); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	v.SetDefault("ACCTSWITCH_API_BASE_URL", "")
	v.SetDefault("ACCTSWITCH_LISTEN_ADDR", "127.0.0.1:8080")
	v.SetDefault("ACCTSWITCH_DB_PATH", "acctswitch.db")
	v.SetDefault("ACCTSWITCH_LOG_LEVEL", "info")
	v.SetDefault("ACCTSWITCH_SECRET_KEY", "")
	v.SetDefault("ACCTSWITCH_PARENT_TOKEN", "")
	v.SetDefault("ACCTSWITCH_PARENT_ACCOUNT_ID", "")
	v.SetDefault("ACCTSWITCH_PARENT_TOKEN_EXPIRY", "")
	v.SetDefault("ACCTSWITCH_WARN_THRESHOLD", 5*time.Minute)
	v.SetDefault("ACCTSWITCH_CLOCK_SKEW_TOLERANCE", 30*time.Second)
	v.SetDefault("ACCTSWITCH_MAX_PROXY_LIFETIME", time.Hour)
	v.SetDefault("ACCTSWITCH_REVOKE_MAX_RETRIES", 3)
	v.SetDefault("ACCTSWITCH_REVOKE_RETRY_INTERVAL", 500*time.Millisecond)
	v.SetDefault("ACCTSWITCH_HTTP_TIMEOUT", 30*time.Second)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return errors.New("config: ACCTSWITCH_API_BASE_URL must be set")
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: ACCTSWITCH_API_BASE_URL %q must be an absolute URL", c.APIBaseURL)
	}

	if c.ListenAddr == "" {
		return errors.New("config: ACCTSWITCH_LISTEN_ADDR must be set")
	}

	key, err := decodeSecretKey(c.SecretKeyHex)
	if err != nil {
		return err
	}
	c.SecretKey = key

	if (c.ParentToken == "") != (c.ParentAccountID == "") {
		return errors.New("config: ACCTSWITCH_PARENT_TOKEN and ACCTSWITCH_PARENT_ACCOUNT_ID must be set together")
	}
	if raw := strings.TrimSpace(c.ParentTokenExpiryRaw); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("config: ACCTSWITCH_PARENT_TOKEN_EXPIRY has invalid timestamp %q: %w", raw, err)
		}
		c.ParentTokenExpiry = t.UTC()
	}

	if c.WarnThreshold < 0 {
		return errors.New("config: ACCTSWITCH_WARN_THRESHOLD must not be negative")
	}
	if c.ClockSkewTolerance < 0 {
		return errors.New("config: ACCTSWITCH_CLOCK_SKEW_TOLERANCE must not be negative")
	}
	if c.MaxProxyLifetime <= 0 {
		return errors.New("config: ACCTSWITCH_MAX_PROXY_LIFETIME must be positive")
	}
	if c.WarnThreshold >= c.MaxProxyLifetime {
		return errors.New("config: ACCTSWITCH_WARN_THRESHOLD must be shorter than ACCTSWITCH_MAX_PROXY_LIFETIME")
	}
	if c.RevokeRetryInterval <= 0 {
		return errors.New("config: ACCTSWITCH_REVOKE_RETRY_INTERVAL must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("config: ACCTSWITCH_HTTP_TIMEOUT must be positive")
	}
	return nil
}

// decodeSecretKey decodes a 64-character hex string into a 32-byte AES-256 key.
func decodeSecretKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, errors.New("config: ACCTSWITCH_SECRET_KEY must be set (64 hex characters)")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("config: ACCTSWITCH_SECRET_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: ACCTSWITCH_SECRET_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// readDotEnv loads .env from the working directory. A missing file is not
// an error; an unreadable or malformed one is.
func readDotEnv(v *viper.Viper) error {
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading .env: %w", err)
	}
	return nil
}
