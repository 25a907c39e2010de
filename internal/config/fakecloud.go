package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FakeCloud holds the configuration of the local cloud API stand-in.
type FakeCloud struct {
	ListenAddr      string        `mapstructure:"FAKECLOUD_LISTEN_ADDR"`
	BasePath        string        `mapstructure:"FAKECLOUD_BASE_PATH"`
	ParentToken     string        `mapstructure:"FAKECLOUD_PARENT_TOKEN"`
	ParentAccountID string        `mapstructure:"FAKECLOUD_PARENT_ACCOUNT_ID"`
	SigningKey      string        `mapstructure:"FAKECLOUD_SIGNING_KEY"`
	ProxyLifetime   time.Duration `mapstructure:"FAKECLOUD_PROXY_LIFETIME"`
	OmitExpiry      bool          `mapstructure:"FAKECLOUD_OMIT_EXPIRY"`
}

// LoadFakeCloud reads the fake cloud configuration the same way Load does.
func LoadFakeCloud() (*FakeCloud, error) {
	v := viper.New()

	if err := readDotEnv(v); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	v.SetDefault("FAKECLOUD_LISTEN_ADDR", "127.0.0.1:9090")
	v.SetDefault("FAKECLOUD_BASE_PATH", "/v4")
	v.SetDefault("FAKECLOUD_PARENT_TOKEN", "")
	v.SetDefault("FAKECLOUD_PARENT_ACCOUNT_ID", "")
	v.SetDefault("FAKECLOUD_SIGNING_KEY", "")
	v.SetDefault("FAKECLOUD_PROXY_LIFETIME", 15*time.Minute)
	v.SetDefault("FAKECLOUD_OMIT_EXPIRY", false)

	var cfg FakeCloud
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.ParentToken == "" || cfg.ParentAccountID == "" {
		return nil, errors.New("config: FAKECLOUD_PARENT_TOKEN and FAKECLOUD_PARENT_ACCOUNT_ID must be set")
	}
	if len(cfg.SigningKey) < 32 {
		return nil, errors.New("config: FAKECLOUD_SIGNING_KEY must be at least 32 characters")
	}
	if cfg.ProxyLifetime <= 0 {
		return nil, errors.New("config: FAKECLOUD_PROXY_LIFETIME must be positive")
	}
	return &cfg, nil
}
