// Package config loads engine configuration from the environment, with
// an optional TOML file for the serve command.
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all engine configuration.
type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Render  RenderConfig
	Logging LogConfig
}

// ServerConfig holds dev server configuration.
type ServerConfig struct {
	Port              string `envconfig:"PORT" default:"8090" toml:"port"`
	Host              string `envconfig:"HOST" default:"0.0.0.0" toml:"host"`
	RequestsPerSecond int    `envconfig:"RATE_LIMIT_RPS" default:"100" toml:"requests_per_second"`
	Burst             int    `envconfig:"RATE_LIMIT_BURST" default:"200" toml:"burst"`
}

// StoreConfig holds package store configuration.
type StoreConfig struct {
	Dir           string `envconfig:"STORE_DIR" default:"packages" toml:"dir"`
	AllowUnsigned bool   `envconfig:"ALLOW_UNSIGNED" default:"true" toml:"allow_unsigned"`
	TrustDir      string `envconfig:"TRUST_DIR" toml:"trust_dir"`
	HashAlgorithm string `envconfig:"HASH_ALGORITHM" default:"sha256" toml:"hash_algorithm"`
}

// RenderConfig holds composition configuration.
type RenderConfig struct {
	BaseURL       string `envconfig:"BASE_URL" toml:"base_url"`
	CacheEnabled  bool   `envconfig:"CACHE_ENABLED" default:"true" toml:"cache_enabled"`
	Sanitize      bool   `envconfig:"SANITIZE_UNSIGNED" default:"false" toml:"sanitize_unsigned"`
	RemoteContent string `envconfig:"REMOTE_CONTENT_URL" toml:"remote_content_url"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" toml:"development"`
}

// Load reads configuration from APPLETFORGE_-prefixed environment
// variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("appletforge", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile reads environment configuration, then overlays values from
// a TOML file on top.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8090", Host: "0.0.0.0", RequestsPerSecond: 100, Burst: 200},
		Store:   StoreConfig{Dir: "packages", AllowUnsigned: true},
		Render:  RenderConfig{CacheEnabled: true},
		Logging: LogConfig{Level: "info"},
	}
}
