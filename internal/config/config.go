// Package config loads service settings from defaults, an optional YAML
// file and ORPHANFINDER_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rsclarke/orphanfinder/internal/db"
	"github.com/rsclarke/orphanfinder/internal/session"
	"github.com/rsclarke/orphanfinder/internal/workpool"
)

const envPrefix = "ORPHANFINDER_"

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`

	// DirectoryPath points at the live directory snapshot. Empty means
	// every entity is treated as unknown to the live system.
	DirectoryPath  string        `yaml:"directory"`
	Workers        int           `yaml:"workers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type APIConfig struct {
	Port int `yaml:"port"`
	// Key is a full API key. KeyPrefix and KeyHash may be set instead so the
	// secret never sits in the config file.
	Key       string `yaml:"key"`
	KeyPrefix string `yaml:"key_prefix"`
	KeyHash   string `yaml:"key_hash"`
	URL       string `yaml:"url"`
}

func Default() *Config {
	return &Config{
		API: APIConfig{
			Port: 8081,
			URL:  "http://localhost:8081",
		},
		Workers:        workpool.DefaultSize,
		SessionTimeout: session.DefaultTimeout,
	}
}

// Load returns defaults overlaid with the YAML file at path (if non-empty)
// and then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Database.URL, "DB_URL")
	setString(&c.Database.Username, "DB_USERNAME")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.DirectoryPath, "DIRECTORY")
	setString(&c.API.Key, "API_KEY")
	setString(&c.API.KeyPrefix, "API_KEY_PREFIX")
	setString(&c.API.KeyHash, "API_KEY_HASH")
	setString(&c.API.URL, "API_URL")

	if err := setInt(&c.API.Port, "API_PORT"); err != nil {
		return err
	}
	if err := setInt(&c.Workers, "WORKERS"); err != nil {
		return err
	}
	if v := os.Getenv(envPrefix + "SESSION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sSESSION_TIMEOUT: %w", envPrefix, err)
		}
		c.SessionTimeout = d
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = n
	return nil
}

var (
	ErrNoDatabaseURL = errors.New("database url is required")
	errWorkers       = errors.New("workers must be positive")
	errPort          = errors.New("api port must be between 1 and 65535")
	errTimeout       = errors.New("session timeout must be positive")
)

// Validate checks the settings needed to serve scans.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return ErrNoDatabaseURL
	}
	if _, err := db.DialectFromURL(c.Database.URL); err != nil {
		return err
	}
	if c.Workers <= 0 {
		return errWorkers
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return errPort
	}
	if c.SessionTimeout <= 0 {
		return errTimeout
	}
	return nil
}

// ConnConfig returns the database connection settings.
func (c *Config) ConnConfig() db.ConnConfig {
	return db.ConnConfig{
		URL:      c.Database.URL,
		Username: c.Database.Username,
		Password: c.Database.Password,
	}
}
