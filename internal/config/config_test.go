package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsclarke/orphanfinder/internal/db"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orphanfinder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	t.Setenv("ORPHANFINDER_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.API.Port)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 300*time.Second, cfg.SessionTimeout)
	assert.ErrorIs(t, cfg.Validate(), ErrNoDatabaseURL)
}

func TestFileThenEnv(t *testing.T) {
	path := writeFile(t, `
database:
  url: mysql://recorder@db.local/homeassistant
  username: reader
api:
  port: 9000
directory: /etc/orphanfinder/live.yaml
workers: 2
session_timeout: 90s
`)
	t.Setenv("ORPHANFINDER_DB_PASSWORD", "p@ss word")
	t.Setenv("ORPHANFINDER_WORKERS", "6")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "mysql://recorder@db.local/homeassistant", cfg.Database.URL)
	assert.Equal(t, 9000, cfg.API.Port)
	assert.Equal(t, "/etc/orphanfinder/live.yaml", cfg.DirectoryPath)
	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, 90*time.Second, cfg.SessionTimeout)
	assert.Equal(t, db.ConnConfig{
		URL:      "mysql://recorder@db.local/homeassistant",
		Username: "reader",
		Password: "p@ss word",
	}, cfg.ConnConfig())
}

func TestConfigPathFromEnv(t *testing.T) {
	path := writeFile(t, "database:\n  url: sqlite:////config/home-assistant_v2.db\n")
	t.Setenv("ORPHANFINDER_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite:////config/home-assistant_v2.db", cfg.Database.URL)
}

func TestBadInput(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "workers: [1, 2"))
	assert.Error(t, err)

	t.Setenv("ORPHANFINDER_API_PORT", "eighty")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Database.URL = "postgresql://localhost/ha"
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown dialect", func(c *Config) { c.Database.URL = "oracle://x" }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"bad port", func(c *Config) { c.API.Port = 70000 }},
		{"zero timeout", func(c *Config) { c.SessionTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	c := valid()
	c.Database.URL = "oracle://x"
	assert.ErrorIs(t, c.Validate(), db.ErrUnsupportedDialect)
}
