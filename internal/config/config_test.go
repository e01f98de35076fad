package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arena.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(1), cfg.Market.CandleSeconds)
	assert.Equal(t, 1.0, cfg.Market.TickSeconds)
	assert.Equal(t, 100.0, cfg.Market.StartPrice)
	assert.Equal(t, 3.0, cfg.Market.LeverageMax)
	assert.Equal(t, 10_000.0, cfg.Market.InitialCash)
	assert.Equal(t, int64(60), cfg.Seed.CandleSeconds)
	assert.True(t, cfg.Seed.Enabled)
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
market:
  start_price: 50.0
  leverage_max: 5.0
system:
  db_path: /tmp/test.db
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 50.0, cfg.Market.StartPrice)
	assert.Equal(t, 5.0, cfg.Market.LeverageMax)
	assert.Equal(t, "/tmp/test.db", cfg.System.DBPath)
	// untouched keys keep defaults
	assert.Equal(t, 1.0, cfg.Market.TickSeconds)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("ARENA_DB", "/var/lib/arena/game.db")

	path := writeConfig(t, `
system:
  db_path: ${ARENA_DB}
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/arena/game.db", cfg.System.DBPath)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/arena.yaml")
	assert.Error(t, err)
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.System.LogLevel = "LOUD" }},
		{"empty db path", func(c *Config) { c.System.DBPath = "" }},
		{"zero candle seconds", func(c *Config) { c.Market.CandleSeconds = 0 }},
		{"negative tick", func(c *Config) { c.Market.TickSeconds = -1 }},
		{"zero start price", func(c *Config) { c.Market.StartPrice = 0 }},
		{"fee rate too high", func(c *Config) { c.Market.FeeRate = 1.0 }},
		{"zero initial cash", func(c *Config) { c.Market.InitialCash = 0 }},
		{"no origins", func(c *Config) { c.Server.AllowedOrigins = nil }},
		{"seed without span", func(c *Config) { c.Seed.Enabled = true; c.Seed.Seconds = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_SeedDisabledSkipsSeedChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed.Enabled = false
	cfg.Seed.Seconds = 0
	assert.NoError(t, cfg.Validate())
}
