// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Server ServerConfig `yaml:"server"`
	System SystemConfig `yaml:"system"`
	Market MarketConfig `yaml:"market"`
	Seed   SeedConfig   `yaml:"seed"`
}

// ServerConfig contains the HTTP/WebSocket server settings
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	StaticDir      string   `yaml:"static_dir"`
	EnableMetrics  bool     `yaml:"enable_metrics"`
	WSRateLimit    float64  `yaml:"ws_rate_limit"`
	WSRateBurst    int      `yaml:"ws_rate_burst"`
	MaxWSClients   int      `yaml:"max_ws_clients"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`
}

// MarketConfig contains the market engine parameters
type MarketConfig struct {
	CandleSeconds       int64   `yaml:"candle_seconds"`        // live bucket width
	TickSeconds         float64 `yaml:"tick_seconds"`          // loop cadence
	StartPrice          float64 `yaml:"start_price"`           // initial mid before the game starts
	InitialUSDLiquidity float64 `yaml:"initial_usd_liquidity"` // seeds pool y; x = y/price
	FeeRate             float64 `yaml:"fee_rate"`              // on input for BUY, on gross output for SELL
	MinEquity           float64 `yaml:"min_equity"`
	LeverageMax         float64 `yaml:"leverage_max"`
	StopoutEquity       float64 `yaml:"stopout_equity"` // 0 disables liquidation
	InitialCash         float64 `yaml:"initial_cash"`   // wallet balance granted on join
}

// SeedConfig controls the synthetic chart history prefill
type SeedConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Seconds       int64   `yaml:"seconds"`        // how far back the history should reach
	CandleSeconds int64   `yaml:"candle_seconds"` // seed bucket width (coarser than live)
	StepPct       float64 `yaml:"step_pct"`       // per-bucket random-walk amplitude
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateServerConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateMarketConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSeedConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateServerConfig() error {
	if c.Server.Addr == "" {
		return ValidationError{
			Field:   "server.addr",
			Message: "listen address is required",
		}
	}
	if len(c.Server.AllowedOrigins) == 0 {
		return ValidationError{
			Field:   "server.allowed_origins",
			Message: "at least one allowed origin is required",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if c.System.DBPath == "" {
		return ValidationError{
			Field:   "system.db_path",
			Message: "database path is required",
		}
	}
	return nil
}

func (c *Config) validateMarketConfig() error {
	if c.Market.CandleSeconds < 1 {
		return ValidationError{
			Field:   "market.candle_seconds",
			Value:   c.Market.CandleSeconds,
			Message: "must be at least 1",
		}
	}
	if c.Market.TickSeconds <= 0 {
		return ValidationError{
			Field:   "market.tick_seconds",
			Value:   c.Market.TickSeconds,
			Message: "must be positive",
		}
	}
	if c.Market.StartPrice <= 0 {
		return ValidationError{
			Field:   "market.start_price",
			Value:   c.Market.StartPrice,
			Message: "must be positive",
		}
	}
	if c.Market.InitialUSDLiquidity <= 0 {
		return ValidationError{
			Field:   "market.initial_usd_liquidity",
			Value:   c.Market.InitialUSDLiquidity,
			Message: "must be positive",
		}
	}
	if c.Market.FeeRate < 0 || c.Market.FeeRate >= 1 {
		return ValidationError{
			Field:   "market.fee_rate",
			Value:   c.Market.FeeRate,
			Message: "must be in [0, 1)",
		}
	}
	if c.Market.InitialCash <= 0 {
		return ValidationError{
			Field:   "market.initial_cash",
			Value:   c.Market.InitialCash,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateSeedConfig() error {
	if !c.Seed.Enabled {
		return nil
	}
	if c.Seed.Seconds <= 0 {
		return ValidationError{
			Field:   "seed.seconds",
			Value:   c.Seed.Seconds,
			Message: "must be positive when seeding is enabled",
		}
	}
	if c.Seed.CandleSeconds < 1 {
		return ValidationError{
			Field:   "seed.candle_seconds",
			Value:   c.Seed.CandleSeconds,
			Message: "must be at least 1",
		}
	}
	return nil
}

// String returns a YAML rendering of the configuration
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the baseline configuration; LoadConfig overlays the
// file on top of it, so omitted keys keep these values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
			AllowedOrigins: []string{
				"http://localhost",
				"http://localhost:3000",
				"http://127.0.0.1",
				"http://127.0.0.1:3000",
			},
			EnableMetrics: true,
			WSRateLimit:   10.0,
			WSRateBurst:   20,
			MaxWSClients:  1000,
		},
		System: SystemConfig{
			LogLevel: "INFO",
			DBPath:   "data/arena.db",
		},
		Market: MarketConfig{
			CandleSeconds:       1,
			TickSeconds:         1.0,
			StartPrice:          100.0,
			InitialUSDLiquidity: 2_000_000.0,
			FeeRate:             0.0,
			MinEquity:           0.0,
			LeverageMax:         3.0,
			StopoutEquity:       0.0,
			InitialCash:         10_000.0,
		},
		Seed: SeedConfig{
			Enabled:       true,
			Seconds:       7 * 24 * 60 * 60,
			CandleSeconds: 60,
			StepPct:       0.0007,
		},
	}
}
