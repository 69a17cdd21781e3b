// Package config handles hbparity configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds all configuration for the application.
type Config struct {
	App    AppConfig
	Device DeviceConfig
	Parity ParityConfig
	Server ServerConfig
}

// AppConfig holds process-level configuration.
type AppConfig struct {
	LogLevel string
	OTel     bool
}

// DeviceConfig describes the simulated HammerBlade.
type DeviceConfig struct {
	TilesX      int
	TilesY      int
	DRAMBytes   int64
	MaxFailures int
	CoolDown    time.Duration
}

// ParityConfig controls suite runs.
type ParityConfig struct {
	Seed       uint64
	Examples   int
	ReportPath string
	ArrowPath  string
}

// ServerConfig holds HTTP server configuration. An empty Listen disables
// the server.
type ServerConfig struct {
	Listen          string
	MaxConcurrent   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Enabled reports whether the HTTP server should run.
func (s ServerConfig) Enabled() bool {
	return s.Listen != ""
}

var ErrInvalid = errors.New("invalid configuration")

// Load reads configuration from HB_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.App.LogLevel = getEnvOrDefault("HB_LOG_LEVEL", "info")
	otel, err := getEnvAsBool("HB_OTEL", false)
	if err != nil {
		return nil, fmt.Errorf("invalid HB_OTEL: %w", err)
	}
	cfg.App.OTel = otel

	if cfg.Device.TilesX, err = getEnvAsInt("HB_TILES_X", 16); err != nil {
		return nil, fmt.Errorf("invalid HB_TILES_X: %w", err)
	}
	if cfg.Device.TilesY, err = getEnvAsInt("HB_TILES_Y", 8); err != nil {
		return nil, fmt.Errorf("invalid HB_TILES_Y: %w", err)
	}
	if cfg.Device.DRAMBytes, err = ParseBytes(getEnvOrDefault("HB_DRAM", "64MB")); err != nil {
		return nil, fmt.Errorf("invalid HB_DRAM: %w", err)
	}
	if cfg.Device.MaxFailures, err = getEnvAsInt("HB_MAX_FAILURES", 3); err != nil {
		return nil, fmt.Errorf("invalid HB_MAX_FAILURES: %w", err)
	}
	if cfg.Device.CoolDown, err = getEnvAsDuration("HB_COOL_DOWN", 5*time.Second); err != nil {
		return nil, fmt.Errorf("invalid HB_COOL_DOWN: %w", err)
	}

	if cfg.Parity.Seed, err = getEnvAsUint64("HB_SEED", 1); err != nil {
		return nil, fmt.Errorf("invalid HB_SEED: %w", err)
	}
	if cfg.Parity.Examples, err = getEnvAsInt("HB_EXAMPLES", 100); err != nil {
		return nil, fmt.Errorf("invalid HB_EXAMPLES: %w", err)
	}
	cfg.Parity.ReportPath = getEnvOrDefault("HB_REPORT", "")
	cfg.Parity.ArrowPath = getEnvOrDefault("HB_ARROW", "")

	cfg.Server.Listen = getEnvOrDefault("HB_LISTEN", "")
	if cfg.Server.MaxConcurrent, err = getEnvAsInt("HB_MAX_CONCURRENT", 64); err != nil {
		return nil, fmt.Errorf("invalid HB_MAX_CONCURRENT: %w", err)
	}
	if cfg.Server.ReadTimeout, err = getEnvAsDuration("HB_READ_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("invalid HB_READ_TIMEOUT: %w", err)
	}
	if cfg.Server.WriteTimeout, err = getEnvAsDuration("HB_WRITE_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("invalid HB_WRITE_TIMEOUT: %w", err)
	}
	if cfg.Server.ShutdownTimeout, err = getEnvAsDuration("HB_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("invalid HB_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// Validate checks values that parse but make no sense.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.App.LogLevel); err != nil {
		return fmt.Errorf("%w: log level %q", ErrInvalid, c.App.LogLevel)
	}
	if c.Device.TilesX <= 0 || c.Device.TilesY <= 0 {
		return fmt.Errorf("%w: tile group %dx%d", ErrInvalid, c.Device.TilesX, c.Device.TilesY)
	}
	// The arena hands out 4-byte words.
	if c.Device.DRAMBytes < 4 {
		return fmt.Errorf("%w: dram must hold at least one word", ErrInvalid)
	}
	if c.Parity.Examples < 0 {
		return fmt.Errorf("%w: examples must not be negative", ErrInvalid)
	}
	if c.Server.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: max concurrent must be positive", ErrInvalid)
	}
	return nil
}

// ParseBytes parses sizes such as 4GB, 512MB, 64K or 1024.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, nil
	}

	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30}, {"G", 1 << 30},
		{"MB", 1 << 20}, {"M", 1 << 20},
		{"KB", 1 << 10}, {"K", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size %d", v)
	}
	return v * mult, nil
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(valueStr)
}

func getEnvAsUint64(key string, defaultValue uint64) (uint64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.ParseUint(valueStr, 10, 64)
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(valueStr)
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(valueStr)
}
