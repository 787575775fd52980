// Package config provides centralized configuration for the kline ingestor.
// Configuration is loaded in priority order: defaults, then an optional YAML
// file, then environment variable overrides, and validated as a whole.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the complete application configuration.
type AppConfig struct {
	AppName string `yaml:"app_name"`

	// Symbols is the fleet: the trading pairs ingested by fleet runs.
	Symbols []string `yaml:"symbols"`

	Binance   BinanceConfig   `yaml:"binance"`
	Blob      BlobConfig      `yaml:"blob"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pool      PoolConfig      `yaml:"pool"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BinanceConfig configures the upstream market data client.
type BinanceConfig struct {
	BaseURL           string `yaml:"base_url"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
	Timeout           string `yaml:"timeout"` // HTTP request timeout
}

// BlobConfig configures the partition object store.
type BlobConfig struct {
	Type string `yaml:"type"` // "fs", "memory"
	Root string `yaml:"root"` // Root directory for the fs store
}

// TrackingConfig configures the watermark tracking store.
type TrackingConfig struct {
	Type string `yaml:"type"` // "sqlite", "memory"
	Path string `yaml:"path"` // SQLite database file path
}

// ServerConfig configures the HTTP trigger surface.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// SchedulerConfig configures the daily fleet trigger.
type SchedulerConfig struct {
	Enabled bool   `yaml:"enabled"`
	DailyAt string `yaml:"daily_at"` // UTC wall-clock time, "HH:MM"
}

// PoolConfig configures the shared compute pool integration.
type PoolConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ManagementURL string `yaml:"management_url"`
	Token         string `yaml:"token"`
	PollInterval  string `yaml:"poll_interval"`
	PollAttempts  int    `yaml:"poll_attempts"`
	SkipPause     bool   `yaml:"skip_pause"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, text
	Output     string `yaml:"output"`      // stdout, stderr, file
	FilePath   string `yaml:"file_path"`   // Log file path when output is "file"
	MaxSize    int    `yaml:"max_size"`    // Maximum log file size in MB
	MaxBackups int    `yaml:"max_backups"` // Rotated files to keep
	MaxAge     int    `yaml:"max_age"`     // Maximum rotated file age in days
	Compress   bool   `yaml:"compress"`    // Compress rotated files
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "kline-ingestor",
		Symbols: []string{"BTCUSDT", "ETHUSDT"},
		Binance: BinanceConfig{
			BaseURL:           "https://api.binance.com",
			RequestsPerSecond: 10,
			Timeout:           "30s",
		},
		Blob: BlobConfig{
			Type: "fs",
			Root: "./data/bronze",
		},
		Tracking: TrackingConfig{
			Type: "sqlite",
			Path: "./data/tracking.db",
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			Enabled: false,
			DailyAt: "01:00",
		},
		Pool: PoolConfig{
			Enabled:      false,
			PollInterval: "30s",
			PollAttempts: 20,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment variable overrides.
func Load(path string) (*AppConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *AppConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Missing file means defaults plus env only.
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadFromEnv(cfg *AppConfig) {
	if val := os.Getenv("APP_NAME"); val != "" {
		cfg.AppName = val
	}
	if val := os.Getenv("SYMBOLS"); val != "" {
		parts := strings.Split(val, ",")
		symbols := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				symbols = append(symbols, s)
			}
		}
		cfg.Symbols = symbols
	}

	if val := os.Getenv("BINANCE_BASE_URL"); val != "" {
		cfg.Binance.BaseURL = val
	}
	if val := os.Getenv("BINANCE_RATE_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Binance.RequestsPerSecond = n
		}
	}

	if val := os.Getenv("BLOB_TYPE"); val != "" {
		cfg.Blob.Type = val
	}
	if val := os.Getenv("BLOB_ROOT"); val != "" {
		cfg.Blob.Root = val
	}

	if val := os.Getenv("TRACKING_TYPE"); val != "" {
		cfg.Tracking.Type = val
	}
	if val := os.Getenv("TRACKING_PATH"); val != "" {
		cfg.Tracking.Path = val
	}

	if val := os.Getenv("SERVER_PORT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Server.Port = n
		}
	}

	if val := os.Getenv("SCHEDULER_ENABLED"); val != "" {
		cfg.Scheduler.Enabled = val == "true"
	}
	if val := os.Getenv("SCHEDULER_DAILY_AT"); val != "" {
		cfg.Scheduler.DailyAt = val
	}

	if val := os.Getenv("POOL_ENABLED"); val != "" {
		cfg.Pool.Enabled = val == "true"
	}
	if val := os.Getenv("POOL_MANAGEMENT_URL"); val != "" {
		cfg.Pool.ManagementURL = val
	}
	if val := os.Getenv("POOL_TOKEN"); val != "" {
		cfg.Pool.Token = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		cfg.Logging.Output = val
	}
	if val := os.Getenv("LOG_FILE_PATH"); val != "" {
		cfg.Logging.FilePath = val
	}
}

// Validate checks the configuration for internal consistency.
func (c *AppConfig) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	for _, s := range c.Symbols {
		if s != strings.ToUpper(s) {
			return fmt.Errorf("symbol %q must be uppercase", s)
		}
	}

	if c.Binance.BaseURL == "" {
		return fmt.Errorf("binance base_url is required")
	}
	if c.Binance.RequestsPerSecond <= 0 {
		return fmt.Errorf("binance requests_per_second must be positive")
	}
	if _, err := c.Binance.RequestTimeout(); err != nil {
		return fmt.Errorf("binance timeout: %w", err)
	}

	switch c.Blob.Type {
	case "fs":
		if c.Blob.Root == "" {
			return fmt.Errorf("blob root is required for fs store")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown blob type %q", c.Blob.Type)
	}

	switch c.Tracking.Type {
	case "sqlite":
		if c.Tracking.Path == "" {
			return fmt.Errorf("tracking path is required for sqlite store")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown tracking type %q", c.Tracking.Type)
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}

	if c.Scheduler.Enabled {
		if _, err := c.Scheduler.DailyOffset(); err != nil {
			return fmt.Errorf("scheduler daily_at: %w", err)
		}
	}

	if c.Pool.Enabled {
		if c.Pool.ManagementURL == "" {
			return fmt.Errorf("pool management_url is required when pool is enabled")
		}
		if _, err := c.Pool.Poll(); err != nil {
			return fmt.Errorf("pool poll_interval: %w", err)
		}
		if c.Pool.PollAttempts <= 0 {
			return fmt.Errorf("pool poll_attempts must be positive")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("log file_path is required when output is file")
	}

	return nil
}

// RequestTimeout parses the configured HTTP timeout.
func (c BinanceConfig) RequestTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(c.Timeout)
}

// DailyOffset parses the "HH:MM" daily trigger time as an offset from UTC
// midnight.
func (c SchedulerConfig) DailyOffset() (time.Duration, error) {
	parts := strings.SplitN(c.DailyAt, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", c.DailyAt)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", c.DailyAt)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", c.DailyAt)
	}
	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute, nil
}

// Poll parses the pool status polling interval.
func (c PoolConfig) Poll() (time.Duration, error) {
	if c.PollInterval == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(c.PollInterval)
}
