package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration. Values are resolved in
// order: built-in defaults, then the YAML config file (if present), then
// LICENSEGATE_* environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Database  DatabaseConfig  `yaml:"database" envconfig:"DATABASE"`
	Redis     RedisConfig     `yaml:"redis" envconfig:"REDIS"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`

	// Global request-per-second guard applied before any business logic.
	// Distinct from the per-identifier sliding windows in RateLimit.
	GlobalRPS   float64 `yaml:"global_rps" envconfig:"GLOBAL_RPS"`
	GlobalBurst int     `yaml:"global_burst" envconfig:"GLOBAL_BURST"`
}

// DatabaseConfig contains the license store connection settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" envconfig:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
}

// RedisConfig contains the rate-limit counter store settings. An empty
// Addr means no Redis is configured; the limiter then runs in degraded
// fail-open mode and says so loudly at startup.
type RedisConfig struct {
	Addr        string        `yaml:"addr" envconfig:"ADDR"`
	Password    string        `yaml:"password" envconfig:"PASSWORD"`
	DB          int           `yaml:"db" envconfig:"DB"`
	DialTimeout time.Duration `yaml:"dial_timeout" envconfig:"DIAL_TIMEOUT"`
	OpTimeout   time.Duration `yaml:"op_timeout" envconfig:"OP_TIMEOUT"`
}

// WindowConfig is one sliding-window rate limit: Limit requests per Window.
type WindowConfig struct {
	Limit  int           `yaml:"limit" envconfig:"LIMIT"`
	Window time.Duration `yaml:"window" envconfig:"WINDOW"`
}

// RateLimitConfig holds the four independent per-identifier windows.
type RateLimitConfig struct {
	Enabled    bool         `yaml:"enabled" envconfig:"ENABLED"`
	General    WindowConfig `yaml:"general" envconfig:"GENERAL"`
	Activation WindowConfig `yaml:"activation" envconfig:"ACTIVATION"`
	List       WindowConfig `yaml:"list" envconfig:"LIST"`
	Failed     WindowConfig `yaml:"failed" envconfig:"FAILED"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			GlobalRPS:       100,
			GlobalBurst:     50,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			DialTimeout: 2 * time.Second,
			OpTimeout:   500 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			General:    WindowConfig{Limit: 60, Window: time.Hour},
			Activation: WindowConfig{Limit: 60, Window: time.Hour},
			List:       WindowConfig{Limit: 60, Window: time.Minute},
			Failed:     WindowConfig{Limit: 60, Window: time.Hour},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "stdout",
			FilePath: "logs/licensegate.log",
		},
	}
}

// Load resolves the configuration from defaults, an optional YAML file
// (path from LICENSEGATE_CONFIG, falling back to config.yaml), and
// LICENSEGATE_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv("LICENSEGATE_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := envconfig.Process("LICENSEGATE", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	for name, w := range map[string]WindowConfig{
		"general":    c.RateLimit.General,
		"activation": c.RateLimit.Activation,
		"list":       c.RateLimit.List,
		"failed":     c.RateLimit.Failed,
	} {
		if w.Limit <= 0 {
			return fmt.Errorf("rate limit %s: limit must be positive, got %d", name, w.Limit)
		}
		if w.Window <= 0 {
			return fmt.Errorf("rate limit %s: window must be positive, got %s", name, w.Window)
		}
	}
	return nil
}
