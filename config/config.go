// Package config provides configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Modules ModulesConfig `yaml:"modules"`
	Locks   LocksConfig   `yaml:"locks"`
	Journal JournalConfig `yaml:"journal"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ModulesConfig configures module discovery and lifecycle.
type ModulesConfig struct {
	Dir         string        `yaml:"dir"`
	Watch       bool          `yaml:"watch"`
	AutoResolve bool          `yaml:"auto_resolve"`
	AutoStart   bool          `yaml:"auto_start"`
	Debounce    time.Duration `yaml:"debounce"`

	// Builtin lists the built-in activators to install at startup.
	Builtin []string `yaml:"builtin"`
}

// LocksConfig bounds catalog lock acquisition.
type LocksConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// JournalConfig configures the lifecycle journal.
type JournalConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Driver   string `yaml:"driver"` // "sqlite" or "memory"
	DSN      string `yaml:"dsn"`
	Capacity int    `yaml:"capacity"` // entries kept by the memory driver
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default: /metrics
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from YAML, then applies environment overrides and
// defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Default()
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	return finish(cfg)
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	MODHOST_SERVER_HOST          - Server host (default: 127.0.0.1)
//	MODHOST_SERVER_PORT          - Server port (default: 8380)
//	MODHOST_MODULES_DIR          - Modules directory (default: modules)
//	MODHOST_MODULES_WATCH        - Watch the modules directory (default: true)
//	MODHOST_MODULES_AUTO_RESOLVE - React to capability changes (default: true)
//	MODHOST_MODULES_AUTO_START   - Start modules once installed (default: true)
//	MODHOST_LOCKS_TIMEOUT        - Catalog lock timeout (default: 30s)
//	MODHOST_JOURNAL_ENABLED      - Record lifecycle events (default: true)
//	MODHOST_JOURNAL_DRIVER       - Journal driver: sqlite or memory (default: sqlite)
//	MODHOST_JOURNAL_DSN          - Journal database path (default: modhost.db)
//	MODHOST_LOG_LEVEL            - Log level: debug, info, warn, error (default: info)
//	MODHOST_LOG_FORMAT           - Log format: json or console (default: json)
//	MODHOST_METRICS_ENABLED      - Enable /metrics (default: true)
func LoadFromEnv() (*Config, error) {
	return finish(Default())
}

// LoadWithFallback loads the file when it exists and falls back to the environment.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

func finish(cfg *Config) (*Config, error) {
	applyEnvOverrides(cfg)
	setDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is set. Boolean switches
// default on; a file or environment variable turns them off.
func Default() *Config {
	cfg := &Config{
		Modules: ModulesConfig{Watch: true, AutoResolve: true, AutoStart: true},
		Journal: JournalConfig{Enabled: true},
		Metrics: MetricsConfig{Enabled: true},
	}
	setDefaults(cfg)
	return cfg
}

// applyEnvOverrides applies MODHOST_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	envString("MODHOST_SERVER_HOST", &cfg.Server.Host)
	if v := os.Getenv("MODHOST_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	envDuration("MODHOST_SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("MODHOST_SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)

	envString("MODHOST_MODULES_DIR", &cfg.Modules.Dir)
	envBool("MODHOST_MODULES_WATCH", &cfg.Modules.Watch)
	envBool("MODHOST_MODULES_AUTO_RESOLVE", &cfg.Modules.AutoResolve)
	envBool("MODHOST_MODULES_AUTO_START", &cfg.Modules.AutoStart)
	envDuration("MODHOST_MODULES_DEBOUNCE", &cfg.Modules.Debounce)
	if v := os.Getenv("MODHOST_MODULES_BUILTIN"); v != "" {
		cfg.Modules.Builtin = splitList(v)
	}

	envDuration("MODHOST_LOCKS_TIMEOUT", &cfg.Locks.Timeout)

	envBool("MODHOST_JOURNAL_ENABLED", &cfg.Journal.Enabled)
	envString("MODHOST_JOURNAL_DRIVER", &cfg.Journal.Driver)
	envString("MODHOST_JOURNAL_DSN", &cfg.Journal.DSN)

	envString("MODHOST_LOG_LEVEL", &cfg.Logging.Level)
	envString("MODHOST_LOG_FORMAT", &cfg.Logging.Format)

	envBool("MODHOST_METRICS_ENABLED", &cfg.Metrics.Enabled)
	envString("MODHOST_METRICS_PATH", &cfg.Metrics.Path)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = parseBool(v)
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8380
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}

	if cfg.Modules.Dir == "" {
		cfg.Modules.Dir = "modules"
	}
	if cfg.Modules.Debounce == 0 {
		cfg.Modules.Debounce = 250 * time.Millisecond
	}

	if cfg.Locks.Timeout == 0 {
		cfg.Locks.Timeout = 30 * time.Second
	}

	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	if cfg.Journal.DSN == "" {
		cfg.Journal.DSN = "modhost.db"
	}
	if cfg.Journal.Capacity == 0 {
		cfg.Journal.Capacity = 1000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Validate checks the configuration for values the host cannot run with.
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 0 and 65535, got %d", cfg.Server.Port))
	}
	if cfg.Locks.Timeout < 0 {
		errs = append(errs, fmt.Errorf("locks.timeout must not be negative, got %s", cfg.Locks.Timeout))
	}
	if cfg.Modules.Debounce < 0 {
		errs = append(errs, fmt.Errorf("modules.debounce must not be negative, got %s", cfg.Modules.Debounce))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, fmt.Errorf("logging.level must be one of: debug, info, warn, error, got %q", cfg.Logging.Level))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format))
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with '/', got %q", cfg.Metrics.Path))
	}
	if cfg.Journal.Driver != "sqlite" && cfg.Journal.Driver != "memory" {
		errs = append(errs, fmt.Errorf("journal.driver must be 'sqlite' or 'memory', got %q", cfg.Journal.Driver))
	}
	if cfg.Journal.Enabled && cfg.Journal.Driver == "sqlite" && cfg.Journal.DSN == "" {
		errs = append(errs, errors.New("journal.dsn is required for the sqlite journal"))
	}
	if cfg.Journal.Capacity < 0 {
		errs = append(errs, fmt.Errorf("journal.capacity must not be negative, got %d", cfg.Journal.Capacity))
	}

	return errors.Join(errs...)
}
