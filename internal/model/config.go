package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers accepted by ServerConfig.Driver.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// ServerConfig holds settings for `flow serve`.
type ServerConfig struct {
	// Addr is the host:port the HTTP API listens on.
	Addr string `mapstructure:"addr" yaml:"addr"`

	// Driver selects the repository backend ("sqlite" or "memory").
	Driver string `mapstructure:"driver" yaml:"driver"`

	// DBPath is the SQLite database file. ":memory:" is allowed.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// Seed loads the demo issues when the store starts out empty.
	Seed bool `mapstructure:"seed" yaml:"seed"`
}

// ClientConfig holds settings for the board and the HTTP client.
type ClientConfig struct {
	// BaseURL is the root URL of the issues API.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// CommitTimeout bounds the remote call of a single transaction.
	CommitTimeout time.Duration `mapstructure:"commit_timeout" yaml:"commit_timeout"`

	// RequestTimeout bounds a single HTTP round-trip.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// RefreshOnPersist refetches the full list after every persisted
	// transaction so server-assigned fields replace optimistic ones.
	RefreshOnPersist bool `mapstructure:"refresh_on_persist" yaml:"refresh_on_persist"`

	// PollInterval is how often the board refetches in the background.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// MaxRetries caps retries on HTTP 429.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// LogConfig holds structured logging settings.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Client ClientConfig `mapstructure:"client" yaml:"client"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

// ConfigDir returns ~/.config/flow, falling back to the working directory.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "flow")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/flow/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DefaultAppConfig returns a sensible default configuration.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Addr:   "127.0.0.1:8080",
			Driver: DriverSQLite,
			DBPath: filepath.Join(ConfigDir(), "flow.db"),
		},
		Client: ClientConfig{
			BaseURL:          "http://127.0.0.1:8080",
			CommitTimeout:    10 * time.Second,
			RequestTimeout:   30 * time.Second,
			RefreshOnPersist: true,
			PollInterval:     30 * time.Second,
			MaxRetries:       3,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultAppConfig()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.driver", d.Server.Driver)
	v.SetDefault("server.db_path", d.Server.DBPath)
	v.SetDefault("server.seed", d.Server.Seed)
	v.SetDefault("client.base_url", d.Client.BaseURL)
	v.SetDefault("client.commit_timeout", d.Client.CommitTimeout)
	v.SetDefault("client.request_timeout", d.Client.RequestTimeout)
	v.SetDefault("client.refresh_on_persist", d.Client.RefreshOnPersist)
	v.SetDefault("client.poll_interval", d.Client.PollInterval)
	v.SetDefault("client.max_retries", d.Client.MaxRetries)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with FLOW_ override file values, e.g.
// FLOW_SERVER_ADDR or FLOW_CLIENT_COMMIT_TIMEOUT. A missing file yields
// the defaults.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the rest of the program cannot run with.
func (c *AppConfig) Validate() error {
	switch c.Server.Driver {
	case DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unknown server.driver %q", c.Server.Driver)
	}
	if c.Client.CommitTimeout <= 0 {
		return fmt.Errorf("client.commit_timeout must be positive")
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("server", cfg.Server)
	v.Set("client", map[string]any{
		"base_url":           cfg.Client.BaseURL,
		"commit_timeout":     cfg.Client.CommitTimeout.String(),
		"request_timeout":    cfg.Client.RequestTimeout.String(),
		"refresh_on_persist": cfg.Client.RefreshOnPersist,
		"poll_interval":      cfg.Client.PollInterval.String(),
		"max_retries":        cfg.Client.MaxRetries,
	})
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
