// Package appconfig manages application configuration and local file paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const appName = "npctl"

// Sort orders for service listings.
const (
	SortByName    = "name"
	SortByCreated = "created"
)

// ServicesConfig controls how services are listed and shown.
type ServicesConfig struct {
	SortOrder    string `yaml:"sort_order"`
	AdvancedMode bool   `yaml:"advanced_mode"`
}

// DefaultsConfig holds query parameters applied to newly created instances.
// Empty values are left out of the command.
type DefaultsConfig struct {
	Log string `yaml:"log"`
	TLS string `yaml:"tls"`
}

// Config holds application-level configuration.
type Config struct {
	LogLevel              string         `yaml:"log_level"`
	RequestTimeoutSeconds int            `yaml:"request_timeout_seconds"`
	Services              ServicesConfig `yaml:"services"`
	Defaults              DefaultsConfig `yaml:"defaults"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		LogLevel:              "warn",
		RequestTimeoutSeconds: 10,
		Services:              ServicesConfig{SortOrder: SortByName},
	}
}

// RequestTimeout is the per-request deadline for master API calls.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/npctl.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", appName), nil
}

func pathIn(name string) (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, name), nil
}

// ServersFilePath returns the full path to servers.yaml.
func ServersFilePath() (string, error) { return pathIn("servers.yaml") }

// ServicesDBPath returns the full path to the services database.
func ServicesDBPath() (string, error) { return pathIn("services.db") }

// EventsFilePath returns the full path to events.jsonl.
func EventsFilePath() (string, error) { return pathIn("events.jsonl") }

// Load reads config.yaml from the config directory and applies environment
// overrides. If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return Config{}, err
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("NPCTL_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("NPCTL_REQUEST_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RequestTimeoutSeconds = n
		}
	}
}

func normalize(cfg *Config) {
	def := Default()
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = def.RequestTimeoutSeconds
	}
	switch cfg.Services.SortOrder {
	case SortByName, SortByCreated:
	default:
		cfg.Services.SortOrder = def.Services.SortOrder
	}
	cfg.Defaults.Log = strings.TrimSpace(cfg.Defaults.Log)
	cfg.Defaults.TLS = strings.TrimSpace(cfg.Defaults.TLS)
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d, "config.yaml"), b, 0o600)
}
