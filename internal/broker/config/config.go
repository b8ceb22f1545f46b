// Package config loads the broker's process configuration from
// defaults, an optional YAML file, and TASKMUX_-prefixed environment
// variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "TASKMUX_"

// Config holds the broker's runtime configuration. The dispatch
// tunables (lease durations, queue bounds) are not here; they live in
// the settings store so they can be adjusted without a restart.
type Config struct {
	Addr       string `koanf:"addr"`        // TCP listen address (e.g. ":4590")
	DataDir    string `koanf:"data_dir"`    // Data directory for DB and socket
	AuthToken  string `koanf:"auth_token"`  // Pre-shared agent token (prod mode)
	HMACSecret string `koanf:"hmac_secret"` // HMAC-SHA256 challenge secret (prod mode)
	LogLevel   string `koanf:"log_level"`   // debug, info, warn, error
}

// Load builds the configuration. configPath may be empty, in which
// case only defaults and environment variables apply.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"addr":        ":4590",
		"data_dir":    defaultDataDir(),
		"auth_token":  "",
		"hmac_secret": "",
		"log_level":   "info",
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	// TASKMUX_DATA_DIR=/srv/taskmux -> data_dir. Keys are flat, so
	// underscores are part of the key, not a nesting delimiter.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// DevMode reports whether the broker runs without authentication.
// Only the combination "no token and no secret" is dev mode; setting
// exactly one of the two is rejected by Validate.
func (c *Config) DevMode() bool {
	return c.AuthToken == "" && c.HMACSecret == ""
}

// Validate checks the configuration values and ensures required
// directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}

	if (c.AuthToken == "") != (c.HMACSecret == "") {
		return fmt.Errorf("auth_token and hmac_secret must be configured together")
	}

	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	// Ensure data dir exists.
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	return nil
}

func parseLogLevel(s string) (string, error) {
	switch strings.ToLower(s) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(s), nil
	default:
		return "", fmt.Errorf("unknown level %q", s)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "taskmux", "broker")
	}
	return filepath.Join(home, ".config", "taskmux", "broker")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "broker.db")
}

// SocketPath returns the path to the Unix domain socket.
func (c *Config) SocketPath() string {
	return filepath.Join(c.DataDir, "broker.sock")
}
