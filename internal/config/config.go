// Package config loads the sgnl command's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the complete sgnl configuration.
type Config struct {
	// Store selects and locates the key store.
	Store StoreConfig `toml:"store"`

	// PreKeys controls pre-key generation.
	PreKeys PreKeyConfig `toml:"pre_keys"`

	// Verbose enables protocol logging to stderr.
	Verbose bool `toml:"verbose"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	// Backend is "sqlite", "bolt" or "memory".
	Backend string `toml:"backend"`

	// Path is the database file. Empty means the backend's default location.
	Path string `toml:"path"`
}

// PreKeyConfig holds pre-key generation settings.
type PreKeyConfig struct {
	// BatchSize is how many one-time pre-keys "sgnl prekeys" generates.
	BatchSize int `toml:"batch_size"`
}

const maxBatchSize = 1000

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Store:   StoreConfig{Backend: "sqlite"},
		PreKeys: PreKeyConfig{BatchSize: 100},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/signal-session/config.toml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "signal-session", "config.toml")
}

// Load reads path on top of the defaults and validates the result. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return f.Close()
}
