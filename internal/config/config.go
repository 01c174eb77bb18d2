package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultServerURL = "http://localhost:8000"
	DefaultCachePath = "deskchat.db"
)

// Config holds application configuration
type Config struct {
	ServerURL string `toml:"server_url"` // Backend REST base URL (http:// or https://)
	PushURL   string `toml:"push_url"`   // Push channel base URL; derived from ServerURL when empty
	SessionID string `toml:"session_id"` // Open this session on startup
	CachePath string `toml:"cache_path"` // Local SQLite session cache
	Debug     bool   `toml:"debug"`
}

// Load reads an optional TOML config file. A missing file is not an
// error; flag values layered on top by the caller win either way.
func Load(path string) (Config, error) {
	cfg := Config{
		ServerURL: DefaultServerURL,
		CachePath: DefaultCachePath,
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	return cfg, nil
}

// Finalize validates the config and fills in derived fields
func (c *Config) Finalize() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid server URL %q", c.ServerURL)
	}

	if c.PushURL == "" {
		c.PushURL = "ws" + strings.TrimPrefix(c.ServerURL, "http")
	}

	return nil
}
