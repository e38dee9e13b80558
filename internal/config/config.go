// Package config loads gateway configuration from a TOML file,
// falling back to built-in defaults when no file exists.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Gateway GatewayConfig `toml:"gateway"`
	Backend BackendConfig `toml:"backend"`
	Audit   AuditConfig   `toml:"audit"`
	Trace   TraceConfig   `toml:"trace"`
	Log     LogConfig     `toml:"log"`
}

type GatewayConfig struct {
	Addr string `toml:"addr"`
}

type BackendConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
	// TimeoutSeconds bounds one backend turn end to end.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

type AuditConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

type TraceConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
}

// Load reads the config file at path, or the default location when
// path is empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Gateway: GatewayConfig{
			Addr: ":8181",
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:9090",
			Model:          "default",
			TimeoutSeconds: 120,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    defaultAuditPath(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}

	if path == "" {
		path = defaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	// Environment wins over the file for credentials.
	if key := os.Getenv("CHAINBRIDGE_API_KEY"); key != "" {
		cfg.Backend.APIKey = key
	}

	return cfg, nil
}

func defaultConfigPath() string {
	dir, _ := os.UserConfigDir()
	return filepath.Join(dir, "chainbridge", "config.toml")
}

func defaultAuditPath() string {
	dir, _ := os.UserHomeDir()
	return filepath.Join(dir, ".local", "share", "chainbridge", "audit.db")
}
