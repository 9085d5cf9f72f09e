// Package config loads the daemon configuration from a TOML file, falling
// back to a runnable mock-mode default when the file is missing.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Endpoint describes one backend bridge instance to connect to.
type Endpoint struct {
	Name   string `toml:"name"`
	Host   string `toml:"host"`
	Path   string `toml:"path"`
	Secure bool   `toml:"secure"`

	// AuthRequired forces a token on the connection URL; connection setup
	// suspends until one is available.
	AuthRequired bool `toml:"auth_required"`
}

// Config is the full daemon configuration.
type Config struct {
	APIBind   string     `toml:"api_bind"`
	DBPath    string     `toml:"db_path"`
	Mock      bool       `toml:"mock"`
	ProxyMode bool       `toml:"proxy_mode"`
	Endpoints []Endpoint `toml:"endpoints"`
}

const (
	defaultAPIBind = "127.0.0.1:8579"
	defaultDBPath  = "data/windfront.db"
)

// Load locates and parses the config file. A missing file yields the mock
// default: one local endpoint pointed at the built-in mock bridge.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	raw, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.APIBind = strings.TrimSpace(cfg.APIBind)
	if cfg.APIBind == "" {
		cfg.APIBind = defaultAPIBind
	}
	cfg.DBPath = strings.TrimSpace(cfg.DBPath)
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}
	if len(cfg.Endpoints) == 0 {
		return Config{}, errors.New("config must list at least one endpoint")
	}
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		ep.Host = strings.TrimSpace(ep.Host)
		if ep.Host == "" {
			return Config{}, fmt.Errorf("endpoint %d: host is required", i)
		}
		if ep.Path == "" {
			ep.Path = "/api/ws"
		}
		if !strings.HasPrefix(ep.Path, "/") {
			ep.Path = "/" + ep.Path
		}
		if ep.Name == "" {
			ep.Name = ep.Host
		}
	}
	return cfg, nil
}

// Default returns the runnable mock-mode configuration.
func Default() Config {
	return Config{
		APIBind: defaultAPIBind,
		DBPath:  defaultDBPath,
		Mock:    true,
		Endpoints: []Endpoint{
			{Name: "mock", Host: defaultAPIBind, Path: "/mock/ws"},
		},
	}
}

func resolvePath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = "windfront.toml"
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
