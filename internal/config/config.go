// Package config loads the process-wide guard configuration: the listen
// port and the map of named gates with their upstream URLs and block rules.
// Configuration is loaded once at startup and read-only afterwards.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultPort is used when the config file does not set a port.
const DefaultPort = 6427

// GateConfig is the static per-gate configuration.
type GateConfig struct {
	URL          string   `json:"url" yaml:"url"`
	Enabled      *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"` // nil means enabled
	Block        []string `json:"block,omitempty" yaml:"block,omitempty"`
	BlockMessage string   `json:"blockMessage,omitempty" yaml:"blockMessage,omitempty"`
}

// BlockingEnabled reports whether tool calls through this gate should be
// checked against the block patterns at all.
func (g GateConfig) BlockingEnabled() bool {
	if g.Enabled != nil && !*g.Enabled {
		return false
	}
	return len(g.Block) > 0
}

// GuardConfig is the top-level configuration.
type GuardConfig struct {
	Port    int                   `json:"port" yaml:"port"`
	Servers map[string]GateConfig `json:"servers" yaml:"servers"`
}

// GateNames returns the configured gate names in sorted order.
func (c *GuardConfig) GateNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads and parses a config file. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON.
func Load(path string) (*GuardConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg GuardConfig
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if len(cfg.Servers) == 0 {
		return nil, errors.New("config has no servers")
	}
	for name, gate := range cfg.Servers {
		if gate.URL == "" {
			return nil, fmt.Errorf("server %q: url is required", name)
		}
	}
	return &cfg, nil
}

// Find resolves the config file path. An explicit path is used as-is
// (and must exist); otherwise the well-known locations are searched.
func Find(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}

	for _, candidate := range searchPaths() {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", errors.New("no config file found; create mcpguard.json or pass -config")
}

func searchPaths() []string {
	paths := []string{"mcpguard.json", "mcpguard.yaml", "mcpguard.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		for _, dir := range []string{
			filepath.Join(home, ".mcpguard"),
			filepath.Join(home, ".config", "mcpguard"),
		} {
			paths = append(paths,
				filepath.Join(dir, "config.json"),
				filepath.Join(dir, "config.yaml"),
				filepath.Join(dir, "config.yml"),
			)
		}
	}
	return paths
}
