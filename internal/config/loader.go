package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".voxgate"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("VOXGATE_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load reads the config file at path, falling back to defaults when the file
// does not exist, then applies VOXGATE_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// First run: defaults only.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := envconfig.Process("VOXGATE", cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	if cfg.Gateway.DataDir == "" {
		home, _ := os.UserHomeDir()
		cfg.Gateway.DataDir = filepath.Join(home, ConfigDir)
	}
	return cfg, nil
}

// Save writes the config as indented JSON to path, creating parent
// directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Manager holds the live configuration and supports hot reload. Readers get
// a consistent snapshot pointer; Update and Reload swap it atomically.
type Manager struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

// NewManager loads the config from path and wraps it for concurrent access.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, cfg: cfg}, nil
}

// Current returns the live config snapshot. Callers must not mutate it.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the config file from disk and swaps it in.
func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return cfg, nil
}

// Update applies fn to a copy of the current config, persists the result,
// and swaps it in. fn runs under the manager lock.
func (m *Manager) Update(fn func(*Config)) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := *m.cfg
	fn(&next)
	if err := Save(m.path, &next); err != nil {
		return nil, err
	}
	m.cfg = &next
	return &next, nil
}

// Path returns the config file path backing this manager.
func (m *Manager) Path() string { return m.path }
