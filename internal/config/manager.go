package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// OverridesConfig holds map of per-store dispatch overrides
type OverridesConfig struct {
	Stores map[string]DispatchConfig `yaml:"stores"`
}

// Manager resolves effective dispatch settings per work source: global
// defaults with optional per-store overrides (e.g. a bigger batch for the
// outbox, a longer lease for slow inbox handlers).
type Manager struct {
	global    *Config
	overrides map[string]DispatchConfig
	mu        sync.RWMutex
}

// NewManager loads the base config and the optional overrides file.
func NewManager(configPath, overridesPath string) (*Manager, error) {
	global, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(overridesPath)
	if err != nil {
		// If overrides file missing, just use empty map
		if os.IsNotExist(err) {
			return &Manager{global: global, overrides: make(map[string]DispatchConfig)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var oc OverridesConfig
	if err := yaml.NewDecoder(f).Decode(&oc); err != nil {
		return nil, err
	}

	return &Manager{
		global:    global,
		overrides: oc.Stores,
	}, nil
}

// DefaultManager returns a Manager over built-in defaults, used when no
// config file is supplied.
func DefaultManager() *Manager {
	return &Manager{global: Default(), overrides: make(map[string]DispatchConfig)}
}

// Global returns the base configuration.
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// Dispatch returns the effective dispatch config for one work source,
// merging any override on top of the global settings.
func (m *Manager) Dispatch(store string) DispatchConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := m.global.Dispatch
	override, ok := m.overrides[store]
	if !ok {
		return effective
	}
	if override.BatchSize != 0 {
		effective.BatchSize = override.BatchSize
	}
	if override.LeaseSeconds != 0 {
		effective.LeaseSeconds = override.LeaseSeconds
	}
	if override.HeartbeatFraction != 0 {
		effective.HeartbeatFraction = override.HeartbeatFraction
	}
	if override.PollIntervalMs != 0 {
		effective.PollIntervalMs = override.PollIntervalMs
	}
	if override.MaxPollIntervalMs != 0 {
		effective.MaxPollIntervalMs = override.MaxPollIntervalMs
	}
	if override.MaxAttempts != 0 {
		effective.MaxAttempts = override.MaxAttempts
	}
	if override.BackoffBaseMs != 0 {
		effective.BackoffBaseMs = override.BackoffBaseMs
	}
	if override.BackoffCapMs != 0 {
		effective.BackoffCapMs = override.BackoffCapMs
	}
	if override.BackoffJitter != 0 {
		effective.BackoffJitter = override.BackoffJitter
	}
	return effective
}
