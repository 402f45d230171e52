// Package config loads, saves, and hot-reloads the daemon's config.json:
// the listening port, origin-restriction policy, the registered service
// list, and a couple of UI-facing flags consumed by the tray shell.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/embergate/gatewayd/internal/supervisor"
)

// Connection holds the gateway's listen settings.
type Connection struct {
	DirectPort          int  `json:"directPort"`
	RestrictToTailscale bool `json:"restrictToTailscale"`
}

// Config is the on-disk shape of config.json. AuthToken is accepted on
// read for backward compatibility only — see Manager.MigrateAuthToken.
type Config struct {
	Connection     Connection                `json:"connection"`
	Services       []supervisor.Definition   `json:"services,omitempty"`
	AutoLaunch     bool                      `json:"autoLaunch,omitempty"`
	StartMinimized bool                      `json:"startMinimized,omitempty"`
	AuthToken      string                    `json:"authToken,omitempty"`
}

func defaultConfig() Config {
	return Config{Connection: Connection{DirectPort: 9876, RestrictToTailscale: true}}
}

// Manager owns the loaded config and an optional fsnotify watch on its
// backing file.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg Config

	watcher *fsnotify.Watcher
}

// Load reads path, falling back to defaults if it does not exist yet.
func Load(path string) (*Manager, error) {
	m := &Manager{path: path, cfg: defaultConfig()}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	m.cfg = cfg
	return m, nil
}

// Get returns a copy of the current config.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Save persists the current config as indented JSON.
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(m.path, data, 0644)
}

// MigrateAuthToken moves a legacy inline auth token out of config.json
// and into the secret store, then strips it from the in-memory config so
// the next Save writes a clean file. adopt is the secret store's
// AdoptToken method; a no-op if the config carries no token.
func (m *Manager) MigrateAuthToken(adopt func(token string) error) error {
	m.mu.Lock()
	token := m.cfg.AuthToken
	if token == "" {
		m.mu.Unlock()
		return nil
	}
	m.cfg.AuthToken = ""
	m.mu.Unlock()

	if err := adopt(token); err != nil {
		return fmt.Errorf("config: migrate auth token: %w", err)
	}
	log.Printf("config: moved inline auth token out of %s into the secret store", m.path)
	return m.Save()
}

// Watch starts watching the config file for changes and invokes onChange
// with the freshly reloaded config after each write. The watcher runs
// until the Manager's underlying file descriptor is closed by the
// process exiting; there is no explicit Stop because the daemon's
// lifetime is the watch's lifetime.
func (m *Manager) Watch(onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", m.path, err)
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				data, err := os.ReadFile(m.path)
				if err != nil {
					log.Printf("config: reload %s: %v", m.path, err)
					continue
				}
				var cfg Config
				if err := json.Unmarshal(data, &cfg); err != nil {
					log.Printf("config: reload %s: %v", m.path, err)
					continue
				}
				m.mu.Lock()
				m.cfg = cfg
				m.mu.Unlock()
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config: watcher error: %v", err)
			}
		}
	}()
	return nil
}
