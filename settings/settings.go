// Package settings persists runtime toggles that operators flip while the
// service is running, such as maintenance mode.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultMaintenanceMessage is shown while maintenance mode is on and no
// message was configured.
const DefaultMaintenanceMessage = "System is currently undergoing maintenance. Please try again later."

// Settings is the persisted document.
type Settings struct {
	MaintenanceMode    bool   `yaml:"maintenance_mode"`
	MaintenanceMessage string `yaml:"maintenance_message"`
}

// Defaults returns the settings used when no file exists yet.
func Defaults() Settings {
	return Settings{MaintenanceMessage: DefaultMaintenanceMessage}
}

// Store holds the current settings and writes every change back to disk.
// An empty path keeps settings in memory only.
type Store struct {
	mu   sync.RWMutex
	path string
	cur  Settings
}

// Open loads settings from path, falling back to Defaults when the file does
// not exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path, cur: Defaults()}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &s.cur); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	if s.cur.MaintenanceMessage == "" {
		s.cur.MaintenanceMessage = DefaultMaintenanceMessage
	}
	return s, nil
}

// Get returns a snapshot of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// SetMaintenance switches maintenance mode. A non-empty msg replaces the
// message shown to clients.
func (s *Store) SetMaintenance(enabled bool, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur
	next.MaintenanceMode = enabled
	if msg != "" {
		next.MaintenanceMessage = msg
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.cur = next
	return nil
}

// write replaces the file atomically via a temp file and rename.
func (s *Store) write(v Settings) error {
	if s.path == "" {
		return nil
	}

	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("settings: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("settings: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("settings: rename: %w", err)
	}
	return nil
}
