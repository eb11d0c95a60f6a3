package daemoncore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// UserConfig is the daemon's user-mutable settings, persisted as a single
// JSON file and pushed down to the broker on every change. This is
// distinct from internal/config's static broker startup configuration.
type UserConfig struct {
	PolicyEnabled  bool   `json:"policy_enabled"`
	PolicyMode     string `json:"policy_mode"` // "enforce" or "audit"
	FailOpen       bool   `json:"fail_open"`
	PasscodeSet    bool   `json:"passcode_set"`
	WizardComplete bool   `json:"wizard_complete"`
}

func defaultUserConfig() UserConfig {
	return UserConfig{PolicyEnabled: true, PolicyMode: "enforce", FailOpen: false}
}

// ConfigStore persists UserConfig to a single JSON file via atomic rename
// and notifies a registered callback on every successful save, mirroring
// the teacher's default/local settings layering but collapsed to the
// single mutable document the spec calls for.
type ConfigStore struct {
	mu       sync.RWMutex
	path     string
	current  UserConfig
	onChange func(UserConfig)
}

// OpenConfigStore loads path if it exists, or seeds it with defaults.
func OpenConfigStore(path string) (*ConfigStore, error) {
	s := &ConfigStore{path: path, current: defaultUserConfig()}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading daemon config: %w", err)
	}
	if err := json.Unmarshal(data, &s.current); err != nil {
		return nil, fmt.Errorf("parsing daemon config: %w", err)
	}
	return s, nil
}

// OnChange registers a callback invoked after every successful Save, with
// the new config. Typically wired to push secrets_sync/policy updates to
// the broker.
func (s *ConfigStore) OnChange(fn func(UserConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Get returns the current config.
func (s *ConfigStore) Get() UserConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Save persists cfg to disk via a temp-file-then-rename, the same
// durability shape the vault package uses, and notifies the registered
// callback if one is set.
func (s *ConfigStore) Save(cfg UserConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal daemon config: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename config into place: %w", err)
	}

	s.current = cfg
	if s.onChange != nil {
		s.onChange(cfg)
	}
	return nil
}
