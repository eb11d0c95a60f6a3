package daemoncore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"agenshield/internal/skills"
)

// OpenClawConfig is the daemon-exclusive openclaw.json document: a map of
// installed skill slugs to their metadata, plus whatever else openclaw's
// own config schema carries that AgenShield doesn't otherwise touch.
type OpenClawConfig struct {
	Skills map[string]skills.SkillMeta `json:"skills"`
	Extra  map[string]json.RawMessage  `json:"-"`
}

// OpenClawConfigWriter implements skills.ConfigWriter against
// $agentHome/.openclaw/openclaw.json. The broker's own skill_install
// handler explicitly never touches this file -- only the daemon does,
// which is why this type lives in internal/daemoncore rather than
// internal/skills itself.
type OpenClawConfigWriter struct {
	mu   sync.Mutex
	path string
}

// NewOpenClawConfigWriter roots a writer at agentHome/.openclaw/openclaw.json.
func NewOpenClawConfigWriter(agentHome string) *OpenClawConfigWriter {
	return &OpenClawConfigWriter{path: filepath.Join(agentHome, ".openclaw", "openclaw.json")}
}

func (w *OpenClawConfigWriter) load() (*OpenClawConfig, error) {
	cfg := &OpenClawConfig{Skills: map[string]skills.SkillMeta{}}
	data, err := os.ReadFile(w.path) // #nosec G304 -- path derived from configured agent home, not request input
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading openclaw.json: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing openclaw.json: %w", err)
	}
	if cfg.Skills == nil {
		cfg.Skills = map[string]skills.SkillMeta{}
	}
	return cfg, nil
}

func (w *OpenClawConfigWriter) save(cfg *OpenClawConfig) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("create openclaw config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal openclaw.json: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp openclaw.json: %w", err)
	}
	return os.Rename(tmp, w.path)
}

// WriteSkillEntry adds or replaces slug's entry.
func (w *OpenClawConfigWriter) WriteSkillEntry(slug string, meta skills.SkillMeta) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := w.load()
	if err != nil {
		return err
	}
	cfg.Skills[slug] = meta
	return w.save(cfg)
}

// RemoveSkillEntry deletes slug's entry, a no-op if it's already absent.
func (w *OpenClawConfigWriter) RemoveSkillEntry(slug string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := w.load()
	if err != nil {
		return err
	}
	delete(cfg.Skills, slug)
	return w.save(cfg)
}
