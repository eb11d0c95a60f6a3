package daemoncore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"agenshield/internal/policy"
)

// skillPolicyID deterministically names the policy entry a skill install
// registers, so Unregister can find and remove exactly that entry without
// needing to carry any extra bookkeeping.
func skillPolicyID(slug string) string {
	return "skill:" + slug
}

// PolicyFileRegistrar implements skills.PolicyRegistrar by read-modify-
// writing the broker's on-disk policies.json. The daemon and broker are
// separate processes; rather than reach into the broker's in-process
// policy.Engine directly, this writes the same file policy.WatchFile
// polls, so the broker picks up the change on its own hot-reload cycle
// (internal/policy/file.go).
type PolicyFileRegistrar struct {
	mu   sync.Mutex
	path string
}

// NewPolicyFileRegistrar roots a registrar at the broker's policies.json.
func NewPolicyFileRegistrar(path string) *PolicyFileRegistrar {
	return &PolicyFileRegistrar{path: path}
}

func (r *PolicyFileRegistrar) load() ([]policy.Policy, error) {
	data, err := os.ReadFile(r.path) // #nosec G304 -- path from trusted daemon config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading policies file: %w", err)
	}
	var policies []policy.Policy
	if err := json.Unmarshal(data, &policies); err != nil {
		return nil, fmt.Errorf("parsing policies file: %w", err)
	}
	return policies, nil
}

func (r *PolicyFileRegistrar) save(policies []policy.Policy) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create policies directory: %w", err)
	}
	data, err := json.MarshalIndent(policies, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policies file: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp policies file: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// RegisterSkill adds an allow rule scoped to the skill's own wrapper
// command, so its wrapped processes can actually run under the default
// fail-open evaluation without opening the gate for anything else named
// the same.
func (r *PolicyFileRegistrar) RegisterSkill(slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	policies, err := r.load()
	if err != nil {
		return err
	}

	id := skillPolicyID(slug)
	for _, p := range policies {
		if p.ID == id {
			return nil // already registered
		}
	}

	policies = append(policies, policy.Policy{
		ID:       id,
		Name:     fmt.Sprintf("skill %s wrapper", slug),
		Action:   policy.ActionAllow,
		Target:   policy.TargetCommand,
		Patterns: []string{slug},
		Enabled:  true,
		Priority: 0,
	})
	return r.save(policies)
}

// UnregisterSkill removes the rule RegisterSkill added, a no-op if absent.
func (r *PolicyFileRegistrar) UnregisterSkill(slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	policies, err := r.load()
	if err != nil {
		return err
	}

	id := skillPolicyID(slug)
	out := policies[:0]
	for _, p := range policies {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return r.save(out)
}
