package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"agenshield/internal/storage"
)

var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// File is one file belonging to a skill, mirroring the broker's
// skill_install wire shape.
type File struct {
	Name    string
	Content string
}

// Skill is the installer's view of a discovered skill.
type Skill struct {
	Slug     string
	Files    []File
	Trusted  bool
	SourceID string
	Version  string
}

// BrokerClient is the subset of broker RPC the installer needs. The
// daemon's real implementation dials the broker's JSON-RPC transport;
// tests substitute an in-memory fake.
type BrokerClient interface {
	SkillInstall(slug string, files []File) error
	SkillUninstall(slug string) error
}

// ConfigWriter manages the daemon-authoritative openclaw.json entries.
// The broker never touches this file; only the daemon does, through this
// interface.
type ConfigWriter interface {
	WriteSkillEntry(slug string, meta SkillMeta) error
	RemoveSkillEntry(slug string) error
}

// SkillMeta is what gets recorded in the skill's openclaw.json entry.
type SkillMeta struct {
	Version     string
	SHA         string
	SourceID    string
	Trusted     bool
	InstalledAt time.Time
}

// PolicyRegistrar registers or removes the built-in policy entry that
// lets an installed skill's wrapper actually run.
type PolicyRegistrar interface {
	RegisterSkill(slug string) error
	UnregisterSkill(slug string) error
}

// EventEmitter publishes lifecycle events to the daemon's SSE broadcaster.
type EventEmitter interface {
	Emit(eventType string, data interface{})
}

// AnalysisHook vets an untrusted skill before it is installed. A non-nil
// error leaves the skill quarantined.
type AnalysisHook func(skill Skill) error

// Installer orchestrates the full skill lifecycle: validate, broker
// install, config entry, policy entry, event -- uninstall reverses the
// same four steps in the opposite order.
type Installer struct {
	Broker        BrokerClient
	Config        ConfigWriter
	Policy        PolicyRegistrar
	Events        EventEmitter
	Store         *storage.Store
	Analyze       AnalysisHook
	QuarantineDir string
}

// Install runs a discovered skill through its full lifecycle. Untrusted
// skills are quarantined and analyzed first; trusted skills (builtin or
// MCP sourced) go straight to the broker.
func (in *Installer) Install(skill Skill) error {
	if err := Validate(skill); err != nil {
		return err
	}

	if !skill.Trusted {
		if err := in.quarantine(skill); err != nil {
			return fmt.Errorf("quarantine skill %s: %w", skill.Slug, err)
		}
		if in.Analyze != nil {
			if err := in.Analyze(skill); err != nil {
				return fmt.Errorf("skill %s failed analysis, left quarantined: %w", skill.Slug, err)
			}
		}
	}

	if err := in.Broker.SkillInstall(skill.Slug, skill.Files); err != nil {
		return fmt.Errorf("broker skill_install for %s: %w", skill.Slug, err)
	}

	meta := SkillMeta{
		Version:     skill.Version,
		SourceID:    skill.SourceID,
		Trusted:     skill.Trusted,
		InstalledAt: time.Now(),
	}

	if err := in.Config.WriteSkillEntry(skill.Slug, meta); err != nil {
		in.rollbackBroker(skill.Slug)
		return fmt.Errorf("write openclaw.json entry for %s: %w", skill.Slug, err)
	}

	if err := in.Policy.RegisterSkill(skill.Slug); err != nil {
		in.rollbackConfig(skill.Slug)
		in.rollbackBroker(skill.Slug)
		return fmt.Errorf("register policy entry for %s: %w", skill.Slug, err)
	}

	if in.Store != nil {
		sha, err := HashFiles(skill.Files)
		if err != nil {
			slog.Warn("failed to compute skill hash for version record", "slug", skill.Slug, "error", err)
		}
		if err := in.Store.UpsertSkillVersion(storage.SkillVersionRecord{
			Slug:        skill.Slug,
			Version:     skill.Version,
			SHA:         sha,
			SourceID:    skill.SourceID,
			Trusted:     skill.Trusted,
			InstalledAt: meta.InstalledAt,
		}); err != nil {
			slog.Warn("failed to persist skill version record", "slug", skill.Slug, "error", err)
		}
	}

	if in.Events != nil {
		in.Events.Emit("skills:installed", map[string]string{"slug": skill.Slug})
	}
	return nil
}

// Uninstall reverses Install's four steps in the opposite order.
func (in *Installer) Uninstall(slug string) error {
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("invalid slug %q", slug)
	}

	if err := in.Policy.UnregisterSkill(slug); err != nil {
		return fmt.Errorf("unregister policy entry for %s: %w", slug, err)
	}
	if err := in.Config.RemoveSkillEntry(slug); err != nil {
		return fmt.Errorf("remove openclaw.json entry for %s: %w", slug, err)
	}
	if err := in.Broker.SkillUninstall(slug); err != nil {
		return fmt.Errorf("broker skill_uninstall for %s: %w", slug, err)
	}
	if in.Store != nil {
		if err := in.Store.RemoveSkillVersion(slug); err != nil {
			slog.Warn("failed to remove skill version record", "slug", slug, "error", err)
		}
	}
	if in.Events != nil {
		in.Events.Emit("skills:uninstalled", map[string]string{"slug": slug})
	}
	return nil
}

func (in *Installer) rollbackBroker(slug string) {
	if err := in.Broker.SkillUninstall(slug); err != nil {
		slog.Warn("rollback: broker skill_uninstall failed", "slug", slug, "error", err)
	}
}

func (in *Installer) rollbackConfig(slug string) {
	if err := in.Config.RemoveSkillEntry(slug); err != nil {
		slog.Warn("rollback: remove openclaw.json entry failed", "slug", slug, "error", err)
	}
}

func (in *Installer) quarantine(skill Skill) error {
	if in.QuarantineDir == "" {
		return nil
	}
	dir := filepath.Join(in.QuarantineDir, skill.Slug)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, f := range skill.Files {
		full := filepath.Join(dir, f.Name)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(f.Content), 0644); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the slug and every file name against the same rules
// the broker's skill_install handler enforces, so a bad skill is
// rejected before anything is written to the quarantine directory.
func Validate(skill Skill) error {
	if !slugPattern.MatchString(skill.Slug) {
		return fmt.Errorf("slug %q must match %s", skill.Slug, slugPattern.String())
	}
	for _, f := range skill.Files {
		if f.Name == "" {
			return fmt.Errorf("skill %s: file name must not be empty", skill.Slug)
		}
		if strings.HasPrefix(f.Name, "/") {
			return fmt.Errorf("skill %s: file name must not be absolute: %s", skill.Slug, f.Name)
		}
		if strings.Contains(f.Name, "..") {
			return fmt.Errorf("skill %s: file name must not contain '..': %s", skill.Slug, f.Name)
		}
	}
	return nil
}

// HashFiles computes the same sha256-over-sorted-relative-paths digest
// Watcher.Scan uses, for skills supplied in memory rather than already
// materialized on disk.
func HashFiles(files []File) (string, error) {
	dir, err := os.MkdirTemp("", "agenshield-skill-hash-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	for _, f := range files {
		full := filepath.Join(dir, f.Name)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return "", err
		}
		if err := os.WriteFile(full, []byte(f.Content), 0644); err != nil {
			return "", err
		}
	}
	return HashSkillDir(dir)
}
