package handlers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"agenshield/internal/model"
)

var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

type skillFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type skillInstallParams struct {
	Slug  string      `json:"slug"`
	Files []skillFile `json:"files"`
}

// SkillInstall validates the slug and every file name, then materializes
// the skill's files under the agent's skills workspace, locking down
// permissions after writing. It never touches openclaw.json or policy
// entries: those are the daemon's job per the operation's contract.
func SkillInstall(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	var p skillInstallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, model.NewValidationError("invalid skill_install params", err)
	}
	if !slugPattern.MatchString(p.Slug) {
		return nil, model.NewValidationError("slug must match "+slugPattern.String(), nil)
	}

	skillDir := filepath.Join(deps.AgentHome, ".openclaw", "workspace", "skills", p.Slug)

	for _, f := range p.Files {
		if err := validateSkillFileName(f.Name); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(skillDir, 0755); err != nil {
		return nil, model.NewInternal("create skill directory failed", err)
	}

	for _, f := range p.Files {
		full := filepath.Join(skillDir, f.Name)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, model.NewInternal("create skill file directory failed", err)
		}
		if err := os.WriteFile(full, []byte(f.Content), 0644); err != nil {
			return nil, model.NewInternal("write skill file failed", err)
		}
	}

	if err := lockDownPermissions(skillDir); err != nil {
		return nil, model.NewInternal("lock down skill permissions failed", err)
	}

	if deps.Wrappers != nil {
		if _, err := deps.Wrappers.Install(p.Slug); err != nil {
			return nil, model.NewInternal("install skill wrapper failed", err)
		}
	}

	return map[string]string{"slug": p.Slug, "path": skillDir}, nil
}

func validateSkillFileName(name string) error {
	if name == "" {
		return model.NewValidationError("skill file name must not be empty", nil)
	}
	if strings.HasPrefix(name, "/") {
		return model.NewValidationError("skill file name must not be an absolute path: "+name, nil)
	}
	if strings.Contains(name, "..") {
		return model.NewValidationError("skill file name must not contain '..': "+name, nil)
	}
	return nil
}

// lockDownPermissions walks dir applying "a+rX,go-w": world/group-
// readable (executable if already executable) and not group/world
// writable, matching chmod -R a+rX,go-w's effect.
func lockDownPermissions(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode().Perm()
		mode |= 0044 // a+r (group, other read; owner read already required to write it)
		if d.IsDir() || mode&0100 != 0 {
			mode |= 0011 // +x for dirs and already-executable files
		}
		mode &^= 0022 // go-w
		return os.Chmod(path, mode)
	})
}

type skillUninstallParams struct {
	Slug string `json:"slug"`
}

// SkillUninstall reverses SkillInstall: removes the materialized files
// and the wrapper, in the opposite order they were created.
func SkillUninstall(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	var p skillUninstallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, model.NewValidationError("invalid skill_uninstall params", err)
	}
	if !slugPattern.MatchString(p.Slug) {
		return nil, model.NewValidationError("slug must match "+slugPattern.String(), nil)
	}

	if deps.Wrappers != nil {
		if err := deps.Wrappers.Remove(p.Slug); err != nil {
			return nil, model.NewInternal("remove skill wrapper failed", err)
		}
	}

	skillDir := filepath.Join(deps.AgentHome, ".openclaw", "workspace", "skills", p.Slug)
	if err := os.RemoveAll(skillDir); err != nil {
		return nil, model.NewInternal("remove skill directory failed", err)
	}

	return map[string]bool{"removed": true}, nil
}
