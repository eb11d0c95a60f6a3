// Package skills watches the authoritative skills directory for changes,
// diffs what it finds against the version store, and orchestrates
// install/update/remove through the broker's skill_install/uninstall
// operations. The fsnotify-with-poll-fallback shape is new to this
// codebase; fsnotify itself is wired in because it is the standard
// idiomatic Go way to watch a directory tree without hand-rolled polling.
package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"agenshield/internal/storage"
)

const skillManifestName = "SKILL.md"

// DiffKind classifies what changed for one skill directory.
type DiffKind string

const (
	DiffInstall DiffKind = "install"
	DiffUpdate  DiffKind = "update"
	DiffRemove  DiffKind = "remove"
)

// Change describes one detected skill change.
type Change struct {
	Slug string
	Kind DiffKind
	SHA  string
}

// Watcher polls (and, where available, fsnotify-watches) the skills
// directory and reports diffs against the version store.
type Watcher struct {
	dir          string
	store        *storage.Store
	fsWatcher    *fsnotify.Watcher
	pollInterval time.Duration
}

// NewWatcher constructs a Watcher over dir. fsnotify registration is
// best-effort: if it fails (read-only filesystem, watch limit exhausted)
// the watcher still functions via Poll, just without event-driven wakeups.
func NewWatcher(dir string, store *storage.Store, pollInterval time.Duration) *Watcher {
	w := &Watcher{dir: dir, store: store, pollInterval: pollInterval}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsnotify unavailable, falling back to polling only", "error", err)
		return w
	}
	if err := fw.Add(dir); err != nil {
		slog.Warn("fsnotify could not watch skills directory, falling back to polling only", "error", err, "dir", dir)
		fw.Close()
		return w
	}
	w.fsWatcher = fw
	return w
}

// Events returns the fsnotify event channel, or nil if fsnotify isn't
// active for this watcher.
func (w *Watcher) Events() <-chan fsnotify.Event {
	if w.fsWatcher == nil {
		return nil
	}
	return w.fsWatcher.Events
}

// Close releases the fsnotify watcher, if one was created.
func (w *Watcher) Close() error {
	if w.fsWatcher == nil {
		return nil
	}
	return w.fsWatcher.Close()
}

// Scan walks the skills directory once, computing each skill's content
// hash and diffing it against the version store.
func (w *Watcher) Scan() ([]Change, error) {
	found := map[string]string{} // slug -> sha

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return w.diffAgainstStore(found)
		}
		return nil, err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillDir := filepath.Join(w.dir, entry.Name())
		if _, err := os.Stat(filepath.Join(skillDir, skillManifestName)); err != nil {
			continue
		}
		sha, err := HashSkillDir(skillDir)
		if err != nil {
			slog.Warn("failed to hash skill directory", "slug", entry.Name(), "error", err)
			continue
		}
		found[entry.Name()] = sha
	}

	return w.diffAgainstStore(found)
}

func (w *Watcher) diffAgainstStore(found map[string]string) ([]Change, error) {
	var changes []Change

	for slug, sha := range found {
		existing, err := w.store.GetSkillVersion(slug)
		if err != nil {
			return nil, err
		}
		switch {
		case existing == nil:
			changes = append(changes, Change{Slug: slug, Kind: DiffInstall, SHA: sha})
		case existing.SHA != sha:
			changes = append(changes, Change{Slug: slug, Kind: DiffUpdate, SHA: sha})
		}
	}

	// A slug in the version store but absent from the directory scan was
	// removed out from under the watcher.
	known, err := w.allKnownSlugs()
	if err != nil {
		return nil, err
	}
	for _, slug := range known {
		if _, ok := found[slug]; !ok {
			changes = append(changes, Change{Slug: slug, Kind: DiffRemove})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Slug < changes[j].Slug })
	return changes, nil
}

func (w *Watcher) allKnownSlugs() ([]string, error) {
	records, err := w.store.ListSkillVersions()
	if err != nil {
		return nil, err
	}
	slugs := make([]string, len(records))
	for i, r := range records {
		slugs[i] = r.Slug
	}
	return slugs, nil
}

// HashSkillDir computes sha256 over every file's relative path and
// contents, sorted by path, so the hash is independent of directory
// iteration order and changes whenever a file is added, removed, or
// edited.
func HashSkillDir(dir string) (string, error) {
	type fileEntry struct {
		rel     string
		content []byte
	}
	var files []fileEntry

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, fileEntry{rel: rel, content: content})
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })

	h := sha256.New()
	for _, f := range files {
		h.Write([]byte(f.rel))
		h.Write([]byte{0})
		h.Write(f.content)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LoadSkillDir reads every file under dir into a Skill, for handing a
// Change detected by Scan off to Installer.Install. Trusted is left for
// the caller to set: the watcher only knows a skill changed on disk, not
// where it came from.
func LoadSkillDir(dir, slug string) (Skill, error) {
	skill := Skill{Slug: slug}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		skill.Files = append(skill.Files, File{Name: rel, Content: string(content)})
		return nil
	})
	if err != nil {
		return Skill{}, err
	}
	return skill, nil
}
