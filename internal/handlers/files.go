package handlers

import (
	"encoding/json"
	"os"
	"path/filepath"

	"agenshield/internal/model"
)

type fileReadParams struct {
	Path string `json:"path"`
}

// FileRead policy-checks the normalized absolute path then returns its
// contents.
func FileRead(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	var p fileReadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, model.NewValidationError("invalid file_read params", err)
	}
	if !filepath.IsAbs(p.Path) {
		return nil, model.NewValidationError("path must be absolute", nil)
	}
	normalized := filepath.Clean(p.Path)

	if err := checkPolicy(deps, model.OpFileRead, normalized); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(normalized)
	if err != nil {
		return nil, model.NewInternal("file read failed", err)
	}
	return map[string]string{"content": string(data)}, nil
}

type fileWriteParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileWrite policy-checks the path then writes the new content. A failed
// write never truncates the existing file: the new content is written to
// a temp file and renamed into place only on success.
func FileWrite(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	var p fileWriteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, model.NewValidationError("invalid file_write params", err)
	}
	if !filepath.IsAbs(p.Path) {
		return nil, model.NewValidationError("path must be absolute", nil)
	}
	normalized := filepath.Clean(p.Path)

	if err := checkPolicy(deps, model.OpFileWrite, normalized); err != nil {
		return nil, err
	}

	tmp := normalized + ".agenshield-tmp"
	if err := os.WriteFile(tmp, []byte(p.Content), 0644); err != nil {
		os.Remove(tmp)
		return nil, model.NewInternal("file write failed", err)
	}
	if err := os.Rename(tmp, normalized); err != nil {
		os.Remove(tmp)
		return nil, model.NewInternal("file write rename failed, previous content preserved", err)
	}
	return map[string]bool{"written": true}, nil
}

type fileListParams struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
	Pattern   string `json:"pattern"`
}

// FileList policy-checks the path then lists its contents, honoring an
// optional recursive walk and glob pattern filter.
func FileList(deps *Deps, ctx model.HandlerContext, params json.RawMessage) (interface{}, error) {
	var p fileListParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, model.NewValidationError("invalid file_list params", err)
	}
	if !filepath.IsAbs(p.Path) {
		return nil, model.NewValidationError("path must be absolute", nil)
	}
	normalized := filepath.Clean(p.Path)

	if err := checkPolicy(deps, model.OpFileList, normalized); err != nil {
		return nil, err
	}

	var names []string
	if p.Recursive {
		err := filepath.WalkDir(normalized, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == normalized {
				return nil
			}
			if p.Pattern != "" {
				if matched, _ := filepath.Match(p.Pattern, filepath.Base(path)); !matched {
					return nil
				}
			}
			rel, _ := filepath.Rel(normalized, path)
			names = append(names, rel)
			return nil
		})
		if err != nil {
			return nil, model.NewInternal("file list failed", err)
		}
	} else {
		entries, err := os.ReadDir(normalized)
		if err != nil {
			return nil, model.NewInternal("file list failed", err)
		}
		for _, e := range entries {
			if p.Pattern != "" {
				if matched, _ := filepath.Match(p.Pattern, e.Name()); !matched {
					continue
				}
			}
			names = append(names, e.Name())
		}
	}

	return map[string]interface{}{"entries": names}, nil
}
