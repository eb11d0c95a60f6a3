package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// LoadFile reads a JSON-encoded policy set from path. A missing file
// yields an empty set rather than an error, so the broker can start with
// no policies configured yet and pick them up on the first hot reload.
func LoadFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from trusted broker config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading policies file: %w", err)
	}

	var policies []Policy
	if err := json.Unmarshal(data, &policies); err != nil {
		return nil, fmt.Errorf("parsing policies file: %w", err)
	}
	return policies, nil
}

// WatchFile polls path at interval and calls Engine.Reload whenever its
// modification time changes, giving the daemon's policy-editing UI a hot
// reload path with no direct coupling to the broker process. Runs until
// stop is closed.
func WatchFile(e *Engine, path string, interval time.Duration, stop <-chan struct{}) {
	var lastMod time.Time
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()

			policies, err := LoadFile(path)
			if err != nil {
				slog.Error("failed to reload policies", "path", path, "error", err)
				continue
			}
			e.Reload(policies)
			slog.Info("policies hot-reloaded", "path", path, "count", len(policies))
		}
	}
}
