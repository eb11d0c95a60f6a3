package wrapper

import (
	"log/slog"
	"os"
)

// chownPreservingUser sets the wrapper's group to gid while leaving its
// owning user untouched (os.Chown takes -1 to mean "don't change"),
// matching the root:socket-group ownership the spec calls for when the
// broker runs with the privilege to do so. A failure here (e.g. running
// unprivileged in a test or dev environment) is logged, not fatal: the
// wrapper file itself was still written successfully.
func chownPreservingUser(path string, gid int) error {
	if gid < 0 {
		return nil
	}
	if err := os.Chown(path, -1, gid); err != nil {
		slog.Warn("failed to set wrapper group ownership", "path", path, "gid", gid, "error", err)
	}
	return nil
}
