package interceptor

import "os"

// originalOpen, originalCreate, originalStat, and originalWriteFile are
// captured once, at package init, before anything in this package ever
// calls them on AgenShield's own behalf. The seatbelt profile writer
// (Cache.Put, in internal/seatbelt) and this package's own bookkeeping
// files must go through these captured references rather than the
// intercepted wrappers below -- otherwise writing a profile would itself
// trigger policy interception, which needs to read the profile that
// hasn't been written yet.
var (
	originalOpen      = os.Open
	originalCreate    = os.Create
	originalStat      = os.Stat
	originalWriteFile = os.WriteFile
	originalReadFile  = os.ReadFile
)

// RawOpen, RawCreate, RawStat, RawWriteFile, and RawReadFile expose the
// captured originals to other AgenShield packages (the seatbelt cache,
// the wrapper manager) that must bypass interception entirely.
func RawOpen(name string) (*os.File, error)                { return originalOpen(name) }
func RawCreate(name string) (*os.File, error)               { return originalCreate(name) }
func RawStat(name string) (os.FileInfo, error)               { return originalStat(name) }
func RawWriteFile(name string, data []byte, perm os.FileMode) error {
	return originalWriteFile(name, data, perm)
}
func RawReadFile(name string) ([]byte, error) { return originalReadFile(name) }
