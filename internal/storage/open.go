package storage

import (
	"fmt"
	"os"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendBadger  = "badger"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// Open opens the named backend at path, creating the directory if needed.
// An empty name selects Badger; BackendMemory ignores path.
func Open(backend, path string) (BatchDB, error) {
	switch backend {
	case BackendMemory:
		return NewMemory(), nil
	case "", BackendBadger, BackendLevelDB:
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if backend == BackendLevelDB {
		return NewLevelDB(path)
	}
	return NewBadger(path)
}

// openError explains a failed open, calling out the common case of a
// second node pointed at the same data directory.
func openError(kind, path string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "Cannot acquire directory lock") ||
		strings.Contains(msg, "resource temporarily unavailable") {
		return fmt.Errorf("%s database at %s is in use by another process (is another klingpowd running?): %w", kind, path, err)
	}
	return fmt.Errorf("open %s database at %s: %w", kind, path, err)
}
