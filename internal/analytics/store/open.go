package store

import (
	"fmt"

	"github.com/slyt3/guardstats/internal/analytics"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the persistence backend named by backend.
func Open(backend, path string) (analytics.Persistence, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(path)
	case BackendSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
