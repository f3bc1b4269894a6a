package storage

import (
	"fmt"

	"go.uber.org/zap"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open builds the named backend. path is a directory for the file backend and
// a database file for sqlite. A durable backend is wrapped in Resilient; one
// that cannot be opened is replaced by memory after a warning. Only an unknown
// backend name is an error.
func Open(backend, path string, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		primary Store
		err     error
	)
	switch backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendFile:
		primary, err = NewFile(path)
	case BackendSQLite:
		primary, err = NewSQLite(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
	if err != nil {
		logger.Warn("storage unavailable, keeping state in memory", zap.String("backend", backend), zap.Error(err))
		return NewMemory(), nil
	}
	return NewResilient(primary, logger), nil
}
