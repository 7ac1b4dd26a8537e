// SPDX-License-Identifier: MIT

package chunkstore

import (
	"fmt"
	"path/filepath"
)

const (
	BackendBadger = "badger"
	BackendSqlite = "sqlite"
	BackendMemory = "memory"
)

// Open creates a Store for the configured backend. For the durable backends
// path is a directory; the database file name is derived from the backend.
func Open(backend, path string) (Store, error) {
	if backend == "" {
		backend = BackendBadger
	}

	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendBadger:
		if path == "" {
			return nil, fmt.Errorf("badger store requires a path")
		}
		return OpenBadgerStore(filepath.Join(path, "chunks.badger"))
	case BackendSqlite:
		if path == "" {
			return nil, fmt.Errorf("sqlite store requires a path")
		}
		return NewSqliteStore(filepath.Join(path, "chunks.sqlite"))
	default:
		return nil, fmt.Errorf("unknown chunk store backend: %s (supported: badger, sqlite, memory)", backend)
	}
}
