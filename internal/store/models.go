package store

import (
	"errors"
	"time"

	"docsync/internal/access"
)

var (
	// ErrDocumentNotFound is the access package's sentinel so callers of the
	// verifier and of the gateway match the same value.
	ErrDocumentNotFound = access.ErrNotFound
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

type Snapshot struct {
	DocumentID string
	State      []byte
	Version    int64
	UpdatedAt  time.Time
}
