package collab

import (
	"errors"

	"docsync/internal/access"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = access.ErrNotFound
	ErrMalformedUpdate = errors.New("malformed update")
	// ErrPersistence marks a snapshot load failure. Callers should retry.
	ErrPersistence  = errors.New("persistence failure")
	ErrNotAttached  = errors.New("connection not attached")
	ErrShuttingDown = errors.New("registry shutting down")

	// errSessionClosed is returned when a session finished between lookup and
	// use; the registry retries with a fresh session.
	errSessionClosed = errors.New("session closed")
)
