package store

import (
	"errors"
	"fmt"
)

// Invariant violations. These indicate a sequencing bug in the caller, not a
// storage fault, and are never wrapped in a StorageError.
var (
	// ErrDuplicateSession is returned when creating a session whose remote
	// session id is already cached.
	ErrDuplicateSession = errors.New("store: duplicate remote session id")

	// ErrSessionNotFound is returned by updates and deletes against a remote
	// session id with no cached record.
	ErrSessionNotFound = errors.New("store: session not found")

	// ErrOrphanMessage is returned when appending a message whose parent
	// session is not cached. The message is not persisted.
	ErrOrphanMessage = errors.New("store: message for unknown session")

	// ErrMessageNotFound is returned when tagging a message id that does not exist.
	ErrMessageNotFound = errors.New("store: message not found")
)

// StorageError wraps an I/O-level persistence failure. Callers should treat
// the failed operation as non-retryable; the store itself remains usable.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
