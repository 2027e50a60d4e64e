package flatq

import (
	"errors"

	"pkt.systems/flatq/internal/storage"
)

// StorageError reports a filesystem failure during a queue operation. It
// unwraps to the underlying *fs.PathError or sentinel.
type StorageError = storage.Error

var (
	// ErrNotFound is returned by AcknowledgeMessage for identifiers that are
	// unknown or already acknowledged.
	ErrNotFound = storage.ErrNotFound
	// ErrQueueNotFound is wrapped in a *StorageError when the queue directory is missing.
	ErrQueueNotFound = storage.ErrQueueNotFound
	// ErrInvalidName rejects queue names that are not a single path segment.
	ErrInvalidName = storage.ErrInvalidName
	// ErrInvalidIdentifier rejects identifiers that do not name a claimed message.
	ErrInvalidIdentifier = storage.ErrInvalidIdentifier
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("flatq: driver closed")
)

// IsStorageError reports whether err carries a *StorageError.
func IsStorageError(err error) bool {
	return storage.IsStorageError(err)
}
