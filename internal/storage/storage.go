package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the referenced message is unknown or already acknowledged.
	ErrNotFound = errors.New("storage: not found")
	// ErrQueueNotFound indicates the queue directory does not exist.
	ErrQueueNotFound = errors.New("storage: queue not found")
	// ErrNoMessage is returned by Claim when no unclaimed message could be claimed.
	ErrNoMessage = errors.New("storage: no message")
	// ErrInvalidName rejects queue names that are not a single path segment.
	ErrInvalidName = errors.New("storage: invalid queue name")
	// ErrInvalidIdentifier rejects identifiers that do not name a claimed message.
	ErrInvalidIdentifier = errors.New("storage: invalid message identifier")
	// ErrNotImplemented is returned by optional capabilities a backend lacks.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Order selects which unclaimed message a claim or peek visits first.
type Order string

const (
	// OrderFIFO delivers the lowest sequence number first.
	OrderFIFO Order = "fifo"
	// OrderLIFO delivers the highest sequence number first.
	OrderLIFO Order = "lifo"
)

// ParseOrder normalises s into an Order. Empty input selects OrderFIFO.
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToLower(strings.TrimSpace(s))) {
	case "", OrderFIFO:
		return OrderFIFO, nil
	case OrderLIFO:
		return OrderLIFO, nil
	default:
		return "", fmt.Errorf("storage: unknown delivery order %q (want %q or %q)", s, OrderFIFO, OrderLIFO)
	}
}

// Message is a single stored payload. ID is only set for claimed messages.
type Message struct {
	Queue    string
	Sequence uint64
	ID       string
	Payload  []byte
}

// QueueStats summarises the files held by one queue.
type QueueStats struct {
	Unclaimed    int
	Claimed      int
	Bytes        int64
	LastSequence uint64
}

// Backend is the storage contract consumed by the driver and poller.
type Backend interface {
	CreateQueue(ctx context.Context, queue string) error
	RemoveQueue(ctx context.Context, queue string) error
	ListQueues(ctx context.Context) ([]string, error)
	// Push stores payload as a new unclaimed message and returns its sequence number.
	Push(ctx context.Context, queue string, payload []byte) (uint64, error)
	// Claim atomically transitions one unclaimed message to claimed. It returns
	// ErrNoMessage when nothing could be claimed.
	Claim(ctx context.Context, queue string) (*Message, error)
	// Ack permanently deletes a claimed message. Unknown identifiers yield ErrNotFound.
	Ack(ctx context.Context, queue, id string) error
	// Peek returns up to limit unclaimed messages after skipping offset, without mutating state.
	Peek(ctx context.Context, queue string, offset, limit int) ([]Message, error)
	Stats(ctx context.Context, queue string) (QueueStats, error)
	Close() error
}

// QueueChangeSubscription delivers coalesced change hints for one queue.
type QueueChangeSubscription interface {
	Events() <-chan struct{}
	Close() error
}

// QueueWatcher is implemented by backends able to signal queue changes.
type QueueWatcher interface {
	SubscribeQueueChanges(queue string) (QueueChangeSubscription, error)
}

// Error reports a filesystem failure for a storage operation.
type Error struct {
	Op    string
	Queue string
	Err   error
}

func (e *Error) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage: %s queue %q: %v", e.Op, e.Queue, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err as a storage failure of op on queue. Nil stays nil and
// errors that already carry a *Error are returned unchanged.
func Wrap(op, queue string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Op: op, Queue: queue, Err: err}
}

// IsStorageError reports whether err carries a *Error.
func IsStorageError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
