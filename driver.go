package flatq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/flatq/internal/clock"
	"pkt.systems/flatq/internal/loggingutil"
	"pkt.systems/flatq/internal/queue"
	"pkt.systems/flatq/internal/storage"
	"pkt.systems/flatq/internal/storage/disk"
)

// Message is a claimed message returned by PopMessage.
type Message struct {
	// Queue is the queue the message was claimed from.
	Queue string
	// Payload holds the bytes exactly as pushed.
	Payload []byte
	// ID identifies the claim; pass it to AcknowledgeMessage.
	ID string
	// Sequence is the per-queue number assigned at push time.
	Sequence uint64
}

// QueueStats summarises the files held by one queue.
type QueueStats = storage.QueueStats

// Info describes how a Driver was configured and which wake-up mode it runs in.
type Info struct {
	Root             string
	RootID           string
	FileMode         os.FileMode
	DirMode          os.FileMode
	Order            string
	PollInterval     time.Duration
	PollJitter       time.Duration
	QueueWatch       bool
	QueueWatchMode   string
	QueueWatchReason string
	OnNFS            bool
}

// Option customises Driver construction.
type Option func(*options)

type options struct {
	logger pslog.Logger
	clock  clock.Clock
}

// WithLogger supplies the logger used by the driver and its storage layers.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides the clock driving pop deadlines and retry backoff.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// Driver exposes the queue operations over a filesystem root. It is safe for
// concurrent use and may be shared with other processes using the same root.
type Driver struct {
	cfg     Config
	store   *disk.Store
	backend storage.Backend
	poller  *queue.Poller
	logger  pslog.Logger
	metrics *driverMetrics
	closed  atomic.Bool
}

// New validates cfg and opens a driver on cfg.Root, creating the root when it
// does not exist.
func New(cfg Config, opts ...Option) (*Driver, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.logger)
	clk := clock.OrReal(o.clock)

	store, backend, err := openBackend(context.Background(), cfg, logger, clk)
	if err != nil {
		return nil, err
	}
	d := &Driver{
		cfg:     cfg,
		store:   store,
		backend: backend,
		logger:  loggingutil.WithSubsystem(logger, "flatq.driver"),
		metrics: newDriverMetrics(logger),
	}
	d.poller = queue.NewPoller(backend,
		queue.WithPollInterval(cfg.PollInterval),
		queue.WithPollJitter(cfg.PollJitter),
		queue.WithClock(clk),
		queue.WithLogger(logger),
		queue.WithWatch(!cfg.DisableQueueWatch),
	)
	watch, mode, reason := store.QueueWatchStatus()
	d.logger.Debug("flatq.driver.open",
		"root", cfg.Root,
		"order", cfg.Order,
		"file_mode", fmt.Sprintf("%#o", cfg.FileMode),
		"dir_mode", fmt.Sprintf("%#o", cfg.DirMode),
		"poll_interval", cfg.PollInterval,
		"queue_watch", watch,
		"queue_watch_mode", mode,
		"queue_watch_reason", reason,
		"nfs", store.OnNFS(),
		"root_id", store.RootID(),
	)
	return d, nil
}

// Config returns the validated configuration.
func (d *Driver) Config() Config { return d.cfg }

// Info reports the effective configuration of the driver.
func (d *Driver) Info() Info {
	watch, mode, reason := d.store.QueueWatchStatus()
	return Info{
		Root:             d.store.Root(),
		RootID:           d.store.RootID(),
		FileMode:         d.store.FileMode(),
		DirMode:          d.store.DirMode(),
		Order:            string(d.store.Order()),
		PollInterval:     d.cfg.PollInterval,
		PollJitter:       d.cfg.PollJitter,
		QueueWatch:       watch,
		QueueWatchMode:   mode,
		QueueWatchReason: reason,
		OnNFS:            d.store.OnNFS(),
	}
}

// CreateQueue makes sure a queue exists. Creating an existing queue succeeds.
func (d *Driver) CreateQueue(ctx context.Context, name string) error {
	if d.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	err := d.backend.CreateQueue(ctx, name)
	d.metrics.record(ctx, "create_queue", name, start, resultLabel(err))
	if err != nil {
		return err
	}
	d.log(ctx).Debug("flatq.queue.create", "queue", name)
	return nil
}

// RemoveQueue deletes a queue together with all of its messages, claimed or
// not. Removing a missing queue succeeds.
func (d *Driver) RemoveQueue(ctx context.Context, name string) error {
	if d.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	err := d.backend.RemoveQueue(ctx, name)
	d.metrics.record(ctx, "remove_queue", name, start, resultLabel(err))
	if err != nil {
		return err
	}
	d.log(ctx).Debug("flatq.queue.remove", "queue", name)
	return nil
}

// ListQueues returns the names of every queue under the root. Callers must
// not rely on the order.
func (d *Driver) ListQueues(ctx context.Context) ([]string, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	queues, err := d.backend.ListQueues(ctx)
	d.metrics.record(ctx, "list_queues", "", start, resultLabel(err))
	return queues, err
}

// PushMessage appends payload to the queue. The queue must exist; a missing
// queue yields a *StorageError wrapping ErrQueueNotFound.
func (d *Driver) PushMessage(ctx context.Context, name string, payload []byte) error {
	if d.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	seq, err := d.backend.Push(ctx, name, payload)
	d.metrics.record(ctx, "push", name, start, resultLabel(err))
	if err != nil {
		return err
	}
	d.metrics.recordBytes(ctx, "push", name, len(payload))
	d.log(ctx).Trace("flatq.message.push", "queue", name, "seq", seq, "bytes", len(payload))
	return nil
}

// PopMessage claims the next message of the queue. With a zero timeout it
// looks once; otherwise it waits up to timeout for a message to arrive. The
// boolean is false when no message could be claimed in time. A claimed
// message is never handed to another caller and stays on disk until
// acknowledged.
func (d *Driver) PopMessage(ctx context.Context, name string, timeout time.Duration) (Message, bool, error) {
	if d.closed.Load() {
		return Message{}, false, ErrClosed
	}
	start := time.Now()
	msg, err := d.poller.Pop(ctx, name, timeout)
	switch {
	case err != nil:
		d.metrics.record(ctx, "pop", name, start, resultLabel(err))
		return Message{}, false, err
	case msg == nil:
		d.metrics.record(ctx, "pop", name, start, "empty")
		d.log(ctx).Trace("flatq.message.pop.empty", "queue", name, "timeout", timeout)
		return Message{}, false, nil
	}
	d.metrics.record(ctx, "pop", name, start, "ok")
	d.metrics.recordBytes(ctx, "pop", name, len(msg.Payload))
	d.log(ctx).Trace("flatq.message.pop", "queue", name, "seq", msg.Sequence, "id", msg.ID)
	return Message{
		Queue:    name,
		Payload:  msg.Payload,
		ID:       msg.ID,
		Sequence: msg.Sequence,
	}, true, nil
}

// AcknowledgeMessage permanently deletes a claimed message. Unknown or
// already acknowledged identifiers return ErrNotFound.
func (d *Driver) AcknowledgeMessage(ctx context.Context, name, id string) error {
	if d.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	err := d.backend.Ack(ctx, name, id)
	d.metrics.record(ctx, "ack", name, start, resultLabel(err))
	if err != nil {
		return err
	}
	d.log(ctx).Trace("flatq.message.ack", "queue", name, "id", id)
	return nil
}

// PeekQueue returns up to limit unclaimed payloads after skipping offset, in
// delivery order, without claiming anything.
func (d *Driver) PeekQueue(ctx context.Context, name string, offset, limit int) ([][]byte, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	msgs, err := d.backend.Peek(ctx, name, offset, limit)
	d.metrics.record(ctx, "peek", name, start, resultLabel(err))
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Payload
	}
	return out, nil
}

// CountMessages returns the number of unclaimed messages in the queue.
func (d *Driver) CountMessages(ctx context.Context, name string) (int, error) {
	stats, err := d.QueueStats(ctx, name)
	if err != nil {
		return 0, err
	}
	return stats.Unclaimed, nil
}

// QueueStats counts unclaimed and claimed messages and their total size.
func (d *Driver) QueueStats(ctx context.Context, name string) (QueueStats, error) {
	if d.closed.Load() {
		return QueueStats{}, ErrClosed
	}
	start := time.Now()
	stats, err := d.backend.Stats(ctx, name)
	d.metrics.record(ctx, "stats", name, start, resultLabel(err))
	return stats, err
}

// Close releases the driver. Subsequent calls return ErrClosed.
func (d *Driver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.logger.Debug("flatq.driver.close")
	return errors.Join(d.poller.Close(), d.backend.Close())
}

func (d *Driver) log(ctx context.Context) pslog.Logger {
	return loggingutil.FromContext(ctx, d.logger)
}
