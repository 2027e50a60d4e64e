package retry

import (
	"context"
	"time"

	"pkt.systems/flatq/internal/clock"
	"pkt.systems/flatq/internal/storage"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
// Operations that already changed state (a completed claim whose payload read
// failed, for example) never surface a transient error and are not repeated.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clock.OrReal(clk),
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) CreateQueue(ctx context.Context, queue string) error {
	return b.withRetry(ctx, "create_queue", queue, func(ctx context.Context) error {
		return b.inner.CreateQueue(ctx, queue)
	})
}

func (b *backend) RemoveQueue(ctx context.Context, queue string) error {
	return b.withRetry(ctx, "remove_queue", queue, func(ctx context.Context) error {
		return b.inner.RemoveQueue(ctx, queue)
	})
}

func (b *backend) ListQueues(ctx context.Context) ([]string, error) {
	var queues []string
	err := b.withRetry(ctx, "list_queues", "", func(ctx context.Context) error {
		var err error
		queues, err = b.inner.ListQueues(ctx)
		return err
	})
	return queues, err
}

func (b *backend) Push(ctx context.Context, queue string, payload []byte) (uint64, error) {
	var seq uint64
	err := b.withRetry(ctx, "push", queue, func(ctx context.Context) error {
		var err error
		seq, err = b.inner.Push(ctx, queue, payload)
		return err
	})
	return seq, err
}

func (b *backend) Claim(ctx context.Context, queue string) (*storage.Message, error) {
	var msg *storage.Message
	err := b.withRetry(ctx, "claim", queue, func(ctx context.Context) error {
		var err error
		msg, err = b.inner.Claim(ctx, queue)
		return err
	})
	return msg, err
}

func (b *backend) Ack(ctx context.Context, queue, id string) error {
	return b.withRetry(ctx, "ack", queue, func(ctx context.Context) error {
		return b.inner.Ack(ctx, queue, id)
	})
}

func (b *backend) Peek(ctx context.Context, queue string, offset, limit int) ([]storage.Message, error) {
	var msgs []storage.Message
	err := b.withRetry(ctx, "peek", queue, func(ctx context.Context) error {
		var err error
		msgs, err = b.inner.Peek(ctx, queue, offset, limit)
		return err
	})
	return msgs, err
}

func (b *backend) Stats(ctx context.Context, queue string) (storage.QueueStats, error) {
	var stats storage.QueueStats
	err := b.withRetry(ctx, "stats", queue, func(ctx context.Context) error {
		var err error
		stats, err = b.inner.Stats(ctx, queue)
		return err
	})
	return stats, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) SubscribeQueueChanges(queue string) (storage.QueueChangeSubscription, error) {
	if watcher, ok := b.inner.(storage.QueueWatcher); ok {
		return watcher.SubscribeQueueChanges(queue)
	}
	return nil, storage.ErrNotImplemented
}

func (b *backend) withRetry(ctx context.Context, op, queue string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage.retry.transient",
			"operation", op,
			"queue", queue,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.clock.Sleep(delay)
			next := time.Duration(float64(delay) * b.cfg.Multiplier)
			if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
				next = b.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
