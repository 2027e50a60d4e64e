package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/flatq/internal/loggingutil"
	"pkt.systems/flatq/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging and one span per operation.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if inner == nil {
		return nil
	}
	return &backend{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		tracer: otel.Tracer("pkt.systems/flatq/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, queue string) (context.Context, trace.Span, pslog.Logger, time.Time, func(string, error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "flatq.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("flatq.storage.operation", op),
		attribute.String("flatq.sys", b.sys),
	)
	if queue != "" {
		span.SetAttributes(attribute.String("flatq.queue", queue))
	}
	span.AddEvent("flatq.storage.begin")

	logger := loggingutil.FromContext(ctx, b.logger)
	if queue != "" {
		logger = logger.With("queue", queue)
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, begin, func(result string, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("flatq.storage.end", trace.WithAttributes(
			attribute.String("flatq.storage.result", result),
			attribute.Int64("flatq.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

func (b *backend) CreateQueue(ctx context.Context, queue string) error {
	ctx, span, verbose, begin, finish := b.start(ctx, "create_queue", queue)
	defer span.End()

	verbose.Trace("storage.create_queue.begin")
	if err := b.inner.CreateQueue(ctx, queue); err != nil {
		finish("error", err)
		verbose.Debug("storage.create_queue.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.create_queue.success", "elapsed", time.Since(begin))
	return nil
}

func (b *backend) RemoveQueue(ctx context.Context, queue string) error {
	ctx, span, verbose, begin, finish := b.start(ctx, "remove_queue", queue)
	defer span.End()

	verbose.Trace("storage.remove_queue.begin")
	if err := b.inner.RemoveQueue(ctx, queue); err != nil {
		finish("error", err)
		verbose.Debug("storage.remove_queue.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.remove_queue.success", "elapsed", time.Since(begin))
	return nil
}

func (b *backend) ListQueues(ctx context.Context) ([]string, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "list_queues", "")
	defer span.End()

	verbose.Trace("storage.list_queues.begin")
	queues, err := b.inner.ListQueues(ctx)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.list_queues.error", "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	span.SetAttributes(attribute.Int("flatq.storage.queue_count", len(queues)))
	finish("ok", nil)
	verbose.Trace("storage.list_queues.success", "count", len(queues), "elapsed", time.Since(begin))
	return queues, nil
}

func (b *backend) Push(ctx context.Context, queue string, payload []byte) (uint64, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "push", queue)
	defer span.End()

	span.SetAttributes(attribute.Int("flatq.storage.bytes", len(payload)))
	verbose.Trace("storage.push.begin", "bytes", len(payload))
	seq, err := b.inner.Push(ctx, queue, payload)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.push.error", "bytes", len(payload), "error", err, "elapsed", time.Since(begin))
		return 0, err
	}
	span.SetAttributes(attribute.Int64("flatq.storage.seq", int64(seq)))
	finish("ok", nil)
	verbose.Debug("storage.push.success", "seq", seq, "bytes", len(payload), "elapsed", time.Since(begin))
	return seq, nil
}

func (b *backend) Claim(ctx context.Context, queue string) (*storage.Message, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "claim", queue)
	defer span.End()

	verbose.Trace("storage.claim.begin")
	msg, err := b.inner.Claim(ctx, queue)
	switch {
	case errors.Is(err, storage.ErrNoMessage):
		finish("empty", nil)
		verbose.Trace("storage.claim.empty", "elapsed", time.Since(begin))
		return nil, err
	case err != nil:
		finish("error", err)
		verbose.Debug("storage.claim.error", "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("flatq.storage.seq", int64(msg.Sequence)),
		attribute.Int("flatq.storage.bytes", len(msg.Payload)),
	)
	finish("ok", nil)
	verbose.Debug("storage.claim.success",
		"seq", msg.Sequence,
		"id", msg.ID,
		"bytes", len(msg.Payload),
		"elapsed", time.Since(begin),
	)
	return msg, nil
}

func (b *backend) Ack(ctx context.Context, queue, id string) error {
	ctx, span, verbose, begin, finish := b.start(ctx, "ack", queue)
	defer span.End()

	verbose.Trace("storage.ack.begin", "id", id)
	if err := b.inner.Ack(ctx, queue, id); err != nil {
		finish("error", err)
		verbose.Debug("storage.ack.error", "id", id, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.ack.success", "id", id, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) Peek(ctx context.Context, queue string, offset, limit int) ([]storage.Message, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "peek", queue)
	defer span.End()

	span.SetAttributes(
		attribute.Int("flatq.storage.offset", offset),
		attribute.Int("flatq.storage.limit", limit),
	)
	verbose.Trace("storage.peek.begin", "offset", offset, "limit", limit)
	msgs, err := b.inner.Peek(ctx, queue, offset, limit)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.peek.error", "offset", offset, "limit", limit, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	finish("ok", nil)
	verbose.Debug("storage.peek.success", "returned", len(msgs), "elapsed", time.Since(begin))
	return msgs, nil
}

func (b *backend) Stats(ctx context.Context, queue string) (storage.QueueStats, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "stats", queue)
	defer span.End()

	stats, err := b.inner.Stats(ctx, queue)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.stats.error", "error", err, "elapsed", time.Since(begin))
		return stats, err
	}
	finish("ok", nil)
	verbose.Trace("storage.stats.success",
		"unclaimed", stats.Unclaimed,
		"claimed", stats.Claimed,
		"bytes", stats.Bytes,
		"elapsed", time.Since(begin),
	)
	return stats, nil
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
