package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/flatq/internal/clock"
	"pkt.systems/flatq/internal/loggingutil"
	"pkt.systems/flatq/internal/storage"
)

const (
	// DefaultPollInterval is the delay between claim attempts while waiting.
	DefaultPollInterval = 100 * time.Millisecond
)

// PollerOption customises Poller behaviour.
type PollerOption func(*Poller)

// WithPollInterval sets the base polling interval.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithPollJitter sets the additional random jitter added to the polling interval.
func WithPollJitter(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d >= 0 {
			p.pollJitter = d
		}
	}
}

// WithClock overrides the clock used for deadlines and poll sleeps.
func WithClock(c clock.Clock) PollerOption {
	return func(p *Poller) {
		p.clock = clock.OrReal(c)
	}
}

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = loggingutil.EnsureLogger(logger)
	}
}

// WithWatch toggles the use of backend change notifications to cut waits short.
func WithWatch(enabled bool) PollerOption {
	return func(p *Poller) {
		p.watch = enabled
	}
}

// Poller turns the single-shot Claim of a backend into a blocking pop with a
// deadline. Waiting consumers retry on a fixed interval and additionally wake
// whenever the backend reports a change to the queue directory.
type Poller struct {
	backend      storage.Backend
	clock        clock.Clock
	logger       pslog.Logger
	pollInterval time.Duration
	pollJitter   time.Duration
	watch        bool
	metrics      *pollerMetrics

	mu      sync.Mutex
	waiters map[string]int
}

// NewPoller builds a Poller on top of backend.
func NewPoller(backend storage.Backend, opts ...PollerOption) *Poller {
	p := &Poller{
		backend:      backend,
		clock:        clock.Real{},
		logger:       loggingutil.NoopLogger(),
		pollInterval: DefaultPollInterval,
		watch:        true,
		waiters:      make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = loggingutil.WithSubsystem(p.logger, "queue.poller")
	p.metrics = newPollerMetrics(p.logger, p)
	return p
}

// Pop claims one message from queue. With a zero timeout it makes a single
// attempt; otherwise it keeps retrying until a message is claimed or the
// timeout elapses. It returns (nil, nil) when nothing was claimed in time and
// ctx.Err() when ctx ends first.
func (p *Poller) Pop(ctx context.Context, queue string, timeout time.Duration) (*storage.Message, error) {
	if timeout < 0 {
		timeout = 0
	}
	logger := loggingutil.FromContext(ctx, p.logger).With("queue", queue)
	start := p.clock.Now()
	deadline := start.Add(timeout)

	var events <-chan struct{}
	if timeout > 0 {
		// Subscribe before the first scan so a push landing in between still wakes us.
		if sub := p.subscribe(logger, queue); sub != nil {
			defer sub.Close()
			events = sub.Events()
		}
		p.addWaiter(queue, 1)
		defer p.addWaiter(queue, -1)
	}

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			p.metrics.recordPop(ctx, queue, "canceled", p.clock.Now().Sub(start))
			return nil, err
		}
		attempts++
		msg, err := p.backend.Claim(ctx, queue)
		if err == nil {
			waited := p.clock.Now().Sub(start)
			p.metrics.recordPop(ctx, queue, "claimed", waited)
			logger.Trace("queue.pop.claimed", "seq", msg.Sequence, "attempts", attempts, "waited", waited)
			return msg, nil
		}
		if !errors.Is(err, storage.ErrNoMessage) {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				p.metrics.recordPop(ctx, queue, "canceled", p.clock.Now().Sub(start))
				return nil, ctxErr
			}
			p.metrics.recordPop(ctx, queue, "error", p.clock.Now().Sub(start))
			logger.Debug("queue.pop.error", "attempts", attempts, "error", err)
			return nil, err
		}
		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			p.metrics.recordPop(ctx, queue, "empty", p.clock.Now().Sub(start))
			logger.Trace("queue.pop.empty", "attempts", attempts, "timeout", timeout)
			return nil, nil
		}
		wait := p.nextInterval()
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			p.metrics.recordPop(ctx, queue, "canceled", p.clock.Now().Sub(start))
			return nil, ctx.Err()
		case <-p.clock.After(wait):
		case _, ok := <-events:
			if !ok {
				logger.Debug("queue.pop.watch_closed")
				events = nil
				continue
			}
			logger.Trace("queue.pop.wake", "reason", "watch")
		}
	}
}

// Close releases the waiters gauge callback. Pop keeps working afterwards but
// is no longer observed.
func (p *Poller) Close() error {
	return p.metrics.close()
}

// Waiters reports how many Pop calls are currently blocked on queue.
func (p *Poller) Waiters(queue string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters[queue]
}

func (p *Poller) subscribe(logger pslog.Logger, queue string) storage.QueueChangeSubscription {
	if !p.watch {
		return nil
	}
	watcher, ok := p.backend.(storage.QueueWatcher)
	if !ok {
		return nil
	}
	sub, err := watcher.SubscribeQueueChanges(queue)
	if err != nil {
		if !errors.Is(err, storage.ErrNotImplemented) {
			logger.Debug("queue.pop.watch_unavailable", "error", err)
		}
		return nil
	}
	if sub == nil {
		return nil
	}
	return sub
}

func (p *Poller) addWaiter(queue string, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.waiters[queue] + delta
	if n <= 0 {
		delete(p.waiters, queue)
		return
	}
	p.waiters[queue] = n
}

func (p *Poller) snapshotWaiters() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.waiters))
	for q, n := range p.waiters {
		out[q] = n
	}
	return out
}

func (p *Poller) nextInterval() time.Duration {
	interval := p.pollInterval
	if p.pollJitter > 0 {
		interval += time.Duration(rand.Int63n(int64(p.pollJitter)))
	}
	return interval
}
