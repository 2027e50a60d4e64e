//go:build linux

package disk

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/flatq/internal/storage"
)

func queueWatchSupported(root string) bool {
	return !isNFS(root)
}

// SubscribeQueueChanges watches the queue directory and signals whenever an
// entry is created, renamed or removed. Events are coalesced; consumers must
// re-scan rather than count them.
func (s *Store) SubscribeQueueChanges(queue string) (storage.QueueChangeSubscription, error) {
	if !s.queueWatchEnabled {
		return nil, storage.ErrNotImplemented
	}
	if err := s.requireQueue("watch", queue); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create queue watcher: %w", err)
	}
	dir := s.queueDir(queue)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch queue directory %q: %w", dir, err)
	}
	sub := &queueChangeSubscription{
		watcher: watcher,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

type queueChangeSubscription struct {
	watcher *fsnotify.Watcher
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (q *queueChangeSubscription) Events() <-chan struct{} {
	return q.events
}

func (q *queueChangeSubscription) Close() error {
	var err error
	q.once.Do(func() {
		close(q.stop)
		err = q.watcher.Close()
	})
	return err
}

func (q *queueChangeSubscription) run() {
	defer close(q.events)
	for {
		select {
		case <-q.stop:
			return
		case ev, ok := <-q.watcher.Events:
			if !ok {
				return
			}
			// Claimed files and temp writes are noise; only a new or
			// renamed .job entry can make a waiter succeed.
			if _, isMsg := parseMessageName(filepath.Base(ev.Name)); !isMsg {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				q.signal()
			}
		case _, ok := <-q.watcher.Errors:
			if !ok {
				return
			}
			q.signal()
		}
	}
}

func (q *queueChangeSubscription) signal() {
	select {
	case q.events <- struct{}{}:
	default:
	}
}
