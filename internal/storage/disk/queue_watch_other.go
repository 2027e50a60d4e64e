//go:build !linux

package disk

import "pkt.systems/flatq/internal/storage"

func queueWatchSupported(string) bool { return false }

// SubscribeQueueChanges is only available on Linux; pollers fall back to
// interval scanning elsewhere.
func (s *Store) SubscribeQueueChanges(string) (storage.QueueChangeSubscription, error) {
	return nil, storage.ErrNotImplemented
}
