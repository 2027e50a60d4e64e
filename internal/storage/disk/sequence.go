package disk

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// maxPublishProbes bounds how far publish walks past a stale counter before
// giving up.
const maxPublishProbes = 1 << 16

// publish links the fully written temp file into the queue under the next
// free sequence number. The counter in .seq is advanced while holding an
// exclusive lock on it; the link itself only succeeds when the target name is
// absent, so a stale or lost counter can never produce a duplicate.
func (s *Store) publish(queue, tmpPath string) (uint64, error) {
	seqPath := s.seqPath(queue)
	mu := globalPathMutex(seqPath)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(seqPath, os.O_RDWR|os.O_CREATE, s.fileMode|0o600)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, errQueueVanished
		}
		return 0, fmt.Errorf("disk: open sequence: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return 0, fmt.Errorf("disk: lock sequence: %w", err)
	}
	defer func() {
		if unlockErr := unlockFile(f); unlockErr != nil {
			s.logger.Warn("disk.publish.unlock_error", "queue", queue, "error", unlockErr)
		}
		f.Close()
	}()

	last, err := readCounter(f)
	if err != nil {
		return 0, err
	}
	if last == 0 {
		// Fresh or lost counter: continue after the highest message on disk.
		if last, err = s.highestSequence(queue); err != nil {
			return 0, err
		}
	}
	next := last + 1
	for probes := 0; ; probes++ {
		if probes >= maxPublishProbes {
			return 0, fmt.Errorf("disk: no free sequence after %d probes from %d", probes, last+1)
		}
		err := os.Link(tmpPath, s.messagePath(queue, messageName(next)))
		if err == nil {
			break
		}
		if errors.Is(err, fs.ErrExist) {
			next++
			continue
		}
		if errors.Is(err, fs.ErrNotExist) {
			return 0, errQueueVanished
		}
		return 0, fmt.Errorf("disk: publish message: %w", err)
	}
	// The message is published once the link lands. A counter that fails to
	// advance only costs extra probes on the next push.
	if err := writeCounter(f, next); err != nil {
		s.logger.Warn("disk.publish.counter_error", "queue", queue, "seq", next, "error", err)
	}
	return next, nil
}

var errQueueVanished = errors.New("disk: queue removed during push")

func readCounter(f *os.File) (uint64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("disk: seek sequence: %w", err)
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return 0, fmt.Errorf("disk: read sequence: %w", err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("disk: corrupt sequence file %q: %w", f.Name(), err)
	}
	return n, nil
}

// writeCounter overwrites the counter in place with a fixed-width record, so
// a crash mid-write never leaves the file empty. Truncate only trims bytes
// left over from a shorter legacy record.
func writeCounter(f *os.File, n uint64) error {
	record := []byte(fmt.Sprintf("%0*d\n", seqDigits, n))
	if _, err := f.WriteAt(record, 0); err != nil {
		return fmt.Errorf("disk: write sequence: %w", err)
	}
	if err := f.Truncate(int64(len(record))); err != nil {
		return fmt.Errorf("disk: truncate sequence: %w", err)
	}
	if err := syncFile(f); err != nil {
		return fmt.Errorf("disk: sync sequence: %w", err)
	}
	return nil
}

// highestSequence scans the queue for the largest sequence number in use by
// either an unclaimed or a claimed message.
func (s *Store) highestSequence(queue string) (uint64, error) {
	entries, err := os.ReadDir(s.queueDir(queue))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, errQueueVanished
		}
		return 0, fmt.Errorf("disk: scan queue: %w", err)
	}
	var highest uint64
	for _, entry := range entries {
		seq, ok := parseMessageName(entry.Name())
		if !ok {
			seq, _, ok = parseClaimedName(entry.Name())
		}
		if ok && seq > highest {
			highest = seq
		}
	}
	return highest, nil
}

// lastSequence reads the counter for statistics. It takes the per-path mutex
// because closing any descriptor on .seq drops the fcntl lock a concurrent
// publish in this process may hold.
func (s *Store) lastSequence(queue string) (uint64, error) {
	seqPath := s.seqPath(queue)
	mu := globalPathMutex(seqPath)
	mu.Lock()
	raw, err := os.ReadFile(seqPath)
	mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return 0, nil
	}
	return strconv.ParseUint(text, 10, 64)
}
