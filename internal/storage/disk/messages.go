package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"pkt.systems/flatq/internal/storage"
)

type candidate struct {
	seq  uint64
	name string
}

// Push writes payload to a private temp file, applies the configured mode and
// fsyncs it before publishing it under the next sequence number, so readers
// never observe a partially written message.
func (s *Store) Push(ctx context.Context, queue string, payload []byte) (seq uint64, err error) {
	logger, verbose := s.loggers(ctx)
	start := time.Now()
	verbose.Trace("disk.push.begin", "queue", queue, "bytes", len(payload))

	if err := s.requireQueue("push", queue); err != nil {
		logger.Debug("disk.push.queue_error", "queue", queue, "error", err)
		return 0, err
	}
	tmpDir := s.tmpDir(queue)
	if err := s.ensureTmpDir(tmpDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, storage.Wrap("push", queue, storage.ErrQueueNotFound)
		}
		return 0, storage.Wrap("push", queue, err)
	}
	tmpPath := filepath.Join(tmpDir, uuid.Must(uuid.NewV7()).String())
	if err := s.writeTemp(tmpPath, payload); err != nil {
		logger.Debug("disk.push.write_error", "queue", queue, "error", err)
		return 0, storage.Wrap("push", queue, err)
	}
	defer os.Remove(tmpPath)

	seq, err = s.publish(queue, tmpPath)
	if err != nil {
		logger.Debug("disk.push.publish_error", "queue", queue, "error", err)
		if errors.Is(err, errQueueVanished) {
			return 0, storage.Wrap("push", queue, storage.ErrQueueNotFound)
		}
		if isTransientErrno(err) {
			err = storage.NewTransientError(err)
		}
		return 0, storage.Wrap("push", queue, err)
	}
	if err := syncDir(s.queueDir(queue)); err != nil {
		logger.Debug("disk.push.sync_dir_error", "queue", queue, "seq", seq, "error", err)
	}
	verbose.Debug("disk.push.success",
		"queue", queue,
		"seq", seq,
		"bytes", len(payload),
		"elapsed", time.Since(start),
	)
	return seq, nil
}

// ensureTmpDir creates the staging directory with the queue's directory mode
// so every user allowed to push into the queue can stage there too.
func (s *Store) ensureTmpDir(dir string) error {
	err := os.Mkdir(dir, s.dirMode)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.Chmod(dir, s.dirMode)
}

func (s *Store) writeTemp(path string, payload []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, s.fileMode)
	if err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	// OpenFile honours umask; Chmod pins the exact configured bits.
	if err := f.Chmod(s.fileMode); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := syncFile(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// scan lists unclaimed messages in delivery order.
func (s *Store) scan(queue string) ([]candidate, error) {
	entries, err := os.ReadDir(s.queueDir(queue))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrQueueNotFound
		}
		if isTransientErrno(err) {
			return nil, storage.NewTransientError(err)
		}
		return nil, err
	}
	out := make([]candidate, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		seq, ok := parseMessageName(entry.Name())
		if !ok {
			continue
		}
		out = append(out, candidate{seq: seq, name: entry.Name()})
	}
	slices.SortFunc(out, func(a, b candidate) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	if s.order == storage.OrderLIFO {
		slices.Reverse(out)
	}
	return out, nil
}

// Claim renames the first claimable message to a claimant-unique name. The
// rename succeeds for exactly one caller; losers see ENOENT and move on to the
// next candidate.
func (s *Store) Claim(ctx context.Context, queue string) (*storage.Message, error) {
	logger, verbose := s.loggers(ctx)
	start := time.Now()
	verbose.Trace("disk.claim.begin", "queue", queue)

	if err := ValidateQueueName(queue); err != nil {
		return nil, err
	}
	candidates, err := s.scan(queue)
	if err != nil {
		logger.Debug("disk.claim.scan_error", "queue", queue, "error", err)
		return nil, storage.Wrap("claim", queue, err)
	}
	races := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := claimedName(c.seq, xid.New().String())
		src := s.messagePath(queue, c.name)
		dst := s.messagePath(queue, id)
		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				races++
				verbose.Trace("disk.claim.race_lost", "queue", queue, "seq", c.seq)
				continue
			}
			logger.Debug("disk.claim.rename_error", "queue", queue, "seq", c.seq, "error", err)
			return nil, storage.Wrap("claim", queue, err)
		}
		payload, err := os.ReadFile(dst)
		if err != nil {
			// The claim is already ours; surface the failure without retrying
			// so a second claim is not taken on top of this one.
			logger.Warn("disk.claim.read_error", "queue", queue, "seq", c.seq, "id", id, "error", err)
			return nil, storage.Wrap("claim", queue, fmt.Errorf("read claimed message %s: %w", id, err))
		}
		verbose.Debug("disk.claim.success",
			"queue", queue,
			"seq", c.seq,
			"id", id,
			"races", races,
			"elapsed", time.Since(start),
		)
		return &storage.Message{Queue: queue, Sequence: c.seq, ID: id, Payload: payload}, nil
	}
	verbose.Trace("disk.claim.empty", "queue", queue, "candidates", len(candidates), "races", races)
	return nil, storage.ErrNoMessage
}

// Ack deletes a claimed message. Unknown or already deleted identifiers
// report storage.ErrNotFound.
func (s *Store) Ack(ctx context.Context, queue, id string) error {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.ack.begin", "queue", queue, "id", id)
	if err := ValidateQueueName(queue); err != nil {
		return err
	}
	if _, _, ok := parseClaimedName(id); !ok {
		return fmt.Errorf("%w: %w: %q", storage.ErrNotFound, storage.ErrInvalidIdentifier, id)
	}
	if err := os.Remove(s.messagePath(queue, id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			verbose.Debug("disk.ack.not_found", "queue", queue, "id", id)
			return storage.ErrNotFound
		}
		logger.Debug("disk.ack.remove_error", "queue", queue, "id", id, "error", err)
		return storage.Wrap("ack", queue, err)
	}
	verbose.Debug("disk.ack.success", "queue", queue, "id", id)
	return nil
}

// Peek reads up to limit unclaimed messages after skipping offset. Messages
// claimed between the scan and the read are skipped.
func (s *Store) Peek(ctx context.Context, queue string, offset, limit int) ([]storage.Message, error) {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.peek.begin", "queue", queue, "offset", offset, "limit", limit)
	if err := ValidateQueueName(queue); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return []storage.Message{}, nil
	}
	candidates, err := s.scan(queue)
	if err != nil {
		logger.Debug("disk.peek.scan_error", "queue", queue, "error", err)
		return nil, storage.Wrap("peek", queue, err)
	}
	if offset >= len(candidates) {
		return []storage.Message{}, nil
	}
	out := make([]storage.Message, 0, min(limit, len(candidates)-offset))
	for _, c := range candidates[offset:] {
		if len(out) >= limit {
			break
		}
		payload, err := os.ReadFile(s.messagePath(queue, c.name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			logger.Debug("disk.peek.read_error", "queue", queue, "seq", c.seq, "error", err)
			return nil, storage.Wrap("peek", queue, err)
		}
		out = append(out, storage.Message{Queue: queue, Sequence: c.seq, Payload: payload})
	}
	verbose.Debug("disk.peek.success", "queue", queue, "returned", len(out))
	return out, nil
}

// Stats counts unclaimed and claimed message files and their total size.
func (s *Store) Stats(ctx context.Context, queue string) (storage.QueueStats, error) {
	logger, _ := s.loggers(ctx)
	if err := s.requireQueue("stats", queue); err != nil {
		return storage.QueueStats{}, err
	}
	entries, err := os.ReadDir(s.queueDir(queue))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.QueueStats{}, storage.Wrap("stats", queue, storage.ErrQueueNotFound)
		}
		return storage.QueueStats{}, storage.Wrap("stats", queue, err)
	}
	var stats storage.QueueStats
	for _, entry := range entries {
		name := entry.Name()
		var claimed bool
		if _, ok := parseMessageName(name); !ok {
			if _, _, ok := parseClaimedName(name); !ok {
				continue
			}
			claimed = true
		}
		info, err := entry.Info()
		if err != nil {
			// Acked or claimed since ReadDir.
			continue
		}
		if claimed {
			stats.Claimed++
		} else {
			stats.Unclaimed++
		}
		stats.Bytes += info.Size()
	}
	last, err := s.lastSequence(queue)
	if err != nil {
		logger.Debug("disk.stats.sequence_error", "queue", queue, "error", err)
	}
	stats.LastSequence = last
	return stats, nil
}
