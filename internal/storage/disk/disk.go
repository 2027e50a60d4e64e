package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"pkt.systems/flatq/internal/clock"
	"pkt.systems/flatq/internal/loggingutil"
	"pkt.systems/flatq/internal/storage"
	"pkt.systems/pslog"
)

const (
	// DefaultFileMode is applied to message files when Config.FileMode is zero.
	DefaultFileMode os.FileMode = 0o640
	// DefaultDirMode is applied to queue directories when Config.DirMode is zero.
	DefaultDirMode os.FileMode = 0o750

	messageSuffix = ".job"
	claimedSuffix = ".claimed"
	seqFileName   = ".seq"
	tmpDirName    = ".tmp"
	seqDigits     = 20

	// RemoveQueue retries a racing rmdir at most removeAttempts times, so it
	// waits no longer than (removeAttempts-1)*removeRetryDelay in total.
	removeAttempts   = 3
	removeRetryDelay = 10 * time.Millisecond
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root       string
	FileMode   os.FileMode
	DirMode    os.FileMode
	Order      storage.Order
	QueueWatch bool
	Logger     pslog.Logger
	// Clock paces retries; nil means the wall clock.
	Clock clock.Clock
}

// Store implements storage.Backend on a local directory tree: one directory
// per queue and one file per message.
type Store struct {
	root     string
	fileMode os.FileMode
	dirMode  os.FileMode
	order    storage.Order
	logger   pslog.Logger
	clock    clock.Clock
	nfs      bool
	rootID   string

	queueWatchEnabled bool
	queueWatchMode    string
	queueWatchReason  string
}

// fcntl locks are owned by the process, so goroutines sharing a process
// serialise on these before touching a sequence file.
var globalLocks sync.Map

func globalPathMutex(path string) *sync.Mutex {
	mu, _ := globalLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// New initialises a disk-backed store rooted at cfg.Root. The root is created
// when missing and must be a writable directory.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = DefaultFileMode
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = DefaultDirMode
	}
	if cfg.FileMode&^os.ModePerm != 0 || cfg.DirMode&^os.ModePerm != 0 {
		return nil, fmt.Errorf("disk: file and directory modes must only carry permission bits")
	}
	if cfg.DirMode&0o300 != 0o300 {
		return nil, fmt.Errorf("disk: directory mode %#o must grant owner write and search", cfg.DirMode)
	}
	order, err := storage.ParseOrder(string(cfg.Order))
	if err != nil {
		return nil, fmt.Errorf("disk: %w", err)
	}

	root := filepath.Clean(cfg.Root)
	if info, err := os.Stat(root); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("disk: root %q is not a directory", root)
		}
	} else if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(root, cfg.DirMode); err != nil {
			return nil, fmt.Errorf("disk: prepare root %q: %w", root, err)
		}
	} else {
		return nil, fmt.Errorf("disk: stat root %q: %w", root, err)
	}
	rootID, err := resolveRootID(root, cfg.FileMode)
	if err != nil {
		return nil, err
	}

	s := &Store{
		root:     root,
		fileMode: cfg.FileMode,
		dirMode:  cfg.DirMode,
		order:    order,
		logger:   loggingutil.EnsureLogger(cfg.Logger),
		clock:    clock.OrReal(cfg.Clock),
		nfs:      isNFS(root),
		rootID:   rootID,
	}
	s.queueWatchMode = "polling"
	s.queueWatchReason = "config_disabled"
	if cfg.QueueWatch {
		if queueWatchSupported(root) {
			s.queueWatchEnabled = true
			s.queueWatchMode = "fsnotify"
			s.queueWatchReason = "filesystem_watch_enabled"
		} else {
			s.queueWatchReason = "filesystem_not_supported"
		}
	}
	return s, nil
}

// Root returns the cleaned storage root.
func (s *Store) Root() string { return s.root }

// FileMode returns the permission bits applied to message files.
func (s *Store) FileMode() os.FileMode { return s.fileMode }

// DirMode returns the permission bits applied to queue directories.
func (s *Store) DirMode() os.FileMode { return s.dirMode }

// Order returns the delivery order used by Claim and Peek.
func (s *Store) Order() storage.Order { return s.order }

// RootID returns the identifier stored in the root's .flatq-id file.
func (s *Store) RootID() string { return s.rootID }

// OnNFS reports whether the root was detected on an NFS mount.
func (s *Store) OnNFS() bool { return s.nfs }

// IsNFS reports whether path lives on an NFS mount. Unsupported platforms
// always report false.
func IsNFS(path string) bool { return isNFS(path) }

// QueueWatchStatus reports whether fsnotify-based queue change notifications are active.
func (s *Store) QueueWatchStatus() (bool, string, string) {
	return s.queueWatchEnabled, s.queueWatchMode, s.queueWatchReason
}

// Close releases backend resources. The disk store holds none between calls.
func (s *Store) Close() error { return nil }

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := loggingutil.FromContext(ctx, s.logger).With("storage_backend", "disk")
	return logger, logger
}

// ValidateQueueName reports whether name can be used as a queue directory.
func ValidateQueueName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", storage.ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", storage.ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q must not start with '.'", storage.ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q must be a single path segment", storage.ErrInvalidName, name)
	case len(name) > 255:
		return fmt.Errorf("%w: longer than 255 bytes", storage.ErrInvalidName)
	}
	return nil
}

func (s *Store) queueDir(queue string) string {
	return filepath.Join(s.root, queue)
}

func (s *Store) seqPath(queue string) string {
	return filepath.Join(s.queueDir(queue), seqFileName)
}

func (s *Store) tmpDir(queue string) string {
	return filepath.Join(s.queueDir(queue), tmpDirName)
}

func (s *Store) messagePath(queue, name string) string {
	return filepath.Join(s.queueDir(queue), name)
}

func messageName(seq uint64) string {
	return fmt.Sprintf("%0*d%s", seqDigits, seq, messageSuffix)
}

func claimedName(seq uint64, token string) string {
	return fmt.Sprintf("%0*d.%s%s", seqDigits, seq, token, claimedSuffix)
}

func parseMessageName(name string) (uint64, bool) {
	stem, ok := strings.CutSuffix(name, messageSuffix)
	if !ok || stem == "" || strings.Contains(stem, ".") {
		return 0, false
	}
	seq, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func parseClaimedName(name string) (uint64, string, bool) {
	if strings.ContainsAny(name, "/\\\x00") {
		return 0, "", false
	}
	stem, ok := strings.CutSuffix(name, claimedSuffix)
	if !ok {
		return 0, "", false
	}
	seqPart, token, ok := strings.Cut(stem, ".")
	if !ok || token == "" || strings.Contains(token, ".") {
		return 0, "", false
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return seq, token, true
}

// CreateQueue ensures the queue directory exists. Creating an existing queue succeeds.
func (s *Store) CreateQueue(ctx context.Context, queue string) error {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.create_queue.begin", "queue", queue)
	if err := ValidateQueueName(queue); err != nil {
		return err
	}
	dir := s.queueDir(queue)
	err := os.Mkdir(dir, s.dirMode)
	switch {
	case err == nil:
		// Mkdir is filtered by umask; the configured mode must hold exactly.
		if err := os.Chmod(dir, s.dirMode); err != nil {
			logger.Debug("disk.create_queue.chmod_error", "queue", queue, "error", err)
			return storage.Wrap("create_queue", queue, err)
		}
		_ = syncDir(s.root)
		verbose.Debug("disk.create_queue.created", "queue", queue, "mode", s.dirMode)
		return nil
	case errors.Is(err, fs.ErrExist):
		info, statErr := os.Stat(dir)
		if statErr != nil {
			return storage.Wrap("create_queue", queue, statErr)
		}
		if !info.IsDir() {
			return storage.Wrap("create_queue", queue, fmt.Errorf("%s exists and is not a directory", dir))
		}
		verbose.Debug("disk.create_queue.exists", "queue", queue)
		return nil
	default:
		logger.Debug("disk.create_queue.error", "queue", queue, "error", err)
		return storage.Wrap("create_queue", queue, err)
	}
}

// RemoveQueue deletes the queue directory and every message in it, claimed or
// not. A missing queue is not an error.
func (s *Store) RemoveQueue(ctx context.Context, queue string) error {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.remove_queue.begin", "queue", queue)
	if err := ValidateQueueName(queue); err != nil {
		return err
	}
	dir := s.queueDir(queue)
	var err error
	// A concurrent pusher may land a file between RemoveAll's scan and its
	// final rmdir; a short retry covers that window.
	for attempt := 1; ; attempt++ {
		err = os.RemoveAll(dir)
		if err == nil || !errors.Is(err, syscall.ENOTEMPTY) || attempt == removeAttempts {
			break
		}
		verbose.Trace("disk.remove_queue.retry", "queue", queue, "attempt", attempt)
		s.clock.Sleep(removeRetryDelay)
	}
	if err != nil {
		logger.Debug("disk.remove_queue.error", "queue", queue, "error", err)
		return storage.Wrap("remove_queue", queue, err)
	}
	_ = syncDir(s.root)
	verbose.Debug("disk.remove_queue.success", "queue", queue)
	return nil
}

// ListQueues returns the names of all queue directories under the root.
func (s *Store) ListQueues(ctx context.Context) ([]string, error) {
	logger, verbose := s.loggers(ctx)
	entries, err := os.ReadDir(s.root)
	if err != nil {
		logger.Debug("disk.list_queues.error", "error", err)
		return nil, storage.Wrap("list_queues", "", err)
	}
	queues := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateQueueName(entry.Name()) != nil {
			continue
		}
		queues = append(queues, entry.Name())
	}
	sort.Strings(queues)
	verbose.Trace("disk.list_queues.success", "count", len(queues))
	return queues, nil
}

func (s *Store) requireQueue(op, queue string) error {
	if err := ValidateQueueName(queue); err != nil {
		return err
	}
	info, err := os.Stat(s.queueDir(queue))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.Wrap(op, queue, storage.ErrQueueNotFound)
		}
		return storage.Wrap(op, queue, err)
	}
	if !info.IsDir() {
		return storage.Wrap(op, queue, storage.ErrQueueNotFound)
	}
	return nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

func isTransientErrno(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EBUSY)
}
