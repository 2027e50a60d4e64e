package flatq

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pkt.systems/flatq/internal/pathutil"
	"pkt.systems/flatq/internal/storage"
	"pkt.systems/flatq/internal/storage/disk"
)

const (
	// DefaultFileMode is applied to message files when Config.FileMode is zero.
	DefaultFileMode = disk.DefaultFileMode
	// DefaultDirMode is applied to queue directories when Config.DirMode is zero.
	DefaultDirMode = disk.DefaultDirMode
	// DefaultOrder delivers the oldest message first.
	DefaultOrder = string(storage.OrderFIFO)
	// DefaultPollInterval controls how often a blocked pop re-scans its queue.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultPollJitter adds randomised delay to poll intervals to stagger
	// consumers sharing a queue. Zero disables jitter.
	DefaultPollJitter = time.Duration(0)
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 10 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 500 * time.Millisecond
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultConfigFileName is the config file looked up inside DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a Driver. Everything is fixed once New
// returns.
type Config struct {
	// Root is the directory holding one sub-directory per queue. It accepts a
	// plain path (with ~ and $VAR expansion) or a disk:// URL.
	Root string
	// FileMode is the exact permission set given to message files, regardless
	// of the process umask.
	FileMode os.FileMode
	// DirMode is the exact permission set given to queue directories.
	DirMode os.FileMode
	// Order selects which unclaimed message a pop or peek visits first:
	// "fifo" (default) or "lifo".
	Order string
	// PollInterval is the delay between claim attempts of a blocked pop.
	PollInterval time.Duration
	// PollJitter adds up to this much random delay to each poll interval.
	PollJitter time.Duration
	// DisableQueueWatch turns off fsnotify wake-ups and relies on polling only.
	DisableQueueWatch bool
	// VerifyOnStart runs a concurrent push/claim self-check against Root
	// before New returns.
	VerifyOnStart bool

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64
}

// Validate resolves Root, fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	root, err := ParseRoot(c.Root)
	if err != nil {
		return err
	}
	c.Root = root
	if c.FileMode == 0 {
		c.FileMode = DefaultFileMode
	}
	if c.DirMode == 0 {
		c.DirMode = DefaultDirMode
	}
	if c.FileMode&^os.ModePerm != 0 {
		return fmt.Errorf("config: file mode %v carries non-permission bits", c.FileMode)
	}
	if c.DirMode&^os.ModePerm != 0 {
		return fmt.Errorf("config: dir mode %v carries non-permission bits", c.DirMode)
	}
	if c.DirMode&0o300 != 0o300 {
		return fmt.Errorf("config: dir mode %#o must grant owner write and search", c.DirMode)
	}
	order, err := storage.ParseOrder(c.Order)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Order = string(order)
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	} else if c.PollInterval < 0 {
		return fmt.Errorf("config: poll interval must be > 0")
	}
	if c.PollJitter < 0 {
		return fmt.Errorf("config: poll jitter must be >= 0")
	}
	if c.StorageRetryMaxAttempts < 0 {
		return fmt.Errorf("config: storage retry attempts must be >= 0")
	}
	if c.StorageRetryMaxAttempts == 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	return nil
}

// ParseRoot resolves raw into an absolute, cleaned root directory. raw may be
// a filesystem path or a disk:// URL (disk:///var/lib/flatq).
func ParseRoot(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("config: root is required")
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("config: parse root URL: %w", err)
		}
		if u.Scheme != "disk" {
			return "", fmt.Errorf("config: root scheme %q not supported", u.Scheme)
		}
		pathPart := strings.TrimSpace(u.Path)
		if host := strings.TrimSpace(u.Host); host != "" {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
		if pathPart == "" || pathPart == "/" {
			return "", fmt.Errorf("config: disk root path required (e.g. disk:///var/lib/flatq)")
		}
		raw = pathPart
	}
	root, err := pathutil.ResolveRoot(raw)
	if err != nil {
		return "", fmt.Errorf("config: root: %w", err)
	}
	return root, nil
}

// ParseFileMode parses an octal permission string such as "0640" or "770".
func ParseFileMode(s string) (os.FileMode, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0o")
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("config: invalid mode %q: %w", s, err)
	}
	mode := os.FileMode(v)
	if mode&^os.ModePerm != 0 {
		return 0, fmt.Errorf("config: mode %q exceeds permission bits", s)
	}
	return mode, nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.flatq).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("FLATQ_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".flatq"), nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
