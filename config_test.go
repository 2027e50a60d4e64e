package flatq

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{Root: t.TempDir()}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.FileMode != DefaultFileMode || cfg.DirMode != DefaultDirMode {
		t.Fatalf("modes = %#o %#o", cfg.FileMode, cfg.DirMode)
	}
	if cfg.Order != DefaultOrder {
		t.Fatalf("order = %q", cfg.Order)
	}
	if cfg.PollInterval != DefaultPollInterval {
		t.Fatalf("poll interval = %v", cfg.PollInterval)
	}
	if cfg.StorageRetryMaxAttempts != DefaultStorageRetryMaxAttempts ||
		cfg.StorageRetryBaseDelay != DefaultStorageRetryBaseDelay ||
		cfg.StorageRetryMaxDelay != DefaultStorageRetryMaxDelay ||
		cfg.StorageRetryMultiplier != DefaultStorageRetryMultiplier {
		t.Fatalf("retry defaults not applied: %+v", cfg)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "empty root", cfg: Config{}, want: "root is required"},
		{name: "bad scheme", cfg: Config{Root: "mem://"}, want: "not supported"},
		{name: "empty disk url", cfg: Config{Root: "disk://"}, want: "disk root path required"},
		{name: "file mode bits", cfg: Config{Root: root, FileMode: os.ModeSetuid | 0o600}, want: "non-permission"},
		{name: "dir mode unusable", cfg: Config{Root: root, DirMode: 0o500}, want: "owner write"},
		{name: "order", cfg: Config{Root: root, Order: "random"}, want: "unknown delivery order"},
		{name: "poll interval", cfg: Config{Root: root, PollInterval: -time.Second}, want: "poll interval"},
		{name: "poll jitter", cfg: Config{Root: root, PollJitter: -time.Second}, want: "poll jitter"},
		{name: "retry attempts", cfg: Config{Root: root, StorageRetryMaxAttempts: -1}, want: "retry attempts"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := tc.cfg
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("validate err=%v want substring %q", err, tc.want)
			}
		})
	}
}

func TestParseRoot(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	t.Setenv("FLATQ_TEST_ROOT", "/srv/flatq")
	cases := []struct {
		in   string
		want string
	}{
		{in: "/var/lib/flatq/", want: "/var/lib/flatq"},
		{in: "disk:///var/lib/flatq", want: "/var/lib/flatq"},
		{in: "disk://var/lib/flatq", want: "/var/lib/flatq"},
		{in: "$FLATQ_TEST_ROOT/queues", want: "/srv/flatq/queues"},
		{in: "~/queues", want: filepath.Join(home, "queues")},
	}
	for _, tc := range cases {
		got, err := ParseRoot(tc.in)
		if err != nil {
			t.Fatalf("ParseRoot(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseRoot(%q) = %q want %q", tc.in, got, tc.want)
		}
	}
	rel, err := ParseRoot("relative/dir")
	if err != nil || !filepath.IsAbs(rel) {
		t.Fatalf("relative root = %q, %v", rel, err)
	}
}

func TestParseFileMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    os.FileMode
		wantErr bool
	}{
		{in: "0770", want: 0o770},
		{in: "640", want: 0o640},
		{in: "0o600", want: 0o600},
		{in: "", want: 0},
		{in: "0999", wantErr: true},
		{in: "17777", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseFileMode(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseFileMode(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseFileMode(%q) = %#o, %v want %#o", tc.in, got, err, tc.want)
		}
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FLATQ_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil || got != dir {
		t.Fatalf("DefaultConfigDir() = %q, %v want %q", got, err, dir)
	}
	path, err := DefaultConfigPath()
	if err != nil || path != filepath.Join(dir, DefaultConfigFileName) {
		t.Fatalf("DefaultConfigPath() = %q, %v", path, err)
	}
}
