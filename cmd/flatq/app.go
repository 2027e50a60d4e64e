package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/flatq"
	"pkt.systems/flatq/internal/loggingutil"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("FLATQ_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "flatq")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cliState is shared by every sub-command of one root command. Each root gets
// its own viper instance so flag bindings never leak between invocations.
type cliState struct {
	v          *viper.Viper
	baseLogger pslog.Logger
	logger     pslog.Logger
	configFile string
}

func (s *cliState) subsystem(name string) pslog.Logger {
	return loggingutil.WithSubsystem(s.logger, name)
}

// prepare loads the optional config file and applies --log-level. It runs
// once per invocation before any sub-command.
func (s *cliState) prepare() error {
	configFile, err := loadConfigFile(s.v)
	if err != nil {
		return err
	}
	s.configFile = configFile
	s.logger = s.baseLogger
	logLevel := strings.TrimSpace(s.v.GetString("log-level"))
	if logLevel == "" {
		logLevel = "info"
	}
	level, ok := pslog.ParseLevel(logLevel)
	if !ok {
		return fmt.Errorf("invalid --log-level %q", logLevel)
	}
	s.logger = s.logger.LogLevel(level)
	if configFile != "" {
		s.subsystem("cli.root").Debug("loaded config file", "path", configFile)
	}
	return nil
}

// openDriver builds a Driver from flags, environment and config file. The
// caller owns the returned driver.
func (s *cliState) openDriver() (*flatq.Driver, error) {
	cfg, err := bindConfig(s.v)
	if err != nil {
		return nil, err
	}
	return flatq.New(cfg, flatq.WithLogger(s.logger))
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := flatq.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	v.SetConfigFile(expanded)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	state := &cliState{
		v:          viper.New(),
		baseLogger: loggingutil.EnsureLogger(baseLogger),
	}
	state.logger = state.baseLogger

	cmd := &cobra.Command{
		Use:           "flatq",
		Short:         "flatq is a filesystem-backed message queue shared by independent processes",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Create a queue and push a message
  flatq --root /var/lib/flatq queue create jobs
  echo '{"task":"resize"}' | flatq --root /var/lib/flatq push jobs -

  # Claim one message, waiting up to 10s, and acknowledge it right away
  flatq --root /var/lib/flatq pop jobs --timeout 10s --ack

  # Share queues with a group through exact permissions
  FLATQ_ROOT=disk:///srv/queues flatq --file-mode 0660 --dir-mode 0770 push jobs hello

  # Drain a queue while exposing Prometheus metrics
  flatq --root /var/lib/flatq consume jobs --metrics-listen :9464
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return state.prepare()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.flatq/"+flatq.DefaultConfigFileName+")")
	pf.StringP("root", "r", "", "queue root directory or disk:// URL")
	pf.String("file-mode", formatMode(flatq.DefaultFileMode), "exact octal permissions for message files")
	pf.String("dir-mode", formatMode(flatq.DefaultDirMode), "exact octal permissions for queue directories")
	pf.String("order", flatq.DefaultOrder, "delivery order (fifo or lifo)")
	pf.Duration("poll-interval", flatq.DefaultPollInterval, "delay between claim attempts while a pop waits")
	pf.Duration("poll-jitter", flatq.DefaultPollJitter, "random delay added to each poll interval (0 disables)")
	pf.Bool("queue-watch", true, "wake waiting pops through filesystem notifications (polling only when false)")
	pf.Bool("verify-on-start", false, "run the concurrent push/claim self-check before every command")
	pf.Int("storage-retry-attempts", flatq.DefaultStorageRetryMaxAttempts, "maximum attempts for transient storage errors")
	pf.Duration("storage-retry-base-delay", flatq.DefaultStorageRetryBaseDelay, "initial delay between storage retries")
	pf.Duration("storage-retry-max-delay", flatq.DefaultStorageRetryMaxDelay, "maximum delay between storage retries")
	pf.Float64("storage-retry-multiplier", flatq.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	v := state.v
	v.SetEnvPrefix("FLATQ")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	names := []string{
		"config", "root", "file-mode", "dir-mode", "order",
		"poll-interval", "poll-jitter", "queue-watch", "verify-on-start",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"log-level",
	}
	for _, name := range names {
		flag := pf.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newQueueCommand(state))
	cmd.AddCommand(newPushCommand(state))
	cmd.AddCommand(newPopCommand(state))
	cmd.AddCommand(newAckCommand(state))
	cmd.AddCommand(newPeekCommand(state))
	cmd.AddCommand(newConsumeCommand(state))
	cmd.AddCommand(newVerifyCommand(state))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func formatMode(mode os.FileMode) string {
	return fmt.Sprintf("%#o", uint32(mode.Perm()))
}

func bindConfig(v *viper.Viper) (flatq.Config, error) {
	var cfg flatq.Config
	cfg.Root = strings.TrimSpace(v.GetString("root"))
	if cfg.Root == "" {
		return cfg, errors.New("queue root required (--root, FLATQ_ROOT or root: in the config file)")
	}
	if raw := strings.TrimSpace(v.GetString("file-mode")); raw != "" {
		mode, err := flatq.ParseFileMode(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse file-mode: %w", err)
		}
		cfg.FileMode = mode
	}
	if raw := strings.TrimSpace(v.GetString("dir-mode")); raw != "" {
		mode, err := flatq.ParseFileMode(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse dir-mode: %w", err)
		}
		cfg.DirMode = mode
	}
	cfg.Order = strings.ToLower(strings.TrimSpace(v.GetString("order")))
	cfg.PollInterval = v.GetDuration("poll-interval")
	cfg.PollJitter = v.GetDuration("poll-jitter")
	cfg.DisableQueueWatch = !v.GetBool("queue-watch")
	cfg.VerifyOnStart = v.GetBool("verify-on-start")
	cfg.StorageRetryMaxAttempts = v.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = v.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = v.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = v.GetFloat64("storage-retry-multiplier")
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
