package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/flatq"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage flatq configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.flatq/" + flatq.DefaultConfigFileName
	if path, err := flatq.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default flatq configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				path, err := flatq.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Root                    string  `yaml:"root"`
	FileMode                string  `yaml:"file-mode"`
	DirMode                 string  `yaml:"dir-mode"`
	Order                   string  `yaml:"order"`
	PollInterval            string  `yaml:"poll-interval"`
	PollJitter              string  `yaml:"poll-jitter"`
	QueueWatch              bool    `yaml:"queue-watch"`
	VerifyOnStart           bool    `yaml:"verify-on-start"`
	StorageRetryMaxAttempts int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	LogLevel                string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	root := ""
	if dir, err := flatq.DefaultConfigDir(); err == nil {
		root = filepath.Join(dir, "queues")
	}
	defaults := configDefaults{
		Root:                    root,
		FileMode:                formatMode(flatq.DefaultFileMode),
		DirMode:                 formatMode(flatq.DefaultDirMode),
		Order:                   flatq.DefaultOrder,
		PollInterval:            flatq.DefaultPollInterval.String(),
		PollJitter:              flatq.DefaultPollJitter.String(),
		QueueWatch:              true,
		VerifyOnStart:           false,
		StorageRetryMaxAttempts: flatq.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   flatq.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    flatq.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  flatq.DefaultStorageRetryMultiplier,
		LogLevel:                "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
