package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/flatq"
	"pkt.systems/flatq/internal/storage/disk"
)

func newVerifyCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that the root supports exclusive concurrent pushes and claims",
		Example: strings.TrimSpace(`
# Verify a local root
flatq --root /var/lib/flatq verify

# Verify a shared root with group permissions
FLATQ_ROOT=/srv/queues flatq --file-mode 0660 --dir-mode 0770 verify
`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bindConfig(state.v)
			if err != nil {
				return err
			}
			logger := state.subsystem("cli.verify")
			diskCfg := flatq.BuildDiskConfig(cfg, logger)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Root: %s\n", cfg.Root)
			fmt.Fprintf(out, "File mode: %s  Dir mode: %s  Order: %s\n", formatMode(cfg.FileMode), formatMode(cfg.DirMode), cfg.Order)
			var failed []string
			for _, check := range disk.Verify(cmd.Context(), diskCfg) {
				if check.Err != nil {
					failed = append(failed, check.Name)
					fmt.Fprintf(out, "FAIL %s: %v\n", check.Name, check.Err)
					continue
				}
				fmt.Fprintf(out, "PASS %s\n", check.Name)
			}
			if disk.IsNFS(cfg.Root) {
				fmt.Fprintln(out, "Filesystem: NFS (queue watch disabled, polling only)")
			}
			if len(failed) > 0 {
				return fmt.Errorf("verification failed: %s", strings.Join(failed, ", "))
			}
			logger.Info("verify.success", "root", cfg.Root)
			return nil
		},
	}
}
