package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/flatq/internal/version"
)

func newVersionCommand() *cobra.Command {
	var plain bool
	var semver bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the flatq version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch {
			case plain:
				_, err := fmt.Fprintln(out, version.Current())
				return err
			case semver:
				_, err := fmt.Fprintln(out, version.CurrentSemver())
				return err
			}
			_, err := fmt.Fprintf(out, "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVar(&plain, "version", false, "print only the version")
	cmd.Flags().BoolVar(&semver, "semver", false, "print only the vMAJOR.MINOR.PATCH part of the version")
	cmd.MarkFlagsMutuallyExclusive("version", "semver")
	return cmd
}
