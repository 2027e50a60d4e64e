package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newQueueCommand(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Create, remove and inspect queues",
	}
	cmd.AddCommand(newQueueCreateCommand(state))
	cmd.AddCommand(newQueueRemoveCommand(state))
	cmd.AddCommand(newQueueListCommand(state))
	cmd.AddCommand(newQueueStatCommand(state))
	return cmd
}

func newQueueCreateCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "create <queue>...",
		Short: "Create queues (existing queues are left untouched)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			drv, err := state.openDriver()
			if err != nil {
				return err
			}
			defer drv.Close()
			for _, name := range args {
				if err := drv.CreateQueue(cmd.Context(), name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newQueueRemoveCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <queue>...",
		Aliases: []string{"remove"},
		Short:   "Remove queues together with every message they hold",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			drv, err := state.openDriver()
			if err != nil {
				return err
			}
			defer drv.Close()
			for _, name := range args {
				if err := drv.RemoveQueue(cmd.Context(), name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newQueueListCommand(state *cliState) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List queues under the root",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			drv, err := state.openDriver()
			if err != nil {
				return err
			}
			defer drv.Close()
			names, err := drv.ListQueues(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !long {
				for _, name := range names {
					fmt.Fprintln(out, name)
				}
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tUNCLAIMED\tCLAIMED\tSIZE")
			for _, name := range names {
				stats, err := drv.QueueStats(cmd.Context(), name)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", name, stats.Unclaimed, stats.Claimed, humanizeBytes(stats.Bytes))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show message counts and sizes")
	return cmd
}

func newQueueStatCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <queue>",
		Short: "Show message counts and disk usage of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			drv, err := state.openDriver()
			if err != nil {
				return err
			}
			defer drv.Close()
			stats, err := drv.QueueStats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Queue: %s\n", args[0])
			fmt.Fprintf(out, "Unclaimed: %d\n", stats.Unclaimed)
			fmt.Fprintf(out, "Claimed: %d\n", stats.Claimed)
			fmt.Fprintf(out, "Size: %s\n", humanizeBytes(stats.Bytes))
			fmt.Fprintf(out, "Last sequence: %d\n", stats.LastSequence)
			return nil
		},
	}
}
