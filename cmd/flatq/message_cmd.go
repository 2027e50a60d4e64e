package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// errNoMessage is returned by pop when nothing could be claimed in time.
var errNoMessage = errors.New("no message available")

func newPushCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "push <queue> [payload|-]",
		Short: "Append a message to a queue (payload read from stdin when omitted or -)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 2 && args[1] != "-" {
				payload = []byte(args[1])
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				payload = data
			}
			drv, err := state.openDriver()
			if err != nil {
				return err
			}
			defer drv.Close()
			if err := drv.PushMessage(cmd.Context(), args[0], payload); err != nil {
				return err
			}
			state.subsystem("cli.push").Debug("pushed message", "queue", args[0], "bytes", humanizeBytes(int64(len(payload))))
			return nil
		},
	}
}

func newPopCommand(state *cliState) *cobra.Command {
	var timeout time.Duration
	var ack bool
	cmd := &cobra.Command{
		Use:   "pop <queue>",
		Short: "Claim the next message, printing its payload on stdout and its identifier on stderr",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if timeout < 0 {
				return fmt.Errorf("--timeout must be >= 0")
			}
			drv, err := state.openDriver()
			if err != nil {
				return err
			}
			defer drv.Close()
			ctx := cmd.Context()
			msg, ok, err := drv.PopMessage(ctx, args[0], timeout)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("queue %s: %w", args[0], errNoMessage)
			}
			if _, err := cmd.OutOrStdout().Write(msg.Payload); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), msg.ID)
			if ack {
				return drv.AcknowledgeMessage(ctx, args[0], msg.ID)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for a message (0 checks once)")
	cmd.Flags().BoolVar(&ack, "ack", false, "acknowledge the message after printing it")
	return cmd
}

func newAckCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <queue> <id>",
		Short: "Acknowledge (delete) a claimed message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			drv, err := state.openDriver()
			if err != nil {
				return err
			}
			defer drv.Close()
			return drv.AcknowledgeMessage(cmd.Context(), args[0], args[1])
		},
	}
}

func newPeekCommand(state *cliState) *cobra.Command {
	var offset int
	var limit int
	cmd := &cobra.Command{
		Use:   "peek <queue>",
		Short: "Print unclaimed payloads in delivery order without claiming them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			drv, err := state.openDriver()
			if err != nil {
				return err
			}
			defer drv.Close()
			payloads, err := drv.PeekQueue(cmd.Context(), args[0], offset, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, payload := range payloads {
				if _, err := out.Write(payload); err != nil {
					return err
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "number of messages to skip")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of messages to print")
	return cmd
}
