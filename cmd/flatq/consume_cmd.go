package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/flatq"
)

// consumeWaitSlice bounds a single blocking pop when consume runs without
// an idle timeout.
const consumeWaitSlice = time.Minute

type consumeOptions struct {
	timeout   time.Duration
	max       int
	telemetry flatq.TelemetryConfig
}

func newConsumeCommand(state *cliState) *cobra.Command {
	var opts consumeOptions
	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Claim, print and acknowledge messages until interrupted",
		Long: `consume claims messages one at a time, writes each payload followed by a
newline to stdout and acknowledges it. It stops on SIGINT/SIGTERM, after --max
messages, or once the queue stays empty for --timeout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.timeout < 0 {
				return fmt.Errorf("--timeout must be >= 0")
			}
			if opts.max < 0 {
				return fmt.Errorf("--max must be >= 0")
			}
			return runConsume(cmd, state, args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.DurationVar(&opts.timeout, "timeout", 0, "exit once no message arrives for this long (0 waits forever)")
	flags.IntVar(&opts.max, "max", 0, "stop after this many messages (0 is unlimited)")
	flags.StringVar(&opts.telemetry.MetricsListen, "metrics-listen", "", "Prometheus /metrics listen address (empty disables)")
	flags.StringVar(&opts.telemetry.PprofListen, "pprof-listen", "", "pprof listen address (empty disables)")
	flags.StringVar(&opts.telemetry.OTLPEndpoint, "otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.BoolVar(&opts.telemetry.EnableProfilingMetrics, "enable-profiling-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	return cmd
}

func runConsume(cmd *cobra.Command, state *cliState, queue string, opts consumeOptions) error {
	ctx := cmd.Context()
	logger := state.subsystem("cli.consume")

	telemetry, err := flatq.SetupTelemetry(ctx, opts.telemetry, state.logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("consume.telemetry.shutdown_error", "error", err)
		}
	}()
	if addr := telemetry.MetricsAddr(); addr != "" {
		logger.Info("consume.metrics.listening", "addr", addr)
	}
	if addr := telemetry.PprofAddr(); addr != "" {
		logger.Info("consume.pprof.listening", "addr", addr)
	}

	drv, err := state.openDriver()
	if err != nil {
		return err
	}
	defer drv.Close()

	wait := opts.timeout
	if wait == 0 {
		wait = consumeWaitSlice
	}
	out := cmd.OutOrStdout()
	start := time.Now()
	var count int
	var bytes int64
	defer func() {
		logger.Info("consume.done",
			"queue", queue,
			"messages", count,
			"bytes", humanizeBytes(bytes),
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	}()
	for opts.max == 0 || count < opts.max {
		msg, ok, err := drv.PopMessage(ctx, queue, wait)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if !ok {
			if opts.timeout > 0 {
				logger.Debug("consume.idle_timeout", "queue", queue, "timeout", opts.timeout)
				return nil
			}
			continue
		}
		if _, err := out.Write(msg.Payload); err != nil {
			return err
		}
		fmt.Fprintln(out)
		if err := drv.AcknowledgeMessage(ctx, queue, msg.ID); err != nil {
			return fmt.Errorf("ack %s: %w", msg.ID, err)
		}
		count++
		bytes += int64(len(msg.Payload))
	}
	return nil
}
