// Package flatq is a durable message queue whose only shared state is a
// directory tree on a local filesystem.
//
// Each queue is a directory under a configured root and each message a file
// inside it. Producers and consumers coordinate exclusively through atomic
// filesystem operations, so any number of goroutines and OS processes can
// share a root without a broker:
//
//   - push writes the payload to a private temp file and hard-links it into
//     the queue under the next sequence number. The link only succeeds when
//     the name is free, so two pushes can never receive the same sequence
//     even if the counter file is lost.
//   - pop claims a message by renaming "<seq>.job" to a claimant-unique
//     "<seq>.<token>.claimed". Exactly one rename wins; losers move on to the
//     next candidate.
//   - acknowledge deletes the claimed file.
//   - peek reads unclaimed files without touching them.
//
// Basic usage:
//
//	drv, err := flatq.New(flatq.Config{Root: "/var/lib/flatq"})
//	if err != nil {
//		return err
//	}
//	defer drv.Close()
//
//	if err := drv.CreateQueue(ctx, "send-newsletter"); err != nil {
//		return err
//	}
//	if err := drv.PushMessage(ctx, "send-newsletter", []byte(`{"to":"all"}`)); err != nil {
//		return err
//	}
//	msg, ok, err := drv.PopMessage(ctx, "send-newsletter", 10*time.Second)
//	if err != nil || !ok {
//		return err
//	}
//	// ... process msg.Payload ...
//	return drv.AcknowledgeMessage(ctx, "send-newsletter", msg.ID)
//
// Blocking pops poll the queue every Config.PollInterval. On Linux (outside
// NFS) the queue directory is also watched with fsnotify so a waiting pop
// wakes as soon as a message lands.
//
// Claimed messages that are never acknowledged stay claimed. There is no
// visibility timeout and no automatic redelivery; a consumer that crashes
// between pop and acknowledge leaves its claim on disk for an operator to
// inspect.
//
// The flatq CLI in cmd/flatq wraps the same driver for shell pipelines and
// ships a consume loop with Prometheus metrics and OTLP tracing.
package flatq
