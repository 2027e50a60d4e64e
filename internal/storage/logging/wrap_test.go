package logging_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/flatq/internal/storage"
	"pkt.systems/flatq/internal/storage/disk"
	"pkt.systems/flatq/internal/storage/logging"
)

func TestWrapLogsOperations(t *testing.T) {
	t.Parallel()

	store, err := disk.New(disk.Config{Root: filepath.Join(t.TempDir(), "queues")})
	if err != nil {
		t.Fatalf("disk: %v", err)
	}
	var buf bytes.Buffer
	logger := pslog.NewStructured(context.Background(), &buf).LogLevel(pslog.TraceLevel)
	backend := logging.Wrap(store, logger, "storage.disk")
	defer backend.Close()

	ctx := context.Background()
	if err := backend.CreateQueue(ctx, "jobs"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := backend.Push(ctx, "jobs", []byte("hello")); err != nil {
		t.Fatalf("push: %v", err)
	}
	msg, err := backend.Claim(ctx, "jobs")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if string(msg.Payload) != "hello" {
		t.Fatalf("payload = %q", msg.Payload)
	}
	if _, err := backend.Claim(ctx, "jobs"); !errors.Is(err, storage.ErrNoMessage) {
		t.Fatalf("expected ErrNoMessage, got %v", err)
	}
	if err := backend.Ack(ctx, "jobs", msg.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"storage.create_queue.success",
		"storage.push.success",
		"storage.claim.success",
		"storage.claim.empty",
		"storage.ack.success",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in log output:\n%s", want, out)
		}
	}
}

func TestWrapNil(t *testing.T) {
	t.Parallel()

	if logging.Wrap(nil, nil, "") != nil {
		t.Fatal("expected nil backend")
	}
}
