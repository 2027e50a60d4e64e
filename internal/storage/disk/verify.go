package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/xid"

	"pkt.systems/flatq/internal/storage"
)

// Check represents a verification step outcome.
type Check struct {
	Name string
	Err  error
}

const verifyMessagesPerStore = 16

// Verify exercises the disk backend the way two independent processes would:
// it opens two Store instances on cfg.Root, races pushes and claims between
// them on a scratch queue and checks that sequence numbers and claims stay
// exclusive and that the configured file mode lands on disk.
func Verify(ctx context.Context, cfg Config) []Check {
	result := []Check{}
	store1, err := New(cfg)
	if err != nil {
		return append(result, Check{Name: "InitPrimary", Err: err})
	}
	defer store1.Close()
	store2, err := New(cfg)
	if err != nil {
		return append(result, Check{Name: "InitReplica", Err: err})
	}
	defer store2.Close()

	queue := "flatq-verify-" + xid.New().String()
	stores := []*Store{store1, store2}
	total := verifyMessagesPerStore * len(stores)

	checks := []struct {
		name string
		fn   func() error
	}{
		{
			name: "SharedRoot",
			fn: func() error {
				if store1.RootID() != store2.RootID() {
					return fmt.Errorf("root id mismatch: %s != %s", store1.RootID(), store2.RootID())
				}
				return nil
			},
		},
		{
			name: "CreateQueue",
			fn: func() error {
				if err := store1.CreateQueue(ctx, queue); err != nil {
					return err
				}
				return store2.CreateQueue(ctx, queue)
			},
		},
		{
			name: "ConcurrentPush",
			fn: func() error {
				seqs := make(chan uint64, total)
				errs := make(chan error, total)
				var wg sync.WaitGroup
				for _, st := range stores {
					for i := 0; i < verifyMessagesPerStore; i++ {
						wg.Add(1)
						go func(st *Store, i int) {
							defer wg.Done()
							seq, err := st.Push(ctx, queue, []byte(fmt.Sprintf("verify-%d", i)))
							if err != nil {
								errs <- err
								return
							}
							seqs <- seq
						}(st, i)
					}
				}
				wg.Wait()
				close(seqs)
				close(errs)
				if err, ok := <-errs; ok {
					return err
				}
				seen := make(map[uint64]struct{}, total)
				for seq := range seqs {
					if _, dup := seen[seq]; dup {
						return fmt.Errorf("sequence %d assigned twice", seq)
					}
					seen[seq] = struct{}{}
				}
				if len(seen) != total {
					return fmt.Errorf("expected %d sequences, got %d", total, len(seen))
				}
				return nil
			},
		},
		{
			name: "FileMode",
			fn: func() error {
				matches, err := filepath.Glob(filepath.Join(store1.queueDir(queue), "*"+messageSuffix))
				if err != nil {
					return err
				}
				if len(matches) == 0 {
					return fmt.Errorf("no message files found")
				}
				info, err := os.Stat(matches[0])
				if err != nil {
					return err
				}
				if got := info.Mode().Perm(); got != store1.fileMode {
					return fmt.Errorf("message mode %#o, want %#o", got, store1.fileMode)
				}
				return nil
			},
		},
		{
			name: "ConcurrentClaim",
			fn: func() error {
				ids := make(chan string, total*2)
				errs := make(chan error, len(stores)*2)
				var wg sync.WaitGroup
				for _, st := range stores {
					for w := 0; w < 2; w++ {
						wg.Add(1)
						go func(st *Store) {
							defer wg.Done()
							for {
								msg, err := st.Claim(ctx, queue)
								if errors.Is(err, storage.ErrNoMessage) {
									return
								}
								if err != nil {
									errs <- err
									return
								}
								ids <- msg.ID
							}
						}(st)
					}
				}
				wg.Wait()
				close(ids)
				close(errs)
				if err, ok := <-errs; ok {
					return err
				}
				claimed := make([]string, 0, total)
				for id := range ids {
					claimed = append(claimed, id)
				}
				if len(claimed) != total {
					return fmt.Errorf("expected %d claims, got %d", total, len(claimed))
				}
				for _, id := range claimed {
					if err := store2.Ack(ctx, queue, id); err != nil {
						return fmt.Errorf("ack %s: %w", id, err)
					}
				}
				return nil
			},
		},
		{
			name: "Cleanup",
			fn: func() error {
				return store1.RemoveQueue(ctx, queue)
			},
		},
	}

	for _, check := range checks {
		err := check.fn()
		result = append(result, Check{Name: check.name, Err: err})
		if err != nil && check.name != "Cleanup" {
			_ = store1.RemoveQueue(ctx, queue)
			break
		}
	}
	return result
}
