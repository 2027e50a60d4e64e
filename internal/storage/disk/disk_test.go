package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/flatq/internal/clock"
	"pkt.systems/flatq/internal/storage"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = filepath.Join(t.TempDir(), "queues")
	}
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func countFiles(t *testing.T, dir, pattern string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return len(matches)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty root")
	}
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(Config{Root: file}); err == nil {
		t.Fatalf("expected error when root is a file")
	}
	if _, err := New(Config{Root: t.TempDir(), Order: "random"}); err == nil {
		t.Fatalf("expected error for unknown order")
	}
	if _, err := New(Config{Root: t.TempDir(), FileMode: os.ModeDir | 0o700}); err == nil {
		t.Fatalf("expected error for non-permission mode bits")
	}
}

func TestNewCreatesMissingRoot(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "a", "b")
	store := newTestStore(t, Config{Root: root})
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		t.Fatalf("expected root directory, err=%v", err)
	}
	if store.FileMode() != DefaultFileMode || store.DirMode() != DefaultDirMode {
		t.Fatalf("unexpected default modes %#o %#o", store.FileMode(), store.DirMode())
	}
	if store.Order() != storage.OrderFIFO {
		t.Fatalf("order = %q want fifo", store.Order())
	}
}

func TestCreateQueueIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{DirMode: 0o770})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := store.CreateQueue(ctx, "send-newsletter"); err != nil {
			t.Fatalf("create #%d: %v", i, err)
		}
	}
	info, err := os.Stat(filepath.Join(store.Root(), "send-newsletter"))
	if err != nil || !info.IsDir() {
		t.Fatalf("expected queue directory, err=%v", err)
	}
	if got := info.Mode().Perm(); got != 0o770 {
		t.Fatalf("dir mode = %#o want 0770", got)
	}
	queues, err := store.ListQueues(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queues) != 1 {
		t.Fatalf("queues = %v want exactly one", queues)
	}
}

func TestInvalidQueueNames(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	ctx := context.Background()
	for _, name := range []string{"", ".", "..", ".hidden", "a/b", `a\b`, "nul\x00"} {
		if err := store.CreateQueue(ctx, name); !errors.Is(err, storage.ErrInvalidName) {
			t.Fatalf("CreateQueue(%q) err=%v want ErrInvalidName", name, err)
		}
		if _, err := store.Push(ctx, name, []byte("x")); !errors.Is(err, storage.ErrInvalidName) {
			t.Fatalf("Push(%q) err=%v want ErrInvalidName", name, err)
		}
	}
}

func TestRemoveQueue(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	ctx := context.Background()
	if err := store.CreateQueue(ctx, "send-newsletter"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Push(ctx, "send-newsletter", []byte("test")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := store.RemoveQueue(ctx, "send-newsletter"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "send-newsletter")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected queue directory gone, err=%v", err)
	}
	if err := store.RemoveQueue(ctx, "send-newsletter"); err != nil {
		t.Fatalf("remove absent queue: %v", err)
	}
}

func TestRemoveQueueWithClaimedMessage(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	ctx := context.Background()
	if err := store.CreateQueue(ctx, "send-newsletter"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Push(ctx, "send-newsletter", []byte("test")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := store.Claim(ctx, "send-newsletter"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.RemoveQueue(ctx, "send-newsletter"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "send-newsletter")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected queue directory gone, err=%v", err)
	}
}

func TestPushWritesOneJobFile(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	ctx := context.Background()
	if err := store.CreateQueue(ctx, "send-newsletter"); err != nil {
		t.Fatalf("create: %v", err)
	}
	seq, err := store.Push(ctx, "send-newsletter", []byte("test"))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if seq != 1 {
		t.Fatalf("first sequence = %d want 1", seq)
	}
	dir := filepath.Join(store.Root(), "send-newsletter")
	if n := countFiles(t, dir, "*.job"); n != 1 {
		t.Fatalf("job files = %d want 1", n)
	}
	entries, err := os.ReadDir(filepath.Join(dir, tmpDirName))
	if err != nil {
		t.Fatalf("read tmp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp files to be cleaned up, found %d", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, messageName(1)))
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if string(data) != "test" {
		t.Fatalf("payload = %q want test", data)
	}
}

func TestPushMessagePermissions(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{FileMode: 0o770})
	ctx := context.Background()
	if err := store.CreateQueue(ctx, "send-newsletter"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Push(ctx, "send-newsletter", []byte("test")); err != nil {
		t.Fatalf("push: %v", err)
	}
	info, err := os.Stat(filepath.Join(store.Root(), "send-newsletter", messageName(1)))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o770 {
		t.Fatalf("file mode = %#o want 0770", got)
	}
}

func TestPushDefaultPermissionsDifferFromConfigured(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	ctx := context.Background()
	if err := store.CreateQueue(ctx, "q"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Push(ctx, "q", []byte("x")); err != nil {
		t.Fatalf("push: %v", err)
	}
	info, err := os.Stat(filepath.Join(store.Root(), "q", messageName(1)))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got := info.Mode().Perm(); got != DefaultFileMode {
		t.Fatalf("file mode = %#o want %#o", got, DefaultFileMode)
	}
}

func TestPushToMissingQueueIsStorageError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	_, err := store.Push(context.Background(), "missing", []byte("x"))
	if !storage.IsStorageError(err) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if !errors.Is(err, storage.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("push must not create the queue directory, err=%v", err)
	}
}

func TestSequencesNeverReusedAfterAck(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	ctx := context.Background()
	if err := store.CreateQueue(ctx, "q"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Push(ctx, "q", []byte("x")); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		msg, err := store.Claim(ctx, "q")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := store.Ack(ctx, "q", msg.ID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	seq, err := store.Push(ctx, "q", []byte("y"))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if seq != 4 {
		t.Fatalf("sequence after acks = %d want 4", seq)
	}
}

func TestLostCounterDoesNotDuplicate(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	ctx := context.Background()
	if err := store.CreateQueue(ctx, "q"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Push(ctx, "q", []byte("x")); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if _, err := store.Claim(ctx, "q"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := os.Remove(store.seqPath("q")); err != nil {
		t.Fatalf("remove counter: %v", err)
	}
	seq, err := store.Push(ctx, "q", []byte("y"))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if seq != 4 {
		t.Fatalf("sequence after counter loss = %d want 4", seq)
	}

	// A counter that lags behind the files on disk is walked forward.
	if err := os.WriteFile(store.seqPath("q"), []byte("1\n"), 0o600); err != nil {
		t.Fatalf("rewind counter: %v", err)
	}
	seq, err = store.Push(ctx, "q", []byte("z"))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if seq != 5 {
		t.Fatalf("sequence after counter rewind = %d want 5", seq)
	}
}

func TestConcurrentPushAcrossStoresAssignsDistinctSequences(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "queues")
	stores := []*Store{
		newTestStore(t, Config{Root: root}),
		newTestStore(t, Config{Root: root}),
		newTestStore(t, Config{Root: root}),
	}
	ctx := context.Background()
	if err := stores[0].CreateQueue(ctx, "q"); err != nil {
		t.Fatalf("create: %v", err)
	}
	const perStore = 40
	var (
		mu   sync.Mutex
		seqs []uint64
		wg   sync.WaitGroup
	)
	errs := make(chan error, perStore*len(stores))
	for _, st := range stores {
		for i := 0; i < perStore; i++ {
			wg.Add(1)
			go func(st *Store, i int) {
				defer wg.Done()
				seq, err := st.Push(ctx, "q", []byte(fmt.Sprintf("m-%d", i)))
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				seqs = append(seqs, seq)
				mu.Unlock()
			}(st, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("push: %v", err)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("sequences not dense and distinct: %v", seqs)
		}
	}
	if n := countFiles(t, filepath.Join(root, "q"), "*.job"); n != perStore*len(stores) {
		t.Fatalf("job files = %d want %d", n, perStore*len(stores))
	}
}

func TestConcurrentClaimIsExclusive(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "queues")
	a := newTestStore(t, Config{Root: root})
	b := newTestStore(t, Config{Root: root})
	ctx := context.Background()
	if err := a.CreateQueue(ctx, "q"); err != nil {
		t.Fatalf("create: %v", err)
	}
	const total = 100
	for i := 0; i < total; i++ {
		if _, err := a.Push(ctx, "q", []byte(fmt.Sprintf("job #%d", i))); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	var (
		mu       sync.Mutex
		payloads = make(map[string]int)
		wg       sync.WaitGroup
	)
	for _, st := range []*Store{a, b, a, b, a, b} {
		wg.Add(1)
		go func(st *Store) {
			defer wg.Done()
			for {
				msg, err := st.Claim(ctx, "q")
				if errors.Is(err, storage.ErrNoMessage) {
					return
				}
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				mu.Lock()
				payloads[string(msg.Payload)]++
				mu.Unlock()
			}
		}(st)
	}
	wg.Wait()
	if len(payloads) != total {
		t.Fatalf("claimed %d distinct payloads want %d", len(payloads), total)
	}
	for payload, n := range payloads {
		if n != 1 {
			t.Fatalf("payload %q claimed %d times", payload, n)
		}
	}
	stats, err := a.Stats(ctx, "q")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Unclaimed != 0 || stats.Claimed != total {
		t.Fatalf("stats = %+v want 0 unclaimed / %d claimed", stats, total)
	}
}

func TestClaimOrder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		order storage.Order
		want  []string
	}{
		{order: storage.OrderFIFO, want: []string{"job #1", "job #2", "job #3"}},
		{order: storage.OrderLIFO, want: []string{"job #3", "job #2", "job #1"}},
	}
	for _, tc := range cases {
		store := newTestStore(t, Config{Order: tc.order})
		ctx := context.Background()
		if err := store.CreateQueue(ctx, "send-newsletter"); err != nil {
			t.Fatalf("create: %v", err)
		}
		for _, p := range []string{"job #1", "job #2", "job #3"} {
			if _, err := store.Push(ctx, "send-newsletter", []byte(p)); err != nil {
				t.Fatalf("push: %v", err)
			}
		}
		for i, want := range tc.want {
			msg, err := store.Claim(ctx, "send-newsletter")
			if err != nil {
				t.Fatalf("%s claim %d: %v", tc.order, i, err)
			}
			if string(msg.Payload) != want {
				t.Fatalf("%s claim %d = %q want %q", tc.order, i, msg.Payload, want)
			}
		}
		if _, err := store.Claim(ctx, "send-newsletter"); !errors.Is(err, storage.ErrNoMessage) {
			t.Fatalf("%s: expected ErrNoMessage, got %v", tc.order, err)
		}
	}
}

func TestAckDeletesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	ctx := context.Background()
	if err := store.CreateQueue(ctx, "send-newsletter"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Push(ctx, "send-newsletter", []byte("job #1")); err != nil {
		t.Fatalf("push: %v", err)
	}
	msg, err := store.Claim(ctx, "send-newsletter")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	dir := filepath.Join(store.Root(), "send-newsletter")
	if n := countFiles(t, dir, "*.job"); n != 0 {
		t.Fatalf("claimed message still visible as job file")
	}
	if n := countFiles(t, dir, "*.claimed"); n != 1 {
		t.Fatalf("claimed files = %d want 1", n)
	}
	if err := store.Ack(ctx, "send-newsletter", msg.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n := countFiles(t, dir, "*.claimed"); n != 0 {
		t.Fatalf("claimed files after ack = %d want 0", n)
	}
	if err := store.Ack(ctx, "send-newsletter", msg.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second ack err=%v want ErrNotFound", err)
	}
	if err := store.Ack(ctx, "send-newsletter", "../../etc/passwd"); !errors.Is(err, storage.ErrNotFound) || !errors.Is(err, storage.ErrInvalidIdentifier) {
		t.Fatalf("bogus ack err=%v want ErrNotFound+ErrInvalidIdentifier", err)
	}
	if err := store.Ack(ctx, "send-newsletter", messageName(1)); !errors.Is(err, storage.ErrInvalidIdentifier) {
		t.Fatalf("acking an unclaimed name err=%v want ErrInvalidIdentifier", err)
	}
}

func TestPeekDoesNotMutate(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	ctx := context.Background()
	if err := store.CreateQueue(ctx, "send-newsletter"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := store.Push(ctx, "send-newsletter", []byte(fmt.Sprintf("Job #%d", i))); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	first, err := store.Peek(ctx, "send-newsletter", 0, 3)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("peek returned %d want 3", len(first))
	}
	dir := filepath.Join(store.Root(), "send-newsletter")
	if n := countFiles(t, dir, "*.job"); n != 10 {
		t.Fatalf("job files after peek = %d want 10", n)
	}
	second, err := store.Peek(ctx, "send-newsletter", 0, 3)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	for i := range first {
		if string(first[i].Payload) != string(second[i].Payload) || first[i].Sequence != second[i].Sequence {
			t.Fatalf("peek not repeatable at %d: %q vs %q", i, first[i].Payload, second[i].Payload)
		}
		if first[i].ID != "" {
			t.Fatalf("peeked message carries claim id %q", first[i].ID)
		}
	}
	if string(first[0].Payload) != "Job #0" {
		t.Fatalf("first peeked payload = %q want Job #0", first[0].Payload)
	}

	tail, err := store.Peek(ctx, "send-newsletter", 8, 5)
	if err != nil {
		t.Fatalf("peek tail: %v", err)
	}
	if len(tail) != 2 || string(tail[1].Payload) != "Job #9" {
		t.Fatalf("tail peek = %d messages", len(tail))
	}
	if beyond, err := store.Peek(ctx, "send-newsletter", 20, 5); err != nil || len(beyond) != 0 {
		t.Fatalf("peek beyond end = %d, %v", len(beyond), err)
	}
	if none, err := store.Peek(ctx, "send-newsletter", 0, 0); err != nil || len(none) != 0 {
		t.Fatalf("peek with zero limit = %d, %v", len(none), err)
	}
}

func TestPeekSkipsClaimed(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	ctx := context.Background()
	if err := store.CreateQueue(ctx, "q"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, p := range []string{"a", "b"} {
		if _, err := store.Push(ctx, "q", []byte(p)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if _, err := store.Claim(ctx, "q"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	msgs, err := store.Peek(ctx, "q", 0, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Payload) != "b" {
		t.Fatalf("peek after claim = %+v", msgs)
	}
}

func TestListQueues(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	ctx := context.Background()
	for i, pushes := range []int{0, 1, 2} {
		name := fmt.Sprintf("send-newsletter-%d", i+1)
		if err := store.CreateQueue(ctx, name); err != nil {
			t.Fatalf("create: %v", err)
		}
		for j := 0; j < pushes; j++ {
			if _, err := store.Push(ctx, name, []byte("job")); err != nil {
				t.Fatalf("push: %v", err)
			}
		}
	}
	queues, err := store.ListQueues(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queues) != 3 {
		t.Fatalf("queues = %v want 3", queues)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	ctx := context.Background()
	if err := store.CreateQueue(ctx, "q"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, p := range []string{"aa", "bbb", "cccc"} {
		if _, err := store.Push(ctx, "q", []byte(p)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if _, err := store.Claim(ctx, "q"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	stats, err := store.Stats(ctx, "q")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := storage.QueueStats{Unclaimed: 2, Claimed: 1, Bytes: 9, LastSequence: 3}
	if stats != want {
		t.Fatalf("stats = %+v want %+v", stats, want)
	}
	if _, err := store.Stats(ctx, "missing"); !errors.Is(err, storage.ErrQueueNotFound) {
		t.Fatalf("stats on missing queue err=%v", err)
	}
}

func TestMessageNames(t *testing.T) {
	t.Parallel()

	name := messageName(42)
	if name != "00000000000000000042.job" {
		t.Fatalf("messageName(42) = %q", name)
	}
	if seq, ok := parseMessageName(name); !ok || seq != 42 {
		t.Fatalf("parseMessageName(%q) = %d, %v", name, seq, ok)
	}
	claimed := claimedName(42, "abc")
	seq, token, ok := parseClaimedName(claimed)
	if !ok || seq != 42 || token != "abc" {
		t.Fatalf("parseClaimedName(%q) = %d, %q, %v", claimed, seq, token, ok)
	}
	for _, bad := range []string{".seq", "x.job", "1.2.job", "1.claimed", "1..claimed", "a/1.t.claimed"} {
		if _, ok := parseMessageName(bad); ok {
			t.Fatalf("parseMessageName(%q) accepted", bad)
		}
		if _, _, ok := parseClaimedName(bad); ok {
			t.Fatalf("parseClaimedName(%q) accepted", bad)
		}
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "queues")
	for _, check := range Verify(context.Background(), Config{Root: root, FileMode: 0o660}) {
		if check.Err != nil {
			t.Fatalf("verify %s: %v", check.Name, check.Err)
		}
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			t.Fatalf("verify left queue %q behind", entry.Name())
		}
	}
}

func TestRootIDSharedAcrossStores(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	const stores = 8
	ids := make(chan string, stores)
	errs := make(chan error, stores)
	var wg sync.WaitGroup
	for i := 0; i < stores; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := New(Config{Root: root})
			if err != nil {
				errs <- err
				return
			}
			ids <- st.RootID()
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)
	if err, ok := <-errs; ok {
		t.Fatalf("new store: %v", err)
	}
	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Fatalf("root ids differ: %s vs %s", first, id)
		}
	}
	raw, err := os.ReadFile(filepath.Join(root, rootIDFile))
	if err != nil {
		t.Fatalf("read root id: %v", err)
	}
	if strings.TrimSpace(string(raw)) != first {
		t.Fatalf("root id file %q want %q", raw, first)
	}
	leftovers, err := filepath.Glob(filepath.Join(root, ".flatq-id-*"))
	if err != nil || len(leftovers) != 0 {
		t.Fatalf("temp id files left behind: %v (err %v)", leftovers, err)
	}
}

func TestCorruptRootIDRejected(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, rootIDFile), []byte("not-a-uuid\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(Config{Root: root}); err == nil {
		t.Fatal("expected corrupt root id to fail New")
	}
}

func TestStatsWaitsForSequenceLock(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	ctx := context.Background()
	if err := store.CreateQueue(ctx, "q"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Push(ctx, "q", []byte("x")); err != nil {
		t.Fatalf("push: %v", err)
	}

	// Hold the counter exactly as publish does.
	seqPath := store.seqPath("q")
	mu := globalPathMutex(seqPath)
	mu.Lock()
	f, err := os.OpenFile(seqPath, os.O_RDWR, 0)
	if err != nil {
		mu.Unlock()
		t.Fatalf("open counter: %v", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		t.Fatalf("lock counter: %v", err)
	}

	type result struct {
		stats storage.QueueStats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := store.Stats(ctx, "q")
		done <- result{stats, err}
	}()
	select {
	case res := <-done:
		t.Fatalf("stats returned while the counter was locked: %+v err=%v", res.stats, res.err)
	case <-time.After(50 * time.Millisecond):
	}
	if err := writeCounter(f, 9); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	if err := unlockFile(f); err != nil {
		t.Fatalf("unlock counter: %v", err)
	}
	f.Close()
	mu.Unlock()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("stats: %v", res.err)
		}
		if res.stats.LastSequence != 9 {
			t.Fatalf("last sequence = %d want 9", res.stats.LastSequence)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stats did not return after the counter was released")
	}
}

func TestStagingDirUsesDirMode(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{DirMode: 0o770, FileMode: 0o660})
	ctx := context.Background()
	if err := store.CreateQueue(ctx, "q"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Push(ctx, "q", []byte("x")); err != nil {
		t.Fatalf("push: %v", err)
	}
	info, err := os.Stat(store.tmpDir("q"))
	if err != nil {
		t.Fatalf("stat staging dir: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o770 {
		t.Fatalf("staging dir mode = %#o want 0770", got)
	}

	// An existing staging dir is left alone.
	if _, err := store.Push(ctx, "q", []byte("y")); err != nil {
		t.Fatalf("second push: %v", err)
	}
}

func TestCounterRecordIsFixedWidth(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, Config{})
	ctx := context.Background()
	if err := store.CreateQueue(ctx, "q"); err != nil {
		t.Fatalf("create: %v", err)
	}
	readSeq := func() string {
		t.Helper()
		raw, err := os.ReadFile(store.seqPath("q"))
		if err != nil {
			t.Fatalf("read counter: %v", err)
		}
		return string(raw)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Push(ctx, "q", []byte("x")); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if got, want := readSeq(), "00000000000000000003\n"; got != want {
		t.Fatalf("counter = %q want %q", got, want)
	}

	// A short legacy record is replaced without leftover bytes.
	if err := os.WriteFile(store.seqPath("q"), []byte("3\n"), 0o600); err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	seq, err := store.Push(ctx, "q", []byte("y"))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if seq != 4 {
		t.Fatalf("sequence = %d want 4", seq)
	}
	if got, want := readSeq(), "00000000000000000004\n"; got != want {
		t.Fatalf("counter = %q want %q", got, want)
	}
}

func TestNewUsesConfiguredClock(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(0, 0))
	store := newTestStore(t, Config{Clock: manual})
	if store.clock != manual {
		t.Fatalf("store clock = %T want configured manual clock", store.clock)
	}
	if def := newTestStore(t, Config{}); def.clock != (clock.Real{}) {
		t.Fatalf("default clock = %T want clock.Real", def.clock)
	}

	// RemoveQueue on the common path never waits on the clock.
	ctx := context.Background()
	if err := store.CreateQueue(ctx, "q"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Push(ctx, "q", []byte("x")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := store.RemoveQueue(ctx, "q"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n := manual.Pending(); n != 0 {
		t.Fatalf("pending timers = %d want 0", n)
	}
}
