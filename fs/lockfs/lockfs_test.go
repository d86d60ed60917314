package lockfs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"tractor.dev/layerfs/fs"
	"tractor.dev/layerfs/fs/kvfs"
	"tractor.dev/layerfs/fs/kvstore/memstore"
)

func newFS(t *testing.T) *FS {
	t.Helper()
	base, err := kvfs.NewSync(memstore.New())
	if err != nil {
		t.Fatal(err)
	}
	return New(base)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBlockingCallOnHeldPathIsBusy(t *testing.T) {
	l := newFS(t)
	ctx := context.Background()
	unlock, err := l.Lock(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}

	_, err = l.Stat(fs.WithBlocking(ctx), "/f", fs.RootCred)
	if !fs.IsKind(err, fs.EBUSY) {
		t.Fatalf("blocking stat on held path err = %v, want EBUSY", err)
	}
	// other paths are unaffected
	if _, err := l.Stat(fs.WithBlocking(ctx), "/", fs.RootCred); err != nil {
		t.Fatal(err)
	}

	unlock()
	if err := fs.WriteFile(fs.WithBlocking(ctx), l, "/f", []byte("x"), 0o644, fs.RootCred); err != nil {
		t.Fatal(err)
	}
	if n := l.waiting("/f"); n != 0 {
		t.Fatalf("lock table still has %d refs for /f", n)
	}
}

func TestWaitersRunInArrivalOrder(t *testing.T) {
	l := newFS(t)
	ctx := context.Background()
	unlock, err := l.Lock(ctx, "/dir")
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []int
	var g errgroup.Group
	for i := range 5 {
		g.Go(func() error {
			release, err := l.Lock(ctx, "/dir")
			if err != nil {
				return err
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			release()
			return nil
		})
		waitFor(t, func() bool { return l.waiting("/dir") == i+2 })
		// let the waiter reach the semaphore queue
		time.Sleep(5 * time.Millisecond)
	}
	unlock()
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("acquisition order = %v", order)
		}
	}
}

func TestCancelledWaiter(t *testing.T) {
	l := newFS(t)
	unlock, _ := l.Lock(context.Background(), "/")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.Readdir(ctx, "/", fs.RootCred)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if n := l.waiting("/"); n != 1 {
		t.Fatalf("refs = %d, want only the holder", n)
	}
}

func TestConcurrentMkdirSamePath(t *testing.T) {
	l := newFS(t)
	ctx := context.Background()
	var mu sync.Mutex
	created, exists := 0, 0
	var g errgroup.Group
	for range 20 {
		g.Go(func() error {
			err := l.Mkdir(ctx, "/d", 0o755, fs.RootCred)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case fs.IsKind(err, fs.EEXIST):
				exists++
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if created != 1 || exists != 19 {
		t.Fatalf("created %d, exists %d", created, exists)
	}
	names, _ := l.Readdir(ctx, "/", fs.RootCred)
	if len(names) != 1 {
		t.Fatalf("root listing = %v", names)
	}
}

func TestMetadataPassesThrough(t *testing.T) {
	l := newFS(t)
	if md := l.Metadata(); !md.Synchronous || !md.SupportsLinks {
		t.Fatalf("metadata = %+v", md)
	}
	if err := l.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
}
