// Package lockfs serializes operations on the same path of a wrapped
// filesystem. Each path has its own FIFO lock; operations on different
// paths never wait on each other.
package lockfs

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"tractor.dev/layerfs/fs"
)

type pathLock struct {
	sem  *semaphore.Weighted
	refs int // holders and waiters
}

// FS wraps a filesystem with per-path locks. Calls marked with
// fs.WithBlocking never wait: they fail with EBUSY if the path is held.
type FS struct {
	fsys fs.FileSystem
	log  *slog.Logger

	mu    sync.Mutex
	locks map[string]*pathLock
}

var (
	_ fs.FileSystem  = (*FS)(nil)
	_ fs.Initializer = (*FS)(nil)
)

func New(fsys fs.FileSystem) *FS {
	return &FS{
		fsys:  fsys,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		locks: make(map[string]*pathLock),
	}
}

func (l *FS) SetLogger(log *slog.Logger) {
	l.log = log
}

// Unwrap returns the wrapped filesystem.
func (l *FS) Unwrap() fs.FileSystem {
	return l.fsys
}

// Lock acquires the lock for p and returns the function releasing it.
func (l *FS) Lock(ctx context.Context, p string) (unlock func(), err error) {
	return l.lock(ctx, "lock", p)
}

func (l *FS) lock(ctx context.Context, op, p string) (func(), error) {
	l.mu.Lock()
	pl, ok := l.locks[p]
	if !ok {
		pl = &pathLock{sem: semaphore.NewWeighted(1)}
		l.locks[p] = pl
	}
	pl.refs++
	l.mu.Unlock()

	if fs.IsBlocking(ctx) {
		if !pl.sem.TryAcquire(1) {
			l.drop(p, pl)
			l.log.Debug("busy", "op", op, "name", p)
			return nil, fs.Errorf(fs.EBUSY, op, p, "path is locked")
		}
	} else if err := pl.sem.Acquire(ctx, 1); err != nil {
		l.drop(p, pl)
		return nil, fs.Wrap(err, op, p)
	}
	return func() {
		pl.sem.Release(1)
		l.drop(p, pl)
	}, nil
}

func (l *FS) drop(p string, pl *pathLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pl.refs--; pl.refs == 0 {
		delete(l.locks, p)
	}
}

// waiting returns how many callers hold or wait on p.
func (l *FS) waiting(p string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pl, ok := l.locks[p]; ok {
		return pl.refs
	}
	return 0
}

func (l *FS) Metadata() fs.Metadata {
	return l.fsys.Metadata()
}

func (l *FS) Initialize(ctx context.Context) error {
	if i, ok := l.fsys.(fs.Initializer); ok {
		return i.Initialize(ctx)
	}
	return nil
}

func (l *FS) Stat(ctx context.Context, p string, cred fs.Cred) (*fs.Stats, error) {
	unlock, err := l.lock(ctx, "stat", p)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return l.fsys.Stat(ctx, p, cred)
}

func (l *FS) Lstat(ctx context.Context, p string, cred fs.Cred) (*fs.Stats, error) {
	unlock, err := l.lock(ctx, "lstat", p)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return l.fsys.Lstat(ctx, p, cred)
}

func (l *FS) Exists(ctx context.Context, p string, cred fs.Cred) bool {
	unlock, err := l.lock(ctx, "exists", p)
	if err != nil {
		return false
	}
	defer unlock()
	return l.fsys.Exists(ctx, p, cred)
}

func (l *FS) Realpath(ctx context.Context, p string, cred fs.Cred) (string, error) {
	unlock, err := l.lock(ctx, "realpath", p)
	if err != nil {
		return "", err
	}
	defer unlock()
	return l.fsys.Realpath(ctx, p, cred)
}

func (l *FS) Open(ctx context.Context, p string, flag fs.Flag, mode uint32, cred fs.Cred) (fs.File, error) {
	unlock, err := l.lock(ctx, "open", p)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return l.fsys.Open(ctx, p, flag, mode, cred)
}

func (l *FS) OpenFile(ctx context.Context, p string, flag fs.Flag, cred fs.Cred) (fs.File, error) {
	unlock, err := l.lock(ctx, "open", p)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return l.fsys.OpenFile(ctx, p, flag, cred)
}

func (l *FS) CreateFile(ctx context.Context, p string, flag fs.Flag, mode uint32, cred fs.Cred) (fs.File, error) {
	unlock, err := l.lock(ctx, "create", p)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return l.fsys.CreateFile(ctx, p, flag, mode, cred)
}

func (l *FS) Unlink(ctx context.Context, p string, cred fs.Cred) error {
	unlock, err := l.lock(ctx, "unlink", p)
	if err != nil {
		return err
	}
	defer unlock()
	return l.fsys.Unlink(ctx, p, cred)
}

func (l *FS) Rmdir(ctx context.Context, p string, cred fs.Cred) error {
	unlock, err := l.lock(ctx, "rmdir", p)
	if err != nil {
		return err
	}
	defer unlock()
	return l.fsys.Rmdir(ctx, p, cred)
}

func (l *FS) Mkdir(ctx context.Context, p string, mode uint32, cred fs.Cred) error {
	unlock, err := l.lock(ctx, "mkdir", p)
	if err != nil {
		return err
	}
	defer unlock()
	return l.fsys.Mkdir(ctx, p, mode, cred)
}

func (l *FS) Readdir(ctx context.Context, p string, cred fs.Cred) ([]string, error) {
	unlock, err := l.lock(ctx, "readdir", p)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return l.fsys.Readdir(ctx, p, cred)
}

// Rename holds only the lock of oldp.
func (l *FS) Rename(ctx context.Context, oldp, newp string, cred fs.Cred) error {
	unlock, err := l.lock(ctx, "rename", oldp)
	if err != nil {
		return err
	}
	defer unlock()
	return l.fsys.Rename(ctx, oldp, newp, cred)
}

func (l *FS) Truncate(ctx context.Context, p string, size int64, cred fs.Cred) error {
	unlock, err := l.lock(ctx, "truncate", p)
	if err != nil {
		return err
	}
	defer unlock()
	return l.fsys.Truncate(ctx, p, size, cred)
}

func (l *FS) Chmod(ctx context.Context, p string, mode uint32, cred fs.Cred) error {
	unlock, err := l.lock(ctx, "chmod", p)
	if err != nil {
		return err
	}
	defer unlock()
	return l.fsys.Chmod(ctx, p, mode, cred)
}

func (l *FS) Chown(ctx context.Context, p string, uid, gid int, cred fs.Cred) error {
	unlock, err := l.lock(ctx, "chown", p)
	if err != nil {
		return err
	}
	defer unlock()
	return l.fsys.Chown(ctx, p, uid, gid, cred)
}

func (l *FS) Utimes(ctx context.Context, p string, atime, mtime time.Time, cred fs.Cred) error {
	unlock, err := l.lock(ctx, "utimes", p)
	if err != nil {
		return err
	}
	defer unlock()
	return l.fsys.Utimes(ctx, p, atime, mtime, cred)
}

func (l *FS) Link(ctx context.Context, srcp, dstp string, cred fs.Cred) error {
	unlock, err := l.lock(ctx, "link", srcp)
	if err != nil {
		return err
	}
	defer unlock()
	return l.fsys.Link(ctx, srcp, dstp, cred)
}

func (l *FS) Symlink(ctx context.Context, target, p string, cred fs.Cred) error {
	unlock, err := l.lock(ctx, "symlink", p)
	if err != nil {
		return err
	}
	defer unlock()
	return l.fsys.Symlink(ctx, target, p, cred)
}

func (l *FS) Readlink(ctx context.Context, p string, cred fs.Cred) (string, error) {
	unlock, err := l.lock(ctx, "readlink", p)
	if err != nil {
		return "", err
	}
	defer unlock()
	return l.fsys.Readlink(ctx, p, cred)
}
