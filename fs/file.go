package fs

import (
	"context"
	"io"
	"sync"
	"time"
)

// Syncer receives the contents of a PreloadFile when it is synced.
type Syncer interface {
	SyncFile(ctx context.Context, p string, data []byte, stats *Stats) error
}

// SyncFunc adapts a function to Syncer.
type SyncFunc func(ctx context.Context, p string, data []byte, stats *Stats) error

func (fn SyncFunc) SyncFile(ctx context.Context, p string, data []byte, stats *Stats) error {
	return fn(ctx, p, data, stats)
}

// PreloadFile is a File whose whole contents live in memory. Mutations
// mark it dirty; Sync and Close hand dirty contents to its Syncer. A nil
// Syncer makes Sync a no-op.
type PreloadFile struct {
	mu     sync.Mutex
	ctx    context.Context
	syncer Syncer
	path   string
	flag   Flag
	stats  *Stats
	buf    []byte
	pos    int64
	dirty  bool
	closed bool
}

var _ File = (*PreloadFile)(nil)

// NewPreloadFile returns a file over data. The file takes ownership of
// data and stats. ctx is used for every later Sync.
func NewPreloadFile(ctx context.Context, syncer Syncer, p string, flag Flag, stats *Stats, data []byte) *PreloadFile {
	if ctx == nil {
		ctx = context.Background()
	}
	if stats == nil {
		stats = NewStats(TypeFile, int64(len(data)), 0o644, time.Now())
	}
	f := &PreloadFile{
		ctx:    context.WithoutCancel(ctx),
		syncer: syncer,
		path:   p,
		flag:   flag,
		stats:  stats,
		buf:    data,
	}
	if stats.IsFile() {
		f.stats.Size = int64(len(data))
	}
	if flag.IsAppendable() {
		f.pos = int64(len(data))
	}
	return f
}

func (f *PreloadFile) Path() string { return f.path }
func (f *PreloadFile) Flag() Flag   { return f.flag }

// IsDirty reports whether the file has unsynced changes.
func (f *PreloadFile) IsDirty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty
}

// Bytes returns a copy of the current contents.
func (f *PreloadFile) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.buf...)
}

func (f *PreloadFile) Stat() (*Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, NewError(EBADF, "fstat", f.path)
	}
	return f.stats.Clone(), nil
}

func (f *PreloadFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.readAt(p, f.pos, "read")
	f.pos += int64(n)
	return n, err
}

func (f *PreloadFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.readAt(p, off, "read")
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (f *PreloadFile) readAt(p []byte, off int64, op string) (int, error) {
	if f.closed {
		return 0, NewError(EBADF, op, f.path)
	}
	if !f.flag.IsReadable() {
		return 0, Errorf(EPERM, op, f.path, "file not opened with a readable mode")
	}
	if off < 0 {
		return 0, NewError(EINVAL, op, f.path)
	}
	if off >= int64(len(f.buf)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	return copy(p, f.buf[off:]), nil
}

func (f *PreloadFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flag.IsAppendable() {
		f.pos = int64(len(f.buf))
	}
	n, err := f.writeAt(p, f.pos, "write")
	f.pos += int64(n)
	if err != nil {
		return n, err
	}
	return n, f.syncIfSynchronous()
}

func (f *PreloadFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flag.IsAppendable() {
		off = int64(len(f.buf))
	}
	n, err := f.writeAt(p, off, "write")
	if err != nil {
		return n, err
	}
	return n, f.syncIfSynchronous()
}

func (f *PreloadFile) writeAt(p []byte, off int64, op string) (int, error) {
	if f.closed {
		return 0, NewError(EBADF, op, f.path)
	}
	if !f.flag.IsWritable() {
		return 0, Errorf(EPERM, op, f.path, "file not opened with a writeable mode")
	}
	if off < 0 {
		return 0, NewError(EINVAL, op, f.path)
	}
	end := off + int64(len(p))
	if end > int64(len(f.buf)) {
		f.grow(end)
	}
	n := copy(f.buf[off:], p)
	if n > 0 {
		f.stats.Mtime = time.Now()
		f.dirty = true
	}
	return n, nil
}

func (f *PreloadFile) grow(size int64) {
	if size <= int64(cap(f.buf)) {
		old := len(f.buf)
		f.buf = f.buf[:size]
		clear(f.buf[old:])
	} else {
		nb := make([]byte, size, max(size, 2*int64(cap(f.buf))))
		copy(nb, f.buf)
		f.buf = nb
	}
	f.stats.Size = size
}

func (f *PreloadFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, NewError(EBADF, "seek", f.path)
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.pos + offset
	case io.SeekEnd:
		abs = int64(len(f.buf)) + offset
	default:
		return 0, NewError(EINVAL, "seek", f.path)
	}
	if abs < 0 {
		return 0, NewError(EINVAL, "seek", f.path)
	}
	f.pos = abs
	return abs, nil
}

func (f *PreloadFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return NewError(EBADF, "truncate", f.path)
	}
	if !f.flag.IsWritable() {
		return Errorf(EPERM, "truncate", f.path, "file not opened with a writeable mode")
	}
	if size < 0 {
		return NewError(EINVAL, "truncate", f.path)
	}
	if size > int64(len(f.buf)) {
		f.grow(size)
	} else {
		f.buf = f.buf[:size]
		f.stats.Size = size
	}
	f.stats.Mtime = time.Now()
	f.dirty = true
	return f.syncIfSynchronous()
}

func (f *PreloadFile) Chmod(mode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return NewError(EBADF, "chmod", f.path)
	}
	f.stats.Chmod(mode)
	f.dirty = true
	return f.sync()
}

func (f *PreloadFile) Chown(uid, gid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return NewError(EBADF, "chown", f.path)
	}
	f.stats.Chown(uid, gid)
	f.dirty = true
	return f.sync()
}

func (f *PreloadFile) Utimes(atime, mtime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return NewError(EBADF, "utimes", f.path)
	}
	f.stats.Atime = atime
	f.stats.Mtime = mtime
	f.dirty = true
	return f.sync()
}

func (f *PreloadFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return NewError(EBADF, "sync", f.path)
	}
	return f.sync()
}

func (f *PreloadFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return NewError(EBADF, "close", f.path)
	}
	err := f.sync()
	f.closed = true
	return err
}

func (f *PreloadFile) syncIfSynchronous() error {
	if f.flag.IsSynchronous() {
		return f.sync()
	}
	return nil
}

func (f *PreloadFile) sync() error {
	if !f.dirty || f.syncer == nil {
		f.dirty = false
		return nil
	}
	if err := f.syncer.SyncFile(f.ctx, f.path, append([]byte(nil), f.buf...), f.stats.Clone()); err != nil {
		return err
	}
	f.dirty = false
	return nil
}
