// Package readonlyfs exposes a filesystem without any way to change it.
package readonlyfs

import (
	"context"
	"time"

	"tractor.dev/layerfs/fs"
)

// FS forwards reads to the wrapped filesystem and rejects every mutation
// with EPERM.
type FS struct {
	fsys fs.FileSystem
}

var _ fs.FileSystem = (*FS)(nil)

func New(fsys fs.FileSystem) *FS {
	return &FS{fsys: fsys}
}

func (r *FS) Unwrap() fs.FileSystem { return r.fsys }

func (r *FS) Metadata() fs.Metadata {
	md := r.fsys.Metadata()
	md.ReadOnly = true
	return md
}

func (r *FS) Initialize(ctx context.Context) error {
	if i, ok := r.fsys.(fs.Initializer); ok {
		return i.Initialize(ctx)
	}
	return nil
}

func denied(op, p string) error {
	return fs.Errorf(fs.EPERM, op, p, "read-only filesystem")
}

func (r *FS) Stat(ctx context.Context, p string, cred fs.Cred) (*fs.Stats, error) {
	return r.fsys.Stat(ctx, p, cred)
}

func (r *FS) Lstat(ctx context.Context, p string, cred fs.Cred) (*fs.Stats, error) {
	return r.fsys.Lstat(ctx, p, cred)
}

func (r *FS) Exists(ctx context.Context, p string, cred fs.Cred) bool {
	return r.fsys.Exists(ctx, p, cred)
}

func (r *FS) Realpath(ctx context.Context, p string, cred fs.Cred) (string, error) {
	return r.fsys.Realpath(ctx, p, cred)
}

func (r *FS) Open(ctx context.Context, p string, flag fs.Flag, mode uint32, cred fs.Cred) (fs.File, error) {
	if flag.IsWritable() || flag.IsAppendable() {
		return nil, denied("open", p)
	}
	f, err := r.fsys.Open(ctx, p, flag, mode, cred)
	if err != nil {
		return nil, err
	}
	return file{f}, nil
}

func (r *FS) OpenFile(ctx context.Context, p string, flag fs.Flag, cred fs.Cred) (fs.File, error) {
	if flag.IsWritable() || flag.IsAppendable() {
		return nil, denied("open", p)
	}
	f, err := r.fsys.OpenFile(ctx, p, flag, cred)
	if err != nil {
		return nil, err
	}
	return file{f}, nil
}

func (r *FS) CreateFile(ctx context.Context, p string, flag fs.Flag, mode uint32, cred fs.Cred) (fs.File, error) {
	return nil, denied("create", p)
}

func (r *FS) Unlink(ctx context.Context, p string, cred fs.Cred) error {
	return denied("unlink", p)
}

func (r *FS) Rmdir(ctx context.Context, p string, cred fs.Cred) error {
	return denied("rmdir", p)
}

func (r *FS) Mkdir(ctx context.Context, p string, mode uint32, cred fs.Cred) error {
	return denied("mkdir", p)
}

func (r *FS) Readdir(ctx context.Context, p string, cred fs.Cred) ([]string, error) {
	return r.fsys.Readdir(ctx, p, cred)
}

func (r *FS) Rename(ctx context.Context, oldp, newp string, cred fs.Cred) error {
	return denied("rename", oldp)
}

func (r *FS) Truncate(ctx context.Context, p string, size int64, cred fs.Cred) error {
	return denied("truncate", p)
}

func (r *FS) Chmod(ctx context.Context, p string, mode uint32, cred fs.Cred) error {
	return denied("chmod", p)
}

func (r *FS) Chown(ctx context.Context, p string, uid, gid int, cred fs.Cred) error {
	return denied("chown", p)
}

func (r *FS) Utimes(ctx context.Context, p string, atime, mtime time.Time, cred fs.Cred) error {
	return denied("utimes", p)
}

func (r *FS) Link(ctx context.Context, srcp, dstp string, cred fs.Cred) error {
	return denied("link", dstp)
}

func (r *FS) Symlink(ctx context.Context, target, p string, cred fs.Cred) error {
	return denied("symlink", p)
}

func (r *FS) Readlink(ctx context.Context, p string, cred fs.Cred) (string, error) {
	return r.fsys.Readlink(ctx, p, cred)
}

// file keeps a read-only handle from changing metadata through the
// backend it came from.
type file struct {
	fs.File
}

func (f file) Write(p []byte) (int, error)              { return 0, denied("write", f.Path()) }
func (f file) WriteAt(p []byte, off int64) (int, error) { return 0, denied("write", f.Path()) }
func (f file) Truncate(size int64) error                { return denied("truncate", f.Path()) }
func (f file) Chmod(mode uint32) error                  { return denied("chmod", f.Path()) }
func (f file) Chown(uid, gid int) error                 { return denied("chown", f.Path()) }
func (f file) Utimes(atime, mtime time.Time) error      { return denied("utimes", f.Path()) }
