package fs

import (
	"context"
	"io"
	"time"
)

// Metadata describes the capabilities of a backend. Callers query it at
// mount time instead of inspecting the backend's type.
type Metadata struct {
	Name               string
	ReadOnly           bool
	Synchronous        bool
	SupportsProperties bool
	// SupportsLinks reports symbolic link support: Symlink, Readlink and
	// path resolution through links. Hard links may still be ENOTSUP.
	SupportsLinks      bool
}

// FileSystem is the contract every backend implements. Paths are
// absolute, clean and relative to the backend's own root. Every call
// carries the credential of the session making it.
//
// A call whose context is marked with WithBlocking must not wait on other
// callers; only backends reporting Metadata.Synchronous accept such calls.
type FileSystem interface {
	Metadata() Metadata

	Stat(ctx context.Context, p string, cred Cred) (*Stats, error)
	Lstat(ctx context.Context, p string, cred Cred) (*Stats, error)
	Exists(ctx context.Context, p string, cred Cred) bool
	Realpath(ctx context.Context, p string, cred Cred) (string, error)

	// Open opens p with flag, creating it with mode when flag allows.
	Open(ctx context.Context, p string, flag Flag, mode uint32, cred Cred) (File, error)
	// OpenFile opens an existing file without any flag handling.
	OpenFile(ctx context.Context, p string, flag Flag, cred Cred) (File, error)
	// CreateFile creates a new empty file at p.
	CreateFile(ctx context.Context, p string, flag Flag, mode uint32, cred Cred) (File, error)

	Unlink(ctx context.Context, p string, cred Cred) error
	Rmdir(ctx context.Context, p string, cred Cred) error
	Mkdir(ctx context.Context, p string, mode uint32, cred Cred) error
	Readdir(ctx context.Context, p string, cred Cred) ([]string, error)
	Rename(ctx context.Context, oldp, newp string, cred Cred) error
	Truncate(ctx context.Context, p string, size int64, cred Cred) error

	Chmod(ctx context.Context, p string, mode uint32, cred Cred) error
	Chown(ctx context.Context, p string, uid, gid int, cred Cred) error
	Utimes(ctx context.Context, p string, atime, mtime time.Time, cred Cred) error

	Link(ctx context.Context, srcp, dstp string, cred Cred) error
	Symlink(ctx context.Context, target, p string, cred Cred) error
	Readlink(ctx context.Context, p string, cred Cred) (string, error)
}

// Initializer is implemented by backends that need a setup step before
// first use. Mounting a backend runs it.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// File is an open file handle.
type File interface {
	io.Reader
	io.ReaderAt
	io.Writer
	io.WriterAt
	io.Seeker
	io.Closer

	Path() string
	Flag() Flag
	Stat() (*Stats, error)
	Truncate(size int64) error
	Sync() error
	Chmod(mode uint32) error
	Chown(uid, gid int) error
	Utimes(atime, mtime time.Time) error
}

// NoLinks makes every link operation fail with ENOTSUP. Backends without
// symlinks embed it and leave Metadata.SupportsLinks false; backends with
// symlinks but no hard links embed it for Link and override the rest.
type NoLinks struct{}

func (NoLinks) Link(ctx context.Context, srcp, dstp string, cred Cred) error {
	return NewError(ENOTSUP, "link", srcp)
}

func (NoLinks) Symlink(ctx context.Context, target, p string, cred Cred) error {
	return NewError(ENOTSUP, "symlink", p)
}

func (NoLinks) Readlink(ctx context.Context, p string, cred Cred) (string, error) {
	return "", NewError(ENOTSUP, "readlink", p)
}
