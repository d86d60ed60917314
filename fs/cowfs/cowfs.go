// Package cowfs implements a copy-on-write union of a writable and a
// readable filesystem. Reads fall through to the readable layer; every
// change lands on the writable layer, copying entries up on first write.
//
// Deletions of readable entries are remembered as tombstones in a log
// file at DeletionLogPath on the writable layer, so a new overlay over the
// same writable layer sees the same tree:
//
//	fsys, err := cowfs.New(ctx, writable, readable)
//	fs.WriteFile(ctx, fsys, "/etc/motd", data, 0o644, cred) // copied up
//	fsys.Unlink(ctx, "/etc/issue", cred)                    // tombstoned
//
// Directory copy-up is shallow: a directory is created on the writable
// layer and its children follow only when they are written themselves.
package cowfs

import (
	"context"

	"tractor.dev/layerfs/fs"
	"tractor.dev/layerfs/fs/lockfs"
)

// FS is an overlay whose operations are serialized per path.
type FS struct {
	*lockfs.FS
	overlay *Unlocked
}

// New builds an overlay of writable over readable and loads its deletion
// log. The writable layer must not report itself read-only.
func New(ctx context.Context, writable, readable fs.FileSystem) (*FS, error) {
	o, err := NewUnlocked(writable, readable)
	if err != nil {
		return nil, err
	}
	if err := o.Initialize(ctx); err != nil {
		return nil, err
	}
	return &FS{FS: lockfs.New(o), overlay: o}, nil
}

// Overlay returns the overlay without its locks.
func (f *FS) Overlay() *Unlocked {
	return f.overlay
}

func (f *FS) DeletionLog() string {
	return f.overlay.DeletionLog()
}

func (f *FS) RestoreDeletionLog(ctx context.Context, log string) error {
	return f.overlay.RestoreDeletionLog(ctx, log)
}

func (f *FS) WaitDeletionLog() error {
	return f.overlay.WaitDeletionLog()
}
