package kvfs

import (
	"context"

	"tractor.dev/layerfs/fs"
	"tractor.dev/layerfs/fs/kvstore"
)

// SyncFS is the engine over a store that never waits. It serves
// blocking-form calls.
type SyncFS struct {
	*engine
}

var _ fs.FileSystem = (*SyncFS)(nil)

// NewSync returns a filesystem over store, creating the root directory if
// the store does not have one yet.
func NewSync(store kvstore.SyncStore, opts ...Option) (*SyncFS, error) {
	c := newConfig(opts)
	fsys := &SyncFS{engine: newEngine(kvstore.Async(store), c, true)}
	if err := fsys.makeRoot(context.Background()); err != nil {
		return nil, fs.Wrap(err, "init", "/")
	}
	return fsys, nil
}
