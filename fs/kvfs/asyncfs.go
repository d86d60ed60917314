package kvfs

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"tractor.dev/layerfs/fs"
	"tractor.dev/layerfs/fs/kvstore"
)

// AsyncFS is the engine over a store whose operations may wait on I/O.
// Resolved paths are remembered in a bounded LRU cache.
type AsyncFS struct {
	*engine
}

var _ fs.FileSystem = (*AsyncFS)(nil)

// NewAsync returns a filesystem over store, creating the root directory if
// the store does not have one yet.
func NewAsync(ctx context.Context, store kvstore.Store, opts ...Option) (*AsyncFS, error) {
	c := newConfig(opts)
	e := newEngine(store, c, false)
	if c.cacheSize > 0 {
		cache, err := lru.New[string, string](c.cacheSize)
		if err != nil {
			return nil, fs.Wrap(err, "init", "/")
		}
		e.cache = cache
	}
	fsys := &AsyncFS{engine: e}
	if err := fsys.makeRoot(ctx); err != nil {
		return nil, fs.Wrap(err, "init", "/")
	}
	return fsys, nil
}

// CacheLen returns the number of cached paths.
func (fsys *AsyncFS) CacheLen() int {
	if fsys.cache == nil {
		return 0
	}
	return fsys.cache.Len()
}
