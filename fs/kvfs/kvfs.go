// Package kvfs turns a flat key-value store into a POSIX directory tree.
//
// Every entry is stored under two keys: a lookup key, found in its parent's
// listing, holding the encoded Inode, and the inode's ID holding the
// payload (file bytes, symlink target, or a JSON listing of child names to
// lookup keys). The root directory lives under RootKey.
//
// Mutations run inside a store transaction and abort on the first error,
// so a failed call leaves the store as it found it.
package kvfs

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"tractor.dev/layerfs/fs"
	"tractor.dev/layerfs/fs/kvstore"
)

// RootKey is the lookup key of the root directory.
const RootKey = "/"

const (
	defaultCacheSize      = 100
	defaultMaxKeyAttempts = 5
	maxSymlinkHops        = 40
	rootSize              = 4096
)

type config struct {
	log            *slog.Logger
	cacheSize      int
	maxKeyAttempts int
	now            func() time.Time
}

// Option configures a SyncFS or AsyncFS.
type Option func(*config)

// WithLogger sets the logger operations are traced to at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithCacheSize sets the number of resolved paths AsyncFS remembers.
func WithCacheSize(n int) Option {
	return func(c *config) { c.cacheSize = n }
}

// WithMaxKeyAttempts sets how many random keys are tried before giving up
// on storing a new node.
func WithMaxKeyAttempts(n int) Option {
	return func(c *config) { c.maxKeyAttempts = n }
}

func newConfig(opts []Option) config {
	c := config{
		log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		cacheSize:      defaultCacheSize,
		maxKeyAttempts: defaultMaxKeyAttempts,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// engine holds the tree logic shared by SyncFS and AsyncFS.
type engine struct {
	fs.NoLinks

	store       kvstore.Store
	cache       *lru.Cache[string, string]
	log         *slog.Logger
	maxAttempts int
	now         func() time.Time
	synchronous bool
}

func newEngine(store kvstore.Store, c config, synchronous bool) *engine {
	return &engine{
		store:       store,
		log:         c.log,
		maxAttempts: c.maxKeyAttempts,
		now:         c.now,
		synchronous: synchronous,
	}
}

func (e *engine) SetLogger(l *slog.Logger) {
	e.log = l
}

func (e *engine) Metadata() fs.Metadata {
	return fs.Metadata{
		Name:          e.store.Name(),
		Synchronous:   e.synchronous,
		SupportsLinks: true,
	}
}

// view runs fn in a read-only transaction.
func (e *engine) view(ctx context.Context, fn func(context.Context, kvstore.Tx) error) error {
	return e.run(ctx, kvstore.ReadOnly, fn)
}

// update runs fn in a read-write transaction, aborting it if fn fails.
// Once the transaction has begun it is no longer cancelled by ctx.
func (e *engine) update(ctx context.Context, fn func(context.Context, kvstore.Tx) error) error {
	return e.run(ctx, kvstore.ReadWrite, fn)
}

func (e *engine) run(ctx context.Context, mode kvstore.Mode, fn func(context.Context, kvstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := e.store.BeginTx(ctx, mode)
	if err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	if err := fn(ctx, tx); err != nil {
		if aerr := tx.Abort(ctx); aerr != nil {
			e.log.Warn("abort", "store", e.store.Name(), "err", aerr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// makeRoot creates the root directory if the store does not have one.
func (e *engine) makeRoot(ctx context.Context) error {
	return e.update(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		if _, ok, err := tx.Get(ctx, RootKey); err != nil || ok {
			return err
		}
		id, err := e.addNewNode(ctx, tx, []byte("{}"))
		if err != nil {
			return err
		}
		root := newInode(id, rootSize, 0o777|uint32(fs.TypeDir), e.now(), fs.RootCred)
		data, _ := root.MarshalBinary()
		_, err = tx.Put(ctx, RootKey, data, false)
		return err
	})
}

// Empty deletes everything in the store and recreates the root.
func (e *engine) Empty(ctx context.Context) error {
	if err := e.store.Clear(ctx); err != nil {
		return fs.Wrap(err, "empty", "/")
	}
	if e.cache != nil {
		e.cache.Purge()
	}
	return fs.Wrap(e.makeRoot(ctx), "empty", "/")
}

type visited struct {
	paths map[string]struct{}
	keys  map[string]struct{}
}

func newVisited() *visited {
	return &visited{paths: map[string]struct{}{}, keys: map[string]struct{}{}}
}

// findKey resolves name inside parent to a lookup key. Every (parent,
// name) pair and every key met along the way is recorded; meeting one
// twice means the listings form a cycle.
func (e *engine) findKey(ctx context.Context, tx kvstore.Tx, parent, name string, v *visited) (string, error) {
	cur := path.Join(parent, name)
	if _, ok := v.paths[cur]; ok {
		return "", fs.Errorf(fs.EIO, "lookup", cur, "infinite loop detected while finding inode")
	}
	v.paths[cur] = struct{}{}

	key, cached := "", false
	if e.cache != nil {
		key, cached = e.cache.Get(cur)
	}
	if !cached {
		if parent == "/" && name == "" {
			key = RootKey
		} else {
			var parentKey string
			var err error
			if parent == "/" {
				parentKey, err = e.findKey(ctx, tx, "/", "", v)
			} else {
				parentKey, err = e.findKey(ctx, tx, path.Dir(parent), path.Base(parent), v)
			}
			if err != nil {
				return "", err
			}
			dir, err := e.getInode(ctx, tx, parent, parentKey)
			if err != nil {
				return "", err
			}
			l, err := e.getListing(ctx, tx, parent, dir)
			if err != nil {
				return "", err
			}
			k, ok := l[name]
			if !ok {
				return "", fs.NewError(fs.ENOENT, "lookup", cur)
			}
			key = k
		}
	}

	if _, ok := v.keys[key]; ok {
		return "", fs.Errorf(fs.EIO, "lookup", cur, "infinite loop detected while finding inode")
	}
	v.keys[key] = struct{}{}
	if e.cache != nil && !cached {
		e.cache.Add(cur, key)
	}
	return key, nil
}

// lookup resolves p to its lookup key and inode.
func (e *engine) lookup(ctx context.Context, tx kvstore.Tx, p string) (string, *Inode, error) {
	var key string
	var err error
	if p == "/" {
		key, err = e.findKey(ctx, tx, "/", "", newVisited())
	} else {
		key, err = e.findKey(ctx, tx, path.Dir(p), path.Base(p), newVisited())
	}
	if err != nil {
		return "", nil, err
	}
	node, err := e.getInode(ctx, tx, p, key)
	if err != nil {
		return "", nil, err
	}
	return key, node, nil
}

func (e *engine) getInode(ctx context.Context, tx kvstore.Tx, p, key string) (*Inode, error) {
	data, ok, err := tx.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fs.NewError(fs.ENOENT, "lookup", p)
	}
	node := &Inode{}
	if err := node.UnmarshalBinary(data); err != nil {
		return nil, fs.Wrap(err, "lookup", p)
	}
	return node, nil
}

func (e *engine) getListing(ctx context.Context, tx kvstore.Tx, p string, dir *Inode) (listing, error) {
	if !dir.IsDir() {
		return nil, fs.NewError(fs.ENOTDIR, "lookup", p)
	}
	data, ok, err := tx.Get(ctx, dir.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fs.NewError(fs.ENOENT, "lookup", p)
	}
	return decodeListing(p, data)
}

func (e *engine) getData(ctx context.Context, tx kvstore.Tx, p string, node *Inode) ([]byte, error) {
	data, ok, err := tx.Get(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fs.NewError(fs.ENOENT, "read", p)
	}
	return data, nil
}

// addNewNode stores data under a fresh random key. Keys are inserted
// without overwrite, so a collision just tries another key.
func (e *engine) addNewNode(ctx context.Context, tx kvstore.Tx, data []byte) (string, error) {
	for range e.maxAttempts {
		id := uuid.NewString()
		ok, err := tx.Put(ctx, id, data, false)
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}
	}
	return "", fs.Errorf(fs.EIO, "commit", "", "unable to commit data to key-value store")
}

func putListing(ctx context.Context, tx kvstore.Tx, dir *Inode, l listing) error {
	data, err := l.encode()
	if err != nil {
		return err
	}
	_, err = tx.Put(ctx, dir.ID, data, true)
	return err
}

// commitNewFile adds a new entry of type t at p holding data.
func (e *engine) commitNewFile(ctx context.Context, p string, t fs.FileType, mode uint32, cred fs.Cred, data []byte) (*Inode, error) {
	parent, name := path.Dir(p), path.Base(p)
	var node *Inode
	err := e.update(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		_, dir, err := e.lookup(ctx, tx, parent)
		if err != nil {
			return err
		}
		if !dir.Stats().HasAccess(fs.AccessWrite, cred) {
			return fs.NewError(fs.EACCES, "create", p)
		}
		l, err := e.getListing(ctx, tx, parent, dir)
		if err != nil {
			return err
		}
		if p == "/" {
			return fs.NewError(fs.EEXIST, "create", p)
		}
		if _, ok := l[name]; ok {
			return fs.NewError(fs.EEXIST, "create", p)
		}

		dataID, err := e.addNewNode(ctx, tx, data)
		if err != nil {
			return err
		}
		node = newInode(dataID, len(data), mode&fs.PermMask|uint32(t), e.now(), cred)
		encoded, _ := node.MarshalBinary()
		nodeID, err := e.addNewNode(ctx, tx, encoded)
		if err != nil {
			return err
		}
		l[name] = nodeID
		return putListing(ctx, tx, dir, l)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// removeEntry deletes the file or empty directory at p. The caller needs
// write access to the entry itself.
func (e *engine) removeEntry(ctx context.Context, p string, isDir bool, cred fs.Cred) error {
	op := "unlink"
	if isDir {
		op = "rmdir"
	}
	parent, name := path.Dir(p), path.Base(p)
	err := e.update(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		_, dir, err := e.lookup(ctx, tx, parent)
		if err != nil {
			return err
		}
		l, err := e.getListing(ctx, tx, parent, dir)
		if err != nil {
			return err
		}
		key, ok := l[name]
		if !ok {
			return fs.NewError(fs.ENOENT, op, p)
		}
		node, err := e.getInode(ctx, tx, p, key)
		if err != nil {
			return err
		}
		if !node.Stats().HasAccess(fs.AccessWrite, cred) {
			return fs.NewError(fs.EACCES, op, p)
		}
		if !isDir && node.IsDir() {
			return fs.NewError(fs.EISDIR, op, p)
		}
		if isDir && !node.IsDir() {
			return fs.NewError(fs.ENOTDIR, op, p)
		}
		delete(l, name)
		if err := tx.Del(ctx, node.ID); err != nil {
			return err
		}
		if err := tx.Del(ctx, key); err != nil {
			return err
		}
		return putListing(ctx, tx, dir, l)
	})
	if err == nil && e.cache != nil {
		e.cache.Remove(p)
	}
	return err
}

func (e *engine) Stat(ctx context.Context, p string, cred fs.Cred) (st *fs.Stats, err error) {
	defer func() {
		e.log.Debug("Stat", "name", p, "err", err)
	}()
	err = e.view(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		rp, err := e.realpath(ctx, tx, p)
		if err != nil {
			return err
		}
		_, node, err := e.lookup(ctx, tx, rp)
		if err != nil {
			return err
		}
		st = node.Stats()
		return nil
	})
	if err != nil {
		return nil, fs.Wrap(err, "stat", p)
	}
	if !st.HasAccess(fs.AccessRead, cred) {
		return nil, fs.NewError(fs.EACCES, "stat", p)
	}
	return st, nil
}

func (e *engine) Lstat(ctx context.Context, p string, cred fs.Cred) (st *fs.Stats, err error) {
	defer func() {
		e.log.Debug("Lstat", "name", p, "err", err)
	}()
	err = e.view(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		_, node, err := e.lookup(ctx, tx, p)
		if err != nil {
			return err
		}
		st = node.Stats()
		return nil
	})
	if err != nil {
		return nil, fs.Wrap(err, "lstat", p)
	}
	if !st.HasAccess(fs.AccessRead, cred) {
		return nil, fs.NewError(fs.EACCES, "lstat", p)
	}
	return st, nil
}

func (e *engine) Exists(ctx context.Context, p string, cred fs.Cred) bool {
	return fs.DefaultExists(ctx, e, p, cred)
}

func (e *engine) Open(ctx context.Context, p string, flag fs.Flag, mode uint32, cred fs.Cred) (fs.File, error) {
	return fs.Open(ctx, e, p, flag, mode, cred)
}

func (e *engine) OpenFile(ctx context.Context, p string, flag fs.Flag, cred fs.Cred) (f fs.File, err error) {
	defer func() {
		e.log.Debug("OpenFile", "name", p, "flag", flag, "err", err)
	}()
	var node *Inode
	var data []byte
	rp := p
	err = e.view(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		var err error
		if rp, err = e.realpath(ctx, tx, p); err != nil {
			return err
		}
		if _, node, err = e.lookup(ctx, tx, rp); err != nil {
			return err
		}
		if node.IsDir() {
			return nil
		}
		data, err = e.getData(ctx, tx, p, node)
		return err
	})
	if err != nil {
		return nil, fs.Wrap(err, "open", p)
	}
	return fs.NewPreloadFile(ctx, e, rp, flag, node.Stats(), data), nil
}

func (e *engine) CreateFile(ctx context.Context, p string, flag fs.Flag, mode uint32, cred fs.Cred) (f fs.File, err error) {
	defer func() {
		e.log.Debug("CreateFile", "name", p, "mode", mode, "err", err)
	}()
	node, err := e.commitNewFile(ctx, p, fs.TypeFile, mode, cred, nil)
	if err != nil {
		return nil, fs.Wrap(err, "create", p)
	}
	return fs.NewPreloadFile(ctx, e, p, flag, node.Stats(), nil), nil
}

// SyncFile writes a file handle's contents and metadata back to the store.
func (e *engine) SyncFile(ctx context.Context, p string, data []byte, stats *fs.Stats) (err error) {
	defer func() {
		e.log.Debug("SyncFile", "name", p, "size", len(data), "err", err)
	}()
	if uint64(len(data)) > math.MaxUint32 {
		return fs.NewError(fs.ENOSPC, "sync", p)
	}
	err = e.update(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		key, node, err := e.lookup(ctx, tx, p)
		if err != nil {
			return err
		}
		changed := node.Update(stats)
		if node.IsFile() {
			if _, err := tx.Put(ctx, node.ID, data, true); err != nil {
				return err
			}
		}
		if changed {
			encoded, _ := node.MarshalBinary()
			if _, err := tx.Put(ctx, key, encoded, true); err != nil {
				return err
			}
		}
		return nil
	})
	return fs.Wrap(err, "sync", p)
}

func (e *engine) Unlink(ctx context.Context, p string, cred fs.Cred) (err error) {
	defer func() {
		e.log.Debug("Unlink", "name", p, "err", err)
	}()
	return fs.Wrap(e.removeEntry(ctx, p, false, cred), "unlink", p)
}

func (e *engine) Rmdir(ctx context.Context, p string, cred fs.Cred) (err error) {
	defer func() {
		e.log.Debug("Rmdir", "name", p, "err", err)
	}()
	if p == "/" {
		return fs.NewError(fs.EBUSY, "rmdir", p)
	}
	names, err := e.Readdir(ctx, p, cred)
	if err != nil {
		return err
	}
	if len(names) > 0 {
		return fs.NewError(fs.ENOTEMPTY, "rmdir", p)
	}
	return fs.Wrap(e.removeEntry(ctx, p, true, cred), "rmdir", p)
}

func (e *engine) Mkdir(ctx context.Context, p string, mode uint32, cred fs.Cred) (err error) {
	defer func() {
		e.log.Debug("Mkdir", "name", p, "mode", mode, "err", err)
	}()
	_, err = e.commitNewFile(ctx, p, fs.TypeDir, mode, cred, []byte("{}"))
	return fs.Wrap(err, "mkdir", p)
}

func (e *engine) Readdir(ctx context.Context, p string, cred fs.Cred) (names []string, err error) {
	defer func() {
		e.log.Debug("Readdir", "name", p, "entries", len(names), "err", err)
	}()
	err = e.view(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		_, dir, err := e.lookup(ctx, tx, p)
		if err != nil {
			return err
		}
		if !dir.Stats().HasAccess(fs.AccessRead, cred) {
			return fs.NewError(fs.EACCES, "readdir", p)
		}
		l, err := e.getListing(ctx, tx, p, dir)
		if err != nil {
			return err
		}
		names = l.names()
		return nil
	})
	return names, fs.Wrap(err, "readdir", p)
}

// Rename moves oldp to newp. An existing file at newp is replaced; an
// existing directory is not.
func (e *engine) Rename(ctx context.Context, oldp, newp string, cred fs.Cred) (err error) {
	defer func() {
		e.log.Debug("Rename", "old", oldp, "new", newp, "err", err)
	}()
	switch {
	case oldp == "/":
		return fs.NewError(fs.EBUSY, "rename", oldp)
	case newp == "/":
		// the root always exists and is a directory
		return fs.NewError(fs.EPERM, "rename", newp)
	}
	oldParent, oldName := path.Dir(oldp), path.Base(oldp)
	newParent, newName := path.Dir(newp), path.Base(newp)
	var movedDir bool
	err = e.update(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		_, oldDir, err := e.lookup(ctx, tx, oldParent)
		if err != nil {
			return err
		}
		if !oldDir.Stats().HasAccess(fs.AccessWrite, cred) {
			return fs.NewError(fs.EACCES, "rename", oldp)
		}
		oldList, err := e.getListing(ctx, tx, oldParent, oldDir)
		if err != nil {
			return err
		}
		key, ok := oldList[oldName]
		if !ok {
			return fs.NewError(fs.ENOENT, "rename", oldp)
		}
		delete(oldList, oldName)

		if strings.HasPrefix(newParent+"/", oldp+"/") {
			return fs.NewError(fs.EBUSY, "rename", oldParent)
		}

		newDir, newList := oldDir, oldList
		if newParent != oldParent {
			if _, newDir, err = e.lookup(ctx, tx, newParent); err != nil {
				return err
			}
			if !newDir.Stats().HasAccess(fs.AccessWrite, cred) {
				return fs.NewError(fs.EACCES, "rename", newp)
			}
			if newList, err = e.getListing(ctx, tx, newParent, newDir); err != nil {
				return err
			}
		}

		if existing, ok := newList[newName]; ok {
			target, err := e.getInode(ctx, tx, newp, existing)
			if err != nil {
				return err
			}
			if !target.IsFile() && !target.IsSymlink() {
				return fs.NewError(fs.EPERM, "rename", newp)
			}
			if err := tx.Del(ctx, target.ID); err != nil {
				return err
			}
			if err := tx.Del(ctx, existing); err != nil {
				return err
			}
		}
		newList[newName] = key

		moved, err := e.getInode(ctx, tx, oldp, key)
		if err != nil {
			return err
		}
		movedDir = moved.IsDir()

		if err := putListing(ctx, tx, oldDir, oldList); err != nil {
			return err
		}
		if newParent != oldParent {
			return putListing(ctx, tx, newDir, newList)
		}
		return nil
	})
	if err == nil && e.cache != nil {
		if movedDir {
			e.cache.Purge()
		} else {
			e.cache.Remove(oldp)
			e.cache.Remove(newp)
		}
	}
	return fs.Wrap(err, "rename", oldp)
}

func (e *engine) Truncate(ctx context.Context, p string, size int64, cred fs.Cred) error {
	return fs.DefaultTruncate(ctx, e, p, size, cred)
}

// modify applies fn to the stats of the entry at p itself, without
// following a final symlink, and writes back the inode.
func (e *engine) modify(ctx context.Context, op, p string, allowed func(*fs.Stats) bool, fn func(*fs.Stats)) error {
	err := e.update(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		key, node, err := e.lookup(ctx, tx, p)
		if err != nil {
			return err
		}
		st := node.Stats()
		if !allowed(st) {
			return fs.NewError(fs.EPERM, op, p)
		}
		fn(st)
		if !node.Update(st) {
			return nil
		}
		encoded, err := node.MarshalBinary()
		if err != nil {
			return err
		}
		_, err = tx.Put(ctx, key, encoded, true)
		return err
	})
	return fs.Wrap(err, op, p)
}

func isOwner(cred fs.Cred) func(*fs.Stats) bool {
	return func(st *fs.Stats) bool {
		return cred.IsRoot() || cred.EUID == st.UID
	}
}

func (e *engine) Chmod(ctx context.Context, p string, mode uint32, cred fs.Cred) (err error) {
	defer func() {
		e.log.Debug("Chmod", "name", p, "mode", mode, "err", err)
	}()
	return e.modify(ctx, "chmod", p, isOwner(cred), func(st *fs.Stats) {
		st.Chmod(mode)
	})
}

func (e *engine) Chown(ctx context.Context, p string, uid, gid int, cred fs.Cred) (err error) {
	defer func() {
		e.log.Debug("Chown", "name", p, "uid", uid, "gid", gid, "err", err)
	}()
	return e.modify(ctx, "chown", p, isOwner(cred), func(st *fs.Stats) {
		st.Chown(uid, gid)
	})
}

func (e *engine) Utimes(ctx context.Context, p string, atime, mtime time.Time, cred fs.Cred) (err error) {
	defer func() {
		e.log.Debug("Utimes", "name", p, "err", err)
	}()
	allowed := func(st *fs.Stats) bool {
		return isOwner(cred)(st) || st.HasAccess(fs.AccessWrite, cred)
	}
	return e.modify(ctx, "utimes", p, allowed, func(st *fs.Stats) {
		st.Atime = atime
		st.Mtime = mtime
	})
}

func (e *engine) Symlink(ctx context.Context, target, p string, cred fs.Cred) (err error) {
	defer func() {
		e.log.Debug("Symlink", "target", target, "name", p, "err", err)
	}()
	if target == "" {
		return fs.NewError(fs.ENOENT, "symlink", p)
	}
	_, err = e.commitNewFile(ctx, p, fs.TypeSymlink, 0o777, cred, []byte(target))
	return fs.Wrap(err, "symlink", p)
}

func (e *engine) Readlink(ctx context.Context, p string, cred fs.Cred) (target string, err error) {
	err = e.view(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		_, node, err := e.lookup(ctx, tx, p)
		if err != nil {
			return err
		}
		if !node.IsSymlink() {
			return fs.NewError(fs.EINVAL, "readlink", p)
		}
		data, err := e.getData(ctx, tx, p, node)
		target = string(data)
		return err
	})
	return target, fs.Wrap(err, "readlink", p)
}

func (e *engine) Realpath(ctx context.Context, p string, cred fs.Cred) (rp string, err error) {
	err = e.view(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		rp, err = e.realpath(ctx, tx, p)
		return err
	})
	return rp, fs.Wrap(err, "realpath", p)
}

// realpath resolves every symlink along p.
func (e *engine) realpath(ctx context.Context, tx kvstore.Tx, p string) (string, error) {
	if _, node, err := e.lookup(ctx, tx, p); err == nil && !node.IsSymlink() {
		return p, nil
	}
	resolved := "/"
	rest := strings.Split(strings.Trim(p, "/"), "/")
	hops := 0
	for len(rest) > 0 {
		name := rest[0]
		rest = rest[1:]
		switch name {
		case "", ".":
			continue
		case "..":
			resolved = path.Dir(resolved)
			continue
		}
		cand := path.Join(resolved, name)
		_, node, err := e.lookup(ctx, tx, cand)
		if err != nil {
			return "", err
		}
		if !node.IsSymlink() {
			resolved = cand
			continue
		}
		if hops++; hops > maxSymlinkHops {
			return "", fs.Errorf(fs.EIO, "realpath", p, "too many levels of symbolic links")
		}
		data, err := e.getData(ctx, tx, cand, node)
		if err != nil {
			return "", err
		}
		target := string(data)
		if strings.HasPrefix(target, "/") {
			resolved = "/"
		}
		rest = append(strings.Split(strings.Trim(target, "/"), "/"), rest...)
	}
	return resolved, nil
}
