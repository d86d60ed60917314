package cowfs

import (
	"context"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"tractor.dev/layerfs/fs"
)

// DeletionLogPath is where the tombstone log lives on the writable layer.
// It is hidden from the union and cannot be opened through the overlay.
const DeletionLogPath = "/.deletedFiles.log"

// Unlocked merges a writable and a readable filesystem without any
// locking of its own. Use FS unless the caller already serializes access.
//
// Union view:
//   - an entry exists if the writable layer has it, or the readable layer
//     has it and it has not been deleted through the overlay
//   - entries only on the readable layer report their write bits set,
//     since writing them copies them up
//   - directory listings are the writable names followed by the readable
//     names not already listed
//
// Deleting a readable entry records a tombstone in a log on the writable
// layer. The log is written in the background; a failed write is
// returned by the next call into the overlay.
type Unlocked struct {
	writable fs.FileSystem
	readable fs.FileSystem
	log      *slog.Logger

	mu          sync.Mutex
	deleted     map[string]bool
	initialized bool
	dlog        *deletionLog
}

var (
	_ fs.FileSystem  = (*Unlocked)(nil)
	_ fs.Initializer = (*Unlocked)(nil)
)

// NewUnlocked returns an overlay that refuses every operation with EPERM
// until Initialize has loaded its deletion log.
func NewUnlocked(writable, readable fs.FileSystem) (*Unlocked, error) {
	if writable.Metadata().ReadOnly {
		return nil, fs.Errorf(fs.EINVAL, "overlay", "/", "writable layer %q is read-only", writable.Metadata().Name)
	}
	o := &Unlocked{
		writable: writable,
		readable: readable,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		deleted:  make(map[string]bool),
	}
	o.dlog = newDeletionLog(o.writeDeletionLog)
	return o, nil
}

func (o *Unlocked) SetLogger(l *slog.Logger) {
	o.log = l
}

func (o *Unlocked) Writable() fs.FileSystem { return o.writable }
func (o *Unlocked) Readable() fs.FileSystem { return o.readable }

func (o *Unlocked) Metadata() fs.Metadata {
	w, r := o.writable.Metadata(), o.readable.Metadata()
	return fs.Metadata{
		Name:          "overlay",
		Synchronous:   w.Synchronous && r.Synchronous,
		SupportsLinks: w.SupportsLinks,
	}
}

// Initialize loads the deletion log from the writable layer, creating an
// empty one if there is none. Calling it again does nothing.
func (o *Unlocked) Initialize(ctx context.Context) error {
	o.mu.Lock()
	done := o.initialized
	o.mu.Unlock()
	if done {
		return nil
	}
	data, err := fs.ReadFile(ctx, o.writable, DeletionLogPath, fs.RootCred)
	switch {
	case fs.IsKind(err, fs.ENOENT):
		if err := fs.WriteFile(ctx, o.writable, DeletionLogPath, nil, 0o644, fs.RootCred); err != nil {
			return fs.Wrap(err, "overlay", DeletionLogPath)
		}
	case err != nil:
		return fs.Wrap(err, "overlay", DeletionLogPath)
	}
	o.dlog.load(data)

	o.mu.Lock()
	o.deleted = parseDeletionLog(string(data))
	o.initialized = true
	o.mu.Unlock()
	o.log.Debug("Initialize", "tombstones", len(o.deleted))
	return nil
}

func (o *Unlocked) writeDeletionLog(data []byte) error {
	err := fs.WriteFile(context.Background(), o.writable, DeletionLogPath, data, 0o644, fs.RootCred)
	if err != nil {
		o.log.Warn("deletion log flush failed", "err", err)
	}
	return err
}

// DeletionLog returns the current contents of the deletion log.
func (o *Unlocked) DeletionLog() string {
	return o.dlog.String()
}

// RestoreDeletionLog replaces the tombstones with the ones in log and
// schedules a write of it.
func (o *Unlocked) RestoreDeletionLog(ctx context.Context, log string) error {
	if err := o.checkInit("restore", DeletionLogPath); err != nil {
		return err
	}
	o.mu.Lock()
	o.deleted = parseDeletionLog(log)
	o.mu.Unlock()
	o.dlog.replace([]byte(log))
	return nil
}

// WaitDeletionLog blocks until pending log writes finish and returns the
// error of a failed one.
func (o *Unlocked) WaitDeletionLog() error {
	o.dlog.wait()
	return o.dlog.takeErr()
}

// checkInit is the entry check of every operation.
func (o *Unlocked) checkInit(op, p string) error {
	o.mu.Lock()
	ok := o.initialized
	o.mu.Unlock()
	if !ok {
		return fs.Errorf(fs.EPERM, op, p, "overlay is not initialized")
	}
	if err := o.dlog.takeErr(); err != nil {
		return fs.Wrap(err, op, DeletionLogPath)
	}
	return nil
}

func (o *Unlocked) checkPath(op, p string) error {
	if err := o.checkInit(op, p); err != nil {
		return err
	}
	if p == DeletionLogPath {
		return fs.Errorf(fs.EPERM, op, p, "cannot access the deletion log")
	}
	return nil
}

// checkLookup is checkPath for read-side lookups, which see no entry at
// the deletion log path, matching Exists and Readdir.
func (o *Unlocked) checkLookup(op, p string) error {
	if err := o.checkInit(op, p); err != nil {
		return err
	}
	if p == DeletionLogPath {
		return fs.NewError(fs.ENOENT, op, p)
	}
	return nil
}

// isDeleted reports whether p or one of its ancestors has a tombstone.
func (o *Unlocked) isDeleted(p string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for {
		if o.deleted[p] {
			return true
		}
		if p == "/" {
			return false
		}
		p = path.Dir(p)
	}
}

func (o *Unlocked) tombstone(p string) {
	o.mu.Lock()
	o.deleted[p] = true
	o.mu.Unlock()
	o.dlog.append("d" + p + "\n")
}

func (o *Unlocked) onWritable(ctx context.Context, p string, cred fs.Cred) bool {
	_, err := o.writable.Lstat(ctx, p, cred)
	return err == nil
}

// exists is the union view of p.
func (o *Unlocked) exists(ctx context.Context, p string, cred fs.Cred) bool {
	return o.writable.Exists(ctx, p, cred) || (!o.isDeleted(p) && o.readable.Exists(ctx, p, cred))
}

// Exists reports false before initialization. It leaves a stored log
// error for the next call that can return it.
func (o *Unlocked) Exists(ctx context.Context, p string, cred fs.Cred) bool {
	o.mu.Lock()
	ok := o.initialized
	o.mu.Unlock()
	if !ok || p == DeletionLogPath {
		return false
	}
	return o.exists(ctx, p, cred)
}

func (o *Unlocked) stat(ctx context.Context, p string, cred fs.Cred, lstat bool) (*fs.Stats, error) {
	statFn := func(fsys fs.FileSystem) (*fs.Stats, error) {
		if lstat {
			return fsys.Lstat(ctx, p, cred)
		}
		return fsys.Stat(ctx, p, cred)
	}
	st, err := statFn(o.writable)
	if err == nil || !fs.IsKind(err, fs.ENOENT) {
		return st, err
	}
	if o.isDeleted(p) {
		return nil, fs.NewError(fs.ENOENT, "stat", p)
	}
	st, err = statFn(o.readable)
	if err != nil {
		return nil, err
	}
	st = st.Clone()
	st.Mode |= 0o222
	return st, nil
}

func (o *Unlocked) Stat(ctx context.Context, p string, cred fs.Cred) (st *fs.Stats, err error) {
	defer func() {
		o.log.Debug("Stat", "name", p, "err", err)
	}()
	if err := o.checkLookup("stat", p); err != nil {
		return nil, err
	}
	return o.stat(ctx, p, cred, false)
}

func (o *Unlocked) Lstat(ctx context.Context, p string, cred fs.Cred) (*fs.Stats, error) {
	if err := o.checkLookup("lstat", p); err != nil {
		return nil, err
	}
	return o.stat(ctx, p, cred, true)
}

func (o *Unlocked) Realpath(ctx context.Context, p string, cred fs.Cred) (string, error) {
	if err := o.checkLookup("realpath", p); err != nil {
		return "", err
	}
	rp, err := o.writable.Realpath(ctx, p, cred)
	if err == nil || !fs.IsKind(err, fs.ENOENT) {
		return rp, err
	}
	if o.isDeleted(p) {
		return "", fs.NewError(fs.ENOENT, "realpath", p)
	}
	return o.readable.Realpath(ctx, p, cred)
}

func (o *Unlocked) Readdir(ctx context.Context, p string, cred fs.Cred) (names []string, err error) {
	defer func() {
		o.log.Debug("Readdir", "name", p, "entries", len(names), "err", err)
	}()
	if err := o.checkPath("readdir", p); err != nil {
		return nil, err
	}
	st, err := o.stat(ctx, p, cred, false)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fs.NewError(fs.ENOTDIR, "readdir", p)
	}

	seen := make(map[string]bool)
	add := func(name string) {
		if seen[name] || path.Join(p, name) == DeletionLogPath {
			return
		}
		seen[name] = true
		names = append(names, name)
	}

	wnames, err := o.writable.Readdir(ctx, p, cred)
	switch {
	case err == nil:
		for _, name := range wnames {
			add(name)
		}
	case !fs.IsKind(err, fs.ENOENT):
		return nil, err
	}
	if o.isDeleted(p) {
		return names, nil
	}
	rnames, err := o.readable.Readdir(ctx, p, cred)
	switch {
	case err == nil:
		for _, name := range rnames {
			if !o.isDeleted(path.Join(p, name)) {
				add(name)
			}
		}
	case !fs.IsKind(err, fs.ENOENT) && !fs.IsKind(err, fs.ENOTDIR):
		return nil, err
	}
	return names, nil
}

// createParentDirectories makes sure every ancestor of p exists on the
// writable layer, giving each the mode the union shows for it.
func (o *Unlocked) createParentDirectories(ctx context.Context, p string, cred fs.Cred) error {
	var missing []string
	for dir := path.Dir(p); dir != "/"; dir = path.Dir(dir) {
		if o.onWritable(ctx, dir, cred) {
			break
		}
		missing = append(missing, dir)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		dir := missing[i]
		st, err := o.stat(ctx, dir, cred, false)
		if err != nil {
			return err
		}
		if !st.IsDir() {
			return fs.NewError(fs.ENOTDIR, "mkdir", dir)
		}
		if err := o.writable.Mkdir(ctx, dir, st.Perm(), cred); err != nil && !fs.IsKind(err, fs.EEXIST) {
			return err
		}
	}
	return nil
}

// writeUp stores data and stats at p on the writable layer.
func (o *Unlocked) writeUp(ctx context.Context, p string, data []byte, stats *fs.Stats, cred fs.Cred) error {
	if err := o.createParentDirectories(ctx, p, cred); err != nil {
		return err
	}
	if stats.IsDir() {
		if o.onWritable(ctx, p, cred) {
			return nil
		}
		return o.writable.Mkdir(ctx, p, stats.Perm(), cred)
	}
	if err := fs.WriteFile(ctx, o.writable, p, data, stats.Perm(), cred); err != nil {
		return err
	}
	st, err := o.writable.Stat(ctx, p, cred)
	if err != nil {
		return err
	}
	if st.Perm() != stats.Perm() {
		if err := o.writable.Chmod(ctx, p, stats.Perm(), cred); err != nil {
			return err
		}
	}
	return o.writable.Utimes(ctx, p, stats.Atime, stats.Mtime, cred)
}

// readAll reads a file without the access check of an open, since the
// overlay has already checked access against the union view.
func readAll(ctx context.Context, fsys fs.FileSystem, p string, size int64, cred fs.Cred) ([]byte, error) {
	f, err := fsys.OpenFile(ctx, p, fs.FlagRead, cred)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.NewSectionReader(f, 0, size))
}

// copyUp copies a readable-only entry to the writable layer. Directories
// are copied without their children.
func (o *Unlocked) copyUp(ctx context.Context, p string, cred fs.Cred) error {
	if o.onWritable(ctx, p, cred) {
		return nil
	}
	if o.isDeleted(p) {
		return fs.NewError(fs.ENOENT, "copyup", p)
	}
	st, err := o.readable.Lstat(ctx, p, cred)
	if err != nil {
		return err
	}
	o.log.Debug("copyup", "name", p, "mode", st.Mode)
	switch {
	case st.IsSymlink():
		target, err := o.readable.Readlink(ctx, p, cred)
		if err != nil {
			return err
		}
		if err := o.createParentDirectories(ctx, p, cred); err != nil {
			return err
		}
		return o.writable.Symlink(ctx, target, p, cred)
	case st.IsDir():
		return o.writeUp(ctx, p, nil, st, cred)
	}
	data, err := readAll(ctx, o.readable, p, st.Size, cred)
	if err != nil {
		return err
	}
	st.Mode |= 0o222
	return o.writeUp(ctx, p, data, st, cred)
}

func (o *Unlocked) Open(ctx context.Context, p string, flag fs.Flag, mode uint32, cred fs.Cred) (fs.File, error) {
	if err := o.checkPath("open", p); err != nil {
		return nil, err
	}
	return fs.Open(ctx, o, p, flag, mode, cred)
}

// OpenFile opens p on the writable layer if it is there. A readable-only
// entry is served from memory and copied up when the handle is synced
// with changes.
func (o *Unlocked) OpenFile(ctx context.Context, p string, flag fs.Flag, cred fs.Cred) (f fs.File, err error) {
	defer func() {
		o.log.Debug("OpenFile", "name", p, "flag", flag, "err", err)
	}()
	if err := o.checkPath("open", p); err != nil {
		return nil, err
	}
	if o.onWritable(ctx, p, cred) {
		return o.writable.OpenFile(ctx, p, flag, cred)
	}
	if o.isDeleted(p) {
		return nil, fs.NewError(fs.ENOENT, "open", p)
	}
	st, err := o.stat(ctx, p, cred, false)
	if err != nil {
		return nil, err
	}
	var data []byte
	if !st.IsDir() {
		if data, err = readAll(ctx, o.readable, p, st.Size, cred); err != nil {
			return nil, err
		}
	}
	syncer := fs.SyncFunc(func(ctx context.Context, p string, data []byte, stats *fs.Stats) error {
		return o.writeUp(ctx, p, data, stats, cred)
	})
	return fs.NewPreloadFile(ctx, syncer, p, flag, st, data), nil
}

func (o *Unlocked) CreateFile(ctx context.Context, p string, flag fs.Flag, mode uint32, cred fs.Cred) (fs.File, error) {
	if err := o.checkPath("create", p); err != nil {
		return nil, err
	}
	if err := o.createParentDirectories(ctx, p, cred); err != nil {
		return nil, err
	}
	return o.writable.CreateFile(ctx, p, flag, mode, cred)
}

// remove deletes p from the writable layer and records a tombstone if
// the readable layer still shows it.
func (o *Unlocked) remove(ctx context.Context, p string, cred fs.Cred, dir bool) error {
	if o.onWritable(ctx, p, cred) {
		var err error
		if dir {
			err = o.writable.Rmdir(ctx, p, cred)
		} else {
			err = o.writable.Unlink(ctx, p, cred)
		}
		if err != nil {
			return err
		}
	}
	if o.exists(ctx, p, cred) {
		o.tombstone(p)
	}
	return nil
}

func (o *Unlocked) Unlink(ctx context.Context, p string, cred fs.Cred) (err error) {
	defer func() {
		o.log.Debug("Unlink", "name", p, "err", err)
	}()
	if err := o.checkPath("unlink", p); err != nil {
		return err
	}
	st, err := o.stat(ctx, p, cred, true)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fs.NewError(fs.EISDIR, "unlink", p)
	}
	return o.remove(ctx, p, cred, false)
}

func (o *Unlocked) Rmdir(ctx context.Context, p string, cred fs.Cred) (err error) {
	defer func() {
		o.log.Debug("Rmdir", "name", p, "err", err)
	}()
	if err := o.checkPath("rmdir", p); err != nil {
		return err
	}
	if p == "/" {
		return fs.NewError(fs.EBUSY, "rmdir", p)
	}
	names, err := o.Readdir(ctx, p, cred)
	if err != nil {
		return err
	}
	if len(names) > 0 {
		return fs.NewError(fs.ENOTEMPTY, "rmdir", p)
	}
	return o.remove(ctx, p, cred, true)
}

func (o *Unlocked) Mkdir(ctx context.Context, p string, mode uint32, cred fs.Cred) (err error) {
	defer func() {
		o.log.Debug("Mkdir", "name", p, "mode", mode, "err", err)
	}()
	if err := o.checkPath("mkdir", p); err != nil {
		return err
	}
	if o.exists(ctx, p, cred) {
		return fs.NewError(fs.EEXIST, "mkdir", p)
	}
	if !o.exists(ctx, path.Dir(p), cred) {
		return fs.NewError(fs.ENOENT, "mkdir", path.Dir(p))
	}
	if err := o.createParentDirectories(ctx, p, cred); err != nil {
		return err
	}
	return o.writable.Mkdir(ctx, p, mode, cred)
}

// Rename moves oldp to newp. Files are copied to newp and removed from
// oldp. A directory that lives only on the writable layer is renamed
// there; otherwise newp is created and the children are moved one by
// one before oldp is removed.
func (o *Unlocked) Rename(ctx context.Context, oldp, newp string, cred fs.Cred) (err error) {
	defer func() {
		o.log.Debug("Rename", "old", oldp, "new", newp, "err", err)
	}()
	if err := o.checkPath("rename", oldp); err != nil {
		return err
	}
	if err := o.checkPath("rename", newp); err != nil {
		return err
	}
	if oldp == newp {
		return nil
	}
	if fs.Contains(oldp, newp) {
		return fs.NewError(fs.EBUSY, "rename", oldp)
	}
	st, err := o.stat(ctx, oldp, cred, true)
	if err != nil {
		return err
	}
	if !o.exists(ctx, path.Dir(newp), cred) {
		return fs.NewError(fs.ENOENT, "rename", path.Dir(newp))
	}
	if dst, err := o.stat(ctx, newp, cred, true); err == nil {
		switch {
		case dst.IsDir() && !st.IsDir():
			return fs.NewError(fs.EISDIR, "rename", newp)
		case !dst.IsDir() && st.IsDir():
			return fs.NewError(fs.ENOTDIR, "rename", newp)
		case dst.IsDir():
			if err := o.Rmdir(ctx, newp, cred); err != nil {
				return err
			}
		default:
			if err := o.remove(ctx, newp, cred, false); err != nil {
				return err
			}
		}
	}

	if !st.IsDir() {
		if err := o.copyUp(ctx, oldp, cred); err != nil {
			return err
		}
		if err := o.createParentDirectories(ctx, newp, cred); err != nil {
			return err
		}
		if err := o.writable.Rename(ctx, oldp, newp, cred); err != nil {
			return err
		}
		if o.exists(ctx, oldp, cred) {
			o.tombstone(oldp)
		}
		return nil
	}

	if o.onWritable(ctx, oldp, cred) && (o.isDeleted(oldp) || !o.readable.Exists(ctx, oldp, cred)) {
		if err := o.createParentDirectories(ctx, newp, cred); err != nil {
			return err
		}
		return o.writable.Rename(ctx, oldp, newp, cred)
	}
	if err := o.Mkdir(ctx, newp, st.Perm(), cred); err != nil {
		return err
	}
	names, err := o.Readdir(ctx, oldp, cred)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := o.Rename(ctx, path.Join(oldp, name), path.Join(newp, name), cred); err != nil {
			return err
		}
	}
	return o.Rmdir(ctx, oldp, cred)
}

func (o *Unlocked) Truncate(ctx context.Context, p string, size int64, cred fs.Cred) error {
	if err := o.checkPath("truncate", p); err != nil {
		return err
	}
	return fs.DefaultTruncate(ctx, o, p, size, cred)
}

func (o *Unlocked) Chmod(ctx context.Context, p string, mode uint32, cred fs.Cred) error {
	if err := o.checkPath("chmod", p); err != nil {
		return err
	}
	if err := o.copyUp(ctx, p, cred); err != nil {
		return err
	}
	return o.writable.Chmod(ctx, p, mode, cred)
}

func (o *Unlocked) Chown(ctx context.Context, p string, uid, gid int, cred fs.Cred) error {
	if err := o.checkPath("chown", p); err != nil {
		return err
	}
	if err := o.copyUp(ctx, p, cred); err != nil {
		return err
	}
	return o.writable.Chown(ctx, p, uid, gid, cred)
}

func (o *Unlocked) Utimes(ctx context.Context, p string, atime, mtime time.Time, cred fs.Cred) error {
	if err := o.checkPath("utimes", p); err != nil {
		return err
	}
	if err := o.copyUp(ctx, p, cred); err != nil {
		return err
	}
	return o.writable.Utimes(ctx, p, atime, mtime, cred)
}

func (o *Unlocked) Link(ctx context.Context, srcp, dstp string, cred fs.Cred) error {
	if err := o.checkPath("link", dstp); err != nil {
		return err
	}
	return fs.NewError(fs.ENOTSUP, "link", srcp)
}

func (o *Unlocked) Symlink(ctx context.Context, target, p string, cred fs.Cred) error {
	if err := o.checkPath("symlink", p); err != nil {
		return err
	}
	if o.exists(ctx, p, cred) {
		return fs.NewError(fs.EEXIST, "symlink", p)
	}
	if err := o.createParentDirectories(ctx, p, cred); err != nil {
		return err
	}
	return o.writable.Symlink(ctx, target, p, cred)
}

func (o *Unlocked) Readlink(ctx context.Context, p string, cred fs.Cred) (string, error) {
	if err := o.checkLookup("readlink", p); err != nil {
		return "", err
	}
	if o.onWritable(ctx, p, cred) {
		return o.writable.Readlink(ctx, p, cred)
	}
	if o.isDeleted(p) {
		return "", fs.NewError(fs.ENOENT, "readlink", p)
	}
	return o.readable.Readlink(ctx, p, cred)
}

// Tombstones returns the deleted paths in log order without duplicates.
func (o *Unlocked) Tombstones() []string {
	var out []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(o.DeletionLog(), "\n") {
		if len(line) > 1 && line[0] == 'd' && !seen[line[1:]] {
			seen[line[1:]] = true
			out = append(out, line[1:])
		}
	}
	return out
}
