package namespace

import (
	"context"
	"errors"
	"path"
	"sort"
	"time"

	"tractor.dev/layerfs/fs"
)

func (s *Session) Stat(ctx context.Context, p string) (st *fs.Stats, err error) {
	defer func() {
		s.log.Debug("Stat", "name", p, "err", err)
	}()
	t, err := s.resolve(ctx, "stat", p, true)
	if err != nil {
		return nil, err
	}
	st, err = t.fsys.Stat(ctx, t.local, s.cred)
	return st, t.fail("stat", err)
}

func (s *Session) Lstat(ctx context.Context, p string) (st *fs.Stats, err error) {
	defer func() {
		s.log.Debug("Lstat", "name", p, "err", err)
	}()
	t, err := s.resolve(ctx, "lstat", p, false)
	if err != nil {
		return nil, err
	}
	st, err = t.fsys.Lstat(ctx, t.local, s.cred)
	return st, t.fail("lstat", err)
}

// Exists reports whether p resolves to an entry. Any error reads as false.
func (s *Session) Exists(ctx context.Context, p string) bool {
	t, err := s.resolve(ctx, "exists", p, true)
	if err != nil {
		return false
	}
	return t.fsys.Exists(ctx, t.local, s.cred)
}

// Access checks that the session may access p with mode. AccessExists
// only checks that p exists.
func (s *Session) Access(ctx context.Context, p string, mode fs.Access) error {
	st, err := s.Stat(ctx, p)
	if err != nil {
		return err
	}
	if !st.HasAccess(mode, s.cred) {
		return fs.NewError(fs.EACCES, "access", fs.Clean(p))
	}
	return nil
}

func (s *Session) ReadFile(ctx context.Context, p string) (data []byte, err error) {
	defer func() {
		s.log.Debug("ReadFile", "name", p, "err", err)
	}()
	t, err := s.resolve(ctx, "read", p, true)
	if err != nil {
		return nil, err
	}
	data, err = fs.ReadFile(ctx, t.fsys, t.local, s.cred)
	return data, t.fail("read", err)
}

// WriteFile replaces the contents of p, creating it with mode when
// missing.
func (s *Session) WriteFile(ctx context.Context, p string, data []byte, mode uint32) (err error) {
	defer func() {
		s.log.Debug("WriteFile", "name", p, "err", err)
	}()
	t, err := s.resolve(ctx, "write", p, true)
	if err != nil {
		return err
	}
	return t.fail("write", fs.WriteFile(ctx, t.fsys, t.local, data, mode, s.cred))
}

func (s *Session) AppendFile(ctx context.Context, p string, data []byte, mode uint32) (err error) {
	defer func() {
		s.log.Debug("AppendFile", "name", p, "err", err)
	}()
	t, err := s.resolve(ctx, "append", p, true)
	if err != nil {
		return err
	}
	return t.fail("append", fs.AppendFile(ctx, t.fsys, t.local, data, mode, s.cred))
}

func (s *Session) Truncate(ctx context.Context, p string, size int64) error {
	if size < 0 {
		return fs.NewError(fs.EINVAL, "truncate", p)
	}
	t, err := s.resolve(ctx, "truncate", p, true)
	if err != nil {
		return err
	}
	return t.fail("truncate", t.fsys.Truncate(ctx, t.local, size, s.cred))
}

func (s *Session) Unlink(ctx context.Context, p string) (err error) {
	defer func() {
		s.log.Debug("Unlink", "name", p, "err", err)
	}()
	t, err := s.resolve(ctx, "unlink", p, false)
	if err != nil {
		return err
	}
	return t.fail("unlink", t.fsys.Unlink(ctx, t.local, s.cred))
}

func (s *Session) Rmdir(ctx context.Context, p string) (err error) {
	defer func() {
		s.log.Debug("Rmdir", "name", p, "err", err)
	}()
	t, err := s.resolve(ctx, "rmdir", p, false)
	if err != nil {
		return err
	}
	if t.local == "/" {
		return fs.Errorf(fs.EBUSY, "rmdir", t.global, "mount point")
	}
	return t.fail("rmdir", t.fsys.Rmdir(ctx, t.local, s.cred))
}

func (s *Session) Mkdir(ctx context.Context, p string, mode uint32) (err error) {
	defer func() {
		s.log.Debug("Mkdir", "name", p, "err", err)
	}()
	t, err := s.resolve(ctx, "mkdir", p, false)
	if err != nil {
		return err
	}
	return t.fail("mkdir", t.fsys.Mkdir(ctx, t.local, mode, s.cred))
}

// MkdirAll is Mkdir with the recursive option: missing parents are
// created, and an existing directory at p is not an error. Parents may
// live on different mounts.
func (s *Session) MkdirAll(ctx context.Context, p string, mode uint32) error {
	p, err := normalize("mkdir", p)
	if err != nil {
		return err
	}
	if st, err := s.Stat(ctx, p); err == nil {
		if !st.IsDir() {
			return fs.NewError(fs.ENOTDIR, "mkdir", p)
		}
		return nil
	}
	if p != "/" {
		if err := s.MkdirAll(ctx, path.Dir(p), mode); err != nil {
			return err
		}
	}
	err = s.Mkdir(ctx, p, mode)
	if fs.IsKind(err, fs.EEXIST) {
		return nil
	}
	return err
}

// Readdir lists the names in p, sorted. Mount points directly below p
// are included even when the parent filesystem has no such entry.
func (s *Session) Readdir(ctx context.Context, p string) (names []string, err error) {
	defer func() {
		s.log.Debug("Readdir", "name", p, "err", err)
	}()
	t, err := s.resolve(ctx, "readdir", p, true)
	if err != nil {
		return nil, err
	}
	names, err = t.fsys.Readdir(ctx, t.local, s.cred)
	if err != nil {
		return nil, t.fail("readdir", err)
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	for _, m := range s.MountPoints() {
		if m != "/" && path.Dir(m) == t.global && !seen[path.Base(m)] {
			seen[path.Base(m)] = true
			names = append(names, path.Base(m))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Rename moves oldp to newp. Within one mount the backend renames; across
// mounts the tree is copied and the source removed.
func (s *Session) Rename(ctx context.Context, oldp, newp string) (err error) {
	defer func() {
		s.log.Debug("Rename", "old", oldp, "new", newp, "err", err)
	}()
	src, err := s.resolve(ctx, "rename", oldp, false)
	if err != nil {
		return err
	}
	dst, err := s.resolve(ctx, "rename", newp, false)
	if err != nil {
		return err
	}
	if src.local == "/" {
		return fs.Errorf(fs.EBUSY, "rename", src.global, "mount point")
	}
	if dst.local == "/" {
		return fs.Errorf(fs.EBUSY, "rename", dst.global, "mount point")
	}
	if src.prefix == dst.prefix {
		if err := src.fsys.Rename(ctx, src.local, dst.local, s.cred); err != nil {
			return src.fail("rename", err)
		}
		return nil
	}
	if fs.Contains(src.global, dst.global) {
		return fs.Errorf(fs.EBUSY, "rename", dst.global, "target is inside source")
	}
	if err := s.copyAcross(ctx, src, dst); err != nil {
		return err
	}
	return s.removeTree(ctx, src)
}

// copyAcross copies the entry at src to dst on another filesystem.
// Modes are kept; owners become the session's.
func (s *Session) copyAcross(ctx context.Context, src, dst *target) error {
	st, err := src.fsys.Lstat(ctx, src.local, s.cred)
	if err != nil {
		return src.fail("rename", err)
	}
	switch {
	case st.IsSymlink():
		link, err := src.fsys.Readlink(ctx, src.local, s.cred)
		if err != nil {
			return src.fail("rename", err)
		}
		if dst.fsys.Exists(ctx, dst.local, s.cred) {
			if err := dst.fsys.Unlink(ctx, dst.local, s.cred); err != nil {
				return dst.fail("rename", err)
			}
		}
		return dst.fail("rename", dst.fsys.Symlink(ctx, link, dst.local, s.cred))

	case st.IsDir():
		if dst.fsys.Exists(ctx, dst.local, s.cred) {
			dl, err := dst.fsys.Readdir(ctx, dst.local, s.cred)
			if err != nil {
				return dst.fail("rename", err)
			}
			if len(dl) > 0 {
				return fs.NewError(fs.ENOTEMPTY, "rename", dst.global)
			}
		} else if err := dst.fsys.Mkdir(ctx, dst.local, st.Perm(), s.cred); err != nil {
			return dst.fail("rename", err)
		}
		names, err := src.fsys.Readdir(ctx, src.local, s.cred)
		if err != nil {
			return src.fail("rename", err)
		}
		for _, name := range names {
			if err := s.copyAcross(ctx, src.child(name), dst.child(name)); err != nil {
				return err
			}
		}
		return nil

	default:
		if dst.fsys.Exists(ctx, dst.local, s.cred) {
			dstat, err := dst.fsys.Lstat(ctx, dst.local, s.cred)
			if err == nil && dstat.IsDir() {
				return fs.NewError(fs.EISDIR, "rename", dst.global)
			}
		}
		data, err := fs.ReadFile(ctx, src.fsys, src.local, s.cred)
		if err != nil {
			return src.fail("rename", err)
		}
		if err := fs.WriteFile(ctx, dst.fsys, dst.local, data, st.Perm(), s.cred); err != nil {
			return dst.fail("rename", err)
		}
		return dst.fail("rename", dst.fsys.Utimes(ctx, dst.local, st.Atime, st.Mtime, s.cred))
	}
}

func (s *Session) removeTree(ctx context.Context, t *target) error {
	st, err := t.fsys.Lstat(ctx, t.local, s.cred)
	if err != nil {
		return t.fail("rename", err)
	}
	if !st.IsDir() {
		return t.fail("rename", t.fsys.Unlink(ctx, t.local, s.cred))
	}
	names, err := t.fsys.Readdir(ctx, t.local, s.cred)
	if err != nil {
		return t.fail("rename", err)
	}
	for _, name := range names {
		if err := s.removeTree(ctx, t.child(name)); err != nil {
			return err
		}
	}
	return t.fail("rename", t.fsys.Rmdir(ctx, t.local, s.cred))
}

func (t *target) child(name string) *target {
	return &target{
		fsys:   t.fsys,
		prefix: t.prefix,
		local:  path.Join(t.local, name),
		global: path.Join(t.global, name),
	}
}

// Link makes newp another name for the file at oldp. Both must be on the
// same mount.
func (s *Session) Link(ctx context.Context, oldp, newp string) error {
	src, err := s.resolve(ctx, "link", oldp, true)
	if err != nil {
		return err
	}
	dst, err := s.resolve(ctx, "link", newp, false)
	if err != nil {
		return err
	}
	if src.prefix != dst.prefix {
		return fs.Errorf(fs.EINVAL, "link", dst.global, "cross-mount link")
	}
	return src.fail("link", src.fsys.Link(ctx, src.local, dst.local, s.cred))
}

// Symlink creates p pointing at target. The target is stored as given and
// resolved within p's filesystem.
func (s *Session) Symlink(ctx context.Context, target, p string) error {
	t, err := s.resolve(ctx, "symlink", p, false)
	if err != nil {
		return err
	}
	return t.fail("symlink", t.fsys.Symlink(ctx, target, t.local, s.cred))
}

func (s *Session) Readlink(ctx context.Context, p string) (string, error) {
	t, err := s.resolve(ctx, "readlink", p, false)
	if err != nil {
		return "", err
	}
	link, err := t.fsys.Readlink(ctx, t.local, s.cred)
	return link, t.fail("readlink", err)
}

// Realpath returns the global path p names after every symlink is
// resolved. p must exist.
func (s *Session) Realpath(ctx context.Context, p string) (string, error) {
	t, err := s.resolve(ctx, "realpath", p, true)
	if err != nil {
		return "", err
	}
	rp, err := t.fsys.Realpath(ctx, t.local, s.cred)
	if err != nil {
		return "", t.fail("realpath", err)
	}
	return path.Join(t.prefix, rp), nil
}

func (s *Session) Chmod(ctx context.Context, p string, mode uint32) error {
	return s.chmod(ctx, "chmod", p, mode, true)
}

// Lchmod is Chmod without following a final symlink.
func (s *Session) Lchmod(ctx context.Context, p string, mode uint32) error {
	return s.chmod(ctx, "lchmod", p, mode, false)
}

func (s *Session) chmod(ctx context.Context, op, p string, mode uint32, follow bool) error {
	t, err := s.resolve(ctx, op, p, follow)
	if err != nil {
		return err
	}
	return t.fail(op, t.fsys.Chmod(ctx, t.local, mode, s.cred))
}

func (s *Session) Chown(ctx context.Context, p string, uid, gid int) error {
	return s.chown(ctx, "chown", p, uid, gid, true)
}

func (s *Session) Lchown(ctx context.Context, p string, uid, gid int) error {
	return s.chown(ctx, "lchown", p, uid, gid, false)
}

func (s *Session) chown(ctx context.Context, op, p string, uid, gid int, follow bool) error {
	t, err := s.resolve(ctx, op, p, follow)
	if err != nil {
		return err
	}
	return t.fail(op, t.fsys.Chown(ctx, t.local, uid, gid, s.cred))
}

func (s *Session) Utimes(ctx context.Context, p string, atime, mtime time.Time) error {
	return s.utimes(ctx, "utimes", p, atime, mtime, true)
}

func (s *Session) Lutimes(ctx context.Context, p string, atime, mtime time.Time) error {
	return s.utimes(ctx, "lutimes", p, atime, mtime, false)
}

func (s *Session) utimes(ctx context.Context, op, p string, atime, mtime time.Time, follow bool) error {
	t, err := s.resolve(ctx, op, p, follow)
	if err != nil {
		return err
	}
	return t.fail(op, t.fsys.Utimes(ctx, t.local, atime, mtime, s.cred))
}

// WalkFunc is called for every entry Walk visits. Returning fs.SkipDir
// from a directory skips its contents; fs.SkipAll stops the walk.
type WalkFunc func(p string, st *fs.Stats, err error) error

// Walk visits root and everything below it in lexical order, crossing
// mount points. Symlinks are reported, not followed.
func (s *Session) Walk(ctx context.Context, root string, fn WalkFunc) error {
	root, err := normalize("walk", root)
	if err != nil {
		return err
	}
	st, err := s.Lstat(ctx, root)
	if err != nil {
		err = fn(root, nil, err)
	} else {
		err = s.walk(ctx, root, st, fn)
	}
	if errors.Is(err, fs.SkipDir) || errors.Is(err, fs.SkipAll) {
		return nil
	}
	return err
}

func (s *Session) walk(ctx context.Context, p string, st *fs.Stats, fn WalkFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(p, st, nil); err != nil || !st.IsDir() {
		return err
	}
	names, err := s.Readdir(ctx, p)
	if err != nil {
		err = fn(p, st, err)
		if err != nil {
			if errors.Is(err, fs.SkipDir) {
				return nil
			}
			return err
		}
		return nil
	}
	for _, name := range names {
		child := path.Join(p, name)
		cst, err := s.Lstat(ctx, child)
		if err != nil {
			if err := fn(child, nil, err); err != nil && !errors.Is(err, fs.SkipDir) {
				return err
			}
			continue
		}
		if err := s.walk(ctx, child, cst, fn); err != nil {
			if errors.Is(err, fs.SkipDir) {
				if cst.IsDir() {
					continue
				}
				return nil
			}
			return err
		}
	}
	return nil
}
