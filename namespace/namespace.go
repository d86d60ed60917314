// Package namespace composes filesystems into one tree. A Session binds a
// credential, a mount table and a descriptor table; every operation is
// routed to the filesystem mounted at the longest prefix of its path.
package namespace

import (
	"context"
	"io"
	"log/slog"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"

	"tractor.dev/layerfs/fs"
)

// firstFD is the first descriptor a session hands out.
const firstFD = 100

// Session is one namespace: a credential used for every call, the mount
// table, and the open descriptors. It is safe for concurrent use.
type Session struct {
	cred fs.Cred
	log  *slog.Logger

	mu       sync.RWMutex
	mounts   map[string]fs.FileSystem
	prefixes []string // longest first

	fdMu   sync.Mutex
	files  map[int]*openFile
	nextFD int
}

func New(cred fs.Cred) *Session {
	return &Session{
		cred:   cred,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		mounts: make(map[string]fs.FileSystem),
		files:  make(map[int]*openFile),
		nextFD: firstFD,
	}
}

// Initialize returns a session with every filesystem in mounts mounted,
// parents before children.
func Initialize(ctx context.Context, cred fs.Cred, mounts map[string]fs.FileSystem) (*Session, error) {
	s := New(cred)
	prefixes := make([]string, 0, len(mounts))
	for p := range mounts {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	for _, p := range prefixes {
		if err := s.Mount(ctx, p, mounts[p]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) SetLogger(l *slog.Logger) {
	s.log = l
}

func (s *Session) Cred() fs.Cred {
	return s.cred
}

// Mount binds fsys at prefix. A filesystem implementing fs.Initializer
// is initialized first; if that fails nothing is mounted.
func (s *Session) Mount(ctx context.Context, prefix string, fsys fs.FileSystem) error {
	p, err := normalize("mount", prefix)
	if err != nil {
		return err
	}
	s.mu.RLock()
	_, dup := s.mounts[p]
	s.mu.RUnlock()
	if dup {
		return fs.Errorf(fs.EINVAL, "mount", p, "mount point already in use")
	}
	if i, ok := fsys.(fs.Initializer); ok {
		if err := i.Initialize(ctx); err != nil {
			return fs.RewritePath(fs.Wrap(err, "mount", "/"), "/", p)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.mounts[p]; dup {
		return fs.Errorf(fs.EINVAL, "mount", p, "mount point already in use")
	}
	s.mounts[p] = fsys
	s.prefixes = append(s.prefixes, p)
	sort.SliceStable(s.prefixes, func(i, j int) bool {
		return len(s.prefixes[i]) > len(s.prefixes[j])
	})
	s.log.Debug("Mount", "prefix", p, "fs", fsys.Metadata().Name)
	return nil
}

// Umount removes the filesystem mounted at prefix. Open descriptors on
// it stay usable until closed.
func (s *Session) Umount(prefix string) error {
	p, err := normalize("umount", prefix)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mounts[p]; !ok {
		return fs.Errorf(fs.EINVAL, "umount", p, "not a mount point")
	}
	delete(s.mounts, p)
	s.prefixes = slices.DeleteFunc(s.prefixes, func(q string) bool { return q == p })
	return nil
}

// MountPoints returns the mounted prefixes in lexical order.
func (s *Session) MountPoints() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.prefixes)
	sort.Strings(out)
	return out
}

// MountAt returns the filesystem mounted exactly at prefix.
func (s *Session) MountAt(prefix string) (fs.FileSystem, bool) {
	p, err := normalize("mount", prefix)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fsys, ok := s.mounts[p]
	return fsys, ok
}

// normalize turns p into a clean absolute path.
func normalize(op, p string) (string, error) {
	if p == "" {
		return "", fs.Errorf(fs.ENOENT, op, p, "empty path")
	}
	if strings.IndexByte(p, 0) >= 0 {
		return "", fs.Errorf(fs.EINVAL, op, p, "path contains a null byte")
	}
	return fs.Clean(p), nil
}

// target is a path resolved to the filesystem that owns it.
type target struct {
	fsys   fs.FileSystem
	prefix string
	local  string
	global string
}

// fail puts err in terms of the global path.
func (t *target) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	err = fs.Wrap(err, op, t.local)
	if e, ok := err.(*fs.Error); ok && e.Path == "" {
		ne := *e
		ne.Path = t.local
		err = &ne
	}
	return fs.RewritePath(err, "/", t.prefix)
}

// ResolveFS returns the filesystem owning the clean path p and p relative
// to that filesystem's root. A mount claims p only on a path component
// boundary: /foo does not own /foobar.
func (s *Session) ResolveFS(p string) (fs.FileSystem, string, error) {
	t, err := s.resolveFS(p)
	if err != nil {
		return nil, "", err
	}
	return t.fsys, t.local, nil
}

func (s *Session) resolveFS(p string) (*target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, prefix := range s.prefixes {
		if !fs.Contains(prefix, p) {
			continue
		}
		local := p
		if prefix != "/" {
			local = strings.TrimPrefix(p, prefix)
		}
		if local == "" {
			local = "/"
		}
		return &target{fsys: s.mounts[prefix], prefix: prefix, local: local, global: p}, nil
	}
	return nil, fs.Errorf(fs.EIO, "resolve", p, "no filesystem mounted")
}

// resolve normalizes p and finds its filesystem. With follow, symlinks
// along the whole path are resolved; otherwise only those in the parent.
func (s *Session) resolve(ctx context.Context, op, p string, follow bool) (*target, error) {
	p, err := normalize(op, p)
	if err != nil {
		return nil, err
	}
	t, err := s.resolveFS(p)
	if err != nil {
		return nil, err
	}
	if err := s.checkBlocking(ctx, op, t); err != nil {
		return nil, err
	}
	if !t.fsys.Metadata().SupportsLinks || t.local == "/" {
		return t, nil
	}
	rp := s.localRealpath(ctx, t, follow)
	if rp == t.local {
		return t, nil
	}
	rt, err := s.resolveFS(path.Join(t.prefix, rp))
	if err != nil {
		return nil, err
	}
	if err := s.checkBlocking(ctx, op, rt); err != nil {
		return nil, err
	}
	return rt, nil
}

// localRealpath resolves t.local inside its filesystem. A path that does
// not exist yet keeps its last component and resolves its parent.
func (s *Session) localRealpath(ctx context.Context, t *target, follow bool) string {
	if follow {
		if rp, err := t.fsys.Realpath(ctx, t.local, s.cred); err == nil {
			return rp
		}
	}
	dir := path.Dir(t.local)
	if dir == "/" {
		return t.local
	}
	rp, err := t.fsys.Realpath(ctx, dir, s.cred)
	if err != nil {
		return t.local
	}
	return path.Join(rp, path.Base(t.local))
}

// checkBlocking rejects blocking-form calls to filesystems that may wait.
func (s *Session) checkBlocking(ctx context.Context, op string, t *target) error {
	if fs.IsBlocking(ctx) && !t.fsys.Metadata().Synchronous {
		return fs.Errorf(fs.ENOTSUP, op, t.global, "%s does not support blocking calls", t.fsys.Metadata().Name)
	}
	return nil
}
