package namespace

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
	"testing/fstest"
	"time"

	"tractor.dev/layerfs/fs"
	"tractor.dev/layerfs/fs/cowfs"
	"tractor.dev/layerfs/fs/kvfs"
	"tractor.dev/layerfs/fs/kvstore"
	"tractor.dev/layerfs/fs/kvstore/memstore"
)

func newSyncFS(t *testing.T) *kvfs.SyncFS {
	t.Helper()
	fsys, err := kvfs.NewSync(memstore.New())
	if err != nil {
		t.Fatal(err)
	}
	return fsys
}

func newAsyncFS(t *testing.T) *kvfs.AsyncFS {
	t.Helper()
	fsys, err := kvfs.NewAsync(context.Background(), kvstore.Async(memstore.New()))
	if err != nil {
		t.Fatal(err)
	}
	return fsys
}

func newSession(t *testing.T, mounts map[string]fs.FileSystem) *Session {
	t.Helper()
	s, err := Initialize(context.Background(), fs.RootCred, mounts)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func writeFile(t *testing.T, s *Session, p, data string) {
	t.Helper()
	if err := s.WriteFile(context.Background(), p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
}

func assertFile(t *testing.T, s *Session, p, want string) {
	t.Helper()
	got, err := s.ReadFile(context.Background(), p)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	if string(got) != want {
		t.Errorf("%s = %q, want %q", p, got, want)
	}
}

func assertKind(t *testing.T, err error, k fs.Kind) {
	t.Helper()
	if !fs.IsKind(err, k) {
		t.Fatalf("got error %v, want %s", err, k)
	}
}

func TestLongestPrefixWins(t *testing.T) {
	ctx := context.Background()
	rootFS, mntFS, dataFS := newSyncFS(t), newSyncFS(t), newSyncFS(t)
	s := newSession(t, map[string]fs.FileSystem{
		"/":         rootFS,
		"/mnt":      mntFS,
		"/mnt/data": dataFS,
	})

	writeFile(t, s, "/mnt/data/x.txt", "data")
	writeFile(t, s, "/mnt/y.txt", "mnt")
	writeFile(t, s, "/z.txt", "root")

	for _, tt := range []struct {
		fsys fs.FileSystem
		p    string
		want string
	}{
		{dataFS, "/x.txt", "data"},
		{mntFS, "/y.txt", "mnt"},
		{rootFS, "/z.txt", "root"},
	} {
		got, err := fs.ReadFile(ctx, tt.fsys, tt.p, fs.RootCred)
		if err != nil {
			t.Fatalf("backend read %s: %v", tt.p, err)
		}
		if string(got) != tt.want {
			t.Errorf("backend %s = %q, want %q", tt.p, got, tt.want)
		}
	}
	if dataFS.Exists(ctx, "/y.txt", fs.RootCred) || mntFS.Exists(ctx, "/x.txt", fs.RootCred) {
		t.Fatal("file landed on the wrong mount")
	}

	fsys, local, err := s.ResolveFS("/mnt/data")
	if err != nil {
		t.Fatal(err)
	}
	if fsys != fs.FileSystem(dataFS) || local != "/" {
		t.Fatalf("ResolveFS(/mnt/data) = %v, %q", fsys, local)
	}
}

func TestPrefixMatchesWholeComponents(t *testing.T) {
	rootFS, fooFS := newSyncFS(t), newSyncFS(t)
	s := newSession(t, map[string]fs.FileSystem{"/": rootFS, "/foo": fooFS})

	fsys, local, err := s.ResolveFS("/foobar")
	if err != nil {
		t.Fatal(err)
	}
	if fsys != fs.FileSystem(rootFS) || local != "/foobar" {
		t.Fatalf("ResolveFS(/foobar) = %v, %q; want root mount", fsys, local)
	}
	fsys, local, _ = s.ResolveFS("/foo/bar")
	if fsys != fs.FileSystem(fooFS) || local != "/bar" {
		t.Fatalf("ResolveFS(/foo/bar) = %v, %q; want /foo mount", fsys, local)
	}
}

func TestNoMountIsEIO(t *testing.T) {
	s := newSession(t, map[string]fs.FileSystem{"/mnt": newSyncFS(t)})
	_, err := s.Stat(context.Background(), "/etc")
	assertKind(t, err, fs.EIO)
}

func TestMountTable(t *testing.T) {
	ctx := context.Background()
	s := New(fs.RootCred)
	if err := s.Mount(ctx, "/", newSyncFS(t)); err != nil {
		t.Fatal(err)
	}
	if err := s.Mount(ctx, "/a/../b/", newSyncFS(t)); err != nil {
		t.Fatal(err)
	}
	assertKind(t, s.Mount(ctx, "/b", newSyncFS(t)), fs.EINVAL)

	if got, want := s.MountPoints(), []string{"/", "/b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("MountPoints() = %v, want %v", got, want)
	}
	if err := s.Umount("/b"); err != nil {
		t.Fatal(err)
	}
	assertKind(t, s.Umount("/b"), fs.EINVAL)
	if got, want := s.MountPoints(), []string{"/"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("MountPoints() = %v, want %v", got, want)
	}
}

func TestMountRunsInitializer(t *testing.T) {
	ctx := context.Background()
	writable := newSyncFS(t)
	overlay, err := cowfs.NewUnlocked(writable, newSyncFS(t))
	if err != nil {
		t.Fatal(err)
	}
	s := newSession(t, map[string]fs.FileSystem{"/": overlay})
	if !writable.Exists(ctx, cowfs.DeletionLogPath, fs.RootCred) {
		t.Fatal("mount did not initialize the overlay")
	}
	writeFile(t, s, "/a.txt", "a")
	assertFile(t, s, "/a.txt", "a")
}

func TestPathNormalization(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t)})
	writeFile(t, s, "/a.txt", "a")

	assertFile(t, s, "a.txt", "a")
	assertFile(t, s, "//x/../a.txt", "a")
	assertFile(t, s, "/./a.txt", "a")

	_, err := s.Stat(ctx, "")
	assertKind(t, err, fs.ENOENT)
	_, err = s.Stat(ctx, "/a\x00.txt")
	assertKind(t, err, fs.EINVAL)
}

func TestErrorPathsAreGlobal(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t), "/mnt/data": newSyncFS(t)})

	_, err := s.Stat(ctx, "/mnt/data/missing")
	var e *fs.Error
	if !errors.As(err, &e) {
		t.Fatalf("got %v, want *fs.Error", err)
	}
	if e.Kind != fs.ENOENT || e.Path != "/mnt/data/missing" {
		t.Fatalf("got %s %q, want ENOENT /mnt/data/missing", e.Kind, e.Path)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("error does not match fs.ErrNotExist")
	}
}

func TestDescriptors(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t)})

	fd, err := s.Open(ctx, "/f.txt", fs.FlagWriteRead, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if fd != 100 {
		t.Fatalf("first descriptor = %d, want 100", fd)
	}
	if _, err := s.Write(fd, []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Seek(fd, 0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if n, err := s.Read(fd, buf); err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}
	if n, err := s.ReadAt(fd, buf, 6); err != nil || string(buf[:n]) != "world" {
		t.Fatalf("ReadAt = %q, %v", buf[:n], err)
	}
	if err := s.Ftruncate(fd, 5); err != nil {
		t.Fatal(err)
	}
	st, err := s.Fstat(fd)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size != 5 {
		t.Fatalf("size after ftruncate = %d, want 5", st.Size)
	}
	if p, _ := s.Path(fd); p != "/f.txt" {
		t.Fatalf("Path(%d) = %q", fd, p)
	}
	if err := s.Close(fd); err != nil {
		t.Fatal(err)
	}
	assertFile(t, s, "/f.txt", "hello")

	_, err = s.Read(fd, buf)
	assertKind(t, err, fs.EBADF)
	assertKind(t, s.Close(fd), fs.EBADF)

	next, err := s.Open(ctx, "/f.txt", fs.FlagRead, 0)
	if err != nil {
		t.Fatal(err)
	}
	if next != 101 {
		t.Fatalf("descriptor after close = %d, want 101", next)
	}
	if n, err := s.Read(next, make([]byte, 16)); err != nil || n != 5 {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if _, err := s.Read(next, make([]byte, 16)); err != io.EOF {
		t.Fatalf("Read at end = %v, want io.EOF", err)
	}
	s.Close(next)
	if s.OpenFiles() != 0 {
		t.Fatalf("OpenFiles() = %d after closing all", s.OpenFiles())
	}
}

func TestDescriptorWriteOnReadOnly(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t)})
	writeFile(t, s, "/f.txt", "x")
	fd, err := s.Open(ctx, "/f.txt", fs.FlagRead, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(fd)
	_, err = s.Write(fd, []byte("y"))
	var e *fs.Error
	if !errors.As(err, &e) || e.Kind != fs.EPERM || e.Path != "/f.txt" {
		t.Fatalf("Write on r descriptor = %v, want EPERM on /f.txt", err)
	}
}

func TestFchmodRequiresOwner(t *testing.T) {
	ctx := context.Background()
	backend := newSyncFS(t)
	root := newSession(t, map[string]fs.FileSystem{"/": backend})
	writeFile(t, root, "/f.txt", "x")

	user := New(fs.UserCred(1000, 1000))
	if err := user.Mount(ctx, "/", backend); err != nil {
		t.Fatal(err)
	}
	fd, err := user.Open(ctx, "/f.txt", fs.FlagRead, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer user.Close(fd)
	assertKind(t, user.Fchmod(fd, 0o777), fs.EPERM)
	assertKind(t, user.Fchown(fd, 1000, 1000), fs.EPERM)
}

func TestAccess(t *testing.T) {
	ctx := context.Background()
	backend := newSyncFS(t)
	root := newSession(t, map[string]fs.FileSystem{"/": backend})
	writeFile(t, root, "/public", "x")
	if err := root.WriteFile(ctx, "/private", []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}

	user := New(fs.UserCred(1000, 1000))
	if err := user.Mount(ctx, "/", backend); err != nil {
		t.Fatal(err)
	}
	if err := user.Access(ctx, "/public", fs.AccessRead); err != nil {
		t.Fatalf("read access to /public: %v", err)
	}
	assertKind(t, user.Access(ctx, "/public", fs.AccessWrite), fs.EACCES)
	assertKind(t, user.Access(ctx, "/private", fs.AccessRead), fs.EACCES)
	assertKind(t, user.Access(ctx, "/missing", fs.AccessExists), fs.ENOENT)
}

func TestBlockingCallToAsyncBackend(t *testing.T) {
	ctx := fs.WithBlocking(context.Background())
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t), "/remote": newAsyncFS(t)})

	if err := s.Mkdir(ctx, "/local", 0o755); err != nil {
		t.Fatalf("blocking mkdir on sync backend: %v", err)
	}
	_, err := s.Stat(ctx, "/remote")
	assertKind(t, err, fs.ENOTSUP)
	assertKind(t, s.WriteFile(ctx, "/remote/a", []byte("a"), 0o644), fs.ENOTSUP)

	writeFile(t, s, "/remote/a", "a")
	assertFile(t, s, "/remote/a", "a")
}

func TestMkdirAll(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t), "/mnt": newSyncFS(t)})
	if err := s.MkdirAll(ctx, "/mnt/a/b/c", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := s.MkdirAll(ctx, "/mnt/a/b/c", 0o755); err != nil {
		t.Fatalf("second MkdirAll: %v", err)
	}
	st, err := s.Stat(ctx, "/mnt/a/b/c")
	if err != nil || !st.IsDir() {
		t.Fatalf("Stat = %v, %v", st, err)
	}
	writeFile(t, s, "/file", "x")
	assertKind(t, s.MkdirAll(ctx, "/file/sub", 0o755), fs.ENOTDIR)
	assertKind(t, s.Mkdir(ctx, "/mnt/a", 0o755), fs.EEXIST)
}

func TestReaddirShowsMountPoints(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t), "/mnt": newSyncFS(t)})
	writeFile(t, s, "/b.txt", "b")
	names, err := s.Readdir(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"b.txt", "mnt"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("Readdir(/) = %v, want %v", names, want)
	}
}

func TestRmdirMountPoint(t *testing.T) {
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t), "/mnt": newSyncFS(t)})
	assertKind(t, s.Rmdir(context.Background(), "/mnt"), fs.EBUSY)
}

func TestRenameWithinMount(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t)})
	writeFile(t, s, "/a.txt", "a")
	if err := s.Rename(ctx, "/a.txt", "/b.txt"); err != nil {
		t.Fatal(err)
	}
	assertFile(t, s, "/b.txt", "a")
	if s.Exists(ctx, "/a.txt") {
		t.Fatal("source still exists")
	}
}

func TestRenameOntoRoot(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t), "/mnt": newSyncFS(t)})
	if err := s.Mkdir(ctx, "/a", 0o755); err != nil {
		t.Fatal(err)
	}
	for _, tt := range []struct{ oldp, newp string }{
		{"/a", "/"},
		{"/a", "/mnt"},
		{"/", "/b"},
		{"/mnt", "/b"},
	} {
		if err := s.Rename(ctx, tt.oldp, tt.newp); !fs.IsKind(err, fs.EBUSY) {
			t.Errorf("rename %s to %s err = %v, want EBUSY", tt.oldp, tt.newp, err)
		}
	}
	names, err := s.Readdir(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"a", "mnt"}) {
		t.Fatalf("root listing = %v", names)
	}
}

func TestRenameAcrossMounts(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t), "/other": newSyncFS(t)})

	if err := s.WriteFile(ctx, "/a.txt", []byte("moved"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Rename(ctx, "/a.txt", "/other/a.txt"); err != nil {
		t.Fatal(err)
	}
	assertFile(t, s, "/other/a.txt", "moved")
	if s.Exists(ctx, "/a.txt") {
		t.Fatal("source still exists after cross-mount rename")
	}
	st, err := s.Stat(ctx, "/other/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if st.Perm() != 0o600 {
		t.Fatalf("mode after move = %o, want 600", st.Perm())
	}

	if err := s.MkdirAll(ctx, "/tree/sub", 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, s, "/tree/one", "1")
	writeFile(t, s, "/tree/sub/two", "2")
	if err := s.Symlink(ctx, "/tree/one", "/tree/link"); err != nil {
		t.Fatal(err)
	}
	if err := s.Rename(ctx, "/tree", "/other/tree"); err != nil {
		t.Fatal(err)
	}
	assertFile(t, s, "/other/tree/one", "1")
	assertFile(t, s, "/other/tree/sub/two", "2")
	if link, err := s.Readlink(ctx, "/other/tree/link"); err != nil || link != "/tree/one" {
		t.Fatalf("Readlink = %q, %v", link, err)
	}
	if s.Exists(ctx, "/tree") {
		t.Fatal("source tree still exists after cross-mount rename")
	}
}

func TestLinkAcrossMounts(t *testing.T) {
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t), "/other": newSyncFS(t)})
	writeFile(t, s, "/a.txt", "a")
	assertKind(t, s.Link(context.Background(), "/a.txt", "/other/a.txt"), fs.EINVAL)
}

func TestSymlinksAreFollowed(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t)})
	if err := s.Mkdir(ctx, "/real", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := s.Symlink(ctx, "/real", "/link"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, s, "/link/f.txt", "via link")
	assertFile(t, s, "/real/f.txt", "via link")

	st, err := s.Lstat(ctx, "/link")
	if err != nil || !st.IsSymlink() {
		t.Fatalf("Lstat(/link) = %v, %v", st, err)
	}
	st, err = s.Stat(ctx, "/link")
	if err != nil || !st.IsDir() {
		t.Fatalf("Stat(/link) = %v, %v", st, err)
	}
	rp, err := s.Realpath(ctx, "/link/f.txt")
	if err != nil || rp != "/real/f.txt" {
		t.Fatalf("Realpath = %q, %v", rp, err)
	}

	if err := s.Unlink(ctx, "/link"); err != nil {
		t.Fatal(err)
	}
	if !s.Exists(ctx, "/real/f.txt") {
		t.Fatal("unlinking the symlink removed its target")
	}
}

func TestChmodChownUtimes(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t)})
	writeFile(t, s, "/f", "x")

	if err := s.Chmod(ctx, "/f", 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Chown(ctx, "/f", 7, 8); err != nil {
		t.Fatal(err)
	}
	mtime := time.UnixMilli(1_700_000_000_000)
	if err := s.Utimes(ctx, "/f", mtime, mtime); err != nil {
		t.Fatal(err)
	}
	st, err := s.Stat(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if st.Perm() != 0o600 || st.UID != 7 || st.GID != 8 || !st.Mtime.Equal(mtime) {
		t.Fatalf("stats = %+v", st)
	}
}

func TestNoFollowMetadataOps(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t)})
	writeFile(t, s, "/f", "x")
	if err := s.Symlink(ctx, "/f", "/l"); err != nil {
		t.Fatal(err)
	}
	mtime := time.UnixMilli(1_700_000_000_000)
	if err := s.Lchmod(ctx, "/l", 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Lchown(ctx, "/l", 7, 8); err != nil {
		t.Fatal(err)
	}
	if err := s.Lutimes(ctx, "/l", mtime, mtime); err != nil {
		t.Fatal(err)
	}
	lst, err := s.Lstat(ctx, "/l")
	if err != nil {
		t.Fatal(err)
	}
	if !lst.IsSymlink() || lst.Perm() != 0o600 || lst.UID != 7 || lst.GID != 8 || !lst.Mtime.Equal(mtime) {
		t.Fatalf("link stats = %+v", lst)
	}
	st, err := s.Stat(ctx, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if st.Perm() == 0o600 || st.UID == 7 || st.Mtime.Equal(mtime) {
		t.Fatalf("target changed: %+v", st)
	}

	// the following forms still reach the target
	if err := s.Chmod(ctx, "/l", 0o640); err != nil {
		t.Fatal(err)
	}
	if st, _ := s.Stat(ctx, "/f"); st.Perm() != 0o640 {
		t.Fatalf("chmod through link left target perm %o", st.Perm())
	}
}

func TestWalk(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t), "/mnt": newSyncFS(t)})
	writeFile(t, s, "/a", "a")
	if err := s.MkdirAll(ctx, "/skip/deep", 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, s, "/skip/x", "x")
	writeFile(t, s, "/mnt/m", "m")

	var seen []string
	err := s.Walk(ctx, "/", func(p string, st *fs.Stats, err error) error {
		if err != nil {
			return err
		}
		seen = append(seen, p)
		if p == "/skip" {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/", "/a", "/mnt", "/mnt/m", "/skip"}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("walk = %v, want %v", seen, want)
	}
}

func TestFS(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, map[string]fs.FileSystem{"/": newSyncFS(t), "/mnt": newAsyncFS(t)})
	writeFile(t, s, "/a.txt", "hello")
	if err := s.Mkdir(ctx, "/dir", 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, s, "/dir/b.txt", "world")
	writeFile(t, s, "/mnt/c.txt", "mounted")

	if err := fstest.TestFS(s.FS(ctx), "a.txt", "dir/b.txt", "mnt/c.txt"); err != nil {
		t.Fatal(err)
	}
}

func TestSessionContext(t *testing.T) {
	s := New(fs.RootCred)
	ctx := WithSession(context.Background(), s)
	got, ok := FromContext(ctx)
	if !ok || got != s {
		t.Fatal("session not carried by context")
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context returned a session")
	}
}
