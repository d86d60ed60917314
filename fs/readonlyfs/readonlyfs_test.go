package readonlyfs

import (
	"context"
	"testing"
	"time"

	"tractor.dev/layerfs/fs"
	"tractor.dev/layerfs/fs/kvfs"
	"tractor.dev/layerfs/fs/kvstore/memstore"
)

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	cred := fs.RootCred
	base, err := kvfs.NewSync(memstore.New())
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile(ctx, base, "/f", []byte("data"), 0o644, cred); err != nil {
		t.Fatal(err)
	}
	base.Mkdir(ctx, "/d", 0o755, cred)

	ro := New(base)
	if !ro.Metadata().ReadOnly {
		t.Fatal("metadata not read-only")
	}
	got, err := fs.ReadFile(ctx, ro, "/f", cred)
	if err != nil || string(got) != "data" {
		t.Fatalf("read = %q, %v", got, err)
	}
	names, err := ro.Readdir(ctx, "/", cred)
	if err != nil || len(names) != 2 {
		t.Fatalf("readdir = %v, %v", names, err)
	}

	for name, fn := range map[string]func() error{
		"write":    func() error { return fs.WriteFile(ctx, ro, "/f", nil, 0o644, cred) },
		"create":   func() error { return fs.WriteFile(ctx, ro, "/new", nil, 0o644, cred) },
		"unlink":   func() error { return ro.Unlink(ctx, "/f", cred) },
		"rmdir":    func() error { return ro.Rmdir(ctx, "/d", cred) },
		"mkdir":    func() error { return ro.Mkdir(ctx, "/e", 0o755, cred) },
		"rename":   func() error { return ro.Rename(ctx, "/f", "/g", cred) },
		"truncate": func() error { return ro.Truncate(ctx, "/f", 0, cred) },
		"chmod":    func() error { return ro.Chmod(ctx, "/f", 0o600, cred) },
		"chown":    func() error { return ro.Chown(ctx, "/f", 1, 1, cred) },
		"utimes":   func() error { return ro.Utimes(ctx, "/f", time.Now(), time.Now(), cred) },
		"symlink":  func() error { return ro.Symlink(ctx, "/f", "/l", cred) },
		"handle chmod": func() error {
			f, err := ro.Open(ctx, "/f", fs.FlagRead, 0, cred)
			if err != nil {
				return err
			}
			defer f.Close()
			return f.Chmod(0o600)
		},
	} {
		if err := fn(); !fs.IsKind(err, fs.EPERM) {
			t.Errorf("%s err = %v, want EPERM", name, err)
		}
	}

	st, _ := base.Stat(ctx, "/f", cred)
	if st.Perm() != 0o644 {
		t.Fatalf("base mode changed to %o", st.Perm())
	}
}
