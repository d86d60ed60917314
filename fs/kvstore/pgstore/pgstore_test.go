package pgstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"tractor.dev/layerfs/fs"
	"tractor.dev/layerfs/fs/kvfs"
	"tractor.dev/layerfs/fs/kvstore"
)

func TestTableNameIsQuoted(t *testing.T) {
	s := New(nil, `odd"name`)
	if s.table != `"odd""name"` {
		t.Fatalf("table = %s", s.table)
	}
	if New(nil, "").Name() != "postgres:"+DefaultTable {
		t.Fatal("empty table name does not fall back to the default")
	}
}

// connect returns a store over a fresh table in the database named by
// LAYERFS_TEST_PG_DSN, or skips.
func connect(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LAYERFS_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("LAYERFS_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	table := fmt.Sprintf("layerfs_test_%d", time.Now().UnixNano())
	s, err := Connect(ctx, dsn, table)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.db.Exec(context.Background(), `DROP TABLE `+s.table)
		s.Close()
	})
	return s
}

func TestTransactions(t *testing.T) {
	s := connect(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx, kvstore.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := tx.Put(ctx, "a", []byte("1"), false); err != nil || !ok {
		t.Fatalf("Put = %v, %v", ok, err)
	}
	if ok, err := tx.Put(ctx, "a", []byte("2"), false); err != nil || ok {
		t.Fatalf("Put without overwrite = %v, %v", ok, err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	tx, _ = s.BeginTx(ctx, kvstore.ReadWrite)
	tx.Put(ctx, "a", []byte("changed"), true)
	tx.Put(ctx, "b", []byte("new"), true)
	if err := tx.Abort(ctx); err != nil {
		t.Fatal(err)
	}

	ro, err := s.BeginTx(ctx, kvstore.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Abort(ctx)
	data, ok, err := ro.Get(ctx, "a")
	if err != nil || !ok || string(data) != "1" {
		t.Fatalf("Get(a) = %q, %v, %v", data, ok, err)
	}
	if _, ok, _ := ro.Get(ctx, "b"); ok {
		t.Fatal("aborted Put is visible")
	}
	if _, err := ro.Put(ctx, "c", nil, true); !fs.IsKind(err, fs.EPERM) {
		t.Fatalf("Put in read-only transaction = %v, want EPERM", err)
	}
}

func TestEngineOverTable(t *testing.T) {
	s := connect(t)
	ctx := context.Background()
	fsys, err := kvfs.NewAsync(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile(ctx, fsys, "/hello", []byte("sql"), 0o644, fs.RootCred); err != nil {
		t.Fatal(err)
	}
	fsys, err = kvfs.NewAsync(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	got, err := fs.ReadFile(ctx, fsys, "/hello", fs.RootCred)
	if err != nil || string(got) != "sql" {
		t.Fatalf("read back %q, %v", got, err)
	}
}
