package memstore

import (
	"bytes"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"tractor.dev/layerfs/fs/kvstore"
)

func TestPutGetDel(t *testing.T) {
	s := New()
	ok, err := s.Put("a", []byte("1"), false)
	if err != nil || !ok {
		t.Fatalf("put: ok=%v err=%v", ok, err)
	}
	ok, err = s.Put("a", []byte("2"), false)
	if err != nil || ok {
		t.Fatalf("non-overwrite put over existing key: ok=%v err=%v", ok, err)
	}
	data, found, _ := s.Get("a")
	if !found || string(data) != "1" {
		t.Fatalf("get = %q, %v", data, found)
	}
	if _, err := s.Put("a", []byte("3"), true); err != nil {
		t.Fatal(err)
	}
	data, _, _ = s.Get("a")
	if string(data) != "3" {
		t.Fatalf("get after overwrite = %q", data)
	}
	if err := s.Del("a"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := s.Get("a"); found {
		t.Fatal("key still present after del")
	}
}

func TestKeys(t *testing.T) {
	s := New()
	for _, k := range []string{"b/2", "a", "b/1", "c"} {
		s.Put(k, nil, true)
	}
	if got := s.Keys("b/"); !slices.Equal(got, []string{"b/1", "b/2"}) {
		t.Fatalf("Keys(b/) = %v", got)
	}
	if s.Len() != 4 {
		t.Fatalf("Len = %d", s.Len())
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := New()
	s.Put("/", []byte("root"), true)
	s.Put("k", []byte{0, 1, 2}, true)

	var buf bytes.Buffer
	if err := s.Save(&buf); err != nil {
		t.Fatal(err)
	}
	r := New()
	r.Put("stale", []byte("x"), true)
	if err := r.Load(&buf); err != nil {
		t.Fatal(err)
	}
	if got := r.Keys(""); !slices.Equal(got, []string{"/", "k"}) {
		t.Fatalf("keys after load = %v", got)
	}
	data, _, _ := r.Get("k")
	if !bytes.Equal(data, []byte{0, 1, 2}) {
		t.Fatalf("data = %v", data)
	}
}

func TestSnapshotFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "store.cbor")
	s, err := LoadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	s.Put("x", []byte("y"), true)
	if err := s.SaveFile(name); err != nil {
		t.Fatal(err)
	}
	s2, err := LoadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if data, ok, _ := s2.Get("x"); !ok || string(data) != "y" {
		t.Fatalf("reloaded get = %q %v", data, ok)
	}
}

func TestTxAbortRestores(t *testing.T) {
	s := New()
	s.Put("existing", []byte("old"), true)

	tx, err := s.BeginTx(kvstore.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	tx.Put("existing", []byte("new"), true)
	tx.Put("fresh", []byte("x"), false)
	tx.Del("existing")
	if err := tx.Abort(); err != nil {
		t.Fatal(err)
	}
	if data, ok, _ := s.Get("existing"); !ok || string(data) != "old" {
		t.Fatalf("existing = %q %v", data, ok)
	}
	if _, ok, _ := s.Get("fresh"); ok {
		t.Fatal("fresh key survived abort")
	}
}

func TestReadOnlyTx(t *testing.T) {
	s := New()
	tx, _ := s.BeginTx(kvstore.ReadOnly)
	if _, err := tx.Put("a", nil, true); err == nil {
		t.Fatal("put in read-only tx should fail")
	}
}

func TestPutHook(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	s.SetPutHook(func(key string) error {
		if key == "bad" {
			return boom
		}
		return nil
	})
	if _, err := s.Put("bad", nil, true); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.Put("good", nil, true); err != nil {
		t.Fatal(err)
	}
}
