// Package memstore is an in-memory ordered key-value store that can be
// saved to and loaded from a CBOR snapshot.
package memstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/btree"
	"tractor.dev/layerfs/fs"
	"tractor.dev/layerfs/fs/kvstore"
)

type entry struct {
	key  string
	data []byte
}

func less(a, b entry) bool { return a.key < b.key }

// Store keeps keys in a B-tree so they can be listed in order.
type Store struct {
	name    string
	mu      sync.RWMutex
	tree    *btree.BTreeG[entry]
	putHook func(key string) error
}

var (
	_ kvstore.SyncStore       = (*Store)(nil)
	_ kvstore.SimpleSyncStore = (*Store)(nil)
)

func New() *Store {
	return NewNamed("memory")
}

func NewNamed(name string) *Store {
	return &Store{name: name, tree: btree.NewG(32, less)}
}

func (s *Store) Name() string { return s.name }

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Clear(false)
	return nil
}

func (s *Store) BeginTx(mode kvstore.Mode) (kvstore.SyncTx, error) {
	return kvstore.NewSimpleSyncTx(s, mode), nil
}

func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tree.Get(entry{key: key})
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, e.data...), true, nil
}

func (s *Store) Put(key string, data []byte, overwrite bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putHook != nil {
		if err := s.putHook(key); err != nil {
			return false, err
		}
	}
	if !overwrite && s.tree.Has(entry{key: key}) {
		return false, nil
	}
	s.tree.ReplaceOrInsert(entry{key: key, data: append([]byte{}, data...)})
	return true, nil
}

func (s *Store) Del(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(entry{key: key})
	return nil
}

// SetPutHook installs fn to run before every Put; a non-nil error fails
// the Put. Used to inject storage failures.
func (s *Store) SetPutHook(fn func(key string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putHook = fn
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Keys returns the keys with the given prefix in order.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	s.tree.AscendGreaterOrEqual(entry{key: prefix}, func(e entry) bool {
		if !strings.HasPrefix(e.key, prefix) {
			return false
		}
		keys = append(keys, e.key)
		return true
	})
	return keys
}

type snapshot struct {
	_       struct{} `cbor:",toarray"`
	Version int
	Name    string
	Entries []snapshotEntry
}

type snapshotEntry struct {
	_    struct{} `cbor:",toarray"`
	Key  string
	Data []byte
}

const snapshotVersion = 1

// Save writes every key to w as a CBOR snapshot.
func (s *Store) Save(w io.Writer) error {
	s.mu.RLock()
	snap := snapshot{Version: snapshotVersion, Name: s.name}
	s.tree.Ascend(func(e entry) bool {
		snap.Entries = append(snap.Entries, snapshotEntry{Key: e.key, Data: e.data})
		return true
	})
	s.mu.RUnlock()
	return cbor.NewEncoder(w).Encode(snap)
}

// Load replaces the contents of the store with the snapshot read from r.
func (s *Store) Load(r io.Reader) error {
	var snap snapshot
	if err := cbor.NewDecoder(r).Decode(&snap); err != nil {
		return fs.Errorf(fs.EIO, "load", s.name, "decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fs.Errorf(fs.EINVAL, "load", s.name, "unsupported snapshot version %d", snap.Version)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Clear(false)
	for _, e := range snap.Entries {
		s.tree.ReplaceOrInsert(entry{key: e.Key, data: e.Data})
	}
	return nil
}

// SaveFile writes a snapshot to the file at name, replacing it atomically.
func (s *Store) SaveFile(name string) error {
	var buf bytes.Buffer
	if err := s.Save(&buf); err != nil {
		return err
	}
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, name)
}

// LoadFile opens a store from the snapshot at name. A missing file gives
// an empty store.
func LoadFile(name string) (*Store, error) {
	s := NewNamed("snapshot:" + name)
	f, err := os.Open(name)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := s.Load(f); err != nil {
		return nil, err
	}
	return s, nil
}
