package kvstore

import (
	"context"

	"tractor.dev/layerfs/fs"
)

// SimpleSyncStore is a plain get/put/del store with no transactions.
type SimpleSyncStore interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, data []byte, overwrite bool) (bool, error)
	Del(key string) error
}

// SimpleStore is the context-aware form of SimpleSyncStore.
type SimpleStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte, overwrite bool) (bool, error)
	Del(ctx context.Context, key string) error
}

// shadow remembers the value every touched key had before the
// transaction first modified it. Writes go straight to the store; Abort
// puts the remembered values back.
type shadow struct {
	original map[string][]byte // nil value: key did not exist
	modified []string
}

func newShadow() *shadow {
	return &shadow{original: make(map[string][]byte)}
}

func (s *shadow) stashed(key string) bool {
	_, ok := s.original[key]
	return ok
}

func (s *shadow) stash(key string, data []byte, exists bool) {
	if s.stashed(key) {
		return
	}
	if exists {
		s.original[key] = append([]byte{}, data...)
	} else {
		s.original[key] = nil
	}
}

func (s *shadow) markModified(key string) bool {
	for _, k := range s.modified {
		if k == key {
			return false
		}
	}
	s.modified = append(s.modified, key)
	return true
}

// NewSimpleSyncTx returns a transaction over store that rolls back by
// restoring every key it touched. It only protects against the failure
// of its own caller, not against concurrent readers.
func NewSimpleSyncTx(store SimpleSyncStore, mode Mode) SyncTx {
	return &simpleSyncTx{store: store, mode: mode, shadow: newShadow()}
}

type simpleSyncTx struct {
	store  SimpleSyncStore
	mode   Mode
	shadow *shadow
	done   bool
}

func (tx *simpleSyncTx) Get(key string) ([]byte, bool, error) {
	data, ok, err := tx.store.Get(key)
	if err != nil {
		return nil, false, err
	}
	if tx.mode == ReadWrite {
		tx.shadow.stash(key, data, ok)
	}
	return data, ok, nil
}

func (tx *simpleSyncTx) touch(op, key string) error {
	if tx.done {
		return fs.Errorf(fs.EINVAL, op, key, "transaction finished")
	}
	if tx.mode != ReadWrite {
		return fs.Errorf(fs.EPERM, op, key, "read-only transaction")
	}
	if tx.shadow.markModified(key) && !tx.shadow.stashed(key) {
		data, ok, err := tx.store.Get(key)
		if err != nil {
			return err
		}
		tx.shadow.stash(key, data, ok)
	}
	return nil
}

func (tx *simpleSyncTx) Put(key string, data []byte, overwrite bool) (bool, error) {
	if err := tx.touch("put", key); err != nil {
		return false, err
	}
	return tx.store.Put(key, data, overwrite)
}

func (tx *simpleSyncTx) Del(key string) error {
	if err := tx.touch("del", key); err != nil {
		return err
	}
	return tx.store.Del(key)
}

func (tx *simpleSyncTx) Commit() error {
	tx.done = true
	return nil
}

func (tx *simpleSyncTx) Abort() error {
	if tx.done {
		return nil
	}
	tx.done = true
	for i := len(tx.shadow.modified) - 1; i >= 0; i-- {
		key := tx.shadow.modified[i]
		data := tx.shadow.original[key]
		if data == nil {
			if err := tx.store.Del(key); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.store.Put(key, data, true); err != nil {
			return err
		}
	}
	return nil
}

// NewSimpleTx is the context-aware form of NewSimpleSyncTx.
func NewSimpleTx(store SimpleStore, mode Mode) Tx {
	return &simpleTx{store: store, mode: mode, shadow: newShadow()}
}

type simpleTx struct {
	store  SimpleStore
	mode   Mode
	shadow *shadow
	done   bool
}

func (tx *simpleTx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, ok, err := tx.store.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if tx.mode == ReadWrite {
		tx.shadow.stash(key, data, ok)
	}
	return data, ok, nil
}

func (tx *simpleTx) touch(ctx context.Context, op, key string) error {
	if tx.done {
		return fs.Errorf(fs.EINVAL, op, key, "transaction finished")
	}
	if tx.mode != ReadWrite {
		return fs.Errorf(fs.EPERM, op, key, "read-only transaction")
	}
	if tx.shadow.markModified(key) && !tx.shadow.stashed(key) {
		data, ok, err := tx.store.Get(ctx, key)
		if err != nil {
			return err
		}
		tx.shadow.stash(key, data, ok)
	}
	return nil
}

func (tx *simpleTx) Put(ctx context.Context, key string, data []byte, overwrite bool) (bool, error) {
	if err := tx.touch(ctx, "put", key); err != nil {
		return false, err
	}
	return tx.store.Put(ctx, key, data, overwrite)
}

func (tx *simpleTx) Del(ctx context.Context, key string) error {
	if err := tx.touch(ctx, "del", key); err != nil {
		return err
	}
	return tx.store.Del(ctx, key)
}

func (tx *simpleTx) Commit(ctx context.Context) error {
	tx.done = true
	return nil
}

func (tx *simpleTx) Abort(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	ctx = context.WithoutCancel(ctx)
	for i := len(tx.shadow.modified) - 1; i >= 0; i-- {
		key := tx.shadow.modified[i]
		data := tx.shadow.original[key]
		if data == nil {
			if err := tx.store.Del(ctx, key); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.store.Put(ctx, key, data, true); err != nil {
			return err
		}
	}
	return nil
}
