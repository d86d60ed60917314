// Package kvstore defines the flat key-value stores the inode engine in
// package kvfs is built on, in blocking and context-aware forms, and
// rollback transactions for stores that have no transactions of their own.
package kvstore

import (
	"context"
)

// Mode is the mode a transaction is opened in.
type Mode uint8

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// SyncStore is a store whose operations never wait on other callers.
type SyncStore interface {
	Name() string
	Clear() error
	BeginTx(mode Mode) (SyncTx, error)
}

// SyncTx is a transaction over a SyncStore. Get reports whether the key
// exists. Put with overwrite false leaves an existing key untouched and
// reports false.
type SyncTx interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, data []byte, overwrite bool) (bool, error)
	Del(key string) error
	Commit() error
	Abort() error
}

// Store is a store whose operations may wait on I/O.
type Store interface {
	Name() string
	Clear(ctx context.Context) error
	BeginTx(ctx context.Context, mode Mode) (Tx, error)
}

// Tx is a transaction over a Store.
type Tx interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte, overwrite bool) (bool, error)
	Del(ctx context.Context, key string) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Async exposes a SyncStore through the Store interface.
func Async(s SyncStore) Store {
	return asyncStore{s}
}

type asyncStore struct {
	SyncStore
}

func (s asyncStore) Clear(ctx context.Context) error {
	return s.SyncStore.Clear()
}

func (s asyncStore) BeginTx(ctx context.Context, mode Mode) (Tx, error) {
	tx, err := s.SyncStore.BeginTx(mode)
	if err != nil {
		return nil, err
	}
	return asyncTx{tx}, nil
}

type asyncTx struct {
	tx SyncTx
}

func (t asyncTx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return t.tx.Get(key)
}

func (t asyncTx) Put(ctx context.Context, key string, data []byte, overwrite bool) (bool, error) {
	return t.tx.Put(key, data, overwrite)
}

func (t asyncTx) Del(ctx context.Context, key string) error { return t.tx.Del(key) }
func (t asyncTx) Commit(ctx context.Context) error          { return t.tx.Commit() }
func (t asyncTx) Abort(ctx context.Context) error           { return t.tx.Abort() }
