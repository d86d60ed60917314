// Package boltstore keeps a key-value store in a bucket of a bbolt
// database. Transactions are native bolt transactions.
package boltstore

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"tractor.dev/layerfs/fs"
	"tractor.dev/layerfs/fs/kvstore"
)

// DefaultBucket is the bucket used when none is given.
const DefaultBucket = "layerfs"

// Store is a kvstore.SyncStore over one bolt bucket. A read-write
// transaction holds bolt's single writer lock until it ends.
type Store struct {
	db     *bolt.DB
	bucket []byte
	owned  bool
}

var _ kvstore.SyncStore = (*Store)(nil)

// Open opens or creates the bolt database at path and the bucket in it.
// The store owns the database and closes it on Close.
func Open(path, bucket string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	s, err := New(db, bucket)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New returns a store over bucket in an already open database, creating
// the bucket if needed.
func New(db *bolt.DB, bucket string) (*Store, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return &Store{db: db, bucket: []byte(bucket)}, nil
}

func (s *Store) Name() string {
	return "bolt:" + string(s.bucket)
}

// DB returns the underlying database.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Clear drops and recreates the bucket.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(s.bucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(s.bucket)
		return err
	})
}

func (s *Store) BeginTx(mode kvstore.Mode) (kvstore.SyncTx, error) {
	btx, err := s.db.Begin(mode == kvstore.ReadWrite)
	if err != nil {
		return nil, fs.Errorf(fs.EIO, "begin", s.Name(), "%w", err)
	}
	b := btx.Bucket(s.bucket)
	if b == nil {
		btx.Rollback()
		return nil, fs.Errorf(fs.EIO, "begin", s.Name(), "bucket missing")
	}
	return &tx{tx: btx, bucket: b, mode: mode}, nil
}

type tx struct {
	tx     *bolt.Tx
	bucket *bolt.Bucket
	mode   kvstore.Mode
}

// Get copies the value out: bolt's slices are only valid until the
// transaction ends.
func (t *tx) Get(key string) ([]byte, bool, error) {
	v := t.bucket.Get([]byte(key))
	if v == nil {
		return nil, false, nil
	}
	return append([]byte{}, v...), true, nil
}

func (t *tx) Put(key string, data []byte, overwrite bool) (bool, error) {
	if t.mode != kvstore.ReadWrite {
		return false, fs.Errorf(fs.EPERM, "put", key, "read-only transaction")
	}
	if !overwrite && t.bucket.Get([]byte(key)) != nil {
		return false, nil
	}
	if err := t.bucket.Put([]byte(key), data); err != nil {
		return false, fs.Errorf(fs.EIO, "put", key, "%w", err)
	}
	return true, nil
}

func (t *tx) Del(key string) error {
	if t.mode != kvstore.ReadWrite {
		return fs.Errorf(fs.EPERM, "del", key, "read-only transaction")
	}
	if err := t.bucket.Delete([]byte(key)); err != nil {
		return fs.Errorf(fs.EIO, "del", key, "%w", err)
	}
	return nil
}

// Commit commits a read-write transaction. Read-only transactions can
// not commit in bolt, so they are rolled back.
func (t *tx) Commit() error {
	if !t.tx.Writable() {
		return t.rollback()
	}
	if err := t.tx.Commit(); err != nil && !errors.Is(err, bolt.ErrTxClosed) {
		return fs.Errorf(fs.EIO, "commit", "", "%w", err)
	}
	return nil
}

func (t *tx) Abort() error {
	return t.rollback()
}

func (t *tx) rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, bolt.ErrTxClosed) {
		return fs.Errorf(fs.EIO, "abort", "", "%w", err)
	}
	return nil
}
