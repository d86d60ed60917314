// Package pgstore keeps a key-value store in a PostgreSQL table. Each
// kvstore transaction is a SQL transaction.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"tractor.dev/layerfs/fs"
	"tractor.dev/layerfs/fs/kvstore"
)

// DefaultTable is the table used when none is given.
const DefaultTable = "layerfs_kv"

// Client is the part of *pgxpool.Pool the store uses.
type Client interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type Store struct {
	db    Client
	table string // quoted
	name  string
	pool  *pgxpool.Pool
	log   *slog.Logger
}

var _ kvstore.Store = (*Store)(nil)

// Connect opens a pool for dsn, checks the connection and creates the
// table if needed. Close releases the pool.
func Connect(ctx context.Context, dsn, table string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	s := New(pool, table)
	s.pool = pool
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New returns a store over table using db. The table is not created;
// see EnsureSchema.
func New(db Client, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{
		db:    db,
		table: pgx.Identifier{table}.Sanitize(),
		name:  "postgres:" + table,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (s *Store) SetLogger(l *slog.Logger) {
	s.log = l
}

func (s *Store) Name() string { return s.name }

// Close closes the pool if the store opened it.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		key   TEXT PRIMARY KEY,
		value BYTEA NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM `+s.table); err != nil {
		return fs.Errorf(fs.EIO, "clear", s.name, "%w", err)
	}
	return nil
}

func (s *Store) BeginTx(ctx context.Context, mode kvstore.Mode) (kvstore.Tx, error) {
	opts := pgx.TxOptions{AccessMode: pgx.ReadOnly}
	if mode == kvstore.ReadWrite {
		opts.AccessMode = pgx.ReadWrite
	}
	ptx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fs.Errorf(fs.EIO, "begin", s.name, "%w", err)
	}
	return &tx{tx: ptx, table: s.table, mode: mode, log: s.log}, nil
}

type tx struct {
	tx    pgx.Tx
	table string
	mode  kvstore.Mode
	log   *slog.Logger
}

func (t *tx) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	err = t.tx.QueryRow(ctx, `SELECT value FROM `+t.table+` WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fs.Errorf(fs.EIO, "get", key, "%w", err)
	}
	return data, true, nil
}

func (t *tx) Put(ctx context.Context, key string, data []byte, overwrite bool) (bool, error) {
	if t.mode != kvstore.ReadWrite {
		return false, fs.Errorf(fs.EPERM, "put", key, "read-only transaction")
	}
	query := `
		INSERT INTO ` + t.table + ` (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`
	if overwrite {
		query = `
			INSERT INTO ` + t.table + ` (key, value)
			VALUES ($1, $2)
			ON CONFLICT (key)
			DO UPDATE SET value = EXCLUDED.value
		`
	}
	if data == nil {
		data = []byte{}
	}
	tag, err := t.tx.Exec(ctx, query, key, data)
	if err != nil {
		return false, fs.Errorf(fs.EIO, "put", key, "%w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) Del(ctx context.Context, key string) error {
	if t.mode != kvstore.ReadWrite {
		return fs.Errorf(fs.EPERM, "del", key, "read-only transaction")
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM `+t.table+` WHERE key = $1`, key); err != nil {
		return fs.Errorf(fs.EIO, "del", key, "%w", err)
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fs.Errorf(fs.EIO, "commit", "", "%w", err)
	}
	return nil
}

func (t *tx) Abort(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		t.log.Warn("rollback", "err", err)
		return fs.Errorf(fs.EIO, "abort", "", "%w", err)
	}
	return nil
}
