// Package bootstrap builds a namespace from its configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tractor.dev/layerfs/fs"
	"tractor.dev/layerfs/fs/cowfs"
	"tractor.dev/layerfs/fs/kvfs"
	"tractor.dev/layerfs/fs/kvstore/boltstore"
	"tractor.dev/layerfs/fs/kvstore/memstore"
	"tractor.dev/layerfs/fs/kvstore/pgstore"
	"tractor.dev/layerfs/fs/kvstore/s3store"
	"tractor.dev/layerfs/fs/lockfs"
	"tractor.dev/layerfs/fs/readonlyfs"
	"tractor.dev/layerfs/internal/config"
	"tractor.dev/layerfs/namespace"
)

// Namespace is a built session and the resources behind its mounts.
type Namespace struct {
	*namespace.Session
	closers []func() error
}

// Close releases every backend: snapshots are saved, databases closed,
// overlay deletion logs flushed.
func (n *Namespace) Close() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i]())
	}
	return errors.Join(errs...)
}

// Build creates every configured filesystem and mounts it in a new
// session. On error anything already opened is closed.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Namespace, error) {
	cred := fs.UserCred(cfg.Cred.UID, cfg.Cred.GID)
	n := &Namespace{Session: namespace.New(cred)}
	n.SetLogger(log)
	for _, m := range cfg.Mounts {
		fsys, err := n.build(ctx, m, log.With("mount", m.Path))
		if err == nil {
			err = n.Mount(ctx, m.Path, fsys)
		}
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("mount %s: %w", m.Path, err)
		}
	}
	return n, nil
}

func (n *Namespace) build(ctx context.Context, m config.MountConfig, log *slog.Logger) (fs.FileSystem, error) {
	var fsys fs.FileSystem
	switch m.Type {
	case config.TypeMemory:
		sync, err := kvfs.NewSync(memstore.New(), kvfs.WithLogger(log))
		if err != nil {
			return nil, err
		}
		fsys = sync

	case config.TypeSnapshot:
		store, err := memstore.LoadFile(m.File)
		if err != nil {
			return nil, err
		}
		sync, err := kvfs.NewSync(store, kvfs.WithLogger(log))
		if err != nil {
			return nil, err
		}
		if !m.ReadOnly {
			n.closers = append(n.closers, func() error {
				return store.SaveFile(m.File)
			})
		}
		fsys = sync

	case config.TypeBolt:
		store, err := boltstore.Open(m.File, m.Bucket)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, store.Close)
		sync, err := kvfs.NewSync(store, kvfs.WithLogger(log))
		if err != nil {
			return nil, err
		}
		fsys = sync

	case config.TypeS3:
		store, err := s3store.New(ctx, s3store.Config{
			Endpoint:        m.Endpoint,
			Region:          m.Region,
			AccessKeyID:     m.AccessKeyID,
			SecretAccessKey: m.SecretAccessKey,
			Bucket:          m.Bucket,
			Prefix:          m.Prefix,
			UsePathStyle:    m.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		store.SetLogger(log)
		async, err := kvfs.NewAsync(ctx, store, asyncOptions(m, log)...)
		if err != nil {
			return nil, err
		}
		fsys = async

	case config.TypePostgres:
		store, err := pgstore.Connect(ctx, m.DSN, m.Table)
		if err != nil {
			return nil, err
		}
		store.SetLogger(log)
		n.closers = append(n.closers, func() error {
			store.Close()
			return nil
		})
		async, err := kvfs.NewAsync(ctx, store, asyncOptions(m, log)...)
		if err != nil {
			return nil, err
		}
		fsys = async

	case config.TypeOverlay:
		writable, err := n.build(ctx, *m.Writable, log.With("layer", "writable"))
		if err != nil {
			return nil, err
		}
		readable, err := n.build(ctx, *m.Readable, log.With("layer", "readable"))
		if err != nil {
			return nil, err
		}
		if !readable.Metadata().ReadOnly {
			readable = readonlyfs.New(readable)
		}
		overlay, err := cowfs.New(ctx, writable, readable)
		if err != nil {
			return nil, err
		}
		overlay.SetLogger(log)
		overlay.Overlay().SetLogger(log)
		n.closers = append(n.closers, overlay.WaitDeletionLog)
		fsys = overlay

	default:
		return nil, fmt.Errorf("unknown mount type %q", m.Type)
	}

	if m.Locked && m.Type != config.TypeOverlay {
		locked := lockfs.New(fsys)
		locked.SetLogger(log)
		fsys = locked
	}
	if m.ReadOnly {
		fsys = readonlyfs.New(fsys)
	}
	return fsys, nil
}

func asyncOptions(m config.MountConfig, log *slog.Logger) []kvfs.Option {
	opts := []kvfs.Option{kvfs.WithLogger(log)}
	if m.CacheSize > 0 {
		opts = append(opts, kvfs.WithCacheSize(m.CacheSize))
	}
	return opts
}
