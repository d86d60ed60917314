package fs

import (
	"context"
	"path"
)

// Primitives is the backend surface Open is derived from.
type Primitives interface {
	Stat(ctx context.Context, p string, cred Cred) (*Stats, error)
	OpenFile(ctx context.Context, p string, flag Flag, cred Cred) (File, error)
	CreateFile(ctx context.Context, p string, flag Flag, mode uint32, cred Cred) (File, error)
}

// Open implements FileSystem.Open on top of fsys's primitives.
//
// Behavior:
//   - existing path: the caller needs the flag's access, then the flag's
//     ExistsAction applies (truncation is synced before returning)
//   - missing path: the parent must be a directory, then the flag's
//     NotExistsAction applies
func Open(ctx context.Context, fsys Primitives, p string, flag Flag, mode uint32, cred Cred) (File, error) {
	stats, err := fsys.Stat(ctx, p, cred)
	if err != nil {
		if !IsKind(err, ENOENT) {
			return nil, err
		}
		switch flag.NotExistsAction() {
		case ActionCreate:
			parent := path.Dir(p)
			pstats, err := fsys.Stat(ctx, parent, cred)
			if err != nil {
				return nil, err
			}
			if !pstats.IsDir() {
				return nil, NewError(ENOTDIR, "open", parent)
			}
			return fsys.CreateFile(ctx, p, flag, mode, cred)
		default:
			return nil, NewError(ENOENT, "open", p)
		}
	}

	if !stats.HasAccess(flag.AccessMode(), cred) {
		return nil, NewError(EACCES, "open", p)
	}
	if stats.IsDir() && flag.IsWritable() {
		return nil, NewError(EISDIR, "open", p)
	}

	switch flag.ExistsAction() {
	case ActionFail:
		return nil, NewError(EEXIST, "open", p)
	case ActionTruncate:
		f, err := fsys.OpenFile(ctx, p, flag, cred)
		if err != nil {
			return nil, err
		}
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		return f, nil
	default:
		return fsys.OpenFile(ctx, p, flag, cred)
	}
}
