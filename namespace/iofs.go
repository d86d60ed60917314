package namespace

import (
	"context"
	"io"
	iofs "io/fs"
	"path"
	"sort"

	"tractor.dev/layerfs/fs"
)

// FS returns the session as a read-only io/fs.FS. Names are io/fs style
// (unrooted, "." for the root) and map to absolute session paths. Every
// call runs with ctx.
func (s *Session) FS(ctx context.Context) fs.FS {
	return &ioFS{s: s, ctx: ctx}
}

type ioFS struct {
	s   *Session
	ctx context.Context
}

var (
	_ fs.StatFS    = (*ioFS)(nil)
	_ fs.ReadDirFS = (*ioFS)(nil)
)

func sessionPath(name string) string {
	if name == "." {
		return "/"
	}
	return "/" + name
}

func pathError(op, name string, err error) error {
	return &fs.PathError{Op: op, Path: name, Err: err}
}

func (f *ioFS) Open(name string) (iofs.File, error) {
	if !fs.ValidPath(name) {
		return nil, pathError("open", name, fs.ErrInvalid)
	}
	p := sessionPath(name)
	st, err := f.s.Stat(f.ctx, p)
	if err != nil {
		return nil, pathError("open", name, err)
	}
	if st.IsDir() {
		entries, err := f.readDir(p)
		if err != nil {
			return nil, pathError("open", name, err)
		}
		return &dirFile{name: name, stats: st, entries: entries}, nil
	}
	t, err := f.s.resolve(f.ctx, "open", p, true)
	if err != nil {
		return nil, pathError("open", name, err)
	}
	file, err := t.fsys.Open(f.ctx, t.local, fs.FlagRead, 0, f.s.cred)
	if err != nil {
		return nil, pathError("open", name, t.fail("open", err))
	}
	return &ioFile{name: name, file: file}, nil
}

func (f *ioFS) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, pathError("stat", name, fs.ErrInvalid)
	}
	st, err := f.s.Stat(f.ctx, sessionPath(name))
	if err != nil {
		return nil, pathError("stat", name, err)
	}
	return st.FileInfo(path.Base(name)), nil
}

func (f *ioFS) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, pathError("readdir", name, fs.ErrInvalid)
	}
	entries, err := f.readDir(sessionPath(name))
	if err != nil {
		return nil, pathError("readdir", name, err)
	}
	return entries, nil
}

func (f *ioFS) ReadFile(name string) ([]byte, error) {
	if !fs.ValidPath(name) {
		return nil, pathError("readfile", name, fs.ErrInvalid)
	}
	data, err := f.s.ReadFile(f.ctx, sessionPath(name))
	if err != nil {
		return nil, pathError("readfile", name, err)
	}
	return data, nil
}

func (f *ioFS) readDir(p string) ([]fs.DirEntry, error) {
	names, err := f.s.Readdir(f.ctx, p)
	if err != nil {
		return nil, err
	}
	entries := make([]fs.DirEntry, 0, len(names))
	for _, name := range names {
		st, err := f.s.Lstat(f.ctx, path.Join(p, name))
		if err != nil {
			return nil, err
		}
		entries = append(entries, fs.FileInfoToDirEntry(st.FileInfo(name)))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	return entries, nil
}

type ioFile struct {
	name string
	file fs.File
}

func (f *ioFile) Stat() (fs.FileInfo, error) {
	st, err := f.file.Stat()
	if err != nil {
		return nil, err
	}
	return st.FileInfo(path.Base(f.name)), nil
}

func (f *ioFile) Read(p []byte) (int, error) { return f.file.Read(p) }

func (f *ioFile) ReadAt(p []byte, off int64) (int, error) { return f.file.ReadAt(p, off) }

func (f *ioFile) Seek(offset int64, whence int) (int64, error) { return f.file.Seek(offset, whence) }

func (f *ioFile) Close() error { return f.file.Close() }

// dirFile is an open directory. Its listing is read once, at open.
type dirFile struct {
	name    string
	stats   *fs.Stats
	entries []fs.DirEntry
	off     int
	closed  bool
}

func (d *dirFile) Stat() (fs.FileInfo, error) {
	return d.stats.FileInfo(path.Base(d.name)), nil
}

func (d *dirFile) Read([]byte) (int, error) {
	return 0, pathError("read", d.name, fs.NewError(fs.EISDIR, "read", d.name))
}

func (d *dirFile) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.closed {
		return nil, pathError("readdir", d.name, fs.ErrClosed)
	}
	rest := d.entries[d.off:]
	if n <= 0 {
		d.off = len(d.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	n = min(n, len(rest))
	d.off += n
	return rest[:n], nil
}

func (d *dirFile) Close() error {
	if d.closed {
		return pathError("close", d.name, fs.ErrClosed)
	}
	d.closed = true
	return nil
}
