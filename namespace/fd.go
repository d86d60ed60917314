package namespace

import (
	"context"
	"io"
	"sync"
	"time"

	"tractor.dev/layerfs/fs"
)

// openFile is a descriptor table entry.
type openFile struct {
	mu   sync.Mutex
	file fs.File
	path string
}

// Open opens p and returns a descriptor for it. Descriptors start at 100
// and are never reused within a session.
func (s *Session) Open(ctx context.Context, p string, flag fs.Flag, mode uint32) (fd int, err error) {
	defer func() {
		s.log.Debug("Open", "name", p, "flag", flag, "fd", fd, "err", err)
	}()
	t, err := s.resolve(ctx, "open", p, true)
	if err != nil {
		return -1, err
	}
	f, err := t.fsys.Open(ctx, t.local, flag, mode, s.cred)
	if err != nil {
		return -1, t.fail("open", err)
	}
	s.fdMu.Lock()
	defer s.fdMu.Unlock()
	fd = s.nextFD
	s.nextFD++
	s.files[fd] = &openFile{file: f, path: t.global}
	return fd, nil
}

func (s *Session) fd(op string, fd int) (*openFile, error) {
	s.fdMu.Lock()
	defer s.fdMu.Unlock()
	of, ok := s.files[fd]
	if !ok {
		return nil, fs.Errorf(fs.EBADF, op, "", "bad file descriptor %d", fd)
	}
	return of, nil
}

// with runs fn on the file behind fd and reports errors under its path.
func (s *Session) with(op string, fd int, fn func(f fs.File) error) error {
	of, err := s.fd(op, fd)
	if err != nil {
		return err
	}
	of.mu.Lock()
	defer of.mu.Unlock()
	err = fn(of.file)
	if err == nil || err == io.EOF {
		return err
	}
	return fdError(err, op, of)
}

func fdError(err error, op string, of *openFile) error {
	var e *fs.Error
	if fe, ok := err.(*fs.Error); ok {
		ne := *fe
		e = &ne
	} else {
		e = &fs.Error{Kind: fs.KindOf(err), Op: op, Err: err}
	}
	e.Path = of.path
	return e
}

// Path returns the global path fd was opened with.
func (s *Session) Path(fd int) (string, error) {
	of, err := s.fd("path", fd)
	if err != nil {
		return "", err
	}
	return of.path, nil
}

func (s *Session) Read(fd int, buf []byte) (n int, err error) {
	err = s.with("read", fd, func(f fs.File) error {
		n, err = f.Read(buf)
		return err
	})
	return n, err
}

func (s *Session) ReadAt(fd int, buf []byte, off int64) (n int, err error) {
	err = s.with("read", fd, func(f fs.File) error {
		n, err = f.ReadAt(buf, off)
		return err
	})
	return n, err
}

func (s *Session) Write(fd int, buf []byte) (n int, err error) {
	err = s.with("write", fd, func(f fs.File) error {
		n, err = f.Write(buf)
		return err
	})
	return n, err
}

func (s *Session) WriteAt(fd int, buf []byte, off int64) (n int, err error) {
	err = s.with("write", fd, func(f fs.File) error {
		n, err = f.WriteAt(buf, off)
		return err
	})
	return n, err
}

func (s *Session) Seek(fd int, offset int64, whence int) (pos int64, err error) {
	err = s.with("seek", fd, func(f fs.File) error {
		pos, err = f.Seek(offset, whence)
		return err
	})
	return pos, err
}

func (s *Session) Fstat(fd int) (st *fs.Stats, err error) {
	err = s.with("fstat", fd, func(f fs.File) error {
		st, err = f.Stat()
		return err
	})
	return st, err
}

func (s *Session) Ftruncate(fd int, size int64) error {
	return s.with("ftruncate", fd, func(f fs.File) error {
		return f.Truncate(size)
	})
}

func (s *Session) Fsync(fd int) error {
	return s.with("fsync", fd, func(f fs.File) error {
		return f.Sync()
	})
}

// Fdatasync is Fsync: files carry no separate metadata to skip.
func (s *Session) Fdatasync(fd int) error {
	return s.with("fdatasync", fd, func(f fs.File) error {
		return f.Sync()
	})
}

// Fchmod changes the mode of the file behind fd. Only its owner or root
// may do that.
func (s *Session) Fchmod(fd int, mode uint32) error {
	return s.with("fchmod", fd, func(f fs.File) error {
		if err := s.checkOwner("fchmod", f); err != nil {
			return err
		}
		return f.Chmod(mode)
	})
}

func (s *Session) Fchown(fd int, uid, gid int) error {
	return s.with("fchown", fd, func(f fs.File) error {
		if err := s.checkOwner("fchown", f); err != nil {
			return err
		}
		return f.Chown(uid, gid)
	})
}

func (s *Session) Futimes(fd int, atime, mtime time.Time) error {
	return s.with("futimes", fd, func(f fs.File) error {
		return f.Utimes(atime, mtime)
	})
}

func (s *Session) checkOwner(op string, f fs.File) error {
	if s.cred.IsRoot() {
		return nil
	}
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.UID != s.cred.EUID {
		return fs.NewError(fs.EPERM, op, "")
	}
	return nil
}

// Close flushes and releases fd. The descriptor is gone even when the
// flush fails.
func (s *Session) Close(fd int) (err error) {
	defer func() {
		s.log.Debug("Close", "fd", fd, "err", err)
	}()
	s.fdMu.Lock()
	of, ok := s.files[fd]
	delete(s.files, fd)
	s.fdMu.Unlock()
	if !ok {
		return fs.Errorf(fs.EBADF, "close", "", "bad file descriptor %d", fd)
	}
	of.mu.Lock()
	defer of.mu.Unlock()
	if err := of.file.Close(); err != nil {
		return fdError(err, "close", of)
	}
	return nil
}

// OpenFiles returns how many descriptors are open.
func (s *Session) OpenFiles() int {
	s.fdMu.Lock()
	defer s.fdMu.Unlock()
	return len(s.files)
}
