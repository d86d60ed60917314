package fs

import (
	"context"
	"io"
	"path"
	"strings"
)

// ReadFile reads the whole file at p.
func ReadFile(ctx context.Context, fsys FileSystem, p string, cred Cred) ([]byte, error) {
	f, err := fsys.Open(ctx, p, FlagRead, 0o644, cred)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, NewError(EISDIR, "read", p)
	}
	buf := make([]byte, st.Size)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// WriteFile replaces the contents of p, creating it with mode if needed.
func WriteFile(ctx context.Context, fsys FileSystem, p string, data []byte, mode uint32, cred Cred) error {
	return writeWith(ctx, fsys, p, data, FlagWrite, mode, cred)
}

// AppendFile appends data to p, creating it with mode if needed.
func AppendFile(ctx context.Context, fsys FileSystem, p string, data []byte, mode uint32, cred Cred) error {
	return writeWith(ctx, fsys, p, data, FlagAppend, mode, cred)
}

func writeWith(ctx context.Context, fsys FileSystem, p string, data []byte, flag Flag, mode uint32, cred Cred) error {
	f, err := fsys.Open(ctx, p, flag, mode, cred)
	if err != nil {
		return err
	}
	n, err := f.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err1 := f.Close(); err == nil {
		err = err1
	}
	return err
}

// MkdirAll creates p and any missing parents.
func MkdirAll(ctx context.Context, fsys FileSystem, p string, mode uint32, cred Cred) error {
	p = Clean(p)
	if st, err := fsys.Stat(ctx, p, cred); err == nil {
		if st.IsDir() {
			return nil
		}
		return NewError(ENOTDIR, "mkdir", p)
	}
	if p != "/" {
		if err := MkdirAll(ctx, fsys, path.Dir(p), mode, cred); err != nil {
			return err
		}
	}
	err := fsys.Mkdir(ctx, p, mode, cred)
	if IsKind(err, EEXIST) {
		return nil
	}
	return err
}

// DefaultExists implements FileSystem.Exists with Stat.
func DefaultExists(ctx context.Context, fsys FileSystem, p string, cred Cred) bool {
	_, err := fsys.Stat(ctx, p, cred)
	return err == nil
}

// DefaultTruncate implements FileSystem.Truncate with an r+ open.
func DefaultTruncate(ctx context.Context, fsys FileSystem, p string, size int64, cred Cred) error {
	if size < 0 {
		return NewError(EINVAL, "truncate", p)
	}
	f, err := fsys.Open(ctx, p, FlagReadWrite, 0o644, cred)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// DefaultRealpath implements FileSystem.Realpath for backends without
// symlinks.
func DefaultRealpath(ctx context.Context, fsys FileSystem, p string, cred Cred) (string, error) {
	if !fsys.Exists(ctx, p, cred) {
		return "", NewError(ENOENT, "realpath", p)
	}
	return p, nil
}

// Clean returns the shortest absolute form of p.
func Clean(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// SplitPath splits a clean absolute path into its components.
func SplitPath(p string) []string {
	p = strings.Trim(Clean(p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// Contains reports whether p is dir or below it.
func Contains(dir, p string) bool {
	if dir == "/" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}
