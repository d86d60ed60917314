package fs

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Kind is the closed set of failures every filesystem reports. Any error
// leaving a backend maps to exactly one Kind (see KindOf).
type Kind uint8

const (
	EIO Kind = iota
	ENOENT
	EEXIST
	ENOTDIR
	EISDIR
	EPERM
	EACCES
	ENOTEMPTY
	ENOTSUP
	ENOSPC
	EINVAL
	EBUSY
	EBADF
)

var kindInfo = [...]struct {
	name  string
	msg   string
	errno syscall.Errno
}{
	EIO:       {"EIO", "input/output error", syscall.EIO},
	ENOENT:    {"ENOENT", "no such file or directory", syscall.ENOENT},
	EEXIST:    {"EEXIST", "file already exists", syscall.EEXIST},
	ENOTDIR:   {"ENOTDIR", "not a directory", syscall.ENOTDIR},
	EISDIR:    {"EISDIR", "is a directory", syscall.EISDIR},
	EPERM:     {"EPERM", "operation not permitted", syscall.EPERM},
	EACCES:    {"EACCES", "permission denied", syscall.EACCES},
	ENOTEMPTY: {"ENOTEMPTY", "directory not empty", syscall.ENOTEMPTY},
	ENOTSUP:   {"ENOTSUP", "operation not supported", syscall.ENOTSUP},
	ENOSPC:    {"ENOSPC", "no space left on device", syscall.ENOSPC},
	EINVAL:    {"EINVAL", "invalid argument", syscall.EINVAL},
	EBUSY:     {"EBUSY", "resource busy or locked", syscall.EBUSY},
	EBADF:     {"EBADF", "bad file descriptor", syscall.EBADF},
}

func (k Kind) String() string {
	if int(k) < len(kindInfo) {
		return kindInfo[k].name
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Message is the human readable description of k.
func (k Kind) Message() string {
	if int(k) < len(kindInfo) {
		return kindInfo[k].msg
	}
	return "unknown error"
}

// Errno returns the host errno closest to k.
func (k Kind) Errno() syscall.Errno {
	if int(k) < len(kindInfo) {
		return kindInfo[k].errno
	}
	return syscall.EIO
}

// Error is the error type returned by every filesystem in this module.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(": ")
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(e.Kind.Message())
	}
	if e.Op != "" {
		b.WriteString(", ")
		b.WriteString(e.Op)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " '%s'", e.Path)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match the io/fs sentinels and syscall errnos
// that correspond to the error's Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotExist:
		return e.Kind == ENOENT
	case ErrExist:
		return e.Kind == EEXIST
	case ErrPermission:
		return e.Kind == EPERM || e.Kind == EACCES
	case ErrInvalid:
		return e.Kind == EINVAL
	case ErrClosed:
		return e.Kind == EBADF
	case ErrNotSupported:
		return e.Kind == ENOTSUP
	case ErrNotEmpty:
		return e.Kind == ENOTEMPTY
	}
	if errno, ok := target.(syscall.Errno); ok {
		return e.Kind.Errno() == errno
	}
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind && (t.Path == "" || t.Path == e.Path)
	}
	return false
}

// NewError returns an error of kind k for op on path.
func NewError(k Kind, op, path string) *Error {
	return &Error{Kind: k, Op: op, Path: path}
}

// Errorf returns an error of kind k with a formatted message as its cause.
func Errorf(k Kind, op, path string, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

// Wrap returns err as an *Error, keeping its Kind when it already has one.
// Unknown errors become EIO.
func Wrap(err error, op, path string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Path: path, Err: err}
}

// KindOf maps any non-nil error to a Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		for k, info := range kindInfo {
			if info.errno == errno {
				return Kind(k)
			}
		}
		return EIO
	}
	switch {
	case errors.Is(err, ErrNotExist):
		return ENOENT
	case errors.Is(err, ErrExist):
		return EEXIST
	case errors.Is(err, ErrPermission):
		return EPERM
	case errors.Is(err, ErrInvalid):
		return EINVAL
	case errors.Is(err, ErrClosed):
		return EBADF
	case errors.Is(err, ErrNotSupported):
		return ENOTSUP
	case errors.Is(err, ErrNotEmpty):
		return ENOTEMPTY
	}
	return EIO
}

// IsKind reports whether err maps to k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// RewritePath replaces the backend-local path carried by err with the
// path the caller used. Paths below local are rewritten below global.
func RewritePath(err error, local, global string) error {
	if err == nil || local == global {
		return err
	}
	var e *Error
	if !errors.As(err, &e) {
		return &Error{Kind: KindOf(err), Path: global, Err: err}
	}
	ne := *e
	switch {
	case ne.Path == local || ne.Path == "":
		ne.Path = global
	case strings.HasPrefix(ne.Path, strings.TrimSuffix(local, "/")+"/"):
		ne.Path = strings.TrimSuffix(global, "/") + ne.Path[len(strings.TrimSuffix(local, "/")):]
	}
	return &ne
}
