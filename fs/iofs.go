package fs

import (
	"errors"
	iofs "io/fs"
)

// Sentinels matched by Error.Is.
var (
	ErrInvalid      = iofs.ErrInvalid
	ErrPermission   = iofs.ErrPermission
	ErrExist        = iofs.ErrExist
	ErrNotExist     = iofs.ErrNotExist
	ErrClosed       = iofs.ErrClosed
	ErrNotSupported = errors.New("operation not supported")
	ErrNotEmpty     = errors.New("directory not empty")
)

// Walk control values, as in io/fs.
var (
	SkipAll = iofs.SkipAll
	SkipDir = iofs.SkipDir
)

var (
	ValidPath          = iofs.ValidPath
	FileInfoToDirEntry = iofs.FileInfoToDirEntry
)

const (
	ModeDir     = iofs.ModeDir
	ModeSymlink = iofs.ModeSymlink
	ModeSetuid  = iofs.ModeSetuid
	ModeSetgid  = iofs.ModeSetgid
	ModeSticky  = iofs.ModeSticky
)

type (
	DirEntry  = iofs.DirEntry
	FS        = iofs.FS
	FileInfo  = iofs.FileInfo
	FileMode  = iofs.FileMode
	PathError = iofs.PathError
	ReadDirFS = iofs.ReadDirFS
	StatFS    = iofs.StatFS
)
