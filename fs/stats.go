package fs

import (
	"time"
)

// FileType is the S_IFMT portion of a POSIX mode.
type FileType uint32

const (
	TypeFile    FileType = 0o100000
	TypeDir     FileType = 0o040000
	TypeSymlink FileType = 0o120000

	TypeMask uint32 = 0o170000
	PermMask uint32 = 0o7777
)

func (t FileType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "directory"
	case TypeSymlink:
		return "symlink"
	}
	return "unknown"
}

// Access is a R_OK/W_OK/X_OK style request mask.
type Access uint8

const (
	AccessExists Access = 0
	AccessExec   Access = 1
	AccessWrite  Access = 2
	AccessRead   Access = 4
)

// Stats is the metadata record of one entry.
type Stats struct {
	Mode      uint32
	Size      int64
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	Birthtime time.Time
	UID       int
	GID       int
}

// NewStats returns stats of type t with all timestamps set to now.
func NewStats(t FileType, size int64, perm uint32, now time.Time) *Stats {
	return &Stats{
		Mode:      uint32(t) | perm&PermMask,
		Size:      size,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
		Birthtime: now,
	}
}

func (s *Stats) Type() FileType { return FileType(s.Mode & TypeMask) }
func (s *Stats) IsFile() bool   { return s.Type() == TypeFile }
func (s *Stats) IsDir() bool    { return s.Type() == TypeDir }
func (s *Stats) IsSymlink() bool {
	return s.Type() == TypeSymlink
}

// Perm returns the permission bits of the mode.
func (s *Stats) Perm() uint32 { return s.Mode & PermMask }

func (s *Stats) Clone() *Stats {
	c := *s
	return &c
}

// Chmod replaces the permission bits, keeping the type.
func (s *Stats) Chmod(perm uint32) {
	s.Mode = s.Mode&TypeMask | perm&PermMask
	s.Ctime = time.Now()
}

// Chown sets the owner. Negative ids are left unchanged.
func (s *Stats) Chown(uid, gid int) {
	if uid >= 0 {
		s.UID = uid
	}
	if gid >= 0 {
		s.GID = gid
	}
	s.Ctime = time.Now()
}

// HasAccess checks mode against the owner/group/other bits for cred.
// Root always has access.
func (s *Stats) HasAccess(mode Access, cred Cred) bool {
	if cred.IsRoot() {
		return true
	}
	perm := s.Mode
	var bits uint32
	switch {
	case cred.EUID == s.UID:
		bits = (perm >> 6) & 7
	case cred.EGID == s.GID:
		bits = (perm >> 3) & 7
	default:
		bits = perm & 7
	}
	return uint32(mode)&^bits == 0
}

// FileMode converts the POSIX mode to an io/fs mode.
func (s *Stats) FileMode() FileMode {
	m := FileMode(s.Mode & 0o777)
	switch s.Type() {
	case TypeDir:
		m |= ModeDir
	case TypeSymlink:
		m |= ModeSymlink
	}
	if s.Mode&0o4000 != 0 {
		m |= ModeSetuid
	}
	if s.Mode&0o2000 != 0 {
		m |= ModeSetgid
	}
	if s.Mode&0o1000 != 0 {
		m |= ModeSticky
	}
	return m
}

// ModeFromFileMode converts an io/fs mode to a POSIX mode.
func ModeFromFileMode(m FileMode) uint32 {
	mode := uint32(m.Perm())
	switch {
	case m&ModeDir != 0:
		mode |= uint32(TypeDir)
	case m&ModeSymlink != 0:
		mode |= uint32(TypeSymlink)
	default:
		mode |= uint32(TypeFile)
	}
	if m&ModeSetuid != 0 {
		mode |= 0o4000
	}
	if m&ModeSetgid != 0 {
		mode |= 0o2000
	}
	if m&ModeSticky != 0 {
		mode |= 0o1000
	}
	return mode
}

// FileInfo adapts s to io/fs under the given base name.
func (s *Stats) FileInfo(name string) FileInfo {
	return &fileInfo{name: name, stats: s.Clone()}
}

type fileInfo struct {
	name  string
	stats *Stats
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.stats.Size }
func (fi *fileInfo) Mode() FileMode     { return fi.stats.FileMode() }
func (fi *fileInfo) ModTime() time.Time { return fi.stats.Mtime }
func (fi *fileInfo) IsDir() bool        { return fi.stats.IsDir() }
func (fi *fileInfo) Sys() any           { return fi.stats }
