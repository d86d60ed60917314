package kvfs

import (
	"encoding/binary"
	"math"
	"time"

	"tractor.dev/layerfs/fs"
)

// Inode is the stored form of an entry's metadata. ID names the key
// holding the entry's payload: file bytes, or the JSON listing of a
// directory.
//
// Layout (little endian):
//
//	0  size  uint32
//	4  mode  uint16
//	6  atime float64 (ms)
//	14 mtime float64 (ms)
//	22 ctime float64 (ms)
//	30 uid   uint32
//	34 gid   uint32
//	38 id    (rest of record)
type Inode struct {
	ID    string
	Size  uint32
	Mode  uint16
	Atime float64
	Mtime float64
	Ctime float64
	UID   uint32
	GID   uint32
}

const inodeHeaderSize = 38

func newInode(id string, size int, mode uint32, now time.Time, cred fs.Cred) *Inode {
	ms := toMillis(now)
	return &Inode{
		ID:    id,
		Size:  uint32(size),
		Mode:  uint16(mode),
		Atime: ms,
		Mtime: ms,
		Ctime: ms,
		UID:   uint32(cred.UID),
		GID:   uint32(cred.GID),
	}
}

func (n *Inode) MarshalBinary() ([]byte, error) {
	buf := make([]byte, inodeHeaderSize+len(n.ID))
	binary.LittleEndian.PutUint32(buf[0:], n.Size)
	binary.LittleEndian.PutUint16(buf[4:], n.Mode)
	binary.LittleEndian.PutUint64(buf[6:], math.Float64bits(n.Atime))
	binary.LittleEndian.PutUint64(buf[14:], math.Float64bits(n.Mtime))
	binary.LittleEndian.PutUint64(buf[22:], math.Float64bits(n.Ctime))
	binary.LittleEndian.PutUint32(buf[30:], n.UID)
	binary.LittleEndian.PutUint32(buf[34:], n.GID)
	copy(buf[inodeHeaderSize:], n.ID)
	return buf, nil
}

func (n *Inode) UnmarshalBinary(data []byte) error {
	if len(data) < inodeHeaderSize {
		return fs.Errorf(fs.EIO, "inode", "", "short inode record: %d bytes", len(data))
	}
	n.Size = binary.LittleEndian.Uint32(data[0:])
	n.Mode = binary.LittleEndian.Uint16(data[4:])
	n.Atime = math.Float64frombits(binary.LittleEndian.Uint64(data[6:]))
	n.Mtime = math.Float64frombits(binary.LittleEndian.Uint64(data[14:]))
	n.Ctime = math.Float64frombits(binary.LittleEndian.Uint64(data[22:]))
	n.UID = binary.LittleEndian.Uint32(data[30:])
	n.GID = binary.LittleEndian.Uint32(data[34:])
	n.ID = string(data[inodeHeaderSize:])
	return nil
}

func (n *Inode) IsFile() bool    { return uint32(n.Mode)&fs.TypeMask == uint32(fs.TypeFile) }
func (n *Inode) IsDir() bool     { return uint32(n.Mode)&fs.TypeMask == uint32(fs.TypeDir) }
func (n *Inode) IsSymlink() bool { return uint32(n.Mode)&fs.TypeMask == uint32(fs.TypeSymlink) }

func (n *Inode) Stats() *fs.Stats {
	ctime := fromMillis(n.Ctime)
	return &fs.Stats{
		Mode:      uint32(n.Mode),
		Size:      int64(n.Size),
		Atime:     fromMillis(n.Atime),
		Mtime:     fromMillis(n.Mtime),
		Ctime:     ctime,
		Birthtime: ctime,
		UID:       int(n.UID),
		GID:       int(n.GID),
	}
}

// Update copies st into the inode and reports whether anything changed.
func (n *Inode) Update(st *fs.Stats) bool {
	changed := false
	set32 := func(dst *uint32, v uint32) {
		if *dst != v {
			*dst = v
			changed = true
		}
	}
	setTime := func(dst *float64, t time.Time) {
		if v := toMillis(t); *dst != v {
			*dst = v
			changed = true
		}
	}
	set32(&n.Size, uint32(st.Size))
	if m := uint16(st.Mode); n.Mode != m {
		n.Mode = m
		changed = true
	}
	setTime(&n.Atime, st.Atime)
	setTime(&n.Mtime, st.Mtime)
	setTime(&n.Ctime, st.Ctime)
	set32(&n.UID, uint32(st.UID))
	set32(&n.GID, uint32(st.GID))
	return changed
}

// Timestamps are stored with millisecond precision.
func toMillis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func fromMillis(ms float64) time.Time {
	return time.UnixMilli(int64(ms))
}
