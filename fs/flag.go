package fs

import (
	"os"
)

// Flag is one of the twelve open modes a file can be opened with.
type Flag uint8

const (
	FlagRead           Flag = iota // r
	FlagReadWrite                  // r+
	FlagReadSync                   // rs
	FlagReadWriteSync              // rs+
	FlagWrite                      // w
	FlagWriteExcl                  // wx
	FlagWriteRead                  // w+
	FlagWriteReadExcl              // wx+
	FlagAppend                     // a
	FlagAppendExcl                 // ax
	FlagAppendRead                 // a+
	FlagAppendReadExcl             // ax+
	numFlags
)

// Action says what open does with a path once it knows whether it exists.
type Action uint8

const (
	ActionNop Action = iota
	ActionTruncate
	ActionCreate
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionNop:
		return "nop"
	case ActionTruncate:
		return "truncate"
	case ActionCreate:
		return "create"
	case ActionFail:
		return "fail"
	}
	return "unknown"
}

type flagBits struct {
	name       string
	readable   bool
	writable   bool
	truncating bool
	appendable bool
	sync       bool
	exclusive  bool
}

// flags is computed once from the flag strings; every Flag method is a
// table lookup.
var flags = func() [numFlags]flagBits {
	names := [numFlags]string{"r", "r+", "rs", "rs+", "w", "wx", "w+", "wx+", "a", "ax", "a+", "ax+"}
	var t [numFlags]flagBits
	for i, s := range names {
		has := func(c byte) bool {
			for j := 0; j < len(s); j++ {
				if s[j] == c {
					return true
				}
			}
			return false
		}
		t[i] = flagBits{
			name:       s,
			readable:   has('r') || has('+'),
			writable:   has('w') || has('a') || has('+'),
			truncating: has('w'),
			appendable: has('a'),
			sync:       has('s'),
			exclusive:  has('x'),
		}
	}
	return t
}()

var flagsByName = func() map[string]Flag {
	m := make(map[string]Flag, numFlags)
	for i := range flags {
		m[flags[i].name] = Flag(i)
	}
	return m
}()

// ParseFlag returns the Flag for one of the twelve flag strings.
func ParseFlag(s string) (Flag, error) {
	f, ok := flagsByName[s]
	if !ok {
		return 0, Errorf(EINVAL, "open", "", "invalid flag: %q", s)
	}
	return f, nil
}

// MustParseFlag is like ParseFlag but panics on an unknown string.
func MustParseFlag(s string) Flag {
	f, err := ParseFlag(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Flags returns all flags in declaration order.
func Flags() []Flag {
	all := make([]Flag, numFlags)
	for i := range all {
		all[i] = Flag(i)
	}
	return all
}

func (f Flag) bits() flagBits {
	if f >= numFlags {
		return flagBits{name: "?"}
	}
	return flags[f]
}

func (f Flag) String() string      { return f.bits().name }
func (f Flag) IsReadable() bool    { return f.bits().readable }
func (f Flag) IsWritable() bool    { return f.bits().writable }
func (f Flag) IsTruncating() bool  { return f.bits().truncating }
func (f Flag) IsAppendable() bool  { return f.bits().appendable }
func (f Flag) IsSynchronous() bool { return f.bits().sync }
func (f Flag) IsExclusive() bool   { return f.bits().exclusive }

// ExistsAction is what open does when the path already exists.
func (f Flag) ExistsAction() Action {
	switch {
	case f.IsExclusive():
		return ActionFail
	case f.IsTruncating():
		return ActionTruncate
	default:
		return ActionNop
	}
}

// NotExistsAction is what open does when the path is missing. The r+ and
// rs+ flags open existing files for update and never create.
func (f Flag) NotExistsAction() Action {
	if (f.IsWritable() || f.IsAppendable()) && f != FlagReadWrite && f != FlagReadWriteSync {
		return ActionCreate
	}
	return ActionFail
}

// AccessMode is the permission an existing file needs for f.
func (f Flag) AccessMode() Access {
	var m Access
	if f.IsReadable() {
		m |= AccessRead
	}
	if f.IsWritable() {
		m |= AccessWrite
	}
	return m
}

// FlagFromOS maps os.OpenFile flags onto a Flag.
func FlagFromOS(flag int) (Flag, error) {
	excl := flag&os.O_EXCL != 0
	sync := flag&os.O_SYNC != 0
	switch {
	case flag&os.O_APPEND != 0:
		switch {
		case flag&os.O_RDWR != 0 && excl:
			return FlagAppendReadExcl, nil
		case flag&os.O_RDWR != 0:
			return FlagAppendRead, nil
		case excl:
			return FlagAppendExcl, nil
		}
		return FlagAppend, nil
	case flag&os.O_TRUNC != 0 || flag&os.O_CREATE != 0 && flag&(os.O_WRONLY|os.O_RDWR) != 0:
		switch {
		case flag&os.O_RDWR != 0 && excl:
			return FlagWriteReadExcl, nil
		case flag&os.O_RDWR != 0:
			return FlagWriteRead, nil
		case excl:
			return FlagWriteExcl, nil
		}
		return FlagWrite, nil
	case flag&os.O_RDWR != 0:
		if sync {
			return FlagReadWriteSync, nil
		}
		return FlagReadWrite, nil
	case flag&os.O_WRONLY != 0:
		return 0, Errorf(EINVAL, "open", "", "write-only open without create or truncate: %#x", flag)
	}
	if sync {
		return FlagReadSync, nil
	}
	return FlagRead, nil
}
