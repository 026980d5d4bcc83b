package debuginfo

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/osfree-project/l4exec/status"
)

// STABS record types the extractor understands.
const (
	NUndf  = 0x00
	NFun   = 0x24
	NSLine = 0x44
	NSO    = 0x64
	NSOL   = 0x84
)

// StabSize is the size of one .stab record.
const StabSize = 12

// Stab is one raw .stab record.
type Stab struct {
	Strx  uint32
	Type  uint8
	Other uint8
	Desc  uint16
	Value uint32
}

type stabReader struct {
	strs       []byte
	base, next uint32
}

func (r *stabReader) name(strx uint32) (string, error) {
	off := uint64(r.base) + uint64(strx)
	if off >= uint64(len(r.strs)) {
		if strx == 0 {
			return "", nil
		}
		return "", errors.Wrapf(status.ErrCorrupt, "stab string %#x outside .stabstr", off)
	}
	s := r.strs[off:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s), nil
}

// Extract builds a side-table from the contents of a .stab and its .stabstr section. Line
// addresses stay link addresses; Encode relocates them.
func Extract(stab, stabstr []byte) (*Table, error) {
	if len(stab)%StabSize != 0 {
		return nil, errors.Wrapf(status.ErrBadFormat, ".stab size %d is not a multiple of %d", len(stab), StabSize)
	}
	t := new(Table)
	r := &stabReader{strs: stabstr}
	var fn uint32
	for p := stab; len(p) > 0; p = p[StabSize:] {
		var s Stab
		if err := binary.Read(bytes.NewReader(p[:StabSize]), binary.LittleEndian, &s); err != nil {
			return nil, errors.Wrap(status.ErrCorrupt, err.Error())
		}
		switch s.Type {
		case NUndf:
			// compilation unit header: Value is the size of this unit's string table
			r.base = r.next
			r.next += s.Value
		case NSO:
			name, err := r.name(s.Strx)
			if err != nil {
				return nil, err
			}
			switch {
			case name == "":
				fn = 0
			case name[len(name)-1] == '/':
				t.AddMarker(Directory, name)
			default:
				t.AddMarker(SourceFile, name)
				fn = s.Value
			}
		case NSOL:
			name, err := r.name(s.Strx)
			if err != nil {
				return nil, err
			}
			t.AddMarker(IncludeFile, name)
		case NFun:
			name, err := r.name(s.Strx)
			if err != nil {
				return nil, err
			}
			if name != "" {
				fn = s.Value
			}
		case NSLine:
			t.AddLine(fn+s.Value, s.Desc)
		}
	}
	return t, nil
}
