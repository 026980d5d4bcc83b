// Package debuginfo extracts a compact line-number side-table from STABS debug sections.
//
// The side-table is a deduplicated string pool and a list of (value, line) records. Marker
// records name a file instead of a line: IncludeFile, Directory and SourceFile carry a
// string-pool offset in value. Every other record maps the address in value to a source line.
package debuginfo

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/osfree-project/l4exec/status"
)

const (
	IncludeFile uint16 = 0xfffd
	Directory   uint16 = 0xfffe
	SourceFile  uint16 = 0xffff

	maxLine = IncludeFile - 1
)

// Magic starts every encoded side-table ("LINE" little endian).
const Magic uint32 = 0x454e494c

const (
	headerSize = 16
	recordSize = 8
)

type (
	// Line is one side-table record.
	Line struct {
		Value uint32
		Line  uint16
	}
	// Table is a side-table under construction or decoded from a blob.
	Table struct {
		pool  []byte
		ends  []uint32 // offset of the NUL closing every pool entry
		Lines []Line
	}
)

// IsMarker reports whether l names a file rather than a line.
func (l Line) IsMarker() bool {
	return l.Line >= IncludeFile
}

// Intern returns the pool offset of s, appending it only if s is not already a suffix of an
// existing entry.
func (t *Table) Intern(s string) uint32 {
	n := uint32(len(s))
	start := uint32(0)
	for _, end := range t.ends {
		if end-start >= n && string(t.pool[end-n:end]) == s {
			return end - n
		}
		start = end + 1
	}
	off := uint32(len(t.pool))
	t.pool = append(t.pool, s...)
	t.pool = append(t.pool, 0)
	t.ends = append(t.ends, uint32(len(t.pool)-1))
	return off
}

// String returns the pool string at off.
func (t *Table) String(off uint32) string {
	if off >= uint32(len(t.pool)) {
		return ""
	}
	s := t.pool[off:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}

// Pool returns the raw string pool.
func (t *Table) Pool() []byte {
	return t.pool
}

// AddMarker appends a file marker naming s.
func (t *Table) AddMarker(kind uint16, s string) {
	t.Lines = append(t.Lines, Line{Value: t.Intern(s), Line: kind})
}

// AddLine appends a line record. A line at the same address as the record before it
// replaces that record.
func (t *Table) AddLine(addr uint32, line uint16) {
	if line > maxLine {
		line = maxLine
	}
	if n := len(t.Lines); n > 0 {
		if last := &t.Lines[n-1]; !last.IsMarker() && last.Value == addr {
			last.Line = line
			return
		}
	}
	t.Lines = append(t.Lines, Line{Value: addr, Line: line})
}

// Encode writes the side-table to dst, translating line addresses through reloc when it is
// not nil. With a nil dst only the required size is computed. It returns the size in bytes.
func (t *Table) Encode(dst []byte, reloc func(uint32) uint32) (int, error) {
	size := headerSize + recordSize*len(t.Lines) + len(t.pool)
	if dst == nil {
		return size, nil
	}
	if len(dst) < size {
		return size, errors.Wrapf(status.ErrInvalid, "line buffer of %d bytes, need %d", len(dst), size)
	}
	le := binary.LittleEndian
	stroff := uint32(headerSize + recordSize*len(t.Lines))
	le.PutUint32(dst[0:], Magic)
	le.PutUint32(dst[4:], uint32(len(t.Lines)))
	le.PutUint32(dst[8:], stroff)
	le.PutUint32(dst[12:], uint32(len(t.pool)))
	p := dst[headerSize:]
	for _, l := range t.Lines {
		v := l.Value
		if reloc != nil && !l.IsMarker() {
			v = reloc(v)
		}
		le.PutUint32(p[0:], v)
		le.PutUint16(p[4:], l.Line)
		le.PutUint16(p[6:], 0)
		p = p[recordSize:]
	}
	copy(dst[stroff:], t.pool)
	return size, nil
}

// Decode parses an encoded side-table.
func Decode(b []byte) (*Table, error) {
	le := binary.LittleEndian
	if len(b) < headerSize || le.Uint32(b) != Magic {
		return nil, errors.Wrap(status.ErrBadFormat, "not a line table")
	}
	n, stroff, strsize := le.Uint32(b[4:]), le.Uint32(b[8:]), le.Uint32(b[12:])
	if uint64(headerSize)+uint64(n)*recordSize > uint64(stroff) || uint64(stroff)+uint64(strsize) > uint64(len(b)) {
		return nil, errors.Wrap(status.ErrCorrupt, "line table bounds")
	}
	t := &Table{Lines: make([]Line, n)}
	p := b[headerSize:]
	for i := range t.Lines {
		t.Lines[i] = Line{Value: le.Uint32(p), Line: le.Uint16(p[4:])}
		p = p[recordSize:]
	}
	t.pool = append([]byte(nil), b[stroff:stroff+strsize]...)
	for i, c := range t.pool {
		if c == 0 {
			t.ends = append(t.ends, uint32(i))
		}
	}
	return t, nil
}

// DecodeAll parses a blob of side-tables laid out back to back.
func DecodeAll(b []byte) (out []*Table, err error) {
	le := binary.LittleEndian
	for len(b) > 0 {
		var t *Table
		if t, err = Decode(b); err != nil {
			return
		}
		out = append(out, t)
		b = b[le.Uint32(b[8:])+le.Uint32(b[12:]):]
	}
	return
}
