package object

import (
	"bytes"
	"debug/elf"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/osfree-project/l4exec/env"
	"github.com/osfree-project/l4exec/status"
)

// elfHash is the System V symbol hash.
func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
		}
		h &^= 0xf0000000
	}
	return h
}

// FindSymbol looks name up in the exported symbol hash table, or scans the dynamic symbol
// table of images which carry none. A matching undefined entry ends the search.
func (o *elf32Obj) FindSymbol(name string, needGlobal bool) (Symbol, Lookup) {
	if o.hashed != nil {
		nb := uint32(len(o.buckets))
		if nb == 0 {
			return Symbol{}, NotFound
		}
		i := o.buckets[elfHash(name)%nb]
		for steps := 0; i != 0 && steps < len(o.chains); steps++ {
			if int(i) >= len(o.hashed.syms) || int(i) >= len(o.chains) {
				break
			}
			if s, r, done := o.match(o.hashed.syms[i], name, needGlobal); done {
				return s, r
			}
			i = o.chains[i]
		}
		return Symbol{}, NotFound
	}
	if o.dynsym == nil {
		return Symbol{}, NotFound
	}
	for _, sym := range o.dynsym.syms[1:] {
		if s, r, done := o.match(sym, name, needGlobal); done {
			return s, r
		}
	}
	return Symbol{}, NotFound
}

func (o *elf32Obj) match(sym sym32, name string, needGlobal bool) (Symbol, Lookup, bool) {
	if sym.Name != name {
		return Symbol{}, NotFound, false
	}
	if !sym.defined() {
		if sym.bind() == elf.STB_WEAK {
			return Symbol{}, UndefinedWeak, true
		}
		return Symbol{}, NotFound, true
	}
	if needGlobal && sym.bind() == elf.STB_LOCAL {
		return Symbol{}, NotFound, false
	}
	s := o.symbol(sym)
	if sym.bind() == elf.STB_WEAK {
		return s, WeakFound, true
	}
	return s, Found, true
}

// symbol turns a defined table entry into a Symbol.
func (o *elf32Obj) symbol(sym sym32) Symbol {
	s := Symbol{Name: sym.Name, Value: sym.Value, Size: sym.Size, Bind: sym.bind(), Object: o}
	if !sym.absolute() {
		s.Section = o.section(sym.Value)
	}
	return s
}

// relocate maps the link address a onto the address the client of e sees it at.
func (o *elf32Obj) relocate(e *env.Descriptor, a uint32) uint32 {
	if p := o.section(a); p != nil {
		if r, ok := e.Of(p); ok {
			return r.Addr + (a - p.LinkAddr)
		}
	}
	return a
}

// symbolKind is the nm style type letter of sym, lower case for local symbols.
func (o *elf32Obj) symbolKind(sym sym32) byte {
	var k byte
	switch {
	case sym.absolute():
		k = 'A'
	case sym.bind() == elf.STB_WEAK:
		return 'W'
	default:
		k = 'D'
		if p := o.section(sym.Value); p != nil && p.Type&env.X != 0 {
			k = 'T'
		} else if p != nil && p.Type&env.W == 0 {
			k = 'R'
		}
	}
	if sym.bind() == elf.STB_LOCAL {
		k += 'a' - 'A'
	}
	return k
}

// collectSymbols keeps the printable symbols of .symtab, or of .dynsym for stripped images.
func (o *elf32Obj) collectSymbols(tabs map[int]*symTable) {
	var src *symTable
	for _, t := range tabs {
		if t == o.dynsym {
			continue
		}
		if src == nil || t.index < src.index {
			src = t
		}
	}
	if src == nil {
		src = o.dynsym
	}
	if src == nil {
		return
	}
	for _, sym := range src.syms[1:] {
		if sym.Name == "" || !sym.defined() {
			continue
		}
		if k := sym.kind(); k == elf.STT_SECTION || k == elf.STT_FILE {
			continue
		}
		o.side = append(o.side, sideSym{value: sym.Value, kind: o.symbolKind(sym), name: sym.Name})
	}
}

// Symbols renders the symbol side-table as "%08x %c %s\n" lines, relocated for e and sorted
// by address.
func (o *elf32Obj) Symbols(e *env.Descriptor, dst []byte) (int, error) {
	if o.Flags()&CollectSymbols == 0 || len(o.side) == 0 {
		return 0, errors.Wrapf(status.ErrNotFound, "no symbols for %q", o.path)
	}
	type line struct {
		addr uint32
		s    sideSym
	}
	lines := make([]line, len(o.side))
	for i, s := range o.side {
		addr := s.value
		if s.kind != 'A' && s.kind != 'a' {
			addr = o.relocate(e, s.value)
		}
		lines[i] = line{addr, s}
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].addr < lines[j].addr })
	var b bytes.Buffer
	for _, l := range lines {
		fmt.Fprintf(&b, "%08x %c %s\n", l.addr, l.s.kind, l.s.name)
	}
	if dst == nil {
		return b.Len(), nil
	}
	if len(dst) < b.Len() {
		return 0, errors.Wrapf(status.ErrInvalid, "symbol buffer of %d bytes, need %d", len(dst), b.Len())
	}
	return copy(dst, b.Bytes()), nil
}

// Lines encodes the line side-table with addresses relocated for e.
func (o *elf32Obj) Lines(e *env.Descriptor, dst []byte) (int, error) {
	if o.Flags()&CollectLines == 0 || o.lines == nil {
		return 0, errors.Wrapf(status.ErrNotFound, "no line table for %q", o.path)
	}
	return o.lines.Encode(dst, func(a uint32) uint32 { return o.relocate(e, a) })
}
