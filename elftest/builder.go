// Package elftest synthesizes small i386 ELF32 images for loader tests: executables and
// shared libraries with loadable segments, dynamic sections, hash tables, relocation tables,
// symbol tables and STABS debug sections.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

type (
	// Segment becomes one PT_LOAD program header plus one allocated section.
	Segment struct {
		Vaddr   uint32
		Flags   elf.ProgFlag
		Data    []byte
		MemSize uint32 // defaults to len(Data)
	}
	// Sym is a symbol table entry. Defined symbols get the section of the segment that
	// contains Value, or SHN_ABS when no segment does.
	Sym struct {
		Name  string
		Value uint32
		Size  uint32
		Bind  elf.SymBind
		Type  elf.SymType
		Undef bool
	}
	// Rel is a relocation against .dynsym; Sym names the symbol, "" means index 0.
	Rel struct {
		Off    uint32
		Type   elf.R_386
		Sym    string
		Addend int32 // RELA only
	}
	Builder struct {
		Type    elf.Type
		Machine elf.Machine
		Entry   uint32
		Interp  string
		Segs    []Segment
		Needed  []string
		Dynsyms []Sym
		Symtab  []Sym
		Rels    []Rel
		Rela    bool
		NoHash  bool
		Buckets uint32
		Stab    []byte
		Stabstr []byte
	}
)

type section struct {
	name string
	hdr  elf.Section32
	data []byte
}

type strtab struct {
	b []byte
}

func (s *strtab) add(x string) uint32 {
	if len(s.b) == 0 {
		s.b = append(s.b, 0)
	}
	if x == "" {
		return 0
	}
	off := uint32(len(s.b))
	s.b = append(s.b, x...)
	s.b = append(s.b, 0)
	return off
}

// Hash is the System V ELF symbol hash.
func Hash(name string) uint32 {
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

func put(w *bytes.Buffer, v any) {
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		panic(err)
	}
}

func (b *Builder) shndx(s Sym) uint16 {
	if s.Undef {
		return uint16(elf.SHN_UNDEF)
	}
	for i, seg := range b.Segs {
		size := seg.MemSize
		if size == 0 {
			size = uint32(len(seg.Data))
		}
		if seg.Vaddr <= s.Value && s.Value < seg.Vaddr+size {
			return uint16(1 + i)
		}
	}
	return uint16(elf.SHN_ABS)
}

func (b *Builder) symbols(syms []Sym, str *strtab) []byte {
	var w bytes.Buffer
	put(&w, elf.Sym32{})
	for _, s := range syms {
		put(&w, elf.Sym32{
			Name:  str.add(s.Name),
			Value: s.Value,
			Size:  s.Size,
			Info:  elf.ST_INFO(s.Bind, s.Type),
			Shndx: b.shndx(s),
		})
	}
	return w.Bytes()
}

func (b *Builder) hash() []byte {
	n := uint32(len(b.Dynsyms) + 1)
	nb := b.Buckets
	if nb == 0 {
		nb = 3
	}
	buckets := make([]uint32, nb)
	chains := make([]uint32, n)
	for i := uint32(1); i < n; i++ {
		h := Hash(b.Dynsyms[i-1].Name) % nb
		chains[i] = buckets[h]
		buckets[h] = i
	}
	var w bytes.Buffer
	put(&w, nb)
	put(&w, n)
	put(&w, buckets)
	put(&w, chains)
	return w.Bytes()
}

func (b *Builder) dynIndex(name string) uint32 {
	if name == "" {
		return 0
	}
	for i, s := range b.Dynsyms {
		if s.Name == name {
			return uint32(i + 1)
		}
	}
	panic(fmt.Sprintf("elftest: relocation against unknown symbol %q", name))
}

// Bytes lays the image out and returns it.
func (b *Builder) Bytes() []byte {
	const (
		ehsize = 52
		phsize = 32
		shsize = 40
	)
	machine := b.Machine
	if machine == 0 {
		machine = elf.EM_386
	}
	typ := b.Type
	if typ == 0 {
		typ = elf.ET_EXEC
	}
	dynamic := len(b.Needed) > 0 || len(b.Dynsyms) > 0 || len(b.Rels) > 0

	var secs []*section
	for i, s := range b.Segs {
		flags := elf.SHF_ALLOC
		if s.Flags&elf.PF_W != 0 {
			flags |= elf.SHF_WRITE
		}
		if s.Flags&elf.PF_X != 0 {
			flags |= elf.SHF_EXECINSTR
		}
		secs = append(secs, &section{
			name: fmt.Sprintf(".seg%d", i),
			hdr:  elf.Section32{Type: uint32(elf.SHT_PROGBITS), Flags: uint32(flags), Addr: s.Vaddr, Addralign: 4},
			data: s.Data,
		})
	}
	index := func(name string) uint32 {
		for i, s := range secs {
			if s.name == name {
				return uint32(i + 1)
			}
		}
		return 0
	}
	add := func(name string, typ elf.SectionType, data []byte, entsize uint32) *section {
		s := &section{name: name, hdr: elf.Section32{Type: uint32(typ), Addralign: 4, Entsize: entsize}, data: data}
		secs = append(secs, s)
		return s
	}
	if b.Interp != "" {
		add(".interp", elf.SHT_PROGBITS, append([]byte(b.Interp), 0), 0)
	}
	if dynamic {
		var dynstr strtab
		dynstr.add("")
		dynsym := b.symbols(b.Dynsyms, &dynstr)
		var needed []uint32
		for _, n := range b.Needed {
			needed = append(needed, dynstr.add(n))
		}
		add(".dynstr", elf.SHT_STRTAB, dynstr.b, 0)
		ds := add(".dynsym", elf.SHT_DYNSYM, dynsym, elf.Sym32Size)
		ds.hdr.Link = index(".dynstr")
		ds.hdr.Info = 1
		if !b.NoHash {
			h := add(".hash", elf.SHT_HASH, b.hash(), 4)
			h.hdr.Link = index(".dynsym")
		}
		if len(b.Rels) > 0 {
			var w bytes.Buffer
			for _, r := range b.Rels {
				info := elf.R_INFO32(b.dynIndex(r.Sym), uint32(r.Type))
				if b.Rela {
					put(&w, elf.Rela32{Off: r.Off, Info: info, Addend: r.Addend})
				} else {
					put(&w, elf.Rel32{Off: r.Off, Info: info})
				}
			}
			var rs *section
			if b.Rela {
				rs = add(".rela.dyn", elf.SHT_RELA, w.Bytes(), 12)
			} else {
				rs = add(".rel.dyn", elf.SHT_REL, w.Bytes(), 8)
			}
			rs.hdr.Link = index(".dynsym")
		}
		var w bytes.Buffer
		for _, n := range needed {
			put(&w, elf.Dyn32{Tag: int32(elf.DT_NEEDED), Val: n})
		}
		put(&w, elf.Dyn32{Tag: int32(elf.DT_NULL)})
		d := add(".dynamic", elf.SHT_DYNAMIC, w.Bytes(), 8)
		d.hdr.Link = index(".dynstr")
	}
	if len(b.Symtab) > 0 {
		var str strtab
		str.add("")
		sym := b.symbols(b.Symtab, &str)
		add(".strtab", elf.SHT_STRTAB, str.b, 0)
		st := add(".symtab", elf.SHT_SYMTAB, sym, elf.Sym32Size)
		st.hdr.Link = index(".strtab")
	}
	if len(b.Stab) > 0 {
		add(".stabstr", elf.SHT_STRTAB, b.Stabstr, 0)
		st := add(".stab", elf.SHT_PROGBITS, b.Stab, 12)
		st.hdr.Link = index(".stabstr")
	}
	var shstr strtab
	shstr.add("")
	for _, s := range secs {
		s.hdr.Name = shstr.add(s.name)
	}
	shs := add(".shstrtab", elf.SHT_STRTAB, nil, 0)
	shs.hdr.Name = shstr.add(".shstrtab")
	shs.data = shstr.b

	nprog := len(b.Segs)
	if b.Interp != "" {
		nprog++
	}
	if dynamic {
		nprog++
	}
	off := uint32(ehsize + phsize*nprog)
	align := func() { off = (off + 3) &^ 3 }
	for _, s := range secs {
		align()
		s.hdr.Off = off
		s.hdr.Size = uint32(len(s.data))
		off += s.hdr.Size
	}
	align()
	shoff := off

	var w bytes.Buffer
	hdr := elf.Header32{
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     b.Entry,
		Phoff:     ehsize,
		Shoff:     shoff,
		Ehsize:    ehsize,
		Phentsize: phsize,
		Phnum:     uint16(nprog),
		Shentsize: shsize,
		Shnum:     uint16(len(secs) + 1),
		Shstrndx:  uint16(len(secs)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	put(&w, hdr)
	if b.Interp != "" {
		s := secs[index(".interp")-1]
		put(&w, elf.Prog32{Type: uint32(elf.PT_INTERP), Off: s.hdr.Off, Filesz: s.hdr.Size, Memsz: s.hdr.Size, Flags: uint32(elf.PF_R), Align: 1})
	}
	for i, seg := range b.Segs {
		mem := seg.MemSize
		if mem == 0 {
			mem = uint32(len(seg.Data))
		}
		put(&w, elf.Prog32{
			Type:   uint32(elf.PT_LOAD),
			Off:    secs[i].hdr.Off,
			Vaddr:  seg.Vaddr,
			Paddr:  seg.Vaddr,
			Filesz: uint32(len(seg.Data)),
			Memsz:  mem,
			Flags:  uint32(seg.Flags),
			Align:  0x1000,
		})
	}
	if dynamic {
		s := secs[index(".dynamic")-1]
		put(&w, elf.Prog32{Type: uint32(elf.PT_DYNAMIC), Off: s.hdr.Off, Filesz: s.hdr.Size, Memsz: s.hdr.Size, Flags: uint32(elf.PF_R | elf.PF_W), Align: 4})
	}
	for _, s := range secs {
		for uint32(w.Len()) < s.hdr.Off {
			w.WriteByte(0)
		}
		w.Write(s.data)
	}
	for uint32(w.Len()) < shoff {
		w.WriteByte(0)
	}
	put(&w, elf.Section32{})
	for _, s := range secs {
		put(&w, s.hdr)
	}
	return w.Bytes()
}

// Word encodes v little endian, handy for segment contents.
func Word(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}
