package object

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/osfree-project/l4exec/debuginfo"
	"github.com/osfree-project/l4exec/env"
	"github.com/osfree-project/l4exec/image"
	"github.com/osfree-project/l4exec/region"
	"github.com/osfree-project/l4exec/status"
)

const (
	ehdr32Size = 52
	phdr32Size = 32
	shdr32Size = 40
	dyn32Size  = 8
	rel32Size  = 8
	rela32Size = 12
)

type (
	// HeaderSection is one section header table entry with its contents. Header sections only
	// live while the image is parsed.
	HeaderSection struct {
		Index int
		Name  string
		Hdr   elf.Section32
		Data  []byte
	}
	sym32 struct {
		Name  string
		Value uint32
		Size  uint32
		Info  uint8
		Shndx uint16
	}
	symTable struct {
		index int
		name  string
		syms  []sym32 // includes the null symbol at index 0
	}
	reloc32 struct {
		off    uint32
		typ    elf.R_386
		sym    uint32
		addend int32
		rela   bool
	}
	relTable struct {
		name    string
		syms    *symTable
		entries []reloc32
	}
	sideSym struct {
		value uint32
		kind  byte
		name  string
	}

	elf32Obj struct {
		common
		hdr     elf.Header32
		needed  []string
		hsecs   []*HeaderSection
		hashed  *symTable
		buckets []uint32
		chains  []uint32
		dynsym  *symTable
		rels    []relTable
		side    []sideSym
		lines   *debuginfo.Table
	}
)

func (s sym32) bind() elf.SymBind { return elf.ST_BIND(s.Info) }
func (s sym32) kind() elf.SymType { return elf.ST_TYPE(s.Info) }
func (s sym32) defined() bool { return elf.SectionIndex(s.Shndx) != elf.SHN_UNDEF }
func (s sym32) absolute() bool { return elf.SectionIndex(s.Shndx) == elf.SHN_ABS }

func (h *HeaderSection) typ() elf.SectionType { return elf.SectionType(h.Hdr.Type) }

func decode(b []byte, v any) error {
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, v); err != nil {
		return errors.Wrap(status.ErrCorrupt, err.Error())
	}
	return nil
}

func cstring(b []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(b)) {
		return "", errors.Wrapf(status.ErrCorrupt, "string offset %#x outside table of %#x bytes", off, len(b))
	}
	s := b[off:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s), nil
}

func wrapSection(err error, h *HeaderSection) error {
	return errors.Wrapf(err, "section %d %q", h.Index, h.Name)
}

func wrapSegment(err error, i int) error {
	return errors.Wrapf(err, "segment %d", i)
}

// Probe identifies the image format from the ident bytes.
func Probe(img *image.Image) (Format, error) {
	if len(img.Data) < elf.EI_NIDENT || !bytes.Equal(img.Data[:4], []byte(elf.ELFMAG)) {
		return 0, errors.Wrapf(status.ErrBadFormat, "%q: no ELF magic", img.Path)
	}
	switch c := elf.Class(img.Data[elf.EI_CLASS]); c {
	case elf.ELFCLASS32:
		return Elf32, nil
	case elf.ELFCLASS64:
		return Elf64, nil
	default:
		return 0, errors.Wrapf(status.ErrBadFormat, "%q: class %s", img.Path, c)
	}
}

// ProbeType tells whether img is loadable here without touching any loader state. Images
// asking for a program interpreter yield status.ErrForeignInterpreter.
func ProbeType(img *image.Image) error {
	f, err := Probe(img)
	if err != nil {
		return err
	}
	if f == Elf64 {
		return probeElf64(img)
	}
	hdr, err := header32(img)
	if err != nil {
		return err
	}
	progs, err := progs32(img, &hdr)
	if err != nil {
		return err
	}
	return checkInterp(img, progs)
}

func header32(img *image.Image) (hdr elf.Header32, err error) {
	if len(img.Data) < ehdr32Size {
		return hdr, errors.Wrapf(status.ErrBadFormat, "%q: truncated ELF header", img.Path)
	}
	if err = decode(img.Data[:ehdr32Size], &hdr); err != nil {
		return
	}
	size := uint64(len(img.Data))
	var why string
	switch {
	case elf.Class(hdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS32:
		why = fmt.Sprintf("class %s", elf.Class(hdr.Ident[elf.EI_CLASS]))
	case elf.Data(hdr.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB:
		why = fmt.Sprintf("data %s, expected ELFDATA2LSB", elf.Data(hdr.Ident[elf.EI_DATA]))
	case elf.Version(hdr.Ident[elf.EI_VERSION]) != elf.EV_CURRENT:
		why = fmt.Sprintf("version %d", hdr.Ident[elf.EI_VERSION])
	case elf.Machine(hdr.Machine) != elf.EM_386:
		why = fmt.Sprintf("machine %s, expected EM_386", elf.Machine(hdr.Machine))
	case elf.Type(hdr.Type) != elf.ET_EXEC && elf.Type(hdr.Type) != elf.ET_DYN:
		why = fmt.Sprintf("type %s, expected ET_EXEC or ET_DYN", elf.Type(hdr.Type))
	case hdr.Phnum > 0 && hdr.Phentsize != phdr32Size:
		why = fmt.Sprintf("program header size %d", hdr.Phentsize)
	case hdr.Shnum > 0 && hdr.Shentsize != shdr32Size:
		why = fmt.Sprintf("section header size %d", hdr.Shentsize)
	case uint64(hdr.Phoff)+uint64(hdr.Phnum)*phdr32Size > size:
		why = "truncated program header table"
	case uint64(hdr.Shoff)+uint64(hdr.Shnum)*shdr32Size > size:
		why = "truncated section header table"
	}
	if why != "" {
		err = errors.Wrapf(status.ErrBadFormat, "%q: %s", img.Path, why)
	}
	return
}

func progs32(img *image.Image, hdr *elf.Header32) ([]elf.Prog32, error) {
	progs := make([]elf.Prog32, hdr.Phnum)
	for i := range progs {
		off := hdr.Phoff + uint32(i)*phdr32Size
		if err := decode(img.Data[off:off+phdr32Size], &progs[i]); err != nil {
			return nil, wrapSegment(err, i)
		}
	}
	return progs, nil
}

func checkInterp(img *image.Image, progs []elf.Prog32) error {
	for i, p := range progs {
		if elf.ProgType(p.Type) != elf.PT_INTERP {
			continue
		}
		interp := "?"
		if b, err := img.At(p.Off, p.Filesz); err == nil {
			interp = string(bytes.TrimRight(b, "\x00"))
		}
		return wrapSegment(errors.Wrapf(status.ErrForeignInterpreter, "%q wants %q", img.Path, interp), i)
	}
	return nil
}

func sections32(img *image.Image, hdr *elf.Header32) ([]*HeaderSection, error) {
	if hdr.Shnum == 0 {
		return nil, nil
	}
	if hdr.Shstrndx >= hdr.Shnum {
		return nil, errors.Wrapf(status.ErrCorrupt, "section name table index %d of %d", hdr.Shstrndx, hdr.Shnum)
	}
	secs := make([]*HeaderSection, hdr.Shnum)
	for i := range secs {
		h := &HeaderSection{Index: i}
		off := hdr.Shoff + uint32(i)*shdr32Size
		if err := decode(img.Data[off:off+shdr32Size], &h.Hdr); err != nil {
			return nil, errors.Wrapf(err, "section %d", i)
		}
		switch h.typ() {
		case elf.SHT_NULL, elf.SHT_NOBITS:
		default:
			data, err := img.At(h.Hdr.Off, h.Hdr.Size)
			if err != nil {
				return nil, errors.Wrapf(err, "section %d", i)
			}
			h.Data = data
		}
		secs[i] = h
	}
	names := secs[hdr.Shstrndx].Data
	for _, h := range secs {
		if h.Hdr.Name == 0 {
			continue
		}
		name, err := cstring(names, h.Hdr.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "name of section %d", h.Index)
		}
		h.Name = name
	}
	return secs, nil
}

func loadElf32(ctx *Context, img *image.Image, flags Flags, client region.ClientID) (ExecObj, error) {
	o := &elf32Obj{common: common{path: img.Path, client: client, log: ctx.Log}}
	o.refs.Store(1)
	o.flags.Store(uint32(flags &^ (Dynamic | DepsLoaded)))
	if err := o.parse(ctx, img); err != nil {
		return nil, multierr.Append(err, o.releaseSections())
	}
	return o, nil
}

func (o *elf32Obj) Format() Format { return Elf32 }

func (o *elf32Obj) parse(ctx *Context, img *image.Image) (err error) {
	if o.hdr, err = header32(img); err != nil {
		return
	}
	progs, err := progs32(img, &o.hdr)
	if err != nil {
		return
	}
	if err = checkInterp(img, progs); err != nil {
		return
	}
	o.entry = o.hdr.Entry
	if err = o.loadSegments(ctx.Regions, img, progs); err != nil {
		return
	}
	if o.hsecs, err = sections32(img, &o.hdr); err != nil {
		return
	}
	// header sections are not needed past this point
	defer func() { o.hsecs = nil }()
	if err = o.readDynamic(); err != nil {
		return
	}
	tabs, err := o.readSymbolTables()
	if err != nil {
		return
	}
	if err = o.readHash(tabs); err != nil {
		return
	}
	if err = o.readRelocations(tabs); err != nil {
		return
	}
	if o.Flags()&CollectSymbols != 0 {
		o.collectSymbols(tabs)
	}
	if o.Flags()&CollectLines != 0 {
		err = o.collectLines()
	}
	return
}

func segmentType(ph *elf.Prog32, typ elf.Type, flags Flags) env.Type {
	var t env.Type
	pf := elf.ProgFlag(ph.Flags)
	if pf&elf.PF_R != 0 {
		t |= env.R
	}
	if pf&elf.PF_W != 0 {
		t |= env.W
		if flags&DirectMap == 0 {
			t |= env.Shared
		}
	}
	if pf&elf.PF_X != 0 {
		t |= env.X
	}
	if typ == elf.ET_DYN {
		t |= env.Reloc
	}
	return t
}

// loadSegments carves every PT_LOAD segment into a program section and copies its file
// contents; the rest up to the memory size stays zero.
func (o *elf32Obj) loadSegments(svc region.Service, img *image.Image, progs []elf.Prog32) error {
	for i := range progs {
		ph := &progs[i]
		switch elf.ProgType(ph.Type) {
		case elf.PT_DYNAMIC:
			o.setFlags(Dynamic)
		case elf.PT_LOAD:
			if ph.Memsz == 0 {
				continue
			}
			if ph.Filesz > ph.Memsz {
				return wrapSegment(errors.Wrapf(status.ErrCorrupt, "file size %#x exceeds memory size %#x", ph.Filesz, ph.Memsz), i)
			}
			if uint64(ph.Vaddr)+uint64(ph.Memsz) > 1<<32 {
				return wrapSegment(errors.Wrapf(status.ErrCorrupt, "%#x+%#x wraps the address space", ph.Vaddr, ph.Memsz), i)
			}
			for _, p := range o.psecs {
				if p.ContainsLink(ph.Vaddr) || (ph.Vaddr < p.LinkAddr && p.LinkAddr < ph.Vaddr+ph.Memsz) {
					return wrapSegment(errors.Wrapf(status.ErrCorrupt, "overlaps %s", p), i)
				}
			}
			data, err := img.At(ph.Off, ph.Filesz)
			if err != nil {
				return wrapSegment(err, i)
			}
			p, err := newProgSection(svc, o.path, len(o.psecs), segmentType(ph, elf.Type(o.hdr.Type), o.Flags()), ph.Vaddr, ph.Memsz)
			if err != nil {
				return wrapSegment(err, i)
			}
			copy(p.Region.Bytes(), data)
			o.psecs = append(o.psecs, p)
		}
	}
	if len(o.psecs) == 0 {
		return errors.Wrapf(status.ErrBadFormat, "%q: no loadable segments", o.path)
	}
	o.psecs[0].Type |= env.Begin
	o.psecs[len(o.psecs)-1].Type |= env.End
	return nil
}

// linked returns the header section h links to, checking it has type want.
func (o *elf32Obj) linked(h *HeaderSection, want elf.SectionType) (*HeaderSection, error) {
	if int(h.Hdr.Link) >= len(o.hsecs) || h.Hdr.Link == 0 {
		return nil, wrapSection(errors.Wrapf(status.ErrCorrupt, "link %d out of range", h.Hdr.Link), h)
	}
	l := o.hsecs[h.Hdr.Link]
	if l.typ() != want {
		return nil, wrapSection(errors.Wrapf(status.ErrBadFormat, "linked section %d has type %s, expected %s", l.Index, l.typ(), want), h)
	}
	return l, nil
}

func (o *elf32Obj) readDynamic() error {
	for _, h := range o.hsecs {
		if h.typ() != elf.SHT_DYNAMIC {
			continue
		}
		o.setFlags(Dynamic)
		strs, err := o.linked(h, elf.SHT_STRTAB)
		if err != nil {
			if errors.Is(err, status.ErrCorrupt) {
				err = errors.Wrap(status.ErrBadFormat, err.Error())
			}
			return err
		}
		for off := 0; off+dyn32Size <= len(h.Data); off += dyn32Size {
			var d elf.Dyn32
			if err = decode(h.Data[off:off+dyn32Size], &d); err != nil {
				return wrapSection(err, h)
			}
			tag := elf.DynTag(d.Tag)
			if tag == elf.DT_NULL {
				break
			}
			if tag != elf.DT_NEEDED {
				continue
			}
			name, err := cstring(strs.Data, d.Val)
			if err != nil {
				return wrapSection(err, h)
			}
			o.needed = append(o.needed, name)
		}
	}
	return nil
}

func (o *elf32Obj) readSymbolTables() (map[int]*symTable, error) {
	tabs := make(map[int]*symTable)
	for _, h := range o.hsecs {
		if h.typ() != elf.SHT_SYMTAB && h.typ() != elf.SHT_DYNSYM {
			continue
		}
		strs, err := o.linked(h, elf.SHT_STRTAB)
		if err != nil {
			return nil, err
		}
		if len(h.Data)%elf.Sym32Size != 0 {
			return nil, wrapSection(errors.Wrapf(status.ErrCorrupt, "size %#x is not a multiple of %d", len(h.Data), elf.Sym32Size), h)
		}
		t := &symTable{index: h.Index, name: h.Name, syms: make([]sym32, len(h.Data)/elf.Sym32Size)}
		for i := range t.syms {
			var s elf.Sym32
			if err = decode(h.Data[i*elf.Sym32Size:(i+1)*elf.Sym32Size], &s); err != nil {
				return nil, wrapSection(err, h)
			}
			name := ""
			if s.Name != 0 {
				if name, err = cstring(strs.Data, s.Name); err != nil {
					return nil, wrapSection(errors.Wrapf(err, "symbol %d", i), h)
				}
			}
			t.syms[i] = sym32{Name: name, Value: s.Value, Size: s.Size, Info: s.Info, Shndx: s.Shndx}
		}
		tabs[h.Index] = t
		if h.typ() == elf.SHT_DYNSYM {
			o.dynsym = t
		}
	}
	return tabs, nil
}

func (o *elf32Obj) readHash(tabs map[int]*symTable) error {
	for _, h := range o.hsecs {
		if h.typ() != elf.SHT_HASH {
			continue
		}
		t, ok := tabs[int(h.Hdr.Link)]
		if !ok {
			return wrapSection(errors.Wrapf(status.ErrCorrupt, "link %d is no symbol table", h.Hdr.Link), h)
		}
		if len(h.Data) < 8 {
			return wrapSection(errors.Wrap(status.ErrCorrupt, "truncated"), h)
		}
		nbucket := binary.LittleEndian.Uint32(h.Data)
		nchain := binary.LittleEndian.Uint32(h.Data[4:])
		if uint64(len(h.Data)) < 8+4*(uint64(nbucket)+uint64(nchain)) || int(nchain) > len(t.syms) {
			return wrapSection(errors.Wrapf(status.ErrCorrupt, "%d buckets, %d chains do not fit", nbucket, nchain), h)
		}
		words := make([]uint32, nbucket+nchain)
		if err := decode(h.Data[8:8+4*len(words)], words); err != nil {
			return wrapSection(err, h)
		}
		o.hashed, o.buckets, o.chains = t, words[:nbucket], words[nbucket:]
	}
	return nil
}

func (o *elf32Obj) readRelocations(tabs map[int]*symTable) error {
	for _, h := range o.hsecs {
		rela := h.typ() == elf.SHT_RELA
		if h.typ() != elf.SHT_REL && !rela {
			continue
		}
		if int(h.Hdr.Info) >= len(o.hsecs) {
			return wrapSection(errors.Wrapf(status.ErrCorrupt, "target section %d does not exist", h.Hdr.Info), h)
		}
		var syms *symTable
		if h.Hdr.Link != 0 {
			var ok bool
			if syms, ok = tabs[int(h.Hdr.Link)]; !ok {
				return wrapSection(errors.Wrapf(status.ErrCorrupt, "link %d is no symbol table", h.Hdr.Link), h)
			}
		}
		size := rel32Size
		if rela {
			size = rela32Size
		}
		if len(h.Data)%size != 0 {
			return wrapSection(errors.Wrapf(status.ErrCorrupt, "size %#x is not a multiple of %d", len(h.Data), size), h)
		}
		t := relTable{name: h.Name, syms: syms, entries: make([]reloc32, len(h.Data)/size)}
		for i := range t.entries {
			b := h.Data[i*size : (i+1)*size]
			r := reloc32{rela: rela}
			var info uint32
			if rela {
				var x elf.Rela32
				if err := decode(b, &x); err != nil {
					return wrapSection(err, h)
				}
				r.off, info, r.addend = x.Off, x.Info, x.Addend
			} else {
				var x elf.Rel32
				if err := decode(b, &x); err != nil {
					return wrapSection(err, h)
				}
				r.off, info = x.Off, x.Info
			}
			r.typ, r.sym = elf.R_386(elf.R_TYPE32(info)), elf.R_SYM32(info)
			if r.sym != 0 && (syms == nil || int(r.sym) >= len(syms.syms)) {
				return wrapSection(errors.Wrapf(status.ErrCorrupt, "relocation %d refers to symbol %d", i, r.sym), h)
			}
			t.entries[i] = r
		}
		o.rels = append(o.rels, t)
	}
	return nil
}

// collectLines extracts the line side-table from .stab and its string table.
func (o *elf32Obj) collectLines() error {
	for _, h := range o.hsecs {
		if h.Name != ".stab" {
			continue
		}
		strs, err := o.linked(h, elf.SHT_STRTAB)
		if err != nil {
			return err
		}
		t, err := debuginfo.Extract(h.Data, strs.Data)
		if err != nil {
			return wrapSection(err, h)
		}
		o.lines = t
		o.log.Debug("line table extracted", zap.String("path", o.path), zap.Int("records", len(t.Lines)))
	}
	return nil
}

// LoadDependencies acquires every NEEDED library through the pool. Libraries inherit the
// collection and mapping flags of o and always share their sections. A library which
// already reaches o through its own dependencies is kept as a back edge without a
// reference, so a NEEDED cycle never pins its members.
func (o *elf32Obj) LoadDependencies(ctx *Context) error {
	o.loading.Lock()
	defer o.loading.Unlock()
	if o.Flags()&DepsLoaded != 0 {
		return nil
	}
	if len(o.needed) > ctx.MaxDeps {
		return errors.Wrapf(status.ErrOutOfMemory, "%q needs %d libraries, at most %d allowed", o.path, len(o.needed), ctx.MaxDeps)
	}
	flags := o.Flags()&inherited | ShareSections
	for _, name := range o.needed {
		d, err := ctx.Acquire(name, flags, o.client)
		if err != nil {
			return errors.Wrapf(err, "dependency of %q", o.path)
		}
		switch {
		case d == ExecObj(o), o.hasDep(d):
		case reaches(d, o, ctx.MaxDeps):
			o.addBackEdge(d.Path())
			o.log.Warn("dependency cycle", zap.String("path", o.path), zap.String("needed", d.Path()))
		default:
			o.addDep(d)
			o.log.Debug("dependency loaded", zap.String("path", o.path), zap.String("needed", name), zap.String("dep", d.Path()))
			continue
		}
		if err = ctx.Release(d); err != nil {
			return err
		}
	}
	o.setFlags(DepsLoaded)
	return nil
}
