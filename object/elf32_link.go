package object

import (
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/osfree-project/l4exec/env"
	"github.com/osfree-project/l4exec/status"
)

// patchTarget is a program section as seen by one Link call.
type patchTarget struct {
	rec   *env.Section
	patch bool // false once the bytes behind rec were already relocated
	bad   bool
}

// Link walks every relocation table and patches the sections exported into e. Symbols are
// searched across set, strong definitions first. A section whose record is already linked
// is skipped, and a read-only section shared between environments is patched by the first
// Link only. Relocations that cannot be resolved mark their section with env.LinkErr
// instead of failing the walk.
func (o *elf32Obj) Link(ctx *Context, set []ExecObj, e *env.Descriptor) error {
	targets := make(map[*ProgSection]*patchTarget, len(o.psecs))
	for _, p := range o.psecs {
		rec, ok := e.Of(p)
		if !ok {
			return errors.Wrapf(status.ErrCorrupt, "section %s not exported", p)
		}
		t := &patchTarget{rec: rec, patch: rec.Type&env.Linked == 0}
		if t.patch && rec.Type&env.Transferred == 0 {
			t.patch = p.beginLink()
		}
		targets[p] = t
	}
	applied := 0
	for _, tab := range o.rels {
		for _, r := range tab.entries {
			p := o.section(r.off)
			if p == nil {
				o.log.Debug("relocation outside loadable sections", zap.String("path", o.path), zap.String("table", tab.name), zap.Uint32("offset", r.off))
				continue
			}
			t := targets[p]
			if !t.patch {
				continue
			}
			if err := o.apply(set, e, tab.syms, r, p, t.rec); err != nil {
				o.log.Warn("relocation failed", zap.String("path", o.path), zap.Stringer("type", r.typ), zap.Uint32("offset", r.off), zap.Error(err))
				t.bad = true
				continue
			}
			applied++
		}
	}
	for p, t := range targets {
		bits := env.Linked
		if t.bad {
			bits |= env.LinkErr
		}
		e.Mark(p, bits)
	}
	o.log.Debug("exec object linked", zap.String("path", o.path), zap.Int("relocations", applied))
	return nil
}

// apply performs one relocation inside the client copy rec of p.
func (o *elf32Obj) apply(set []ExecObj, e *env.Descriptor, tab *symTable, r reloc32, p *ProgSection, rec *env.Section) error {
	mem := rec.Region.Bytes()
	off := r.off - p.LinkAddr
	if uint64(off)+4 > uint64(len(mem)) {
		return errors.Wrapf(status.ErrCorrupt, "patch at %#x leaves section %s", r.off, p)
	}
	at := mem[off : off+4]
	place := rec.Addr + off
	addend := binary.LittleEndian.Uint32(at)
	if r.rela {
		addend = uint32(r.addend)
	}
	var v uint32
	switch r.typ {
	case elf.R_386_NONE:
		return nil
	case elf.R_386_RELATIVE:
		v = o.relocate(e, addend)
		if o.section(addend) == nil {
			v = addend + (rec.Addr - p.LinkAddr)
		}
	case elf.R_386_32, elf.R_386_PC32, elf.R_386_GLOB_DAT, elf.R_386_JMP_SLOT:
		s, err := o.resolve(set, e, tab, r.sym)
		if err != nil {
			return err
		}
		switch r.typ {
		case elf.R_386_32:
			v = s + addend
		case elf.R_386_PC32:
			v = s + addend - place
		default:
			v = s
			if r.rela {
				v += addend
			}
		}
	case elf.R_386_COPY:
		return o.copyReloc(set, e, tab, r, mem[off:])
	default:
		o.log.Debug("relocation unhandled", zap.String("path", o.path), zap.Stringer("type", r.typ), zap.Uint32("offset", r.off))
		return nil
	}
	binary.LittleEndian.PutUint32(at, v)
	return nil
}

// resolve returns the client address symbol idx of tab stands for in e.
func (o *elf32Obj) resolve(set []ExecObj, e *env.Descriptor, tab *symTable, idx uint32) (uint32, error) {
	if idx == 0 {
		return 0, nil
	}
	sym := tab.syms[idx]
	if sym.defined() && sym.bind() == elf.STB_LOCAL {
		return o.symbol(sym).Addr(e), nil
	}
	switch s, r := Resolve(set, sym.Name, nil); r {
	case Found, WeakFound:
		return s.Addr(e), nil
	}
	switch {
	case sym.defined():
		return o.symbol(sym).Addr(e), nil
	case sym.bind() == elf.STB_WEAK:
		return 0, nil
	}
	return 0, errors.Wrapf(status.ErrNotFound, "symbol %q", sym.Name)
}

// copyReloc copies the initial contents of the definition another object holds into dst.
func (o *elf32Obj) copyReloc(set []ExecObj, e *env.Descriptor, tab *symTable, r reloc32, dst []byte) error {
	if r.sym == 0 {
		return errors.Wrap(status.ErrCorrupt, "copy relocation without symbol")
	}
	sym := tab.syms[r.sym]
	def, res := Resolve(set, sym.Name, o)
	if (res != Found && res != WeakFound) || def.Section == nil {
		return errors.Wrapf(status.ErrNotFound, "copy source %q", sym.Name)
	}
	src, ok := e.Of(def.Section)
	if !ok {
		return errors.Wrapf(status.ErrCorrupt, "copy source %q not exported", sym.Name)
	}
	from := src.Region.Bytes()
	n := uint64(sym.Size)
	at := uint64(def.Value - def.Section.LinkAddr)
	if n > uint64(len(dst)) || at+n > uint64(len(from)) {
		return errors.Wrapf(status.ErrCorrupt, "copy of %q (%d bytes) out of bounds", sym.Name, n)
	}
	copy(dst[:n], from[at:at+n])
	return nil
}
