package object

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osfree-project/l4exec/debuginfo"
	"github.com/osfree-project/l4exec/elftest"
	"github.com/osfree-project/l4exec/image"
	"github.com/osfree-project/l4exec/status"
)

func TestElfHash(t *testing.T) {
	assert.Equal(t, uint32(0x077905a6), elfHash("printf"))
	assert.Equal(t, uint32(0x0006cf04), elfHash("exit"))
	assert.Equal(t, uint32(0x026acd24), elfHash("_dl_start"))
	assert.Equal(t, elftest.Hash("a_much_longer_symbol_name"), elfHash("a_much_longer_symbol_name"))
}

func TestProbe(t *testing.T) {
	for name, tc := range map[string]struct {
		data []byte
		want error
	}{
		"executable":  {app().Bytes(), nil},
		"library":     {libA().Bytes(), nil},
		"not elf":     {[]byte("#!/bin/sh\necho hello\n"), status.ErrBadFormat},
		"short":       {[]byte{0x7f, 'E'}, status.ErrBadFormat},
		"interpreter": {(&elftest.Builder{Interp: "/lib/ld-linux.so.2", Segs: app().Segs}).Bytes(), status.ErrForeignInterpreter},
		"x86_64":      {(&elftest.Builder{Machine: elf.EM_X86_64, Segs: app().Segs}).Bytes(), status.ErrBadFormat},
		"relocatable": {(&elftest.Builder{Type: elf.ET_REL, Segs: app().Segs}).Bytes(), status.ErrBadFormat},
	} {
		t.Run(name, func(t *testing.T) {
			err := ProbeType(&image.Image{Path: name, Data: tc.data})
			if tc.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}

	elf64 := make([]byte, 64)
	copy(elf64, elf.ELFMAG)
	elf64[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	img := &image.Image{Path: "elf64", Data: elf64}
	assert.Equal(t, Elf64, fn.Panic1(Probe(img)))
	assert.ErrorIs(t, ProbeType(img), status.ErrBadFormat)
}

func TestLoadMalformed(t *testing.T) {
	good := app().Bytes()
	shstrndx := func(b []byte) []byte {
		b = append([]byte(nil), b...)
		binary.LittleEndian.PutUint16(b[50:], 0xff)
		return b
	}
	short := elftest.Segment{Vaddr: rootData, Flags: elf.PF_R | elf.PF_W, Data: make([]byte, 16), MemSize: 8}
	for name, tc := range map[string]struct {
		data []byte
		want error
	}{
		"truncated tables": {good[:ehdr32Size+8], status.ErrBadFormat},
		"name table index": {shstrndx(good), status.ErrCorrupt},
		"file beyond mem":  {(&elftest.Builder{Entry: rootText, Segs: []elftest.Segment{short}}).Bytes(), status.ErrCorrupt},
		"no segments":      {(&elftest.Builder{Needed: []string{"libA.so"}}).Bytes(), status.ErrBadFormat},
		"interpreter":      {(&elftest.Builder{Interp: "/lib/ld.so", Segs: app().Segs}).Bytes(), status.ErrForeignInterpreter},
		"missing library":  {(&elftest.Builder{Needed: []string{"libZ.so"}, Segs: app().Segs}).Bytes(), status.ErrNotFound},
	} {
		t.Run(name, func(t *testing.T) {
			f := diamond(t)
			_, err := Open(f.ctx, "", &image.Image{Path: "/bin/" + name, Data: tc.data}, 0, 1)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, 0, f.ctx.Pool().Len(), "partial state is released")
			assert.Equal(t, 0, f.regions.Live())
		})
	}
}

func TestFanOutBound(t *testing.T) {
	f := diamond(t)
	f.ctx.MaxDeps = 1
	_, err := Open(f.ctx, "/bin/app", nil, 0, 1)
	assert.ErrorIs(t, err, status.ErrOutOfMemory)
	assert.Equal(t, 0, f.ctx.Pool().Len())
	assert.Equal(t, 0, f.regions.Live())
}

func TestNeededCycle(t *testing.T) {
	x := &elftest.Builder{
		Type:    elf.ET_DYN,
		Needed:  []string{"libY.so"},
		Segs:    []elftest.Segment{{Vaddr: 0x1000, Flags: elf.PF_R, Data: make([]byte, 4)}},
		Dynsyms: []elftest.Sym{{Name: "x", Value: 0x1000, Bind: elf.STB_GLOBAL}},
	}
	y := &elftest.Builder{
		Type:   elf.ET_DYN,
		Needed: []string{"libX.so"},
		Segs: []elftest.Segment{
			{Vaddr: 0x1000, Flags: elf.PF_R, Data: make([]byte, 4)},
			{Vaddr: 0x2000, Flags: elf.PF_R | elf.PF_W, Data: make([]byte, 4)},
		},
		Dynsyms: []elftest.Sym{
			{Name: "y", Value: 0x1000, Bind: elf.STB_GLOBAL},
			{Name: "x", Bind: elf.STB_GLOBAL, Undef: true},
		},
		Rels: []elftest.Rel{{Off: 0x2000, Type: elf.R_386_32, Sym: "x"}},
	}
	needsX := &elftest.Builder{Entry: rootText, Needed: []string{"libX.so"}, Segs: app().Segs[:1]}
	needsY := &elftest.Builder{Entry: rootText, Needed: []string{"libY.so"}, Segs: app().Segs[:1]}
	files := map[string][]byte{
		"/lib/libX.so": x.Bytes(),
		"/lib/libY.so": y.Bytes(),
		"/bin/r1":      needsX.Bytes(),
		"/bin/r2":      needsY.Bytes(),
	}

	f := newFixture(t, files)
	b1 := fn.Panic1(Open(f.ctx, "/bin/r1", nil, 0, 1))
	assert.Equal(t, []string{"/bin/r1", "/lib/libX.so", "/lib/libY.so"}, paths(b1.Set()))
	require.NoError(t, b1.Link(f.ctx))

	b2 := fn.Panic1(Open(f.ctx, "/bin/r2", nil, 0, 1))
	assert.Equal(t, []string{"/bin/r2", "/lib/libY.so", "/lib/libX.so"}, paths(b2.Set()), "the back edge still brings libX in")
	require.NoError(t, b2.Link(f.ctx))
	require.NoError(t, b1.Close(f.ctx))
	assert.Equal(t, 3, f.ctx.Pool().Len(), "r2 keeps libX alive on its own")
	require.NoError(t, b2.Close(f.ctx))
	assert.Equal(t, 0, f.ctx.Pool().Len(), "the cycle edge does not pin its members")
	assert.Equal(t, 0, f.regions.Live())

	f = newFixture(t, files)
	b2 = fn.Panic1(Open(f.ctx, "/bin/r2", nil, 0, 1))
	assert.Equal(t, []string{"/bin/r2", "/lib/libY.so", "/lib/libX.so"}, paths(b2.Set()))
	require.NoError(t, b2.Link(f.ctx))
	require.NoError(t, b2.Close(f.ctx))
	assert.Equal(t, 0, f.ctx.Pool().Len())
	assert.Equal(t, 0, f.regions.Live())
}

func loadLib(t *testing.T, f *fixture, b *elftest.Builder, flags Flags) ExecObj {
	o, err := f.ctx.pool.acquireImage(f.ctx, &image.Image{Path: "/lib/test.so", Data: b.Bytes()}, flags, 1)
	require.NoError(t, err)
	t.Cleanup(func() { fn.Panic(f.ctx.Release(o)) })
	return o
}

func TestFindSymbol(t *testing.T) {
	syms := []elftest.Sym{
		{Name: "strong", Value: 0x1000, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC},
		{Name: "soft", Value: 0x1004, Bind: elf.STB_WEAK, Type: elf.STT_FUNC},
		{Name: "hidden", Value: 0x1008, Bind: elf.STB_LOCAL, Type: elf.STT_FUNC},
		{Name: "maybe", Bind: elf.STB_WEAK, Undef: true},
		{Name: "needed", Bind: elf.STB_GLOBAL, Undef: true},
		{Name: "abs", Value: 0x42, Bind: elf.STB_GLOBAL},
	}
	for _, noHash := range []bool{false, true} {
		for _, buckets := range []uint32{1, 7} {
			t.Run(fmt.Sprintf("nohash=%v/buckets=%d", noHash, buckets), func(t *testing.T) {
				f := diamond(t)
				o := loadLib(t, f, &elftest.Builder{
					Type:    elf.ET_DYN,
					NoHash:  noHash,
					Buckets: buckets,
					Segs:    []elftest.Segment{{Vaddr: 0x1000, Flags: elf.PF_R | elf.PF_X, Data: make([]byte, 16)}},
					Dynsyms: syms,
				}, 0)
				s, r := o.FindSymbol("strong", true)
				assert.Equal(t, Found, r)
				assert.Equal(t, uint32(0x1000), s.Value)
				assert.Equal(t, o.Sections()[0], s.Section)
				assert.Equal(t, o, s.Object)

				_, r = o.FindSymbol("soft", true)
				assert.Equal(t, WeakFound, r)
				_, r = o.FindSymbol("hidden", true)
				assert.Equal(t, NotFound, r)
				_, r = o.FindSymbol("hidden", false)
				assert.Equal(t, Found, r)
				_, r = o.FindSymbol("maybe", true)
				assert.Equal(t, UndefinedWeak, r)
				_, r = o.FindSymbol("needed", true)
				assert.Equal(t, NotFound, r)
				_, r = o.FindSymbol("absent", true)
				assert.Equal(t, NotFound, r)

				s, r = o.FindSymbol("abs", true)
				assert.Equal(t, Found, r)
				assert.Nil(t, s.Section)
				assert.Equal(t, uint32(0x42), s.Addr(nil))
			})
		}
	}
}

func TestSymbolsSideTable(t *testing.T) {
	root := app()
	root.Symtab = []elftest.Sym{
		{Name: "main", Value: rootText, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC},
		{Name: "helper", Value: rootText + 8, Bind: elf.STB_LOCAL, Type: elf.STT_FUNC},
		{Name: "table", Value: rootData, Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT},
		{Name: "app.c", Bind: elf.STB_LOCAL, Type: elf.STT_FILE},
		{Name: "printf", Bind: elf.STB_GLOBAL, Undef: true},
	}
	f := newFixture(t, map[string][]byte{
		"/lib/libA.so": libA().Bytes(),
		"/lib/libB.so": libB().Bytes(),
		"/bin/app":     root.Bytes(),
	})
	b := fn.Panic1(Open(f.ctx, "/bin/app", nil, CollectSymbols, 1))
	defer func() { fn.Panic(b.Close(f.ctx)) }()
	a := byPath(t, b.Set(), "/lib/libA.so")
	assert.NotZero(t, a.Flags()&CollectSymbols, "inherited")

	r := fn.Panic1(b.Symbols(f.ctx))
	text := string(r.Bytes())
	assert.Contains(t, text, fmt.Sprintf("%08x T main\n", rootText))
	assert.Contains(t, text, fmt.Sprintf("%08x t helper\n", rootText+8))
	assert.Contains(t, text, fmt.Sprintf("%08x D table\n", rootData))
	assert.Contains(t, text, fmt.Sprintf("%08x T a_func\n", clientAddr(b, a, 0x1000)))
	assert.Contains(t, text, fmt.Sprintf("%08x W shared\n", clientAddr(b, a, 0x2000)))
	assert.NotContains(t, text, "app.c")
	assert.NotContains(t, text, "printf")
	assert.True(t, strings.HasSuffix(text, "\n"))

	n := fn.Panic1(a.Symbols(b.Env(), nil))
	_, err := a.Symbols(b.Env(), make([]byte, n-1))
	assert.ErrorIs(t, err, status.ErrInvalid)

	_, err = b.Lines(f.ctx)
	assert.ErrorIs(t, err, status.ErrNotFound, "not opened for lines")
}

func TestLinesSideTable(t *testing.T) {
	str := []byte("\x00main.c\x00")
	var stab bytes.Buffer
	for _, s := range []debuginfo.Stab{
		{Type: debuginfo.NUndf, Value: uint32(len(str))},
		{Strx: 1, Type: debuginfo.NSO, Value: rootText},
		{Type: debuginfo.NSLine, Desc: 7, Value: 4},
	} {
		fn.Panic(binary.Write(&stab, binary.LittleEndian, s))
	}
	root := app()
	root.Stab, root.Stabstr = stab.Bytes(), str
	f := newFixture(t, map[string][]byte{
		"/lib/libA.so": libA().Bytes(),
		"/lib/libB.so": libB().Bytes(),
		"/bin/app":     root.Bytes(),
	})
	b := fn.Panic1(Open(f.ctx, "/bin/app", nil, CollectLines, 1))
	r := fn.Panic1(b.Lines(f.ctx))
	tb := fn.Panic1(debuginfo.Decode(r.Bytes()))
	require.Len(t, tb.Lines, 2)
	assert.Equal(t, uint16(debuginfo.SourceFile), tb.Lines[0].Line)
	assert.Equal(t, "main.c", tb.String(tb.Lines[0].Value))
	assert.Equal(t, debuginfo.Line{Value: rootText + 4, Line: 7}, tb.Lines[1])

	_, err := b.Symbols(f.ctx)
	assert.ErrorIs(t, err, status.ErrNotFound)
	require.NoError(t, b.Close(f.ctx))
	assert.Equal(t, 0, f.regions.Live(), "side-table regions go with the binary")
}
