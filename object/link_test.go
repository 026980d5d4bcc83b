package object

import (
	"debug/elf"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osfree-project/l4exec/elftest"
	"github.com/osfree-project/l4exec/env"
	"github.com/osfree-project/l4exec/status"
)

func TestLink(t *testing.T) {
	f := diamond(t)
	b := fn.Panic1(Open(f.ctx, "/bin/app", nil, 0, 1))
	defer func() { fn.Panic(b.Close(f.ctx)) }()
	set := b.Set()
	root := set[0]
	a := byPath(t, set, "/lib/libA.so")
	lb := byPath(t, set, "/lib/libB.so")

	require.NoError(t, b.Link(f.ctx))
	aFunc := clientAddr(b, a, 0x1000)
	assert.Equal(t, clientAddr(b, lb, 0x2004), word(clientBytes(t, b, root, rootData)), "strong shared from libB")
	assert.Equal(t, aFunc+0xfffffffc-(rootText+4), word(clientBytes(t, b, root, rootText+4)), "pc relative")
	assert.Equal(t, uint32(0xcafebabe), word(clientBytes(t, b, root, rootData+8)), "copied counter")
	assert.Equal(t, clientAddr(b, a, 0x1004), word(clientBytes(t, b, a, 0x2008)), "self relative")
	assert.Equal(t, aFunc, word(clientBytes(t, b, lb, 0x2000)))
	assert.Equal(t, uint32(0x1004), word(a.Sections()[1].Region.Bytes()[8:]), "the original stays pristine")

	for _, s := range b.Env().Sections() {
		assert.NotZero(t, s.Type&env.Linked, "%s", &s)
		assert.Zero(t, s.Type&env.LinkErr, "%s", &s)
	}
}

func TestLinkTwiceIsNoop(t *testing.T) {
	f := diamond(t)
	b := fn.Panic1(Open(f.ctx, "/bin/app", nil, 0, 1))
	defer func() { fn.Panic(b.Close(f.ctx)) }()
	require.NoError(t, b.Link(f.ctx))
	snapshot := func() (out [][]byte) {
		for _, s := range b.Env().Sections() {
			out = append(out, append([]byte(nil), s.Region.Bytes()...))
		}
		return
	}
	first := snapshot()
	require.NoError(t, b.Link(f.ctx))
	assert.Equal(t, first, snapshot())
}

func TestSharedTextPatchedOnce(t *testing.T) {
	f := diamond(t)
	b1 := fn.Panic1(Open(f.ctx, "/bin/app", nil, 0, 1))
	defer func() { fn.Panic(b1.Close(f.ctx)) }()
	b2 := fn.Panic1(Open(f.ctx, "/bin/app", nil, 0, 2))
	defer func() { fn.Panic(b2.Close(f.ctx)) }()
	require.NoError(t, b1.Link(f.ctx))
	require.NoError(t, b2.Link(f.ctx))
	// libA text is shared by both clients, its data is private to each
	a := byPath(t, b1.Set(), "/lib/libA.so")
	assert.Equal(t, clientAddr(b1, a, 0x1004), word(clientBytes(t, b1, a, 0x2008)))
	assert.Equal(t, clientAddr(b2, a, 0x1004), word(clientBytes(t, b2, a, 0x2008)))
	assert.Equal(t, linked, a.Sections()[0].state, "text was walked once")
	assert.Equal(t, unlinked, a.Sections()[1].state, "copy-on-write data is never patched in place")
}

func TestUnresolvedSymbol(t *testing.T) {
	root := app()
	root.Dynsyms = append(root.Dynsyms, elftest.Sym{Name: "missing", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Undef: true})
	root.Rels = append(root.Rels, elftest.Rel{Off: rootData + 12, Type: elf.R_386_32, Sym: "missing"})
	f := newFixture(t, map[string][]byte{
		"/lib/libA.so": libA().Bytes(),
		"/lib/libB.so": libB().Bytes(),
		"/bin/app":     root.Bytes(),
	})
	b := fn.Panic1(Open(f.ctx, "/bin/app", nil, 0, 1))
	defer func() { fn.Panic(b.Close(f.ctx)) }()
	set := b.Set()
	err := b.Link(f.ctx)
	require.ErrorIs(t, err, status.ErrLinkErrors)
	assert.Equal(t, status.LinkErrors, status.Of(err))

	o := set[0]
	data, _ := b.Env().Of(o.Sections()[1])
	text, _ := b.Env().Of(o.Sections()[0])
	assert.NotZero(t, data.Type&env.LinkErr)
	assert.Zero(t, text.Type&env.LinkErr)
	assert.NotZero(t, data.Type&env.Linked)
	// the rest of the section is still relocated
	lb := byPath(t, set, "/lib/libB.so")
	assert.Equal(t, clientAddr(b, lb, 0x2004), word(clientBytes(t, b, o, rootData)))
	assert.Equal(t, uint32(0xcafebabe), word(clientBytes(t, b, o, rootData+8)))
	assert.Zero(t, word(clientBytes(t, b, o, rootData+12)))
}

func TestWeakUndefinedResolvesToZero(t *testing.T) {
	root := app()
	root.Dynsyms = append(root.Dynsyms, elftest.Sym{Name: "optional", Bind: elf.STB_WEAK, Type: elf.STT_FUNC, Undef: true})
	root.Rels = append(root.Rels, elftest.Rel{Off: rootData + 12, Type: elf.R_386_32, Sym: "optional"})
	root.Segs[1].Data = words(0, 0, 0, 7)
	f := newFixture(t, map[string][]byte{
		"/lib/libA.so": libA().Bytes(),
		"/lib/libB.so": libB().Bytes(),
		"/bin/app":     root.Bytes(),
	})
	b := fn.Panic1(Open(f.ctx, "/bin/app", nil, 0, 1))
	defer func() { fn.Panic(b.Close(f.ctx)) }()
	require.NoError(t, b.Link(f.ctx))
	assert.Equal(t, uint32(7), word(clientBytes(t, b, b.Root(), rootData+12)), "S is zero, A stays")
}

func TestRelaAndUnknownKinds(t *testing.T) {
	lib := &elftest.Builder{
		Type: elf.ET_DYN,
		Rela: true,
		Segs: []elftest.Segment{
			{Vaddr: 0x1000, Flags: elf.PF_R | elf.PF_X, Data: make([]byte, 8)},
			{Vaddr: 0x2000, Flags: elf.PF_R | elf.PF_W, Data: words(0x11, 0x22, 0x33)},
		},
		Dynsyms: []elftest.Sym{{Name: "f", Value: 0x1004, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC}},
		Rels: []elftest.Rel{
			{Off: 0x2000, Type: elf.R_386_GLOB_DAT, Sym: "f", Addend: 0},
			{Off: 0x2004, Type: elf.R_386_RELATIVE, Addend: 0x1000},
			{Off: 0x2008, Type: elf.R_386_TLS_TPOFF, Sym: "f"},
			{Off: 0x3000, Type: elf.R_386_32, Sym: "f"},
		},
	}
	root := &elftest.Builder{
		Entry:  rootText,
		Needed: []string{"libC.so"},
		Segs:   []elftest.Segment{{Vaddr: rootText, Flags: elf.PF_R | elf.PF_X, Data: make([]byte, 4)}},
	}
	f := newFixture(t, map[string][]byte{"/lib/libC.so": lib.Bytes(), "/bin/app": root.Bytes()})
	b := fn.Panic1(Open(f.ctx, "/bin/app", nil, 0, 1))
	defer func() { fn.Panic(b.Close(f.ctx)) }()
	require.NoError(t, b.Link(f.ctx))
	c := b.Set()[1]
	mem := clientBytes(t, b, c, 0x2000)
	assert.Equal(t, clientAddr(b, c, 0x1004), word(mem))
	assert.Equal(t, clientAddr(b, c, 0x1000), word(mem[4:]))
	assert.Equal(t, uint32(0x33), word(mem[8:]), "unhandled kinds are skipped")
}
