package main

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osfree-project/l4exec/elftest"
)

func fixture(t *testing.T) (dir string) {
	dir = t.TempDir()
	lib := &elftest.Builder{
		Type:    elf.ET_DYN,
		Segs:    []elftest.Segment{{Vaddr: 0x1000, Flags: elf.PF_R | elf.PF_X, Data: make([]byte, 0x10)}},
		Dynsyms: []elftest.Sym{{Name: "puts", Value: 0x1008, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC}},
	}
	prog := &elftest.Builder{
		Entry:  0x08048000,
		Needed: []string{"libc.so"},
		Segs: []elftest.Segment{
			{Vaddr: 0x08048000, Flags: elf.PF_R | elf.PF_X, Data: make([]byte, 8)},
			{Vaddr: 0x08049000, Flags: elf.PF_R | elf.PF_W, Data: make([]byte, 4)},
		},
		Dynsyms: []elftest.Sym{{Name: "puts", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Undef: true}},
		Symtab:  []elftest.Sym{{Name: "main", Value: 0x08048000, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC}},
		Rels:    []elftest.Rel{{Off: 0x08049000, Type: elf.R_386_32, Sym: "puts"}},
	}
	fn.Panic(os.WriteFile(filepath.Join(dir, "libc.so"), lib.Bytes(), 0o644))
	fn.Panic(os.WriteFile(filepath.Join(dir, "hello"), prog.Bytes(), 0o755))
	fn.Panic(os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644))
	return
}

func run(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	err := app.Run(append([]string{"inspect"}, args...))
	return out.String(), err
}

func TestProbeCommand(t *testing.T) {
	dir := fixture(t)
	out, err := run(t, "probe", filepath.Join(dir, "hello"), filepath.Join(dir, "libc.so"))
	require.NoError(t, err)
	assert.Contains(t, out, "hello: ok")
	out, err = run(t, "probe", filepath.Join(dir, "notes.txt"))
	assert.Error(t, err)
	assert.Contains(t, out, "notes.txt: bad image format")
}

func TestLoadCommands(t *testing.T) {
	dir := fixture(t)
	hello := filepath.Join(dir, "hello")

	out, err := run(t, "--path", dir, "deps", hello)
	require.NoError(t, err)
	assert.Contains(t, out, "-> "+filepath.Join(dir, "libc.so"))

	out, err = run(t, "--path", dir, "load", "--link", "--dump", hello)
	require.NoError(t, err)
	assert.Contains(t, out, "entry 08048000, program entry 08048000")
	assert.NotContains(t, out, "link:")

	out, err = run(t, "--path", dir, "symbols", hello)
	require.NoError(t, err)
	assert.Contains(t, out, "08048000 T main")

	_, err = run(t, "--path", dir, "lines", hello)
	assert.Error(t, err, "no line information was built in")
	_, err = run(t, "--path", dir, "--backend", "nowhere", "load", hello)
	assert.Error(t, err)
}
