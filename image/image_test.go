package image

import (
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osfree-project/l4exec/status"
)

func testFs(t *testing.T) afero.Fs {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/lib/liba.s.so", []byte("A"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/usr/lib/liba.s.so", []byte("shadowed"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/usr/lib/libb.s.so", []byte("B"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/bin/hello", []byte("hello"), 0o755))
	return fs
}

func TestResolve(t *testing.T) {
	p := fn.Panic1(NewFSProvider(testFs(t), []string{"/lib", "/usr/lib"}, 4, nil))
	for name, want := range map[string]string{
		"liba.s.so":         "/lib/liba.s.so",
		"libb.s.so":         "/usr/lib/libb.s.so",
		"/bin/hello":        "/bin/hello",
		"/bin/../bin/hello": "/bin/hello",
	} {
		got, err := p.Resolve(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := p.Resolve("libc.s.so")
	assert.ErrorIs(t, err, status.ErrNotFound)
	_, err = p.Resolve("")
	assert.ErrorIs(t, err, status.ErrInvalid)
}

func TestFetchCaches(t *testing.T) {
	fs := testFs(t)
	p := fn.Panic1(NewFSProvider(fs, []string{"/lib"}, 1, nil))
	a := fn.Panic1(p.Fetch("/lib/liba.s.so"))
	assert.Equal(t, []byte("A"), a.Data)
	require.NoError(t, fs.Remove("/lib/liba.s.so"))
	again := fn.Panic1(p.Fetch("/lib/liba.s.so"))
	assert.Same(t, a, again)

	fn.Panic1(p.Fetch("/bin/hello"))
	_, err := p.Fetch("/lib/liba.s.so")
	assert.ErrorIs(t, err, status.ErrNotFound, "evicted entry must be read again")
}

func TestAt(t *testing.T) {
	img := &Image{Path: "x", Data: []byte("0123456789")}
	b, err := img.At(2, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("234"), b)
	_, err = img.At(8, 3)
	assert.ErrorIs(t, err, status.ErrCorrupt)
	_, err = img.At(0xffffffff, 2)
	assert.ErrorIs(t, err, status.ErrCorrupt)
}
