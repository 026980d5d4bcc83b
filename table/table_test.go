package table

import (
	"math/rand"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osfree-project/l4exec/status"
)

type item string

func (i item) Path() string { return string(i) }

func TestAllocateLookupFree(t *testing.T) {
	tb := New[item](2)
	a := fn.Panic1(tb.Allocate("/lib/liba.s.so"))
	b := fn.Panic1(tb.Allocate("/lib/libb.s.so"))
	assert.NotEqual(t, a, b)

	_, err := tb.Allocate("/lib/libc.s.so")
	require.ErrorIs(t, err, status.ErrOutOfMemory)

	v, ok := tb.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, item("/lib/liba.s.so"), v)

	require.NoError(t, tb.Free(a))
	_, ok = tb.Lookup(a)
	assert.False(t, ok)
	require.ErrorIs(t, tb.Free(a), status.ErrNotFound)

	c := fn.Panic1(tb.Allocate("/lib/libc.s.so"))
	assert.Equal(t, a.Slot, c.Slot)
	assert.NotEqual(t, a.Generation, c.Generation)
	_, ok = tb.Lookup(a)
	assert.False(t, ok, "stale handle must not alias the new occupant")
	v, ok = tb.Lookup(c)
	require.True(t, ok)
	assert.Equal(t, item("/lib/libc.s.so"), v)
	assert.Equal(t, 2, tb.Len())
}

func TestLookupOutOfRange(t *testing.T) {
	tb := New[item](1)
	_, ok := tb.Lookup(Handle{Slot: 7, Generation: 1})
	assert.False(t, ok)
	assert.ErrorIs(t, tb.Free(Handle{Slot: 7, Generation: 1}), status.ErrNotFound)
}

func TestFindByPath(t *testing.T) {
	tb := New[item](4)
	fn.Panic1(tb.Allocate("/bin/hello"))
	fn.Panic1(tb.Allocate("/lib/libld-l4.s.so"))
	v, ok := tb.FindByPath("ld-l4")
	require.True(t, ok)
	assert.Equal(t, item("/lib/libld-l4.s.so"), v)
	_, ok = tb.FindByPath("LD-L4")
	assert.False(t, ok)
}

func TestHandleIntegrityRandomized(t *testing.T) {
	tb := New[item](8)
	live := map[Handle]item{}
	var dead []Handle
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		if r.Intn(2) == 0 && len(live) < tb.Cap() {
			v := item(string(rune('a' + r.Intn(26))))
			h, err := tb.Allocate(v)
			require.NoError(t, err)
			live[h] = v
			continue
		}
		for h := range live {
			require.NoError(t, tb.Free(h))
			delete(live, h)
			dead = append(dead, h)
			break
		}
	}
	for h, v := range live {
		got, ok := tb.Lookup(h)
		require.True(t, ok)
		assert.Equal(t, v, got)
	}
	for _, h := range dead {
		_, ok := tb.Lookup(h)
		assert.False(t, ok, "freed handle %s resolved", h)
	}
}
