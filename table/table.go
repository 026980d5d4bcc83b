// Package table implements a fixed-capacity descriptor table which maps generation tagged
// handles onto tracked objects.
//
// Every allocation bumps a table wide generation counter. A handle whose generation does
// not match the live occupant of its slot is stale and resolves to nothing, even after the
// slot has been reused. The counter is never reset; wraparound after 2^32 allocations is
// accepted.
package table

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/osfree-project/l4exec/status"
)

type (
	// Handle identifies one table slot occupant.
	Handle struct {
		Slot       uint32
		Generation uint32
	}
	// Pathed is anything tracked under a path.
	Pathed interface {
		Path() string
	}
	slot[T Pathed] struct {
		used  bool
		gen   uint32
		value T
	}
	// Table is safe for concurrent use.
	Table[T Pathed] struct {
		mu    sync.RWMutex
		slots []slot[T]
		gen   uint32
		used  int
	}
)

// Invalid is the zero handle, never handed out by Allocate unless the generation counter wrapped.
var Invalid Handle

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.Slot, h.Generation)
}

// New creates a table holding at most capacity objects.
func New[T Pathed](capacity int) *Table[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Table[T]{slots: make([]slot[T], capacity)}
}

// Cap returns the fixed capacity.
func (t *Table[T]) Cap() int {
	return len(t.slots)
}

// Len returns the number of live occupants.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.used
}

// Allocate stores v in the first free slot.
func (t *Table[T]) Allocate(v T) (h Handle, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if s.used {
			continue
		}
		t.gen++
		s.used = true
		s.gen = t.gen
		s.value = v
		t.used++
		return Handle{Slot: uint32(i), Generation: s.gen}, nil
	}
	return Invalid, errors.Wrapf(status.ErrOutOfMemory, "descriptor table full (%d slots)", len(t.slots))
}

// Free clears the slot h refers to. Stale handles and double frees yield status.ErrNotFound.
func (t *Table[T]) Free(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.live(h)
	if s == nil {
		return errors.Wrapf(status.ErrNotFound, "handle %s", h)
	}
	var zero T
	s.used = false
	s.value = zero
	t.used--
	return nil
}

// Lookup returns the object h refers to.
func (t *Table[T]) Lookup(h Handle) (v T, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s := t.live(h); s != nil {
		return s.value, true
	}
	return
}

// Find returns the first live object, in slot order, accepted by match.
func (t *Table[T]) Find(match func(T) bool) (v T, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.slots {
		if s := &t.slots[i]; s.used && match(s.value) {
			return s.value, true
		}
	}
	return
}

// FindByPath returns the first live object whose path contains sub. The match is case
// sensitive and deliberately permissive so diagnostic callers can pass partial paths.
func (t *Table[T]) FindByPath(sub string) (T, bool) {
	return t.Find(func(v T) bool {
		return strings.Contains(v.Path(), sub)
	})
}

// Range calls f for every live occupant until f returns false. f must not call back into t.
func (t *Table[T]) Range(f func(Handle, T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.slots {
		s := &t.slots[i]
		if s.used && !f(Handle{Slot: uint32(i), Generation: s.gen}, s.value) {
			return
		}
	}
}

func (t *Table[T]) live(h Handle) *slot[T] {
	if int(h.Slot) >= len(t.slots) {
		return nil
	}
	s := &t.slots[h.Slot]
	if !s.used || s.gen != h.Generation {
		return nil
	}
	return s
}
