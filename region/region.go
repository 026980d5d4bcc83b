// Package region is the memory-region service contract the loader runs on, with a heap
// backend and, on linux, an anonymous mmap backend.
//
// A region is one contiguous backing store attached at a loader-space address. The loader
// only allocates, duplicates (copy-on-write), grants access rights to clients and
// destroys regions.
package region

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/osfree-project/l4exec/status"
)

// PageSize is the attach granularity.
const PageSize = 0x1000

const (
	spaceBegin uint32 = 0x40000000
	spaceEnd   uint32 = 0xc0000000
)

type (
	// Rights is an access right set granted to a client.
	Rights uint8
	// ClientID identifies the client task a region is shared with.
	ClientID uint32
	// ID identifies a region inside its manager.
	ID uint32

	Region interface {
		ID() ID
		Name() string
		// Addr is the loader-space address the region is attached at.
		Addr() uint32
		Size() uint32
		Bytes() []byte
	}

	// Service is the narrow contract the loader core calls.
	Service interface {
		Allocate(size uint32, name string) (Region, error)
		// Duplicate creates a copy-on-write duplicate attached at a fresh address. Writes to
		// the duplicate never reach the original.
		Duplicate(r Region) (Region, error)
		SetRights(r Region, client ClientID, rights Rights) error
		Destroy(r Region) error
	}

	backing interface {
		alloc(n int) ([]byte, error)
		free(b []byte) error
	}

	// Manager implements Service on top of a backing store.
	Manager struct {
		mu      sync.Mutex
		store   backing
		log     *zap.Logger
		next    uint32
		ids     ID
		limit   uint64
		used    uint64
		regions map[ID]*region
	}

	region struct {
		id     ID
		name   string
		addr   uint32
		size   uint32
		data   []byte
		rights map[ClientID]Rights
	}
)

const (
	Read Rights = 1 << iota
	Write
	Exec
)

func (r Rights) String() string {
	b := []byte("---")
	if r&Read != 0 {
		b[0] = 'r'
	}
	if r&Write != 0 {
		b[1] = 'w'
	}
	if r&Exec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLimit caps the total bytes a manager hands out. Zero means the address space is the limit.
func WithLimit(bytes uint64) Option {
	return func(m *Manager) { m.limit = bytes }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

type heap struct{}

func (heap) alloc(n int) ([]byte, error) { return make([]byte, n), nil }
func (heap) free([]byte) error { return nil }

// NewMemory creates a manager backed by the Go heap.
func NewMemory(opts ...Option) *Manager {
	return newManager(heap{}, opts)
}

func newManager(store backing, opts []Option) *Manager {
	m := &Manager{
		store:   store,
		log:     zap.NewNop(),
		next:    spaceBegin,
		regions: make(map[ID]*region),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (r *region) ID() ID { return r.id }
func (r *region) Name() string { return r.name }
func (r *region) Addr() uint32 { return r.addr }
func (r *region) Size() uint32 { return r.size }
func (r *region) Bytes() []byte {
	if r.data == nil {
		return nil
	}
	return r.data[:r.size]
}

func (r *region) String() string {
	return fmt.Sprintf("region %d %q [%08x-%08x)", r.id, r.name, r.addr, r.addr+r.size)
}

func pages(size uint32) uint32 {
	return (size + PageSize - 1) &^ (PageSize - 1)
}

func (m *Manager) Allocate(size uint32, name string) (Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocate(size, name)
}

func (m *Manager) allocate(size uint32, name string) (*region, error) {
	if size == 0 {
		return nil, errors.Wrapf(status.ErrInvalid, "empty region %q", name)
	}
	span := pages(size)
	if span < size || uint64(m.next)+uint64(span) > uint64(spaceEnd) {
		return nil, errors.Wrapf(status.ErrOutOfMemory, "no address space for %q (%d bytes)", name, size)
	}
	if m.limit != 0 && m.used+uint64(span) > m.limit {
		return nil, errors.Wrapf(status.ErrOutOfMemory, "region limit reached allocating %q", name)
	}
	data, err := m.store.alloc(int(span))
	if err != nil {
		return nil, errors.Wrapf(status.ErrOutOfMemory, "backing %q: %v", name, err)
	}
	m.ids++
	r := &region{
		id:     m.ids,
		name:   name,
		addr:   m.next,
		size:   size,
		data:   data,
		rights: make(map[ClientID]Rights),
	}
	m.next += span
	m.used += uint64(span)
	m.regions[r.id] = r
	m.log.Debug("region allocated", zap.Stringer("region", r))
	return r, nil
}

func (m *Manager) own(r Region) (*region, error) {
	if r == nil {
		return nil, errors.Wrap(status.ErrInvalid, "nil region")
	}
	x, ok := m.regions[r.ID()]
	if !ok || Region(x) != r {
		return nil, errors.Wrapf(status.ErrNotFound, "region %d", r.ID())
	}
	return x, nil
}

func (m *Manager) Duplicate(r Region) (Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.own(r)
	if err != nil {
		return nil, err
	}
	dup, err := m.allocate(src.size, src.name)
	if err != nil {
		return nil, err
	}
	copy(dup.data, src.data[:src.size])
	return dup, nil
}

func (m *Manager) SetRights(r Region, client ClientID, rights Rights) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	x, err := m.own(r)
	if err != nil {
		return err
	}
	if rights == 0 {
		delete(x.rights, client)
	} else {
		x.rights[client] = rights
	}
	m.log.Debug("region rights", zap.Stringer("region", x), zap.Uint32("client", uint32(client)), zap.Stringer("rights", rights))
	return nil
}

// RightsOf reports the rights client holds on r.
func (m *Manager) RightsOf(r Region, client ClientID) Rights {
	m.mu.Lock()
	defer m.mu.Unlock()
	x, err := m.own(r)
	if err != nil {
		return 0
	}
	return x.rights[client]
}

func (m *Manager) Destroy(r Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	x, err := m.own(r)
	if err != nil {
		return err
	}
	delete(m.regions, x.id)
	m.used -= uint64(pages(x.size))
	m.log.Debug("region destroyed", zap.Stringer("region", x))
	data := x.data
	x.data = nil
	return m.store.free(data)
}

// Live returns the number of regions not yet destroyed.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions)
}
