// Package env holds the environment descriptor: the caller visible record of every section
// exported into a client for one loaded program.
package env

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osfree-project/l4exec/region"
)

// Type is the type and permission bit set of one exported section.
type Type uint32

const (
	R Type = 1 << iota
	W
	X
	Begin // first section of an object
	End   // last section of an object
	Reloc // needs relocation
	Linked
	LinkErr
	Transferred // owner transferred to the loader
	Shared      // private copy-on-write duplicate
)

var typeNames = []struct {
	t Type
	n string
}{
	{Begin, "begin"}, {End, "end"}, {Reloc, "reloc"}, {Linked, "linked"},
	{LinkErr, "linkerr"}, {Transferred, "xfer"}, {Shared, "cow"},
}

func (t Type) String() string {
	b := []byte("---")
	if t&R != 0 {
		b[0] = 'r'
	}
	if t&W != 0 {
		b[1] = 'w'
	}
	if t&X != 0 {
		b[2] = 'x'
	}
	s := []string{string(b)}
	for _, x := range typeNames {
		if t&x.t != 0 {
			s = append(s, x.n)
		}
	}
	return strings.Join(s, ",")
}

type (
	// Section is one exported section record.
	Section struct {
		ID     uint32
		Addr   uint32 // client visible address
		Size   uint32
		Type   Type
		Object string // path of the owning object
		Region region.Region
		// Source identifies the loader side section this record was exported from.
		Source any
	}
	// Descriptor is safe for concurrent use.
	Descriptor struct {
		mu       sync.RWMutex
		Client   region.ClientID
		Entry1st uint32
		Entry2nd uint32
		nextID   uint32
		sections []*Section
		bySource map[any]int
	}
)

func (s *Section) String() string {
	return fmt.Sprintf("#%d %08x-%08x %s %s", s.ID, s.Addr, s.Addr+s.Size, s.Type, s.Object)
}

// Contains reports whether addr lies inside the section.
func (s *Section) Contains(addr uint32) bool {
	return s.Addr <= addr && uint64(addr) < uint64(s.Addr)+uint64(s.Size)
}

// New creates an empty descriptor for client.
func New(client region.ClientID) *Descriptor {
	return &Descriptor{Client: client, bySource: make(map[any]int)}
}

// Add records s and assigns its stable id. Adding a second record for the same source
// returns the existing one.
func (d *Descriptor) Add(s Section) *Section {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.Source != nil {
		if i, ok := d.bySource[s.Source]; ok {
			return d.sections[i]
		}
	}
	d.nextID++
	s.ID = d.nextID
	x := &s
	d.sections = append(d.sections, x)
	if s.Source != nil {
		d.bySource[s.Source] = len(d.sections) - 1
	}
	return x
}

// Here returns the record at index.
func (d *Descriptor) Here(index int) (*Section, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if index < 0 || index >= len(d.sections) {
		return nil, false
	}
	return d.sections[index], true
}

// Of returns the record exported from source.
func (d *Descriptor) Of(source any) (*Section, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, ok := d.bySource[source]
	if !ok {
		return nil, false
	}
	return d.sections[i], true
}

// At returns the record containing the client address addr.
func (d *Descriptor) At(addr uint32) (*Section, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sections {
		if s.Contains(addr) {
			return s, true
		}
	}
	return nil, false
}

// Len returns the number of records.
func (d *Descriptor) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sections)
}

// Sections returns a snapshot of all records in export order.
func (d *Descriptor) Sections() []Section {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Section, len(d.sections))
	for i, s := range d.sections {
		out[i] = *s
	}
	return out
}

// Mark sets bits on the record exported from source.
func (d *Descriptor) Mark(source any, bits Type) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i, ok := d.bySource[source]; ok {
		d.sections[i].Type |= bits
	}
}

// Any reports whether some record carries any of bits.
func (d *Descriptor) Any(bits Type) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sections {
		if s.Type&bits != 0 {
			return true
		}
	}
	return false
}

// Drain removes and returns every record.
func (d *Descriptor) Drain() []Section {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Section, len(d.sections))
	for i, s := range d.sections {
		out[i] = *s
	}
	d.sections = nil
	d.bySource = make(map[any]int)
	return out
}
