// Package object implements the loader core: program sections, exec objects for the
// supported image formats, the path keyed object pool and binary objects which drive
// dependency loading and the two phase link.
package object

import (
	"debug/elf"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/osfree-project/l4exec/env"
	"github.com/osfree-project/l4exec/region"
	"github.com/osfree-project/l4exec/table"
)

// Flags describe how an exec object was loaded.
type Flags uint32

const (
	Dynamic Flags = 1 << iota
	ShareSections
	CollectSymbols
	CollectLines
	DirectMap
	DepsLoaded
)

// inherited are the flags a dependency takes over from the object requesting it.
const inherited = CollectSymbols | CollectLines | DirectMap

func (f Flags) String() string {
	var s []string
	for i, n := range []string{"dynamic", "share", "symbols", "lines", "direct", "deps"} {
		if f&(1<<i) != 0 {
			s = append(s, n)
		}
	}
	return strings.Join(s, "|")
}

// Format tags the closed set of image formats.
type Format uint8

const (
	Elf32 Format = iota + 1
	Elf64
)

func (f Format) String() string {
	switch f {
	case Elf32:
		return "elf32"
	case Elf64:
		return "elf64"
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

// Lookup is the outcome of a symbol search.
type Lookup uint8

const (
	NotFound Lookup = iota
	Found
	WeakFound
	UndefinedWeak
)

var lookupNames = [...]string{"not found", "found", "weak", "undefined weak"}

func (l Lookup) String() string {
	if int(l) < len(lookupNames) {
		return lookupNames[l]
	}
	return fmt.Sprintf("lookup(%d)", uint8(l))
}

// Symbol is a definition found by a symbol search.
type Symbol struct {
	Name    string
	Value   uint32 // link address, or the absolute value when Section is nil
	Size    uint32
	Bind    elf.SymBind
	Section *ProgSection
	Object  ExecObj
}

// Addr returns the address the client of e sees the symbol at.
func (s Symbol) Addr(e *env.Descriptor) uint32 {
	if s.Section == nil {
		return s.Value
	}
	if r, ok := e.Of(s.Section); ok {
		return r.Addr + (s.Value - s.Section.LinkAddr)
	}
	return s.Section.clientAddr(s.Section.Region) + (s.Value - s.Section.LinkAddr)
}

// ExecObj is the capability set every image format provides. The set of implementations
// is closed; see Format.
type ExecObj interface {
	Format() Format
	Path() string
	Handle() table.Handle
	// Client is the client the object was first loaded for.
	Client() region.ClientID
	Flags() Flags
	// Entry is the link address of the entry point.
	Entry() uint32
	Sections() []*ProgSection
	Deps() []ExecObj
	Refs() int32
	// LoadDependencies resolves the image's needed libraries through the pool. It runs once.
	LoadDependencies(ctx *Context) error
	// Link applies the object's relocations inside e, resolving symbols across set.
	Link(ctx *Context, set []ExecObj, e *env.Descriptor) error
	FindSymbol(name string, needGlobal bool) (Symbol, Lookup)
	// Symbols and Lines write their side-table into dst and return its size; a nil dst only
	// queries the size.
	Symbols(e *env.Descriptor, dst []byte) (int, error)
	Lines(e *env.Descriptor, dst []byte) (int, error)

	base() *common
}

// Resolve searches set in order for name. The first strong definition wins; without one the
// first weak definition is returned. skip is left out of the search.
func Resolve(set []ExecObj, name string, skip ExecObj) (Symbol, Lookup) {
	var weak Symbol
	res := NotFound
	for _, o := range set {
		if o == skip {
			continue
		}
		s, r := o.FindSymbol(name, true)
		switch r {
		case Found:
			return s, Found
		case WeakFound:
			if res != WeakFound {
				weak, res = s, WeakFound
			}
		case UndefinedWeak:
			if res == NotFound {
				res = UndefinedWeak
			}
		}
	}
	return weak, res
}

// common carries what every format shares: identity, sections, dependencies and the
// reference count.
type common struct {
	path   string
	handle table.Handle
	flags  atomic.Uint32
	entry  uint32
	client region.ClientID
	psecs  []*ProgSection
	refs   atomic.Int32
	log    *zap.Logger

	mu      sync.RWMutex
	deps    []ExecObj
	back    []string // canonical paths of NEEDED libraries closing a cycle, not referenced
	loading sync.Mutex
}

func (c *common) base() *common { return c }
func (c *common) Path() string { return c.path }
func (c *common) Handle() table.Handle { return c.handle }
func (c *common) Client() region.ClientID { return c.client }
func (c *common) Flags() Flags { return Flags(c.flags.Load()) }
func (c *common) Entry() uint32 { return c.entry }
func (c *common) Sections() []*ProgSection { return c.psecs }
func (c *common) Refs() int32 { return c.refs.Load() }

func (c *common) setFlags(f Flags) {
	for {
		old := c.flags.Load()
		if c.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// tryRetain takes a reference unless the object is already on its way out.
func (c *common) tryRetain() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// section returns the program section containing the link address addr.
func (c *common) section(addr uint32) *ProgSection {
	for _, p := range c.psecs {
		if p.ContainsLink(addr) {
			return p
		}
	}
	return nil
}

// Deps returns a snapshot of the direct dependencies.
func (c *common) Deps() []ExecObj {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ExecObj(nil), c.deps...)
}

func (c *common) hasDep(o ExecObj) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.deps {
		if d == o {
			return true
		}
	}
	return false
}

func (c *common) addDep(o ExecObj) {
	c.mu.Lock()
	c.deps = append(c.deps, o)
	c.mu.Unlock()
}

// backEdges returns the needed libraries which were left out of the dependencies because
// they already reach c. Whoever expands c still has to load them.
func (c *common) backEdges() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.back...)
}

func (c *common) addBackEdge(path string) {
	c.mu.Lock()
	c.back = append(c.back, path)
	c.mu.Unlock()
}

// reaches reports whether to is found among the dependencies of from, walking at most
// limit objects.
func reaches(from, to ExecObj, limit int) bool {
	seen := map[ExecObj]bool{from: true}
	work := []ExecObj{from}
	for len(work) > 0 && len(seen) <= limit {
		o := work[0]
		work = work[1:]
		for _, d := range o.Deps() {
			if d == to {
				return true
			}
			if !seen[d] {
				seen[d] = true
				work = append(work, d)
			}
		}
	}
	return false
}

func (c *common) releaseSections() (err error) {
	for _, p := range c.psecs {
		err = multierr.Append(err, p.release())
	}
	c.psecs = nil
	return
}

// destroy releases the sections and, in the same step, one reference of every dependency.
func (c *common) destroy(ctx *Context) (err error) {
	c.log.Debug("exec object destroyed", zap.String("path", c.path))
	err = c.releaseSections()
	c.mu.Lock()
	deps := c.deps
	c.deps = nil
	c.mu.Unlock()
	for _, d := range deps {
		err = multierr.Append(err, ctx.Release(d))
	}
	return
}
