package object

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/osfree-project/l4exec/env"
	"github.com/osfree-project/l4exec/region"
	"github.com/osfree-project/l4exec/status"
)

type linkState uint8

const (
	unlinked linkState = iota
	linked
)

// ProgSection is one contiguous loadable range of an exec object. The owning object holds
// one reference, every export into an environment holds another; the backing region is
// destroyed with the last reference.
type ProgSection struct {
	Index    int
	Type     env.Type
	LinkAddr uint32 // address the image was linked to run at
	Size     uint32
	Region   region.Region
	Owner    string

	svc    region.Service
	refs   atomic.Int32
	mu     sync.Mutex
	state  linkState
	grants map[region.ClientID]int // live exports of the original per client
}

func newProgSection(svc region.Service, owner string, index int, typ env.Type, link, size uint32) (*ProgSection, error) {
	r, err := svc.Allocate(size, fmt.Sprintf("%s[%d]", owner, index))
	if err != nil {
		return nil, err
	}
	p := &ProgSection{Index: index, Type: typ, LinkAddr: link, Size: size, Region: r, Owner: owner, svc: svc}
	p.refs.Store(1)
	return p, nil
}

func (p *ProgSection) String() string {
	return fmt.Sprintf("%s[%d] %08x+%x %s", p.Owner, p.Index, p.LinkAddr, p.Size, p.Type)
}

// Addr is the loader-space address of the original.
func (p *ProgSection) Addr() uint32 {
	return p.Region.Addr()
}

// ContainsLink reports whether the link address addr falls into the section.
func (p *ProgSection) ContainsLink(addr uint32) bool {
	return p.LinkAddr <= addr && uint64(addr) < uint64(p.LinkAddr)+uint64(p.Size)
}

// Refs returns the current reference count.
func (p *ProgSection) Refs() int32 {
	return p.refs.Load()
}

func (p *ProgSection) retain() {
	p.refs.Inc()
}

// release drops one reference and destroys the backing region with the last one.
func (p *ProgSection) release() error {
	if n := p.refs.Dec(); n > 0 {
		return nil
	} else if n < 0 {
		return errors.Wrapf(status.ErrCorrupt, "section %s released too often", p)
	}
	return p.svc.Destroy(p.Region)
}

// clientAddr maps the address a region is attached at onto the address the client sees the
// section at. Sections of non relocatable images stay at their link address.
func (p *ProgSection) clientAddr(r region.Region) uint32 {
	if p.Type&env.Reloc == 0 {
		return p.LinkAddr
	}
	return r.Addr()
}

func rights(t env.Type) region.Rights {
	var r region.Rights
	if t&env.R != 0 {
		r |= region.Read
	}
	if t&env.W != 0 {
		r |= region.Write
	}
	if t&env.X != 0 {
		r |= region.Exec
	}
	return r
}

// Export makes the section visible to the client of e. Copy-on-write sections get a private
// duplicate granted read-write, everything else is granted read-only on the original.
// Exporting twice into the same environment returns the existing record.
func (p *ProgSection) Export(e *env.Descriptor, log *zap.Logger) (*env.Section, error) {
	if s, ok := e.Of(p); ok {
		return s, nil
	}
	typ := p.Type
	var r region.Region
	if p.Type&env.Shared != 0 {
		dup, err := p.svc.Duplicate(p.Region)
		if err != nil {
			return nil, err
		}
		if err = p.svc.SetRights(dup, e.Client, rights(p.Type)|region.Read|region.Write); err != nil {
			return nil, multierr.Append(err, p.svc.Destroy(dup))
		}
		r = dup
		typ |= env.Transferred
	} else {
		if err := p.grant(e.Client); err != nil {
			return nil, err
		}
		r = p.Region
	}
	p.retain()
	s := e.Add(env.Section{
		Addr:   p.clientAddr(r),
		Size:   p.Size,
		Type:   typ,
		Object: p.Owner,
		Region: r,
		Source: p,
	})
	log.Debug("section exported", zap.Stringer("section", p), zap.Stringer("record", s))
	return s, nil
}

// grant gives client read access to the original. Rights are set with the first grant only.
func (p *ProgSection) grant(client region.ClientID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.grants[client] == 0 {
		if err := p.svc.SetRights(p.Region, client, rights(p.Type)&^region.Write); err != nil {
			return err
		}
	}
	if p.grants == nil {
		p.grants = make(map[region.ClientID]int)
	}
	p.grants[client]++
	return nil
}

// revoke undoes one grant and withdraws the rights of client with its last one.
func (p *ProgSection) revoke(client region.ClientID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch n := p.grants[client]; {
	case n <= 0:
		return errors.Wrapf(status.ErrCorrupt, "section %s not granted to client %d", p, client)
	case n > 1:
		p.grants[client] = n - 1
		return nil
	}
	delete(p.grants, client)
	return p.svc.SetRights(p.Region, client, 0)
}

// Unexport undoes one Export given the record it produced. Other environments of the same
// client keep their access to the original.
func (p *ProgSection) Unexport(s env.Section, client region.ClientID) error {
	var err error
	if s.Type&env.Transferred != 0 {
		err = p.svc.Destroy(s.Region)
	} else {
		err = p.revoke(client)
	}
	return multierr.Append(err, p.release())
}

// beginLink reports whether the original still has to be patched and marks it linked. Only
// sections exported without a private copy are patched in place.
func (p *ProgSection) beginLink() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == linked {
		return false
	}
	p.state = linked
	return true
}
