package object

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/osfree-project/l4exec/image"
	"github.com/osfree-project/l4exec/region"
	"github.com/osfree-project/l4exec/status"
	"github.com/osfree-project/l4exec/table"
)

// Pool tracks every live exec object in a descriptor table and caches them by canonical path,
// so repeated dependents share one instance.
type Pool struct {
	sync.Mutex
	objects *table.Table[ExecObj]
	byPath  map[string]table.Handle
}

// NewPool creates a pool for at most capacity live exec objects.
func NewPool(capacity int) *Pool {
	return &Pool{
		objects: table.New[ExecObj](capacity),
		byPath:  make(map[string]table.Handle),
	}
}

// Lookup returns the object h refers to.
func (p *Pool) Lookup(h table.Handle) (ExecObj, bool) {
	return p.objects.Lookup(h)
}

// FindByPath returns the first live object whose path contains sub.
func (p *Pool) FindByPath(sub string) (ExecObj, bool) {
	return p.objects.FindByPath(sub)
}

// Objects returns every live object in slot order.
func (p *Pool) Objects() (out []ExecObj) {
	p.objects.Range(func(_ table.Handle, o ExecObj) bool {
		out = append(out, o)
		return true
	})
	return
}

// Len returns the number of live objects.
func (p *Pool) Len() int {
	return p.objects.Len()
}

// acquire returns a referenced object for name, reusing a cached instance of the same
// canonical path when one is alive.
func (p *Pool) acquire(ctx *Context, name string, flags Flags, client region.ClientID) (ExecObj, error) {
	canonical, err := ctx.Images.Resolve(name)
	if err != nil {
		return nil, err
	}
	p.Lock()
	defer p.Unlock()
	if h, ok := p.byPath[canonical]; ok {
		if o, ok := p.objects.Lookup(h); ok && o.base().tryRetain() {
			ctx.Log.Debug("exec object reused", zap.String("path", canonical), zap.Int32("refs", o.Refs()))
			return o, nil
		}
	}
	img, err := ctx.Images.Fetch(canonical)
	if err != nil {
		return nil, err
	}
	o, err := p.load(ctx, img, flags, client)
	if err != nil {
		return nil, err
	}
	p.byPath[canonical] = o.Handle()
	return o, nil
}

// acquireImage loads a caller supplied image. Such objects are tracked but never cached by
// path since their bytes need not match what the path holds.
func (p *Pool) acquireImage(ctx *Context, img *image.Image, flags Flags, client region.ClientID) (ExecObj, error) {
	p.Lock()
	defer p.Unlock()
	return p.load(ctx, img, flags, client)
}

func (p *Pool) load(ctx *Context, img *image.Image, flags Flags, client region.ClientID) (o ExecObj, err error) {
	format, err := Probe(img)
	if err != nil {
		return nil, err
	}
	switch format {
	case Elf32:
		o, err = loadElf32(ctx, img, flags, client)
	case Elf64:
		o, err = loadElf64(ctx, img, flags, client)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load %q", img.Path)
	}
	h, err := p.objects.Allocate(o)
	if err != nil {
		return nil, multierr.Append(err, o.base().destroy(ctx))
	}
	o.base().handle = h
	ctx.Log.Debug("exec object created",
		zap.String("path", img.Path),
		zap.Stringer("handle", h),
		zap.Stringer("flags", o.Flags()),
		zap.Int("sections", len(o.Sections())))
	return o, nil
}

// forget drops o from the table and the path cache.
func (p *Pool) forget(o ExecObj) error {
	p.Lock()
	defer p.Unlock()
	if h, ok := p.byPath[o.Path()]; ok && h == o.Handle() {
		delete(p.byPath, o.Path())
	}
	return p.objects.Free(o.Handle())
}

// release drops one reference of o and destroys it with the last one. The count reaching
// zero and the teardown happen in the same call.
func (p *Pool) release(ctx *Context, o ExecObj) error {
	c := o.base()
	n := c.refs.Dec()
	switch {
	case n > 0:
		return nil
	case n < 0:
		return errors.Wrapf(status.ErrCorrupt, "exec object %q released too often", c.path)
	}
	return multierr.Append(p.forget(o), c.destroy(ctx))
}
