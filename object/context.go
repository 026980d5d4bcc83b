package object

import (
	"go.uber.org/zap"

	"github.com/osfree-project/l4exec/image"
	"github.com/osfree-project/l4exec/region"
)

// Context is the loader state every operation runs against. One Context owns one pool;
// independent contexts share nothing.
type Context struct {
	Regions region.Service
	Images  image.Provider
	Log     *zap.Logger
	// MaxDeps bounds the NEEDED entries of one object and the size of one dependency set.
	MaxDeps int
	// Bootstrap is the base name of the library linked first; BootstrapEntry is the symbol
	// it is entered at.
	Bootstrap      string
	BootstrapEntry string

	pool *Pool
}

// NewContext creates a context whose pool tracks at most capacity exec objects.
func NewContext(regions region.Service, images image.Provider, log *zap.Logger, capacity int) *Context {
	if log == nil {
		log = zap.NewNop()
	}
	return &Context{
		Regions:        regions,
		Images:         images,
		Log:            log,
		MaxDeps:        32,
		Bootstrap:      "libld-l4.s.so",
		BootstrapEntry: "_dl_start",
		pool:           NewPool(capacity),
	}
}

// Pool returns the exec object pool.
func (ctx *Context) Pool() *Pool {
	return ctx.pool
}

// Acquire returns a referenced exec object for the library or path name.
func (ctx *Context) Acquire(name string, flags Flags, client region.ClientID) (ExecObj, error) {
	return ctx.pool.acquire(ctx, name, flags, client)
}

// Release drops one reference of o, tearing it and its dependencies down with the last one.
func (ctx *Context) Release(o ExecObj) error {
	return ctx.pool.release(ctx, o)
}
