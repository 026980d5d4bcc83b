package l4exec

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/osfree-project/l4exec/env"
	"github.com/osfree-project/l4exec/image"
	"github.com/osfree-project/l4exec/object"
	"github.com/osfree-project/l4exec/region"
	"github.com/osfree-project/l4exec/status"
	"github.com/osfree-project/l4exec/table"
)

// Flags select what Open collects besides loading.
type Flags = object.Flags

const (
	CollectSymbols = object.CollectSymbols
	CollectLines   = object.CollectLines
	// DirectMap maps writable sections without a private copy.
	DirectMap = object.DirectMap
)

type (
	/*Loader loads programs into client environments.

	Use Steps:

	1. Open a program, which loads its libraries and links the bootstrap library
	2. Link it once everything else is ready
	3. Close the environment to release every section and library reference

	A Loader is safe for concurrent use.
	*/
	Loader interface {
		Open(path string, preloaded *image.Image, flags Flags) (*env.Descriptor, error) // load a program, preloaded skips fetching path
		ProbeType(img *image.Image) error                                               // check an image without loading it
		Link(e *env.Descriptor) error                                                   // link every object of the program
		Close(e *env.Descriptor) error                                                  // release the program
		Symbols(e *env.Descriptor) (region.Region, error)                               // symbol side-table, needs CollectSymbols
		Lines(e *env.Descriptor) (region.Region, error)                                 // line side-table, needs CollectLines
		Objects() []ObjectInfo                                                          // every live exec object
		FindObject(sub string) (ObjectInfo, bool)                                       // first live exec object whose path contains sub
	}
	// ObjectInfo describes one live exec object.
	ObjectInfo struct {
		Handle   table.Handle
		Path     string
		Format   object.Format
		Flags    Flags
		Refs     int32
		Deps     []string
		Sections []string
	}
	loader struct {
		mu     sync.Mutex
		ctx    *object.Context
		bins   *table.Table[*object.BinObj]
		byEnv  map[*env.Descriptor]table.Handle
		client region.ClientID
	}
)

// New creates a loader context. Independent loaders share no state.
func New(opts ...Option) (Loader, error) {
	o := defaults()
	for _, opt := range opts {
		opt(o)
	}
	if o.Regions == nil {
		o.Regions = region.NewMemory(region.WithLogger(o.Logger))
	}
	if o.Images == nil {
		p, err := image.NewOsProvider(o.Search, o.Logger)
		if err != nil {
			return nil, err
		}
		o.Images = p
	}
	ctx := object.NewContext(o.Regions, o.Images, o.Logger, o.ExecObjects)
	ctx.MaxDeps = o.MaxDeps
	ctx.Bootstrap = o.Bootstrap
	ctx.BootstrapEntry = o.BootstrapEntry
	return &loader{
		ctx:    ctx,
		bins:   table.New[*object.BinObj](o.BinObjects),
		byEnv:  make(map[*env.Descriptor]table.Handle),
		client: o.Client,
	}, nil
}

func (l *loader) Open(path string, preloaded *image.Image, flags Flags) (*env.Descriptor, error) {
	b, err := object.Open(l.ctx, path, preloaded, flags, l.client)
	if err != nil {
		return nil, err
	}
	h, err := l.bins.Allocate(b)
	if err != nil {
		return nil, multierr.Append(err, b.Close(l.ctx))
	}
	l.mu.Lock()
	l.byEnv[b.Env()] = h
	l.mu.Unlock()
	l.ctx.Log.Debug("program opened", zap.String("path", b.Path()), zap.Stringer("handle", h))
	return b.Env(), nil
}

func (l *loader) ProbeType(img *image.Image) error {
	if img == nil {
		return errors.Wrap(status.ErrInvalid, "no image")
	}
	return object.ProbeType(img)
}

func (l *loader) bin(e *env.Descriptor) (*object.BinObj, table.Handle, error) {
	l.mu.Lock()
	h, ok := l.byEnv[e]
	l.mu.Unlock()
	if ok {
		if b, ok := l.bins.Lookup(h); ok {
			return b, h, nil
		}
	}
	return nil, table.Invalid, errors.Wrap(status.ErrNotFound, "unknown environment")
}

func (l *loader) Link(e *env.Descriptor) error {
	b, _, err := l.bin(e)
	if err != nil {
		return err
	}
	return b.Link(l.ctx)
}

func (l *loader) Close(e *env.Descriptor) error {
	l.mu.Lock()
	h, ok := l.byEnv[e]
	delete(l.byEnv, e)
	l.mu.Unlock()
	b, found := l.bins.Lookup(h)
	if !ok || !found {
		return errors.Wrap(status.ErrNotFound, "unknown environment")
	}
	return multierr.Append(l.bins.Free(h), b.Close(l.ctx))
}

func (l *loader) Symbols(e *env.Descriptor) (region.Region, error) {
	b, _, err := l.bin(e)
	if err != nil {
		return nil, err
	}
	return b.Symbols(l.ctx)
}

func (l *loader) Lines(e *env.Descriptor) (region.Region, error) {
	b, _, err := l.bin(e)
	if err != nil {
		return nil, err
	}
	return b.Lines(l.ctx)
}

func describe(o object.ExecObj) ObjectInfo {
	i := ObjectInfo{
		Handle: o.Handle(),
		Path:   o.Path(),
		Format: o.Format(),
		Flags:  o.Flags(),
		Refs:   o.Refs(),
	}
	for _, d := range o.Deps() {
		i.Deps = append(i.Deps, d.Path())
	}
	for _, p := range o.Sections() {
		i.Sections = append(i.Sections, p.String())
	}
	return i
}

func (l *loader) Objects() (out []ObjectInfo) {
	for _, o := range l.ctx.Pool().Objects() {
		out = append(out, describe(o))
	}
	return
}

func (l *loader) FindObject(sub string) (ObjectInfo, bool) {
	o, ok := l.ctx.Pool().FindByPath(sub)
	if !ok {
		return ObjectInfo{}, false
	}
	return describe(o), true
}

func (i ObjectInfo) String() string {
	return fmt.Sprintf("%s %s %s refs=%d [%s]", i.Handle, i.Format, i.Path, i.Refs, i.Flags)
}
