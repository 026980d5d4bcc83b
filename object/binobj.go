package object

import (
	"path"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/osfree-project/l4exec/env"
	"github.com/osfree-project/l4exec/image"
	"github.com/osfree-project/l4exec/region"
	"github.com/osfree-project/l4exec/status"
)

// BinObj is the aggregate of one load request. It holds one reference on the root exec
// object; the dependency set is borrowed through the root's own dependency references,
// except for libraries reached only through a cycle back edge, which are held directly.
type BinObj struct {
	mu     sync.Mutex
	path   string
	root   ExecObj
	set    []ExecObj // root first, then breadth first
	pinned []ExecObj
	env    *env.Descriptor
	flags  Flags
	tables []region.Region
}

// Open loads the image at name, or img when the caller already holds its bytes, together
// with every library it needs, exports all sections into a new environment for client and
// links the bootstrap library. A missing bootstrap library only leaves the root entry point
// as first entry.
func Open(ctx *Context, name string, img *image.Image, flags Flags, client region.ClientID) (*BinObj, error) {
	flags &= inherited
	if img == nil {
		canonical, err := ctx.Images.Resolve(name)
		if err != nil {
			return nil, err
		}
		if img, err = ctx.Images.Fetch(canonical); err != nil {
			return nil, err
		}
	}
	root, err := ctx.pool.acquireImage(ctx, img, flags, client)
	if err != nil {
		return nil, err
	}
	b := &BinObj{path: img.Path, root: root, set: []ExecObj{root}, env: env.New(client), flags: flags}
	if err = b.loadDependencies(ctx); err == nil {
		err = b.export(ctx)
	}
	if err != nil {
		return nil, multierr.Append(err, b.Close(ctx))
	}
	if err = b.bootstrap(ctx); err != nil {
		if !errors.Is(err, status.ErrNoStandardLibrary) {
			return nil, multierr.Append(err, b.Close(ctx))
		}
		ctx.Log.Warn("bootstrap library missing, entering the program directly", zap.String("path", img.Path), zap.Error(err))
		b.env.Entry1st = b.env.Entry2nd
	}
	ctx.Log.Debug("binary opened",
		zap.String("path", img.Path),
		zap.Int("objects", len(b.set)),
		zap.Int("sections", b.env.Len()))
	return b, nil
}

// Path is the root image path.
func (b *BinObj) Path() string { return b.path }

// Root returns the root exec object, nil once closed.
func (b *BinObj) Root() ExecObj {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.root
}

// Env returns the environment descriptor.
func (b *BinObj) Env() *env.Descriptor { return b.env }

// Set returns the dependency set, root first.
func (b *BinObj) Set() []ExecObj {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ExecObj(nil), b.set...)
}

func contains(set []ExecObj, o ExecObj) bool {
	for _, x := range set {
		if x == o {
			return true
		}
	}
	return false
}

// loadDependencies expands the set breadth first. Every object is expanded once; the set
// size is bounded by the fan-out limit.
func (b *BinObj) loadDependencies(ctx *Context) error {
	for i := 0; i < len(b.set); i++ {
		o := b.set[i]
		if err := o.LoadDependencies(ctx); err != nil {
			return err
		}
		for _, d := range o.Deps() {
			if contains(b.set, d) {
				continue
			}
			if len(b.set) > ctx.MaxDeps {
				return errors.Wrapf(status.ErrOutOfMemory, "%q pulls in more than %d libraries", b.Path(), ctx.MaxDeps)
			}
			b.set = append(b.set, d)
		}
		if err := b.pinBackEdges(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// pinBackEdges adds the cycle back edges of o which are not in the set yet. The cached
// library may have gone away since o was expanded, so it is acquired again by path.
func (b *BinObj) pinBackEdges(ctx *Context, o ExecObj) error {
	for _, p := range o.base().backEdges() {
		d, err := ctx.Acquire(p, o.Flags()&inherited|ShareSections, o.Client())
		if err != nil {
			return errors.Wrapf(err, "dependency of %q", o.Path())
		}
		if contains(b.set, d) {
			if err = ctx.Release(d); err != nil {
				return err
			}
			continue
		}
		if len(b.set) > ctx.MaxDeps {
			return multierr.Append(
				errors.Wrapf(status.ErrOutOfMemory, "%q pulls in more than %d libraries", b.Path(), ctx.MaxDeps),
				ctx.Release(d))
		}
		b.pinned = append(b.pinned, d)
		b.set = append(b.set, d)
	}
	return nil
}

func (b *BinObj) export(ctx *Context) error {
	for _, o := range b.set {
		for _, p := range o.Sections() {
			if _, err := p.Export(b.env, ctx.Log); err != nil {
				return errors.Wrapf(err, "export %s", p)
			}
		}
	}
	return nil
}

// entry returns the client address of the entry point of o.
func (b *BinObj) entry(o ExecObj) uint32 {
	return Symbol{Value: o.Entry(), Section: o.base().section(o.Entry())}.Addr(b.env)
}

// bootstrap links the bootstrap library against the root and its own dependencies and sets
// both entry points.
func (b *BinObj) bootstrap(ctx *Context) error {
	b.env.Entry2nd = b.entry(b.root)
	var boot ExecObj
	for _, o := range b.set[1:] {
		if path.Base(o.Path()) == ctx.Bootstrap {
			boot = o
			break
		}
	}
	if boot == nil {
		return errors.Wrapf(status.ErrNoStandardLibrary, "%q not needed by %q", ctx.Bootstrap, b.Path())
	}
	set := []ExecObj{b.root, boot}
	for i := 1; i < len(set); i++ {
		for _, d := range set[i].Deps() {
			if !contains(set, d) {
				set = append(set, d)
			}
		}
	}
	if err := boot.Link(ctx, set, b.env); err != nil {
		return err
	}
	if s, r := boot.FindSymbol(ctx.BootstrapEntry, true); r == Found || r == WeakFound {
		b.env.Entry1st = s.Addr(b.env)
	} else {
		b.env.Entry1st = b.entry(boot)
	}
	ctx.Log.Debug("bootstrap linked", zap.String("library", boot.Path()), zap.Uint32("entry1st", b.env.Entry1st), zap.Uint32("entry2nd", b.env.Entry2nd))
	return nil
}

// Link links every object of the set inside the environment. Libraries go before the objects
// needing them so copy relocations read relocated data. Unresolved relocations surface as
// status.ErrLinkErrors once the whole set is walked.
func (b *BinObj) Link(ctx *Context) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.root == nil {
		return errors.Wrap(status.ErrInvalid, "binary closed")
	}
	for i := len(b.set) - 1; i >= 0; i-- {
		err = multierr.Append(err, b.set[i].Link(ctx, b.set, b.env))
	}
	if err != nil {
		return
	}
	if b.env.Any(env.LinkErr) {
		return errors.Wrapf(status.ErrLinkErrors, "%q", b.Path())
	}
	return nil
}

// sideTable concatenates the side-table f renders for every object having one into a fresh
// region readable by the client.
func (b *BinObj) sideTable(ctx *Context, name string, f func(ExecObj, []byte) (int, error)) (region.Region, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.root == nil {
		return nil, errors.Wrap(status.ErrInvalid, "binary closed")
	}
	var (
		have  []ExecObj
		sizes []int
		total int
	)
	for _, o := range b.set {
		n, err := f(o, nil)
		if errors.Is(err, status.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		have, sizes, total = append(have, o), append(sizes, n), total+n
	}
	if total == 0 {
		return nil, errors.Wrapf(status.ErrNotFound, "no %s for %q", name, b.Path())
	}
	r, err := ctx.Regions.Allocate(uint32(total), name+":"+b.Path())
	if err != nil {
		return nil, err
	}
	dst := r.Bytes()
	for i, o := range have {
		if _, err = f(o, dst[:sizes[i]]); err != nil {
			return nil, multierr.Append(err, ctx.Regions.Destroy(r))
		}
		dst = dst[sizes[i]:]
	}
	if err = ctx.Regions.SetRights(r, b.env.Client, region.Read); err != nil {
		return nil, multierr.Append(err, ctx.Regions.Destroy(r))
	}
	b.tables = append(b.tables, r)
	return r, nil
}

// Symbols returns the symbol side-tables of the set in one region.
func (b *BinObj) Symbols(ctx *Context) (region.Region, error) {
	if b.flags&CollectSymbols == 0 {
		return nil, errors.Wrapf(status.ErrNotFound, "%q not opened for symbols", b.Path())
	}
	return b.sideTable(ctx, "symbols", func(o ExecObj, dst []byte) (int, error) { return o.Symbols(b.env, dst) })
}

// Lines returns the line side-tables of the set in one region, one encoded table per object.
func (b *BinObj) Lines(ctx *Context) (region.Region, error) {
	if b.flags&CollectLines == 0 {
		return nil, errors.Wrapf(status.ErrNotFound, "%q not opened for lines", b.Path())
	}
	return b.sideTable(ctx, "lines", func(o ExecObj, dst []byte) (int, error) { return o.Lines(b.env, dst) })
}

// Close withdraws every exported section and side-table region and releases the root,
// cascading through the dependency set.
func (b *BinObj) Close(ctx *Context) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.root == nil {
		return errors.Wrap(status.ErrInvalid, "binary closed")
	}
	for _, s := range b.env.Drain() {
		if p, ok := s.Source.(*ProgSection); ok {
			err = multierr.Append(err, p.Unexport(s, b.env.Client))
		}
	}
	for _, r := range b.tables {
		err = multierr.Append(err, ctx.Regions.Destroy(r))
	}
	b.tables = nil
	err = multierr.Append(err, ctx.Release(b.root))
	for _, o := range b.pinned {
		err = multierr.Append(err, ctx.Release(o))
	}
	b.root, b.set, b.pinned = nil, nil, nil
	return
}
