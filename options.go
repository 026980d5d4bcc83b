package l4exec

import (
	"go.uber.org/zap"

	"github.com/osfree-project/l4exec/image"
	"github.com/osfree-project/l4exec/region"
)

// Options configure a Loader.
type Options struct {
	ExecObjects    int // capacity of the exec object table
	BinObjects     int // capacity of the program table
	MaxDeps        int // NEEDED entries per object and objects per program
	Bootstrap      string
	BootstrapEntry string
	Search         []string // library search path of the default image provider
	Client         region.ClientID
	Regions        region.Service
	Images         image.Provider
	Logger         *zap.Logger
}

// Option sets one field of Options.
type Option func(*Options)

func defaults() *Options {
	return &Options{
		ExecObjects:    128,
		BinObjects:     64,
		MaxDeps:        32,
		Bootstrap:      "libld-l4.s.so",
		BootstrapEntry: "_dl_start",
		Search:         []string{"/lib", "/usr/lib"},
		Client:         1,
		Logger:         zap.NewNop(),
	}
}

// WithCapacity sets the exec object and program table capacities.
func WithCapacity(execObjects, binObjects int) Option {
	return func(o *Options) {
		o.ExecObjects, o.BinObjects = execObjects, binObjects
	}
}

// WithMaxDeps bounds the dependency fan-out.
func WithMaxDeps(n int) Option {
	return func(o *Options) { o.MaxDeps = n }
}

// WithBootstrap names the bootstrap library and its entry symbol.
func WithBootstrap(library, entry string) Option {
	return func(o *Options) {
		o.Bootstrap, o.BootstrapEntry = library, entry
	}
}

// WithSearch sets the library search path. Ignored together with WithImages.
func WithSearch(dirs ...string) Option {
	return func(o *Options) { o.Search = dirs }
}

// WithClient sets the client every program is exported to.
func WithClient(c region.ClientID) Option {
	return func(o *Options) { o.Client = c }
}

// WithRegions sets the memory region service.
func WithRegions(s region.Service) Option {
	return func(o *Options) { o.Regions = s }
}

// WithImages sets the image provider; the search path is then unused.
func WithImages(p image.Provider) Option {
	return func(o *Options) { o.Images = p }
}

// WithLogger sets the logger, nil keeps the no-op default.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}
