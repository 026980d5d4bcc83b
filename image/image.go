// Package image fetches raw binary images for the loader.
package image

import (
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/osfree-project/l4exec/status"
)

type (
	// Image is the raw content of one binary file.
	Image struct {
		Path string
		Data []byte
	}
	// Provider resolves library names to canonical paths and fetches their bytes.
	Provider interface {
		// Resolve maps a path or a bare library name onto the canonical path of an existing image.
		Resolve(name string) (string, error)
		// Fetch returns the image at a canonical path.
		Fetch(canonical string) (*Image, error)
	}
	// FSProvider serves images from an afero filesystem through a search path.
	FSProvider struct {
		fs     afero.Fs
		search []string
		cache  *lru.Cache[string, *Image]
		log    *zap.Logger
	}
)

// Size returns the image length.
func (i *Image) Size() uint32 {
	return uint32(len(i.Data))
}

// At returns n bytes at offset off, or status.ErrCorrupt if the range leaves the image.
func (i *Image) At(off, n uint32) ([]byte, error) {
	end := uint64(off) + uint64(n)
	if end > uint64(len(i.Data)) {
		return nil, errors.Wrapf(status.ErrCorrupt, "range [%#x+%#x) outside image %q of %#x bytes", off, n, i.Path, len(i.Data))
	}
	return i.Data[off:end], nil
}

// NewFSProvider creates a provider over fs. Bare names are looked up in search in order and
// up to cacheSize images stay cached by canonical path.
func NewFSProvider(fs afero.Fs, search []string, cacheSize int, log *zap.Logger) (*FSProvider, error) {
	if cacheSize <= 0 {
		cacheSize = 32
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &FSProvider{fs: fs, search: search, log: log}
	var err error
	p.cache, err = lru.NewWithEvict[string, *Image](cacheSize, func(key string, _ *Image) {
		p.log.Debug("image evicted", zap.String("path", key))
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// NewOsProvider serves images from the host filesystem.
func NewOsProvider(search []string, log *zap.Logger) (*FSProvider, error) {
	return NewFSProvider(afero.NewOsFs(), search, 0, log)
}

func (p *FSProvider) candidates(name string) []string {
	if strings.ContainsRune(name, '/') {
		return []string{path.Clean(name)}
	}
	c := make([]string, 0, len(p.search))
	for _, dir := range p.search {
		c = append(c, path.Join(dir, name))
	}
	return c
}

func (p *FSProvider) Resolve(name string) (string, error) {
	if name == "" {
		return "", errors.Wrap(status.ErrInvalid, "empty image name")
	}
	for _, c := range p.candidates(name) {
		if p.cache.Contains(c) {
			return c, nil
		}
		if fi, err := p.fs.Stat(c); err == nil && !fi.IsDir() {
			return c, nil
		}
	}
	return "", errors.Wrapf(status.ErrNotFound, "image %q (search %v)", name, p.search)
}

func (p *FSProvider) Fetch(canonical string) (*Image, error) {
	if img, ok := p.cache.Get(canonical); ok {
		return img, nil
	}
	data, err := afero.ReadFile(p.fs, canonical)
	if err != nil {
		return nil, errors.Wrapf(status.ErrNotFound, "read %q: %v", canonical, err)
	}
	img := &Image{Path: canonical, Data: data}
	p.cache.Add(canonical, img)
	p.log.Debug("image fetched", zap.String("path", canonical), zap.Int("size", len(data)))
	return img, nil
}
