package object

import (
	"github.com/pkg/errors"

	"github.com/osfree-project/l4exec/image"
	"github.com/osfree-project/l4exec/region"
	"github.com/osfree-project/l4exec/status"
)

// ELF64 images are recognized but not loadable yet.

func probeElf64(img *image.Image) error {
	return errors.Wrapf(status.ErrBadFormat, "%q: ELF64 images are not supported", img.Path)
}

func loadElf64(_ *Context, img *image.Image, _ Flags, _ region.ClientID) (ExecObj, error) {
	return nil, probeElf64(img)
}
