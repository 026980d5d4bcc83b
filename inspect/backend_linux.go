package main

import (
	"go.uber.org/zap"

	"github.com/osfree-project/l4exec/region"
)

func init() {
	backends["mmap"] = func(log *zap.Logger) region.Service {
		return region.NewMmap(region.WithLogger(log))
	}
}
