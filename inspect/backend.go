package main

import (
	"sort"

	"github.com/ZenLiuCN/fn"
	"go.uber.org/zap"

	"github.com/osfree-project/l4exec/region"
)

var backends = map[string]func(log *zap.Logger) region.Service{
	"memory": func(log *zap.Logger) region.Service {
		return region.NewMemory(region.WithLogger(log))
	},
}

func backendNames() []string {
	v := fn.MapKeys(backends)
	sort.Strings(v)
	return v
}
