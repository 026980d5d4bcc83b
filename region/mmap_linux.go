//go:build linux

package region

import (
	"golang.org/x/sys/unix"
)

type anon struct{}

func (anon) alloc(n int) ([]byte, error) {
	return unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func (anon) free(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}

// NewMmap creates a manager whose regions are anonymous private mappings outside the Go heap.
func NewMmap(opts ...Option) *Manager {
	return newManager(anon{}, opts)
}
