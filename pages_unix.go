//go:build unix

package pxmem

import (
	"unsafe"

	"github.com/phuslu/log"
	"golang.org/x/sys/unix"
)

// PageAllocator reserves anonymous private mappings. Sizes are rounded up to
// whole pages, so it is meant as an arena upstream rather than for small
// objects.
type PageAllocator struct{}

func pageSize() uint {
	return uint(unix.Getpagesize())
}

func (PageAllocator) Allocate(size uint) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	b, err := unix.Mmap(-1, 0, int(alignUp(size, pageSize())),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		log.Warn().Msgf("PageAllocator: mmap %d bytes failed: %v", size, err)
		return nil
	}
	return unsafe.Pointer(&b[0])
}

func (PageAllocator) Free(ptr unsafe.Pointer, size uint) {
	if ptr == nil {
		return
	}
	b := unsafe.Slice((*byte)(ptr), alignUp(size, pageSize()))
	if err := unix.Munmap(b); err != nil {
		panic(err)
	}
}
