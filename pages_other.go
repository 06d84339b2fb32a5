//go:build !unix

package pxmem

import "unsafe"

// PageAllocator falls back to the system heap where anonymous mappings are
// not available.
type PageAllocator struct{}

func pageSize() uint {
	return 4096
}

func (PageAllocator) Allocate(size uint) unsafe.Pointer {
	return StdAllocator{}.Allocate(alignUp(size, pageSize()))
}

func (PageAllocator) Free(ptr unsafe.Pointer, size uint) {
	StdAllocator{}.Free(ptr, alignUp(size, pageSize()))
}
