package pxmem

import (
	"sync/atomic"
	"unsafe"

	"github.com/smasher164/mem"
)

// Allocator hands out raw memory that the Go garbage collector neither scans
// nor moves. Free must be called with the exact size passed to Allocate.
type Allocator interface {
	Allocate(size uint) unsafe.Pointer
	Free(ptr unsafe.Pointer, size uint)
}

// StdAllocator passes every request through to the system heap.
type StdAllocator struct{}

func (StdAllocator) Allocate(size uint) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	return mem.Alloc(size)
}

func (StdAllocator) Free(ptr unsafe.Pointer, size uint) {
	if ptr == nil {
		return
	}
	mem.Free(ptr)
}

var malloc Allocator = StdAllocator{}

var allocInit atomic.Int32

// DefaultAllocator returns the allocator used by containers constructed
// without an explicit one.
func DefaultAllocator() Allocator {
	return malloc
}

// SetDefaultAllocator replaces the process default. It can only be called once.
func SetDefaultAllocator(alloc Allocator) {
	if alloc == nil {
		panic("allocator cannot be nil")
	}
	if allocInit.Add(1) != 1 {
		panic("allocator can only be set once")
	}
	malloc = alloc
}

func alignUp(x, align uint) uint {
	return (x + align - 1) &^ (align - 1)
}

func alignDown(x, align uint) uint {
	return x &^ (align - 1)
}
