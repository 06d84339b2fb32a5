package pxmem

import "unsafe"

const sizePrefix = 8

// UnsizedAllocator adapts a sized Allocator to the Alloc/Free shape used by
// libraries that do not track allocation sizes. Each allocation carries an
// 8-byte size prefix in front of the returned pointer.
type UnsizedAllocator struct {
	a Allocator
}

func Unsized(a Allocator) UnsizedAllocator {
	if a == nil {
		panic("allocator cannot be nil")
	}
	return UnsizedAllocator{a: a}
}

func (u UnsizedAllocator) Alloc(size uint) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	base := u.a.Allocate(size + sizePrefix)
	if base == nil {
		return nil
	}
	*(*uint64)(base) = uint64(size)
	return unsafe.Add(base, sizePrefix)
}

func (u UnsizedAllocator) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	base := unsafe.Add(ptr, -sizePrefix)
	size := uint(*(*uint64)(base))
	u.a.Free(base, size+sizePrefix)
}
