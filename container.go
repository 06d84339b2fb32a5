package pxmem

import (
	"fmt"
	"reflect"
	"unsafe"
)

// Adapter forwards container storage requests to an explicit allocator, so a
// container can live in the same arena as the resources it describes. The
// zero Adapter uses DefaultAllocator.
type Adapter struct {
	allocator Allocator
}

func NewAdapter(a Allocator) Adapter {
	return Adapter{allocator: a}
}

func (ad Adapter) Allocator() Allocator {
	if ad.allocator == nil {
		return DefaultAllocator()
	}
	return ad.allocator
}

func (ad Adapter) Allocate(size uint) unsafe.Pointer {
	return ad.Allocator().Allocate(size)
}

func (ad Adapter) Free(ptr unsafe.Pointer, size uint) {
	ad.Allocator().Free(ptr, size)
}

func checkElem[T any]() error {
	if t := reflect.TypeFor[T](); !pointerFree(t) {
		return fmt.Errorf("%s: %w", t, ErrPointerPayload)
	}
	return nil
}

// allocSlice returns n uninitialized elements backed by ad.
func allocSlice[T any](ad Adapter, n int) ([]T, error) {
	if n == 0 {
		return nil, nil
	}
	var t T
	size := uint(n) * uint(unsafe.Sizeof(t))
	ptr := ad.Allocate(allocSize(size))
	if ptr == nil {
		return nil, fmt.Errorf("allocate %d elements of %T: %w", n, t, ErrOutOfMemory)
	}
	return unsafe.Slice((*T)(ptr), n), nil
}

// freeSlice returns a slice obtained from allocSlice; s must keep its original capacity.
func freeSlice[T any](ad Adapter, s []T) {
	if cap(s) == 0 {
		return
	}
	var t T
	size := uint(cap(s)) * uint(unsafe.Sizeof(t))
	ad.Free(unsafe.Pointer(unsafe.SliceData(s)), allocSize(size))
}
