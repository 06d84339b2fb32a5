package pxmem

import "fmt"

const minArrayCap = 4

// Array is a growable array whose backing store comes from an Adapter.
// Slices returned by Slice are invalidated by the next growth or Release.
type Array[T any] struct {
	alloc Adapter
	buf   []T
	n     int
}

// NewArray returns an empty array drawing memory from a, or from the default
// allocator when a is nil.
func NewArray[T any](a Allocator) (*Array[T], error) {
	if err := checkElem[T](); err != nil {
		return nil, err
	}
	return &Array[T]{alloc: NewAdapter(a)}, nil
}

func (arr *Array[T]) Len() int { return arr.n }
func (arr *Array[T]) Cap() int { return len(arr.buf) }

func (arr *Array[T]) At(i int) T {
	if i < 0 || i >= arr.n {
		panic(fmt.Sprintf("pxmem: index %d out of range [0:%d]", i, arr.n))
	}
	return arr.buf[i]
}

func (arr *Array[T]) Set(i int, v T) {
	if i < 0 || i >= arr.n {
		panic(fmt.Sprintf("pxmem: index %d out of range [0:%d]", i, arr.n))
	}
	arr.buf[i] = v
}

// Reserve makes room for at least n elements without further allocation.
func (arr *Array[T]) Reserve(n int) error {
	if n <= len(arr.buf) {
		return nil
	}
	buf, err := allocSlice[T](arr.alloc, n)
	if err != nil {
		return err
	}
	copy(buf, arr.buf[:arr.n])
	freeSlice(arr.alloc, arr.buf)
	arr.buf = buf
	return nil
}

func (arr *Array[T]) grow(need int) error {
	newCap := len(arr.buf) * 2
	if newCap < minArrayCap {
		newCap = minArrayCap
	}
	if newCap < need {
		newCap = need
	}
	return arr.Reserve(newCap)
}

func (arr *Array[T]) Push(v T) error {
	if arr.n == len(arr.buf) {
		if err := arr.grow(arr.n + 1); err != nil {
			return err
		}
	}
	arr.buf[arr.n] = v
	arr.n++
	return nil
}

func (arr *Array[T]) Pop() (v T, ok bool) {
	if arr.n == 0 {
		return
	}
	arr.n--
	v, ok = arr.buf[arr.n], true
	return
}

// Resize sets the length to n; new elements are zeroed.
func (arr *Array[T]) Resize(n int) error {
	if n < 0 {
		panic("pxmem: negative array length")
	}
	if n > len(arr.buf) {
		if err := arr.grow(n); err != nil {
			return err
		}
	}
	if n > arr.n {
		clear(arr.buf[arr.n:n])
	}
	arr.n = n
	return nil
}

func (arr *Array[T]) Clear() {
	arr.n = 0
}

func (arr *Array[T]) Slice() []T {
	return arr.buf[:arr.n:arr.n]
}

// Release frees the backing store. The array stays usable and empty.
func (arr *Array[T]) Release() {
	freeSlice(arr.alloc, arr.buf)
	arr.buf = nil
	arr.n = 0
}
