package pxmem

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"
)

var pointerFreeCache sync.Map

// pointerFree reports whether values of t can live in memory the garbage
// collector does not scan.
func pointerFree(t reflect.Type) bool {
	if v, ok := pointerFreeCache.Load(t); ok {
		return v.(bool)
	}
	ok := walkPointerFree(t)
	pointerFreeCache.Store(t, ok)
	return ok
}

func walkPointerFree(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return t.Len() == 0 || walkPointerFree(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if !walkPointerFree(t.Field(i).Type) {
				return false
			}
		}
		return true
	}
	return false
}

// hasPadding reports whether t contains bytes not covered by any field, which
// makes its raw bytes unusable as a hash input.
func hasPadding(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Array:
		return t.Len() > 0 && hasPadding(t.Elem())
	case reflect.Struct:
		var covered uintptr
		for i := range t.NumField() {
			f := t.Field(i)
			if f.Offset != covered || hasPadding(f.Type) {
				return true
			}
			covered += f.Type.Size()
		}
		return covered != t.Size()
	}
	return false
}

func checkPayload[T any]() (uint, error) {
	t := reflect.TypeFor[T]()
	if !pointerFree(t) {
		return 0, fmt.Errorf("%s: %w", t, ErrPointerPayload)
	}
	var v T
	return uint(unsafe.Sizeof(v)), nil
}

// zeroSized payloads still get a distinct allocation.
func allocSize(size uint) uint {
	if size == 0 {
		return 1
	}
	return size
}
