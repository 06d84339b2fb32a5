package pxmem

import (
	"fmt"
	"reflect"
)

// UniquePtr is a single-owner handle. Ownership moves with Move, MoveFrom,
// CastUnique or Share; a moved-from handle is empty.
type UniquePtr[T any] struct {
	addr   *UniquePtr[T]
	cb     *controlBlock
	derive view[T]
	view   T
}

// MakeUnique allocates a control block and a payload initialized to v from a.
func MakeUnique[T any](a Allocator, v T) (*UniquePtr[*T], error) {
	payload, cb, err := construct(a, v)
	if err != nil {
		return nil, err
	}
	return newUnique[*T](cb, payloadView[T], payload), nil
}

func newUnique[T any](cb *controlBlock, derive view[T], v T) *UniquePtr[T] {
	u := &UniquePtr[T]{cb: cb, derive: derive, view: v}
	u.addr = u
	return u
}

func (u *UniquePtr[T]) copyCheck() {
	if u.addr == nil {
		u.addr = u
	} else if u.addr != u {
		panic("pxmem: illegal use of non-zero UniquePtr copied by value")
	}
}

func (u *UniquePtr[T]) take() (cb *controlBlock, derive view[T], v T) {
	var zero T
	cb, derive, v = u.cb, u.derive, u.view
	u.cb, u.derive, u.view = nil, nil, zero
	return
}

// Move transfers ownership to a new handle and leaves u empty.
func (u *UniquePtr[T]) Move() *UniquePtr[T] {
	u.copyCheck()
	if u.cb == nil {
		return &UniquePtr[T]{}
	}
	cb, derive, v := u.take()
	return newUnique(cb, derive, v)
}

// MoveFrom releases what u held and takes ownership from src.
func (u *UniquePtr[T]) MoveFrom(src *UniquePtr[T]) {
	u.copyCheck()
	src.copyCheck()
	if u == src {
		return
	}
	u.Release()
	cb, derive, v := src.take()
	u.cb, u.derive, u.view = cb, derive, v
}

// Share turns u into a strong shared handle over the same block.
func (u *UniquePtr[T]) Share() *Ptr[T] {
	u.copyCheck()
	if u.cb == nil {
		return &Ptr[T]{}
	}
	cb, derive, v := u.take()
	return newPtr(cb, derive, v)
}

func (u *UniquePtr[T]) Release() {
	u.copyCheck()
	cb, _, _ := u.take()
	if cb == nil {
		return
	}
	cb.release()
}

func (u *UniquePtr[T]) Get() (T, bool) {
	u.copyCheck()
	if u.cb == nil {
		var zero T
		return zero, false
	}
	return u.view, true
}

func (u *UniquePtr[T]) Must() T {
	v, ok := u.Get()
	if !ok {
		panic(fmt.Errorf("UniquePtr[%s]: %w", reflect.TypeFor[T](), ErrExpired))
	}
	return v
}

func (u *UniquePtr[T]) Valid() bool {
	u.copyCheck()
	return u.cb != nil
}

func (u *UniquePtr[T]) Ref() *Ref[T] {
	u.copyCheck()
	return newRef(u.cb, u.derive)
}

// CastUnique moves ownership into a handle with the view converted to U.
// On failure u keeps ownership.
func CastUnique[U, T any](u *UniquePtr[T]) (*UniquePtr[U], error) {
	u.copyCheck()
	if u.cb == nil {
		return &UniquePtr[U]{}, nil
	}
	v, ok := any(u.view).(U)
	if !ok {
		return nil, fmt.Errorf("%T to %s: %w", u.view, reflect.TypeFor[U](), ErrInvalidCast)
	}
	cb, derive, _ := u.take()
	return newUnique(cb, castView[U](derive), v), nil
}
