package pxmem

import (
	"fmt"
	"reflect"
	"unsafe"
)

// view turns the payload address of a live block into the handle's typed view.
type view[T any] func(unsafe.Pointer) T

func payloadView[T any](p unsafe.Pointer) *T {
	return (*T)(p)
}

// Ptr is a shared strong handle. T is the view type: MakePtr[Buffer] yields a
// *Ptr[*Buffer], and Cast can turn it into a *Ptr[Resource] over the same
// control block.
//
// Every non-empty Ptr owns exactly one strong count. Clone to share
// ownership; never copy a Ptr by value.
type Ptr[T any] struct {
	addr   *Ptr[T]
	cb     *controlBlock
	derive view[T]
	view   T
}

// MakePtr allocates a control block and a payload initialized to v from a.
func MakePtr[T any](a Allocator, v T) (*Ptr[*T], error) {
	payload, cb, err := construct(a, v)
	if err != nil {
		return nil, err
	}
	return newPtr[*T](cb, payloadView[T], payload), nil
}

// AdoptPtr takes ownership of payload, which must have been obtained from
// a.Allocate with the size of T.
func AdoptPtr[T any](a Allocator, payload *T) (*Ptr[*T], error) {
	cb, err := adopt(a, payload)
	if err != nil {
		return nil, err
	}
	return newPtr[*T](cb, payloadView[T], payload), nil
}

func newPtr[T any](cb *controlBlock, derive view[T], v T) *Ptr[T] {
	p := &Ptr[T]{cb: cb, derive: derive, view: v}
	p.addr = p
	return p
}

func (p *Ptr[T]) copyCheck() {
	if p.addr == nil {
		p.addr = p
	} else if p.addr != p {
		panic("pxmem: illegal use of non-zero Ptr copied by value")
	}
}

// Clone returns a new handle sharing ownership with p.
func (p *Ptr[T]) Clone() *Ptr[T] {
	p.copyCheck()
	if p.cb == nil {
		return &Ptr[T]{}
	}
	p.cb.acquire()
	return newPtr(p.cb, p.derive, p.view)
}

// Assign releases what p held and makes it share ownership with src.
func (p *Ptr[T]) Assign(src *Ptr[T]) {
	p.copyCheck()
	src.copyCheck()
	if p == src {
		return
	}
	if src.cb != nil {
		src.cb.acquire()
	}
	p.Release()
	p.cb, p.derive, p.view = src.cb, src.derive, src.view
}

// Release gives up p's strong count. The payload is destroyed when the last
// strong handle goes; releasing an empty handle does nothing.
func (p *Ptr[T]) Release() {
	p.copyCheck()
	cb := p.cb
	if cb == nil {
		return
	}
	var zero T
	p.cb, p.derive, p.view = nil, nil, zero
	cb.release()
}

// Get returns the payload view, or false when p is empty.
func (p *Ptr[T]) Get() (T, bool) {
	p.copyCheck()
	if p.cb == nil {
		var zero T
		return zero, false
	}
	return p.view, true
}

// Must returns the payload view and panics when p is empty.
func (p *Ptr[T]) Must() T {
	v, ok := p.Get()
	if !ok {
		panic(fmt.Errorf("Ptr[%s]: %w", reflect.TypeFor[T](), ErrExpired))
	}
	return v
}

func (p *Ptr[T]) Valid() bool {
	p.copyCheck()
	return p.cb != nil
}

// UseCount reports the strong count of the shared block. Zero for an empty handle.
func (p *Ptr[T]) UseCount() uint32 {
	p.copyCheck()
	if p.cb == nil {
		return 0
	}
	return p.cb.strongCount()
}

func (p *Ptr[T]) WeakCount() uint32 {
	p.copyCheck()
	if p.cb == nil {
		return 0
	}
	return p.cb.weakCount()
}

// Ref returns a weak observer of p's block.
func (p *Ptr[T]) Ref() *Ref[T] {
	p.copyCheck()
	return newRef(p.cb, p.derive)
}

// Cast returns a handle over the same control block with the view converted
// to U. The conversion is a checked type assertion, so both up-casts to an
// interface and down-casts back to the concrete pointer work. Casting an
// empty handle yields an empty handle.
func Cast[U, T any](p *Ptr[T]) (*Ptr[U], error) {
	p.copyCheck()
	if p.cb == nil {
		return &Ptr[U]{}, nil
	}
	u, ok := any(p.view).(U)
	if !ok {
		return nil, fmt.Errorf("%T to %s: %w", p.view, reflect.TypeFor[U](), ErrInvalidCast)
	}
	p.cb.acquire()
	return newPtr(p.cb, castView[U](p.derive), u), nil
}

// Project returns a handle over the same control block whose view is f
// applied to p's view, e.g. the address of an embedded struct.
func Project[U, T any](p *Ptr[T], f func(T) U) *Ptr[U] {
	p.copyCheck()
	if p.cb == nil {
		return &Ptr[U]{}
	}
	p.cb.acquire()
	return newPtr(p.cb, projectView(p.derive, f), f(p.view))
}

func castView[U, T any](derive view[T]) view[U] {
	return func(payload unsafe.Pointer) U {
		return any(derive(payload)).(U)
	}
}

func projectView[U, T any](derive view[T], f func(T) U) view[U] {
	return func(payload unsafe.Pointer) U {
		return f(derive(payload))
	}
}
