package pxmem

// Ref is a weak observer. It keeps the control block resident but never the
// payload, and only hands out the payload view after checking liveness.
type Ref[T any] struct {
	addr   *Ref[T]
	cb     *controlBlock
	derive view[T]
}

// NewRef returns an empty observer.
func NewRef[T any]() *Ref[T] {
	r := &Ref[T]{}
	r.addr = r
	return r
}

func newRef[T any](cb *controlBlock, derive view[T]) *Ref[T] {
	r := NewRef[T]()
	if cb != nil {
		cb.acquireWeak()
		r.cb, r.derive = cb, derive
	}
	return r
}

func (r *Ref[T]) copyCheck() {
	if r.addr == nil {
		r.addr = r
	} else if r.addr != r {
		panic("pxmem: illegal use of non-zero Ref copied by value")
	}
}

func (r *Ref[T]) Clone() *Ref[T] {
	r.copyCheck()
	return newRef(r.cb, r.derive)
}

func (r *Ref[T]) Assign(src *Ref[T]) {
	r.copyCheck()
	src.copyCheck()
	if r == src {
		return
	}
	if src.cb != nil {
		src.cb.acquireWeak()
	}
	r.Release()
	r.cb, r.derive = src.cb, src.derive
}

// Valid reports whether the observed payload is still alive.
func (r *Ref[T]) Valid() bool {
	r.copyCheck()
	return r.cb != nil && r.cb.alive()
}

// Get returns the payload view while it is alive, and false once every strong
// handle is gone.
func (r *Ref[T]) Get() (T, bool) {
	if !r.Valid() {
		var zero T
		return zero, false
	}
	return r.derive(r.cb.rec.payload), true
}

// Release drops the observer. The control block is freed with the last
// observer of an expired payload.
func (r *Ref[T]) Release() {
	r.copyCheck()
	cb := r.cb
	if cb == nil {
		return
	}
	r.cb, r.derive = nil, nil
	cb.releaseWeak()
}
