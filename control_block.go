package pxmem

import (
	"fmt"
	"unsafe"

	"github.com/phuslu/log"
)

// blockRecord is the part of a control block that lives in allocator memory.
type blockRecord struct {
	payload     unsafe.Pointer
	payloadSize uint
	strong      uint32
	weak        uint32
}

const recordSize = uint(unsafe.Sizeof(blockRecord{}))

type blockState uint8

const (
	blockLive blockState = iota
	blockExpired
	blockDead
)

func (s blockState) String() string {
	switch s {
	case blockLive:
		return "live"
	case blockExpired:
		return "expired"
	}
	return "dead"
}

// controlBlock is shared by every handle derived from one allocation. The
// record and the payload are freed through the allocator that produced them.
type controlBlock struct {
	rec       *blockRecord
	allocator Allocator
	destroy   func(unsafe.Pointer)
}

// Destroyer is implemented by payloads that need to run code before their
// memory is returned to the allocator.
type Destroyer interface {
	Destroy()
}

func destroyerOf[T any]() func(unsafe.Pointer) {
	return func(p unsafe.Pointer) {
		if d, ok := any((*T)(p)).(Destroyer); ok {
			d.Destroy()
		}
	}
}

func newControlBlock(a Allocator, payload unsafe.Pointer, size uint, destroy func(unsafe.Pointer)) (*controlBlock, error) {
	raw := a.Allocate(recordSize)
	if raw == nil {
		return nil, fmt.Errorf("allocate control block: %w", ErrOutOfMemory)
	}
	rec := (*blockRecord)(raw)
	*rec = blockRecord{
		payload:     payload,
		payloadSize: size,
		strong:      1,
	}
	return &controlBlock{
		rec:       rec,
		allocator: a,
		destroy:   destroy,
	}, nil
}

// construct allocates the payload and then the control block from a, copying
// v into the payload. Nothing is left allocated on failure.
func construct[T any](a Allocator, v T) (*T, *controlBlock, error) {
	if a == nil {
		return nil, nil, ErrNilAllocator
	}
	size, err := checkPayload[T]()
	if err != nil {
		return nil, nil, err
	}
	size = allocSize(size)
	raw := a.Allocate(size)
	if raw == nil {
		return nil, nil, fmt.Errorf("allocate %d bytes payload: %w", size, ErrOutOfMemory)
	}
	payload := (*T)(raw)
	*payload = v
	cb, err := newControlBlock(a, raw, size, destroyerOf[T]())
	if err != nil {
		a.Free(raw, size)
		return nil, nil, err
	}
	return payload, cb, nil
}

func adopt[T any](a Allocator, payload *T) (*controlBlock, error) {
	if a == nil {
		return nil, ErrNilAllocator
	}
	size, err := checkPayload[T]()
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("adopt nil payload: %w", ErrOutOfMemory)
	}
	return newControlBlock(a, unsafe.Pointer(payload), allocSize(size), destroyerOf[T]())
}

func (cb *controlBlock) state() blockState {
	switch {
	case cb.rec == nil:
		return blockDead
	case cb.rec.strong > 0:
		return blockLive
	}
	return blockExpired
}

func (cb *controlBlock) alive() bool {
	return cb.rec != nil && cb.rec.strong > 0
}

func (cb *controlBlock) strongCount() uint32 {
	if cb.rec == nil {
		return 0
	}
	return cb.rec.strong
}

func (cb *controlBlock) weakCount() uint32 {
	if cb.rec == nil {
		return 0
	}
	return cb.rec.weak
}

func (cb *controlBlock) acquire() {
	if !cb.alive() {
		panic(fmt.Errorf("acquire on %s block: %w", cb.state(), ErrExpired))
	}
	cb.rec.strong++
}

func (cb *controlBlock) acquireWeak() {
	if cb.rec == nil {
		panic(fmt.Errorf("acquire weak on dead block: %w", ErrExpired))
	}
	cb.rec.weak++
}

func (cb *controlBlock) release() {
	rec := cb.rec
	if rec == nil || rec.strong == 0 {
		panic(fmt.Errorf("release strong: %w", ErrRefcountUnderflow))
	}
	rec.strong--
	if rec.strong > 0 {
		return
	}
	payload, size := rec.payload, rec.payloadSize
	// the destructor may drop the last Ref to this very block
	rec.weak++
	cb.destroy(payload)
	rec.weak--
	rec.payload = nil
	cb.allocator.Free(payload, size)
	if rec.weak > 0 {
		log.Debug().Msgf("Control block %p expired, %d weak refs remain", rec, rec.weak)
		return
	}
	cb.free()
}

func (cb *controlBlock) releaseWeak() {
	rec := cb.rec
	if rec == nil || rec.weak == 0 {
		panic(fmt.Errorf("release weak: %w", ErrRefcountUnderflow))
	}
	rec.weak--
	if rec.weak == 0 && rec.strong == 0 {
		cb.free()
	}
}

func (cb *controlBlock) free() {
	rec := cb.rec
	cb.rec = nil
	cb.destroy = nil
	a := cb.allocator
	cb.allocator = nil
	a.Free(unsafe.Pointer(rec), recordSize)
}
