package pxmem

import "errors"

var (
	ErrNilAllocator      = errors.New("pxmem: allocator cannot be nil")
	ErrOutOfMemory       = errors.New("pxmem: out of memory")
	ErrPointerPayload    = errors.New("pxmem: payload type must not contain Go pointers")
	ErrInvalidCast       = errors.New("pxmem: invalid cast")
	ErrExpired           = errors.New("pxmem: handle is empty or expired")
	ErrRefcountUnderflow = errors.New("pxmem: reference count underflow")

	ErrSizeMismatch   = errors.New("pxmem: free size does not match allocation")
	ErrDoubleFree     = errors.New("pxmem: block is already free")
	ErrForeignPointer = errors.New("pxmem: pointer does not belong to this arena")
	ErrArenaTooSmall  = errors.New("pxmem: arena size is too small")
	ErrArenaTooLarge  = errors.New("pxmem: arena size is too large")

	ErrQueueFull = errors.New("pxmem: retire queue is full")
	ErrPaddedKey = errors.New("pxmem: key type has padding, a hash function is required")
)
