package main

import (
	"unsafe"

	"go.yuchanns.xyz/pxmem"
)

// expiryNode lives in arena memory and only carries a slot index; the
// handles themselves stay in Go memory.
type expiryNode struct {
	next *expiryNode
	slot uint32
}

const expiryNodeSize = uint(unsafe.Sizeof(expiryNode{}))

// expiryWheel schedules slot expiries by frame. A wheel of span buckets
// holds deadlines up to span-1 frames ahead, and every bucket must be
// expired on its frame before the wheel comes around again.
type expiryWheel struct {
	nodes   pxmem.UnsizedAllocator
	buckets []*expiryNode
	pending int
	peak    int
	total   int
}

func newExpiryWheel(a pxmem.Allocator, span int) *expiryWheel {
	return &expiryWheel{
		nodes:   pxmem.Unsized(a),
		buckets: make([]*expiryNode, span),
	}
}

// schedule makes slot expire on frame. It reports false when the arena has
// no room for the node.
func (w *expiryWheel) schedule(frame int, slot uint32) bool {
	n := (*expiryNode)(w.nodes.Alloc(expiryNodeSize))
	if n == nil {
		return false
	}
	b := &w.buckets[frame%len(w.buckets)]
	n.next, n.slot = *b, slot
	*b = n
	w.pending++
	w.total++
	w.peak = max(w.peak, w.pending)
	return true
}

// expire hands every slot due on frame to fn and frees its node.
func (w *expiryWheel) expire(frame int, fn func(slot uint32)) {
	b := &w.buckets[frame%len(w.buckets)]
	n := *b
	*b = nil
	for n != nil {
		next := n.next
		fn(n.slot)
		w.nodes.Free(unsafe.Pointer(n))
		w.pending--
		n = next
	}
}

// drain frees every pending node without firing it.
func (w *expiryWheel) drain() {
	for frame := range w.buckets {
		w.expire(frame, func(uint32) {})
	}
}
