package pxmem

import (
	"fmt"
	"unsafe"

	"github.com/phuslu/log"
	"go.yuchanns.xyz/xxchan"
)

// Releaser is implemented by Ptr, UniquePtr and Ref.
type Releaser interface {
	Release()
}

type retireEntry struct {
	frame uint64
	slot  uint32
}

// RetireQueue defers releasing handles until a number of frames have passed,
// for resources the GPU may still read after the CPU side is done with them.
// The ring of pending entries is allocated from the queue's allocator.
type RetireQueue struct {
	alloc   Allocator
	mem     unsafe.Pointer
	memSize uint
	ring    *xxchan.Channel[retireEntry]

	// popped from the ring but not old enough yet
	pending    retireEntry
	hasPending bool

	slots    []Releaser
	freeList []uint32

	frame    uint64
	latency  uint64
	count    int
	capacity int
}

// NewRetireQueue creates a queue holding up to capacity handles (rounded up
// to a power of two) that are released latency frames after being retired.
// Non-positive arguments select the defaults.
func NewRetireQueue(a Allocator, capacity, latency int) (*RetireQueue, error) {
	if a == nil {
		return nil, ErrNilAllocator
	}
	if capacity <= 0 {
		capacity = defaultRetireCapacity
	}
	if latency <= 0 {
		latency = defaultRetireLatency
	}
	capacity = int(alignPow2(uint(capacity)))
	size := uint(xxchan.Sizeof[retireEntry](capacity))
	mem := a.Allocate(size)
	if mem == nil {
		return nil, fmt.Errorf("allocate retire ring of %d entries: %w", capacity, ErrOutOfMemory)
	}
	clear(unsafe.Slice((*byte)(mem), size))
	return &RetireQueue{
		alloc:    a,
		mem:      mem,
		memSize:  size,
		ring:     xxchan.Make[retireEntry](mem, capacity),
		slots:    make([]Releaser, 0, capacity),
		latency:  uint64(latency),
		capacity: capacity,
	}, nil
}

func (q *RetireQueue) Frame() uint64 { return q.frame }
func (q *RetireQueue) Len() int      { return q.count }

// Retire queues r for release once the queue's latency has elapsed.
func (q *RetireQueue) Retire(r Releaser) error {
	if r == nil {
		return nil
	}
	if q.ring == nil {
		panic("pxmem: retire on a closed queue")
	}
	if q.count == q.capacity {
		return ErrQueueFull
	}
	var slot uint32
	if n := len(q.freeList); n > 0 {
		slot = q.freeList[n-1]
		q.freeList = q.freeList[:n-1]
		q.slots[slot] = r
	} else {
		slot = uint32(len(q.slots))
		q.slots = append(q.slots, r)
	}
	if !q.ring.Push(retireEntry{frame: q.frame, slot: slot}) {
		q.slots[slot] = nil
		q.freeList = append(q.freeList, slot)
		return ErrQueueFull
	}
	q.count++
	return nil
}

func (q *RetireQueue) next() (e retireEntry, ok bool) {
	if q.hasPending {
		q.hasPending = false
		return q.pending, true
	}
	return q.ring.Pop()
}

func (q *RetireQueue) drain(ready func(retireEntry) bool) (released int) {
	for {
		e, ok := q.next()
		if !ok {
			break
		}
		if !ready(e) {
			q.pending, q.hasPending = e, true
			break
		}
		r := q.slots[e.slot]
		q.slots[e.slot] = nil
		q.freeList = append(q.freeList, e.slot)
		q.count--
		r.Release()
		released++
	}
	return
}

// Advance ends the current frame and releases every handle retired at least
// latency frames ago. It returns the number of handles released.
func (q *RetireQueue) Advance() int {
	q.frame++
	n := q.drain(func(e retireEntry) bool {
		return q.frame >= e.frame+q.latency
	})
	if n > 0 {
		log.Debug().Msgf("RetireQueue: frame %d released %d handles, %d pending", q.frame, n, q.count)
	}
	return n
}

// Flush releases everything regardless of age.
func (q *RetireQueue) Flush() int {
	if q.ring == nil {
		return 0
	}
	return q.drain(func(retireEntry) bool { return true })
}

// Close flushes the queue and returns the ring to the allocator.
func (q *RetireQueue) Close() {
	if q.ring == nil {
		return
	}
	q.Flush()
	q.ring = nil
	q.alloc.Free(q.mem, q.memSize)
	q.mem = nil
}
