package pxmem

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/phuslu/log"
)

const (
	defaultChunkSize  = 64 << 10
	defaultChunkLimit = 64
	maxChunkSize      = 0x7FFFFFFF
)

// cursor packs the current chunk index in the high 32 bits and the bump
// offset inside that chunk in the low 32 bits.
type cursor uint64

func (c *cursor) load() (chunk, offset uint64) {
	v := atomic.LoadUint64((*uint64)(c))
	return v >> 32, v & 0xFFFFFFFF
}

func (c *cursor) add(size uint64) (chunk, offset uint64) {
	v := atomic.AddUint64((*uint64)(c), size)
	return v >> 32, v & 0xFFFFFFFF
}

func (c *cursor) swap(chunk, offset, newChunk, newOffset uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(c), chunk<<32|offset, newChunk<<32|newOffset)
}

func (c *cursor) reset() {
	atomic.StoreUint64((*uint64)(c), 0)
}

// FrameArena is a chunked bump allocator for transient data that lives until
// the next Reset, such as per-frame command lists. Free is a no-op.
//
// Allocate is safe for concurrent use. Reset and Close are not, and must not
// overlap any Allocate.
type FrameArena struct {
	lock      sync.Mutex
	upstream  Allocator
	chunkSize uint64

	cursor cursor
	chunks []atomic.Pointer[byte]
}

// NewFrameArena creates an arena of up to limit chunks of chunkSize bytes,
// drawn lazily from upstream. Zero values select 64KiB chunks and a limit of
// 64; a nil upstream selects StdAllocator.
func NewFrameArena(upstream Allocator, chunkSize uint, limit int) (*FrameArena, error) {
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}
	if chunkSize > maxChunkSize {
		return nil, fmt.Errorf("chunk size %d, maximum %d: %w", chunkSize, maxChunkSize, ErrArenaTooLarge)
	}
	if chunkSize < minBlockSize {
		return nil, fmt.Errorf("chunk size %d, minimum %d: %w", chunkSize, minBlockSize, ErrArenaTooSmall)
	}
	if limit <= 0 {
		limit = defaultChunkLimit
	}
	if upstream == nil {
		upstream = StdAllocator{}
	}
	a := &FrameArena{
		upstream:  upstream,
		chunkSize: uint64(alignDown(chunkSize, alignSize)),
		chunks:    make([]atomic.Pointer[byte], limit),
	}
	first := upstream.Allocate(uint(a.chunkSize))
	if first == nil {
		return nil, fmt.Errorf("allocate %d bytes chunk: %w", a.chunkSize, ErrOutOfMemory)
	}
	a.chunks[0].Store((*byte)(first))
	return a, nil
}

// Allocate returns size bytes aligned to 8, or nil when size is zero, larger
// than a chunk, or the chunk limit is reached.
func (a *FrameArena) Allocate(size uint) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	n := uint64(alignUp(size, alignSize))
	if n > a.chunkSize {
		log.Warn().Msgf("FrameArena: %d bytes exceed the %d bytes chunk size", size, a.chunkSize)
		return nil
	}
	return a.alloc(n)
}

func (a *FrameArena) alloc(n uint64) unsafe.Pointer {
	for {
		chunk, next := a.cursor.add(n)
		if next <= a.chunkSize {
			base := a.chunks[chunk].Load()
			if base == nil {
				return nil
			}
			return unsafe.Add(unsafe.Pointer(base), next-n)
		}
		if p, retry := a.resize(chunk, n); !retry {
			return p
		}
	}
}

// resize moves the cursor from an overflowed chunk to the next one with n
// bytes already taken for the caller. It asks for a retry when another caller
// moved the cursor first.
func (a *FrameArena) resize(chunk, n uint64) (unsafe.Pointer, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for {
		actualChunk, actualOffset := a.cursor.load()
		if actualChunk != chunk {
			return nil, true
		}
		if int(chunk)+1 >= len(a.chunks) {
			log.Warn().Msgf("FrameArena: limit of %d chunks reached", len(a.chunks))
			return nil, false
		}
		if a.chunks[chunk+1].Load() == nil {
			p := a.upstream.Allocate(uint(a.chunkSize))
			if p == nil {
				return nil, false
			}
			a.chunks[chunk+1].Store((*byte)(p))
			log.Debug().Msgf("FrameArena: grew to %d chunks", chunk+2)
		}
		if a.cursor.swap(actualChunk, actualOffset, chunk+1, n) {
			return unsafe.Pointer(a.chunks[chunk+1].Load()), false
		}
	}
}

// Free does nothing; memory comes back with Reset.
func (a *FrameArena) Free(unsafe.Pointer, uint) {}

// Chunks reports how many chunks have been drawn from upstream.
func (a *FrameArena) Chunks() (n int) {
	for i := range a.chunks {
		if a.chunks[i].Load() == nil {
			break
		}
		n++
	}
	return
}

// Used reports the bytes handed out since the last Reset, including chunk
// tails skipped on resize.
func (a *FrameArena) Used() uint {
	chunk, offset := a.cursor.load()
	return uint(chunk*a.chunkSize + min(offset, a.chunkSize))
}

// Reset makes every chunk available again. Chunks stay reserved.
func (a *FrameArena) Reset() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.cursor.reset()
}

// Close returns every chunk to upstream.
func (a *FrameArena) Close() {
	a.lock.Lock()
	defer a.lock.Unlock()
	for i := range a.chunks {
		if p := a.chunks[i].Swap(nil); p != nil {
			a.upstream.Free(unsafe.Pointer(p), uint(a.chunkSize))
		}
	}
	a.cursor.reset()
}
