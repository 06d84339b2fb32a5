package pxmem

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/phuslu/log"
)

const (
	alignLog2 = 3
	alignSize = 1 << alignLog2

	slLog2  = 4
	slCount = 1 << slLog2

	flShift        = slLog2 + alignLog2
	flMax          = 31
	flCount        = flMax - flShift + 1
	smallBlockSize = 1 << flShift

	headerSize   = 8
	minBlockSize = 16
	maxBlockSize = 1 << flMax

	// A block left over after a split must hold a header and a minimal payload.
	splitThreshold = headerSize + minBlockSize

	nilOff = ^uint32(0)
)

const (
	flagFree     uint32 = 1 << 0
	flagPrevFree uint32 = 1 << 1
	flagMask            = flagFree | flagPrevFree
)

// blockHeader precedes every block in the arena. prevPhys is only meaningful
// while the previous physical block is free.
type blockHeader struct {
	prevPhys  uint32
	sizeFlags uint32
}

func (b *blockHeader) size() uint32     { return b.sizeFlags &^ flagMask }
func (b *blockHeader) isFree() bool     { return b.sizeFlags&flagFree != 0 }
func (b *blockHeader) isPrevFree() bool { return b.sizeFlags&flagPrevFree != 0 }

func (b *blockHeader) setSize(size uint32) {
	b.sizeFlags = size | (b.sizeFlags & flagMask)
}

// freeLinks occupies the first payload bytes of a free block.
type freeLinks struct {
	next uint32
	prev uint32
}

// PoolAllocator is a two-level segregated fit allocator over a single arena.
// Allocate and Free run in constant time regardless of arena occupancy.
//
// PoolAllocator is not safe for concurrent use.
type PoolAllocator struct {
	upstream Allocator
	base     unsafe.Pointer
	size     uint

	start    uint32
	sentinel uint32

	flBitmap uint32
	slBitmap [flCount]uint32
	heads    [flCount][slCount]uint32

	stats PoolStats
}

// PoolStats is a snapshot of arena occupancy. FreeBytes and UsedBytes count
// block payloads; Overhead covers block headers and the unusable tail.
type PoolStats struct {
	ArenaSize  uint
	FreeBytes  uint
	UsedBytes  uint
	Overhead   uint
	FreeBlocks int
	UsedBlocks int
}

// BlockInfo describes one physical block of the arena.
type BlockInfo struct {
	Offset uint32
	Size   uint32
	Free   bool
}

// BucketInfo describes one non-empty segregated free list.
type BucketInfo struct {
	FL    int
	SL    int
	Count int
}

// NewPoolAllocator reserves an arena of size bytes from the system heap.
func NewPoolAllocator(size uint) (*PoolAllocator, error) {
	return NewPoolAllocatorConfig(Config{ArenaSize: size})
}

func NewPoolAllocatorConfig(config Config) (*PoolAllocator, error) {
	if err := config.load(); err != nil {
		return nil, err
	}
	base := config.Upstream.Allocate(config.ArenaSize)
	if base == nil {
		return nil, fmt.Errorf("reserve %d bytes arena: %w", config.ArenaSize, ErrOutOfMemory)
	}
	p := &PoolAllocator{
		upstream: config.Upstream,
		base:     base,
		size:     config.ArenaSize,
	}
	if err := p.init(); err != nil {
		config.Upstream.Free(base, config.ArenaSize)
		return nil, err
	}
	log.Debug().Msgf("PoolAllocator: reserved %d bytes arena at %p", p.size, p.base)
	return p, nil
}

func (p *PoolAllocator) init() error {
	start := uint(alignUp(uint(uintptr(p.base)), alignSize) - uint(uintptr(p.base)))
	if p.size < start+2*headerSize+minBlockSize {
		return fmt.Errorf("arena size %d: %w", p.size, ErrArenaTooSmall)
	}
	blockSize := alignDown(p.size-start-2*headerSize, alignSize)
	if blockSize < minBlockSize {
		return fmt.Errorf("arena size %d: %w", p.size, ErrArenaTooSmall)
	}

	for fl := range p.heads {
		for sl := range p.heads[fl] {
			p.heads[fl][sl] = nilOff
		}
	}

	p.start = uint32(start)
	p.sentinel = uint32(start + headerSize + blockSize)

	first := p.header(p.start)
	first.prevPhys = nilOff
	first.sizeFlags = uint32(blockSize) | flagFree

	last := p.header(p.sentinel)
	last.prevPhys = p.start
	last.sizeFlags = flagPrevFree

	p.insertFree(p.start)

	p.stats = PoolStats{
		ArenaSize:  p.size,
		FreeBytes:  blockSize,
		FreeBlocks: 1,
	}
	return nil
}

func (p *PoolAllocator) header(off uint32) *blockHeader {
	return (*blockHeader)(unsafe.Add(p.base, off))
}

func (p *PoolAllocator) links(off uint32) *freeLinks {
	return (*freeLinks)(unsafe.Add(p.base, off+headerSize))
}

func (p *PoolAllocator) nextPhys(off uint32) uint32 {
	return off + headerSize + p.header(off).size()
}

func mapping(size uint32) (fl, sl int) {
	if size < smallBlockSize {
		return 0, int(size / (smallBlockSize / slCount))
	}
	f := bits.Len32(size) - 1
	sl = int(size>>(uint(f)-slLog2)) ^ slCount
	fl = f - (flShift - 1)
	return
}

// mappingSearch rounds size up to the next list boundary, so any block found
// in the resulting list is large enough.
func mappingSearch(size uint32) (fl, sl int) {
	if size >= smallBlockSize {
		round := uint32(1)<<(uint(bits.Len32(size)-1)-slLog2) - 1
		size += round
	}
	return mapping(size)
}

func (p *PoolAllocator) findSuitable(fl, sl int) (off uint32, foundFl, foundSl int) {
	slMap := p.slBitmap[fl] & (^uint32(0) << uint(sl))
	if slMap == 0 {
		flMap := p.flBitmap & (^uint32(0) << uint(fl+1))
		if flMap == 0 {
			return nilOff, 0, 0
		}
		fl = bits.TrailingZeros32(flMap)
		slMap = p.slBitmap[fl]
	}
	sl = bits.TrailingZeros32(slMap)
	return p.heads[fl][sl], fl, sl
}

func (p *PoolAllocator) insertFree(off uint32) {
	fl, sl := mapping(p.header(off).size())
	l := p.links(off)
	head := p.heads[fl][sl]
	l.next = head
	l.prev = nilOff
	if head != nilOff {
		p.links(head).prev = off
	}
	p.heads[fl][sl] = off
	p.slBitmap[fl] |= 1 << uint(sl)
	p.flBitmap |= 1 << uint(fl)
}

func (p *PoolAllocator) removeFree(off uint32, fl, sl int) {
	l := p.links(off)
	if l.prev != nilOff {
		p.links(l.prev).next = l.next
	} else {
		p.heads[fl][sl] = l.next
	}
	if l.next != nilOff {
		p.links(l.next).prev = l.prev
	}
	if p.heads[fl][sl] == nilOff {
		p.slBitmap[fl] &^= 1 << uint(sl)
		if p.slBitmap[fl] == 0 {
			p.flBitmap &^= 1 << uint(fl)
		}
	}
}

func requestSize(size uint) (uint32, bool) {
	if size == 0 || size >= maxBlockSize {
		return 0, false
	}
	adjust := alignUp(size, alignSize)
	if adjust < minBlockSize {
		adjust = minBlockSize
	}
	return uint32(adjust), true
}

// Allocate returns nil when size is zero or no free block is large enough.
func (p *PoolAllocator) Allocate(size uint) unsafe.Pointer {
	if p.base == nil {
		return nil
	}
	adjust, ok := requestSize(size)
	if !ok {
		return nil
	}
	fl, sl := mappingSearch(adjust)
	if fl >= flCount {
		return nil
	}
	off, fl, sl := p.findSuitable(fl, sl)
	if off == nilOff {
		log.Warn().Msgf("PoolAllocator: no free block for %d bytes, %d bytes free in %d blocks",
			size, p.stats.FreeBytes, p.stats.FreeBlocks)
		return nil
	}
	p.removeFree(off, fl, sl)

	b := p.header(off)
	blockSize := b.size()
	p.stats.FreeBytes -= uint(blockSize)
	if blockSize-adjust >= splitThreshold {
		rem := off + headerSize + adjust
		r := p.header(rem)
		r.prevPhys = off
		r.sizeFlags = (blockSize - adjust - headerSize) | flagFree
		p.header(p.nextPhys(rem)).prevPhys = rem
		b.sizeFlags = adjust | (b.sizeFlags & flagPrevFree)
		p.insertFree(rem)
		p.stats.FreeBytes += uint(r.size())
	} else {
		b.sizeFlags &^= flagFree
		p.header(p.nextPhys(off)).sizeFlags &^= flagPrevFree
		p.stats.FreeBlocks--
	}
	p.stats.UsedBlocks++
	p.stats.UsedBytes += uint(b.size())
	return unsafe.Add(p.base, off+headerSize)
}

// locate maps ptr to the offset of its block header. Besides range and
// alignment, the header of a used block is cross-checked against its
// physical neighbours. This rejects most interior and stale pointers, but is
// best-effort: payload bytes that happen to form a consistent header pass.
func (p *PoolAllocator) locate(ptr unsafe.Pointer) (uint32, error) {
	if p.base == nil {
		return 0, fmt.Errorf("%p on a closed arena: %w", ptr, ErrForeignPointer)
	}
	d := uintptr(ptr) - uintptr(p.base)
	if uintptr(ptr) < uintptr(p.base) || d < uintptr(p.start)+headerSize ||
		d >= uintptr(p.sentinel) || (d-uintptr(p.start))%alignSize != 0 {
		return 0, fmt.Errorf("%p outside the arena: %w", ptr, ErrForeignPointer)
	}
	off := uint32(d) - headerSize
	b := p.header(off)
	if b.isFree() {
		// left for the caller to report as a double free
		return off, nil
	}
	size := b.size()
	if size < minBlockSize || size%alignSize != 0 || size > p.sentinel-off-headerSize {
		return 0, fmt.Errorf("%p has no block header: %w", ptr, ErrForeignPointer)
	}
	if p.header(p.nextPhys(off)).isPrevFree() {
		return 0, fmt.Errorf("%p disagrees with the next block: %w", ptr, ErrForeignPointer)
	}
	if b.isPrevFree() {
		prev := b.prevPhys
		if prev < p.start || prev >= off || !p.header(prev).isFree() || p.nextPhys(prev) != off {
			return 0, fmt.Errorf("%p disagrees with the previous block: %w", ptr, ErrForeignPointer)
		}
	}
	return off, nil
}

func (p *PoolAllocator) blockOf(ptr unsafe.Pointer) uint32 {
	off, err := p.locate(ptr)
	if err != nil {
		panic(fmt.Errorf("free: %w", err))
	}
	return off
}

// BlockOffset reports the offset of the block header behind a pointer
// returned by Allocate, as listed by Blocks.
func (p *PoolAllocator) BlockOffset(ptr unsafe.Pointer) (uint32, error) {
	off, err := p.locate(ptr)
	if err != nil {
		return 0, err
	}
	if p.header(off).isFree() {
		return 0, fmt.Errorf("%p: %w", ptr, ErrDoubleFree)
	}
	return off, nil
}

// Free returns a block to the arena. A double free or a foreign pointer
// panics, see locate for how far foreign pointers are detected.
//
// size is checked to block granularity only: it must round up to the block
// Allocate carved, and fall short of it by less than a split remainder. So
// Free(Allocate(8), 16) and Free(Allocate(100), 97) are accepted, while a size
// that maps to a different block panics with ErrSizeMismatch.
func (p *PoolAllocator) Free(ptr unsafe.Pointer, size uint) {
	if ptr == nil {
		return
	}
	off := p.blockOf(ptr)
	b := p.header(off)
	if b.isFree() {
		panic(fmt.Errorf("free %p: %w", ptr, ErrDoubleFree))
	}
	blockSize := b.size()
	adjust, ok := requestSize(size)
	if !ok || adjust > blockSize || blockSize-adjust >= splitThreshold {
		panic(fmt.Errorf("free %p with size %d, block holds %d: %w", ptr, size, blockSize, ErrSizeMismatch))
	}

	p.stats.UsedBlocks--
	p.stats.UsedBytes -= uint(blockSize)
	p.stats.FreeBlocks++
	p.stats.FreeBytes += uint(blockSize)
	b.sizeFlags |= flagFree

	if b.isPrevFree() {
		prev := b.prevPhys
		pb := p.header(prev)
		fl, sl := mapping(pb.size())
		p.removeFree(prev, fl, sl)
		pb.setSize(pb.size() + headerSize + b.size())
		off, b = prev, pb
		p.stats.FreeBlocks--
		p.stats.FreeBytes += headerSize
	}
	next := p.nextPhys(off)
	if n := p.header(next); n.isFree() {
		fl, sl := mapping(n.size())
		p.removeFree(next, fl, sl)
		b.setSize(b.size() + headerSize + n.size())
		p.stats.FreeBlocks--
		p.stats.FreeBytes += headerSize
		next = p.nextPhys(off)
	}
	n := p.header(next)
	n.prevPhys = off
	n.sizeFlags |= flagPrevFree
	p.insertFree(off)
}

// Close releases the whole arena in one upstream call. Blocks still
// allocated are not tracked down; their owners must be gone by now.
func (p *PoolAllocator) Close() {
	if p.base == nil {
		return
	}
	if p.stats.UsedBlocks > 0 {
		log.Warn().Msgf("PoolAllocator: closing arena with %d outstanding blocks (%d bytes)",
			p.stats.UsedBlocks, p.stats.UsedBytes)
	}
	p.upstream.Free(p.base, p.size)
	log.Debug().Msgf("PoolAllocator: released %d bytes arena at %p", p.size, p.base)
	p.base = nil
}

func (p *PoolAllocator) Stats() PoolStats {
	s := p.stats
	s.Overhead = s.ArenaSize - s.FreeBytes - s.UsedBytes
	return s
}

// Blocks lists the arena blocks in address order, excluding the sentinel.
func (p *PoolAllocator) Blocks() (blocks []BlockInfo) {
	if p.base == nil {
		return
	}
	for off := p.start; off != p.sentinel; off = p.nextPhys(off) {
		b := p.header(off)
		blocks = append(blocks, BlockInfo{Offset: off, Size: b.size(), Free: b.isFree()})
	}
	return
}

// Buckets lists the non-empty free lists in (fl, sl) order.
func (p *PoolAllocator) Buckets() (buckets []BucketInfo) {
	if p.base == nil {
		return
	}
	for fl := range p.heads {
		for sl := range p.heads[fl] {
			n := 0
			for off := p.heads[fl][sl]; off != nilOff; off = p.links(off).next {
				n++
			}
			if n > 0 {
				buckets = append(buckets, BucketInfo{FL: fl, SL: sl, Count: n})
			}
		}
	}
	return
}

// Check walks the whole arena and verifies the allocator invariants.
func (p *PoolAllocator) Check() error {
	if p.base == nil {
		return nil
	}
	var (
		stats    = PoolStats{ArenaSize: p.size}
		free     = make(map[uint32]bool)
		prev     = nilOff
		prevFree = false
		headers  = 0
	)
	off := p.start
	for ; off < p.sentinel; off = p.nextPhys(off) {
		b := p.header(off)
		headers++
		if b.isPrevFree() != prevFree {
			return fmt.Errorf("block %#x: previous-free flag %v, previous block free %v", off, b.isPrevFree(), prevFree)
		}
		if prevFree && b.prevPhys != prev {
			return fmt.Errorf("block %#x: previous link %#x, expected %#x", off, b.prevPhys, prev)
		}
		if b.size() < minBlockSize || b.size()%alignSize != 0 {
			return fmt.Errorf("block %#x: bad size %d", off, b.size())
		}
		if b.isFree() {
			if prevFree {
				return fmt.Errorf("block %#x: adjacent free blocks not coalesced", off)
			}
			free[off] = false
			stats.FreeBlocks++
			stats.FreeBytes += uint(b.size())
		} else {
			stats.UsedBlocks++
			stats.UsedBytes += uint(b.size())
		}
		prev, prevFree = off, b.isFree()
	}
	if off != p.sentinel {
		return fmt.Errorf("block chain overruns sentinel at %#x", p.sentinel)
	}
	last := p.header(p.sentinel)
	if last.size() != 0 || last.isFree() || last.isPrevFree() != prevFree {
		return fmt.Errorf("sentinel corrupted: %#x", last.sizeFlags)
	}
	headers++

	for fl := range p.heads {
		if (p.flBitmap&(1<<uint(fl)) != 0) != (p.slBitmap[fl] != 0) {
			return fmt.Errorf("first-level bitmap disagrees with list %d", fl)
		}
		for sl := range p.heads[fl] {
			head := p.heads[fl][sl]
			if (p.slBitmap[fl]&(1<<uint(sl)) != 0) != (head != nilOff) {
				return fmt.Errorf("second-level bitmap disagrees with list (%d, %d)", fl, sl)
			}
			back := nilOff
			for o := head; o != nilOff; o = p.links(o).next {
				seen, ok := free[o]
				if !ok {
					return fmt.Errorf("list (%d, %d) holds non-free block %#x", fl, sl, o)
				}
				if seen {
					return fmt.Errorf("block %#x tracked twice", o)
				}
				free[o] = true
				if f, s := mapping(p.header(o).size()); f != fl || s != sl {
					return fmt.Errorf("block %#x of size %d in list (%d, %d), expected (%d, %d)",
						o, p.header(o).size(), fl, sl, f, s)
				}
				if p.links(o).prev != back {
					return fmt.Errorf("block %#x: broken free list back link", o)
				}
				back = o
			}
		}
	}
	for o, seen := range free {
		if !seen {
			return fmt.Errorf("free block %#x is not in any list", o)
		}
	}

	if stats.FreeBlocks != p.stats.FreeBlocks || stats.UsedBlocks != p.stats.UsedBlocks ||
		stats.FreeBytes != p.stats.FreeBytes || stats.UsedBytes != p.stats.UsedBytes {
		return fmt.Errorf("stats drifted: walked %+v, recorded %+v", stats, p.stats)
	}
	slack := p.size - uint(p.sentinel) - headerSize
	if overhead := p.Stats().Overhead; overhead != uint(headers)*headerSize+uint(p.start)+slack {
		return fmt.Errorf("overhead %d does not match %d headers", overhead, headers)
	}
	return nil
}
