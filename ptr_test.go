package pxmem_test

import (
	"math/rand/v2"
	"sync/atomic"
	"unsafe"

	"github.com/stretchr/testify/require"
	"go.yuchanns.xyz/pxmem"
)

type Resource interface {
	ID() uint32
}

type Buffer struct {
	key  uint32
	size uint32
}

func (b *Buffer) ID() uint32 { return b.key }
func (b *Buffer) Destroy()   { destroyed[b.key].Add(1) }

type Texture struct {
	Buffer
	width  uint16
	height uint16
}

// Watcher drops its registered Ref to its own block when destroyed.
type Watcher struct {
	key uint32
}

func (w *Watcher) Destroy() {
	destroyed[w.key].Add(1)
	if r := watchers[w.key].Swap(nil); r != nil {
		r.Release()
	}
}

var (
	destroyed [4096]atomic.Int32
	watchers  [4096]atomic.Pointer[pxmem.Ref[*Watcher]]
	keys      atomic.Uint32
)

func newKey() uint32 { return keys.Add(1) }

func (s *Suite) TestPtrCounts(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	key := newKey()
	p, err := pxmem.MakePtr(tr, Texture{Buffer: Buffer{key: key}, width: 64, height: 64})
	assert.NoError(err)
	assert.Equal(uint32(1), p.UseCount())

	base, err := pxmem.Cast[Resource](p)
	assert.NoError(err)
	assert.Equal(uint32(2), base.UseCount())
	p.Release()
	assert.Equal(uint32(1), base.UseCount())

	q := base.Clone()
	assert.Equal(uint32(2), q.UseCount())

	base.Release()
	assert.False(base.Valid())
	assert.Equal(uint32(1), q.UseCount())
	assert.Equal(key, q.Must().ID())
	assert.Zero(destroyed[key].Load())

	q.Release()
	assert.Equal(int32(1), destroyed[key].Load())
	assert.Equal(tr.allocs, tr.frees)
}

func (s *Suite) TestPtrCastReusesBlock(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	p, err := pxmem.MakePtr(tr, Texture{Buffer: Buffer{key: newKey()}})
	assert.NoError(err)
	allocs := tr.allocs

	base, err := pxmem.Cast[Resource](p)
	assert.NoError(err)
	assert.Equal(allocs, tr.allocs)

	back, err := pxmem.Cast[*Texture](base)
	assert.NoError(err)
	assert.Same(p.Must(), back.Must())
	assert.Equal(uint32(3), back.UseCount())

	_, err = pxmem.Cast[*Buffer](base)
	assert.ErrorIs(err, pxmem.ErrInvalidCast)
	assert.Equal(uint32(3), p.UseCount())

	empty, err := pxmem.Cast[Resource](&pxmem.Ptr[*Texture]{})
	assert.NoError(err)
	assert.False(empty.Valid())

	back.Release()
	base.Release()
	p.Release()
}

func (s *Suite) TestPtrProject(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	key := newKey()
	p, err := pxmem.MakePtr(tr, Texture{Buffer: Buffer{key: key, size: 16}, width: 4, height: 4})
	assert.NoError(err)

	bp := pxmem.Project(p, func(t *Texture) *Buffer { return &t.Buffer })
	assert.Equal(uint32(2), bp.UseCount())
	assert.Equal(uint32(16), bp.Must().size)

	r := bp.Ref()
	p.Release()
	b, ok := r.Get()
	assert.True(ok)
	assert.Same(bp.Must(), b)

	bp.Release()
	_, ok = r.Get()
	assert.False(ok)
	assert.Equal(int32(1), destroyed[key].Load())
	r.Release()
}

func (s *Suite) TestPtrAssign(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	ka, kb := newKey(), newKey()
	a, err := pxmem.MakePtr(tr, Buffer{key: ka})
	assert.NoError(err)
	b, err := pxmem.MakePtr(tr, Buffer{key: kb})
	assert.NoError(err)

	a.Assign(a)
	assert.Equal(uint32(1), a.UseCount())

	a.Assign(b)
	assert.Equal(int32(1), destroyed[ka].Load())
	assert.Equal(uint32(2), b.UseCount())
	assert.Equal(kb, a.Must().ID())

	a.Assign(&pxmem.Ptr[*Buffer]{})
	assert.False(a.Valid())
	assert.Equal(uint32(1), b.UseCount())

	b.Release()
	assert.Equal(int32(1), destroyed[kb].Load())
}

func (s *Suite) TestPtrReleaseIdempotent(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	key := newKey()
	p, err := pxmem.MakePtr(tr, Buffer{key: key})
	assert.NoError(err)

	p.Release()
	assert.NotPanics(p.Release)
	assert.Equal(int32(1), destroyed[key].Load())
	assert.Equal(tr.allocs, tr.frees)
}

func (s *Suite) TestPtrEmpty(assert *require.Assertions, _ *pxmem.PoolAllocator, _ *tracker) {
	var p pxmem.Ptr[*Buffer]
	_, ok := p.Get()
	assert.False(ok)
	assert.False(p.Valid())
	assert.Zero(p.UseCount())
	assert.Zero(p.WeakCount())
	assert.NotPanics(p.Release)
	assert.ErrorIs(panicErr(func() { p.Must() }), pxmem.ErrExpired)

	r := p.Ref()
	assert.False(r.Valid())
	assert.NotPanics(r.Release)

	c := p.Clone()
	assert.False(c.Valid())
}

func (s *Suite) TestPtrCopyByValue(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	p, err := pxmem.MakePtr(tr, Buffer{key: newKey()})
	assert.NoError(err)

	cp := *p
	assert.PanicsWithValue("pxmem: illegal use of non-zero Ptr copied by value", func() { cp.Clone() })
	assert.PanicsWithValue("pxmem: illegal use of non-zero Ptr copied by value", func() { cp.Release() })
	assert.Equal(uint32(1), p.UseCount())

	p.Release()
}

func (s *Suite) TestPtrPayloadRules(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	_, err := pxmem.MakePtr(tr, struct{ name string }{"vertex"})
	assert.ErrorIs(err, pxmem.ErrPointerPayload)

	_, err = pxmem.MakePtr(tr, struct{ next *Buffer }{})
	assert.ErrorIs(err, pxmem.ErrPointerPayload)

	_, err = pxmem.MakeUnique(tr, []uint32{1})
	assert.ErrorIs(err, pxmem.ErrPointerPayload)
	assert.Zero(tr.allocs)

	_, err = pxmem.MakePtr[Buffer](nil, Buffer{})
	assert.ErrorIs(err, pxmem.ErrNilAllocator)

	empty, err := pxmem.MakePtr(tr, struct{}{})
	assert.NoError(err)
	assert.True(empty.Valid())
	empty.Release()

	arr, err := pxmem.MakePtr(tr, [4]float32{1, 2, 3, 4})
	assert.NoError(err)
	assert.Equal(float32(3), arr.Must()[2])
	arr.Release()
}

func (s *Suite) TestPtrOutOfMemory(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	tr.budget = 0
	_, err := pxmem.MakePtr(tr, Buffer{})
	assert.ErrorIs(err, pxmem.ErrOutOfMemory)

	// the payload succeeds and the control block does not
	tr.budget = 1
	_, err = pxmem.MakePtr(tr, Buffer{})
	assert.ErrorIs(err, pxmem.ErrOutOfMemory)
	assert.Equal(1, tr.allocs)
	assert.Equal(1, tr.frees)

	tr.budget = -1
}

func (s *Suite) TestPtrOutOfArena(assert *require.Assertions, pool *pxmem.PoolAllocator, _ *tracker) {
	type chunk struct{ b [1024]byte }
	var ptrs []*pxmem.Ptr[*chunk]
	for {
		p, err := pxmem.MakePtr(pool, chunk{})
		if err != nil {
			assert.ErrorIs(err, pxmem.ErrOutOfMemory)
			break
		}
		ptrs = append(ptrs, p)
	}
	assert.NotEmpty(ptrs)
	assert.NoError(pool.Check())
	for _, p := range ptrs {
		p.Release()
	}
	assert.Zero(pool.Stats().UsedBlocks)
}

func (s *Suite) TestPtrAdopt(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	key := newKey()
	raw := (*Buffer)(tr.Allocate(uint(unsafe.Sizeof(Buffer{}))))
	assert.NotNil(raw)
	*raw = Buffer{key: key, size: 8}

	p, err := pxmem.AdoptPtr(tr, raw)
	assert.NoError(err)
	assert.Same(raw, p.Must())

	p.Release()
	assert.Equal(int32(1), destroyed[key].Load())

	_, err = pxmem.AdoptPtr[Buffer](tr, nil)
	assert.ErrorIs(err, pxmem.ErrOutOfMemory)
}

// Random interleavings of handle operations from one origin must destroy the
// payload once and free everything exactly once.
func (s *Suite) TestPtrDestroyReleasesOwnRef(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	key := newKey()
	p, err := pxmem.MakePtr(tr, Watcher{key: key})
	assert.NoError(err)
	watchers[key].Store(p.Ref())
	assert.Equal(uint32(1), p.WeakCount())

	assert.NotPanics(p.Release)
	assert.Equal(int32(1), destroyed[key].Load())
	assert.Nil(watchers[key].Load())
	assert.Equal(tr.allocs, tr.frees)

	key = newKey()
	q, err := pxmem.MakePtr(tr, Watcher{key: key})
	assert.NoError(err)
	watchers[key].Store(q.Ref())
	survivor := q.Ref()
	assert.Equal(uint32(2), q.WeakCount())

	assert.NotPanics(q.Release)
	assert.Equal(int32(1), destroyed[key].Load())
	assert.False(survivor.Valid())
	_, ok := survivor.Get()
	assert.False(ok)
	assert.Equal(tr.allocs, tr.frees+1, "block stays for the surviving ref")

	survivor.Release()
	assert.Equal(tr.allocs, tr.frees)
}

func (s *Suite) TestPtrNoDoubleFree(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	rnd := rand.New(rand.NewPCG(7, 11))
	for range 200 {
		key := newKey()
		origin, err := pxmem.MakeUnique(tr, Buffer{key: key})
		assert.NoError(err)

		strong := []*pxmem.Ptr[*Buffer]{origin.Share()}
		assert.False(origin.Valid())
		var weak []*pxmem.Ref[*Buffer]

		// handles are only added during the first steps and below a cap,
		// afterwards the walk drains
		for step := 0; len(strong) > 0 || len(weak) > 0; step++ {
			grow := step < 64 && len(strong)+len(weak) < 24
			switch op := rnd.IntN(6); {
			case op == 0 && grow && len(strong) > 0:
				strong = append(strong, strong[rnd.IntN(len(strong))].Clone())
			case op == 1 && grow && len(strong) > 0:
				weak = append(weak, strong[rnd.IntN(len(strong))].Ref())
			case op == 2 && grow && len(weak) > 0:
				weak = append(weak, weak[rnd.IntN(len(weak))].Clone())
			case op == 3 && len(strong) > 0:
				i := rnd.IntN(len(strong))
				strong[i].Release()
				strong = append(strong[:i], strong[i+1:]...)
			case op == 4 && len(weak) > 0:
				i := rnd.IntN(len(weak))
				weak[i].Release()
				weak = append(weak[:i], weak[i+1:]...)
			case op == 5 && len(weak) > 0:
				_, ok := weak[rnd.IntN(len(weak))].Get()
				assert.Equal(len(strong) > 0, ok)
			}
			if len(strong) > 0 {
				assert.EqualValues(len(strong), strong[0].UseCount())
				assert.EqualValues(len(weak), strong[0].WeakCount())
				assert.Zero(destroyed[key].Load())
			}
		}
		assert.Equal(int32(1), destroyed[key].Load())
		assert.Equal(tr.allocs, tr.frees)
	}
}
