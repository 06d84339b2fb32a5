package pxmem_test

import (
	"github.com/stretchr/testify/require"
	"go.yuchanns.xyz/pxmem"
)

type releaseLog struct {
	order *[]int
	id    int
}

func (r releaseLog) Release() { *r.order = append(*r.order, r.id) }

func (s *Suite) TestRetireLatency(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	q, err := pxmem.NewRetireQueue(tr, 8, 2)
	assert.NoError(err)

	key := newKey()
	p, err := pxmem.MakePtr(tr, Buffer{key: key})
	assert.NoError(err)
	r := p.Ref()

	assert.NoError(q.Retire(p))
	assert.Equal(1, q.Len())

	assert.Zero(q.Advance())
	assert.True(r.Valid(), "still in flight after one frame")

	assert.Equal(1, q.Advance())
	assert.False(r.Valid())
	assert.Equal(int32(1), destroyed[key].Load())
	assert.Equal(uint64(2), q.Frame())
	assert.Zero(q.Len())

	r.Release()
	q.Close()
}

func (s *Suite) TestRetireOrder(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	q, err := pxmem.NewRetireQueue(tr, 16, 1)
	assert.NoError(err)

	var order []int
	assert.NoError(q.Retire(releaseLog{&order, 1}))
	assert.NoError(q.Retire(releaseLog{&order, 2}))
	q.Advance()
	assert.Equal([]int{1, 2}, order)

	assert.NoError(q.Retire(releaseLog{&order, 3}))
	q.Advance()
	assert.NoError(q.Retire(releaseLog{&order, 4}))
	assert.NoError(q.Retire(releaseLog{&order, 5}))
	assert.Equal([]int{1, 2, 3}, order)

	assert.Equal(2, q.Flush())
	assert.Equal([]int{1, 2, 3, 4, 5}, order)

	assert.NoError(q.Retire(nil))
	assert.Zero(q.Len())
	q.Close()
}

func (s *Suite) TestRetirePending(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	q, err := pxmem.NewRetireQueue(tr, 4, 2)
	assert.NoError(err)

	var order []int
	assert.NoError(q.Retire(releaseLog{&order, 1}))
	q.Advance()
	assert.NoError(q.Retire(releaseLog{&order, 2}))

	assert.Equal(1, q.Advance())
	assert.Equal([]int{1}, order)
	assert.Equal(1, q.Len())

	assert.Equal(1, q.Advance())
	assert.Equal([]int{1, 2}, order)
	q.Close()
}

func (s *Suite) TestRetireFull(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	q, err := pxmem.NewRetireQueue(tr, 3, 1)
	assert.NoError(err)

	var order []int
	queued := 0
	for i := range 5 {
		if err := q.Retire(releaseLog{&order, i}); err != nil {
			assert.ErrorIs(err, pxmem.ErrQueueFull)
			break
		}
		queued++
	}
	assert.GreaterOrEqual(queued, 3)
	assert.LessOrEqual(queued, 4)
	assert.Equal(queued, q.Len())

	q.Advance()
	assert.Len(order, queued)

	// slots are reused after draining
	for i := range queued {
		assert.NoError(q.Retire(releaseLog{&order, 10 + i}))
	}
	q.Close()
	assert.Len(order, 2*queued)
	assert.Zero(q.Flush())
	assert.NotPanics(q.Close)
	assert.Panics(func() { _ = q.Retire(releaseLog{&order, 0}) })
}

func (s *Suite) TestRetireAllocation(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	_, err := pxmem.NewRetireQueue(nil, 0, 0)
	assert.ErrorIs(err, pxmem.ErrNilAllocator)

	tr.budget = 0
	_, err = pxmem.NewRetireQueue(tr, 4, 1)
	assert.ErrorIs(err, pxmem.ErrOutOfMemory)
	tr.budget = -1

	q, err := pxmem.NewRetireQueue(tr, 0, 0)
	assert.NoError(err)
	assert.Equal(1, tr.outstanding())
	q.Close()
	assert.Zero(tr.outstanding())
}
