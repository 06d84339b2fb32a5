package pxmem_test

import (
	"github.com/stretchr/testify/require"
	"go.yuchanns.xyz/pxmem"
)

func (s *Suite) TestRefExpiry(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	key := newKey()
	p, err := pxmem.MakePtr(tr, Buffer{key: key, size: 256})
	assert.NoError(err)

	r := p.Ref()
	assert.Equal(uint32(1), p.WeakCount())
	assert.Equal(uint32(1), p.UseCount(), "observers do not own")

	b, ok := r.Get()
	assert.True(ok)
	assert.Equal(uint32(256), b.size)

	p.Release()
	assert.False(r.Valid())
	_, ok = r.Get()
	assert.False(ok)
	assert.Equal(int32(1), destroyed[key].Load())
	assert.Equal(1, tr.outstanding(), "control block outlives the payload")

	c := r.Clone()
	r.Release()
	assert.Equal(1, tr.outstanding())
	c.Release()
	assert.Zero(tr.outstanding())
}

func (s *Suite) TestRefOfCast(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	key := newKey()
	p, err := pxmem.MakePtr(tr, Texture{Buffer: Buffer{key: key}, width: 8})
	assert.NoError(err)
	base, err := pxmem.Cast[Resource](p)
	assert.NoError(err)
	p.Release()

	r := base.Ref()
	res, ok := r.Get()
	assert.True(ok)
	assert.Equal(key, res.ID())
	tex, ok := res.(*Texture)
	assert.True(ok)
	assert.Equal(uint16(8), tex.width)

	base.Release()
	_, ok = r.Get()
	assert.False(ok)
	r.Release()
}

func (s *Suite) TestRefAssign(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	a, err := pxmem.MakePtr(tr, Buffer{key: newKey()})
	assert.NoError(err)
	b, err := pxmem.MakePtr(tr, Buffer{key: newKey()})
	assert.NoError(err)

	r := a.Ref()
	r.Assign(r)
	assert.Equal(uint32(1), a.WeakCount())

	rb := b.Ref()
	r.Assign(rb)
	assert.Zero(a.WeakCount())
	assert.Equal(uint32(2), b.WeakCount())

	rb.Release()
	assert.NotPanics(rb.Release)
	assert.Equal(uint32(1), b.WeakCount())

	b.Release()
	a.Release()
	r.Release()
}

func (s *Suite) TestRefCopyByValue(assert *require.Assertions, _ *pxmem.PoolAllocator, tr *tracker) {
	p, err := pxmem.MakePtr(tr, Buffer{key: newKey()})
	assert.NoError(err)
	r := p.Ref()

	cp := *r
	assert.PanicsWithValue("pxmem: illegal use of non-zero Ref copied by value", func() { cp.Get() })

	r.Release()
	p.Release()
}
