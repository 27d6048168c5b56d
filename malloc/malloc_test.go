package malloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenaforge/allocator/buddy"
	"github.com/arenaforge/allocator/lock"
	"github.com/arenaforge/allocator/logger"
	"github.com/arenaforge/allocator/region"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	buf := make([]byte, 1025*region.PageSize)
	r, err := region.New(buf)
	require.NoError(t, err)
	b, err := buddy.New(r, lock.New(), logger.Nop())
	require.NoError(t, err)
	a, err := New("test", b, r, logger.Nop())
	require.NoError(t, err)
	return a
}

func TestMallocZeroIsNull(t *testing.T) {
	a := newTestAllocator(t)
	assert.Zero(t, a.Malloc(0))
}

func TestMallocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t)
	p := a.Malloc(100)
	require.NotZero(t, p)
	assert.Equal(t, uint32(100), a.MallocSize(p))
	a.Free(p)
	assert.Zero(t, a.MallocSize(p))
}

func TestMallocLargeRequestGoesDirectToProvider(t *testing.T) {
	a := newTestAllocator(t)
	p := a.Malloc(200000)
	require.NotZero(t, p)
	a.mu.Lock()
	b := a.blocks[p]
	a.mu.Unlock()
	assert.Equal(t, kindDirect, b.kind)
	a.Free(p)
}

func TestCallocZeroesAndDetectsOverflow(t *testing.T) {
	a := newTestAllocator(t)

	p := a.Calloc(10, 8)
	require.NotZero(t, p)
	bytes, err := a.region.Bytes(p, 80)
	require.NoError(t, err)
	for _, b := range bytes {
		assert.Zero(t, b)
	}

	assert.Zero(t, a.Calloc(1<<20, 1<<20))
}

// TestReallocIdentity mirrors the boundary scenario: a 100-byte block
// written with a known pattern, shrunk to 60, must still read that pattern
// for its first 60 bytes.
func TestReallocIdentity(t *testing.T) {
	a := newTestAllocator(t)

	p := a.Malloc(100)
	require.NotZero(t, p)
	buf, err := a.region.Bytes(p, 100)
	require.NoError(t, err)
	for i := range buf {
		buf[i] = 0xA5
	}

	q := a.Realloc(p, 60)
	require.NotZero(t, q)
	out, err := a.region.Bytes(q, 60)
	require.NoError(t, err)
	for i, v := range out {
		assert.Equal(t, byte(0xA5), v, "byte %d", i)
	}
}

func TestReallocShrinkByMoreThanHalfAlwaysReallocates(t *testing.T) {
	a := newTestAllocator(t)
	p := a.Malloc(100)
	require.NotZero(t, p)

	q := a.Realloc(p, 10)
	require.NotZero(t, q)
	assert.NotEqual(t, p, q, "shrinking past half the block must reallocate, not reuse in place")
}

func TestReallocSmallShrinkReusesSamePointer(t *testing.T) {
	a := newTestAllocator(t)
	p := a.Malloc(100)
	require.NotZero(t, p)

	q := a.Realloc(p, 90)
	assert.Equal(t, p, q)
}

func TestReallocNullActsAsMalloc(t *testing.T) {
	a := newTestAllocator(t)
	p := a.Realloc(0, 32)
	assert.NotZero(t, p)
}

func TestReallocZeroActsAsFree(t *testing.T) {
	a := newTestAllocator(t)
	p := a.Malloc(32)
	require.NotZero(t, p)
	q := a.Realloc(p, 0)
	assert.Zero(t, q)
	assert.Zero(t, a.MallocSize(p))
}

// TestAlignedAllocSatisfiesEveryAlignment covers the boundary scenario's
// alignments; every one of them is above pointer width, so each goes
// through the over-allocating path rather than the forward-to-Malloc
// shortcut.
func TestAlignedAllocSatisfiesEveryAlignment(t *testing.T) {
	a := newTestAllocator(t)
	for _, align := range []uint32{16, 64, 256, 4096} {
		p := a.AlignedAlloc(align, 100)
		require.NotZero(t, p, "align=%d", align)
		assert.Zero(t, uint64(p)%uint64(align), "align=%d addr=%#x", align, p)
		a.Free(p)
	}
}

func TestAlignedAllocRejectsNonPowerOfTwo(t *testing.T) {
	a := newTestAllocator(t)
	assert.Zero(t, a.AlignedAlloc(3, 100))
}

func TestFreeOfUnknownPointerIsSafeNoop(t *testing.T) {
	a := newTestAllocator(t)
	a.Free(0xdeadbeef)
}

func TestFreeNilIsNoop(t *testing.T) {
	a := newTestAllocator(t)
	a.Free(0)
}
