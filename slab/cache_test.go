package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenaforge/allocator/buddy"
	"github.com/arenaforge/allocator/lock"
	"github.com/arenaforge/allocator/logger"
	"github.com/arenaforge/allocator/region"
)

func newTestCache(t *testing.T, objectSize uint32, ctor Constructor, dtor Destructor) (*Cache, *buddy.Allocator) {
	t.Helper()
	return newTestCacheWithPages(t, 64, objectSize, ctor, dtor)
}

func newTestCacheWithPages(t *testing.T, pages int, objectSize uint32, ctor Constructor, dtor Destructor) (*Cache, *buddy.Allocator) {
	t.Helper()
	buf := make([]byte, (pages+1)*region.PageSize)
	r, err := region.New(buf)
	require.NoError(t, err)
	b, err := buddy.New(r, lock.New(), logger.Nop())
	require.NoError(t, err)
	c, err := NewCache("test", objectSize, ctor, dtor, b, r, lock.New(), logger.Nop())
	require.NoError(t, err)
	return c, b
}

// TestSlabListTransitions mirrors the boundary scenario where a slab whose
// objects_per_slab is small enough to observe moves free -> partial -> full
// and back down through partial to free.
func TestSlabListTransitions(t *testing.T) {
	c, _ := newTestCache(t, 1000, nil, nil)
	require.GreaterOrEqual(t, c.objectsPerSlab, uint32(4))

	var addrs []uintptr
	for i := uint32(0); i < c.objectsPerSlab; i++ {
		addr, err := c.Alloc()
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	stats := c.Stats()
	assert.Equal(t, uint32(1), stats.FullSlabs)
	assert.Equal(t, uint32(0), stats.PartialSlabs)

	require.NoError(t, c.Free(addrs[1]))
	stats = c.Stats()
	assert.Equal(t, uint32(0), stats.FullSlabs)
	assert.Equal(t, uint32(1), stats.PartialSlabs)

	for _, addr := range addrs {
		if addr == addrs[1] {
			continue
		}
		require.NoError(t, c.Free(addr))
	}
	stats = c.Stats()
	assert.Equal(t, uint32(1), stats.FreeSlabs)
	assert.Equal(t, uint32(0), stats.PartialSlabs)
}

// TestSingleObjectSlabSkipsPartial exercises the objects_per_slab == 1
// special case: a slab goes straight from free to full on alloc, and
// straight back from full to free on free, with no partial stop between.
func TestSingleObjectSlabSkipsPartial(t *testing.T) {
	c, _ := newTestCacheWithPages(t, 256, 400000, nil, nil)
	require.Equal(t, uint32(1), c.objectsPerSlab)

	addr, err := c.Alloc()
	require.NoError(t, err)
	stats := c.Stats()
	assert.Equal(t, uint32(1), stats.FullSlabs)
	assert.Equal(t, uint32(0), stats.PartialSlabs)

	require.NoError(t, c.Free(addr))
	stats = c.Stats()
	assert.Equal(t, uint32(1), stats.FreeSlabs)
	assert.Equal(t, uint32(0), stats.PartialSlabs)
}

func TestConstructorRunsOncePerSlotAtGrowth(t *testing.T) {
	var constructed int
	ctor := func(obj []byte) { constructed++ }

	c, _ := newTestCache(t, 64, ctor, nil)

	a1, err := c.Alloc()
	require.NoError(t, err)
	afterFirstGrow := constructed
	assert.Equal(t, int(c.objectsPerSlab), afterFirstGrow)

	_, err = c.Alloc()
	require.NoError(t, err)
	assert.Equal(t, afterFirstGrow, constructed, "second alloc reuses the already-constructed slab, no new ctor calls")

	require.NoError(t, c.Free(a1))
}

func TestDestructorRunsOnEveryFree(t *testing.T) {
	var destructed int
	dtor := func(obj []byte) { destructed++ }

	c, _ := newTestCache(t, 64, nil, dtor)

	a, err := c.Alloc()
	require.NoError(t, err)
	assert.Equal(t, 0, destructed)

	require.NoError(t, c.Free(a))
	assert.Equal(t, 1, destructed)
}

func TestFreeUnknownObjectRejected(t *testing.T) {
	c, _ := newTestCache(t, 64, nil, nil)
	_, err := c.Alloc()
	require.NoError(t, err)

	err = c.Free(0xdeadbeef)
	require.Error(t, err)
	assert.Equal(t, ErrUnknownObject, c.LastError())
}

func TestFreeMisalignedPointerRejected(t *testing.T) {
	c, _ := newTestCache(t, 64, nil, nil)
	addr, err := c.Alloc()
	require.NoError(t, err)

	err = c.Free(addr + 1)
	require.Error(t, err)
	assert.Equal(t, ErrMisalignedPointer, c.LastError())
}

// TestStackFidelity allocates every object in a slab, frees a scattered
// subset, and checks that the free-index stack's reachable set from
// next_free_obj matches exactly the freed indices.
func TestStackFidelity(t *testing.T) {
	c, _ := newTestCache(t, 1000, nil, nil)
	n := c.objectsPerSlab

	addrs := make([]uintptr, n)
	for i := uint32(0); i < n; i++ {
		addr, err := c.Alloc()
		require.NoError(t, err)
		addrs[i] = addr
	}

	freed := map[uintptr]bool{}
	for i := uint32(0); i < n; i += 2 {
		require.NoError(t, c.Free(addrs[i]))
		freed[addrs[i]] = true
	}

	var s *Slab
	if node := c.partial.Front(); node != nil {
		s = node.Value
	} else if node := c.free.Front(); node != nil {
		s = node.Value
	}
	require.NotNil(t, s)

	reachable := map[uint32]bool{}
	for i := s.nextFree; i != noFreeObject; i = s.freeIndex[i] {
		reachable[i] = true
	}
	assert.Equal(t, len(freed), len(reachable))
	for i, addr := range addrs {
		want := freed[addr]
		got := reachable[uint32(i)]
		assert.Equal(t, want, got, "index %d reachability mismatch", i)
	}
}

// TestShrinkIsNoopImmediatelyAfterGrow covers the growing flag: a Shrink
// called right after the slab that satisfied it grew must not hand that slab
// straight back, even though it is now fully empty.
func TestShrinkIsNoopImmediatelyAfterGrow(t *testing.T) {
	c, b := newTestCache(t, 1000, nil, nil)
	addr, err := c.Alloc()
	require.NoError(t, err)
	require.NoError(t, c.Free(addr))

	before := b.Stats().UsedPages
	require.NoError(t, c.Shrink())
	after := b.Stats().UsedPages
	assert.Equal(t, before, after, "shrink right after a grow must be a no-op")
	assert.Equal(t, uint32(1), c.Stats().Slabs)
}

func TestShrinkReturnsFreeSlabsOnSecondCall(t *testing.T) {
	c, b := newTestCache(t, 1000, nil, nil)
	addr, err := c.Alloc()
	require.NoError(t, err)
	require.NoError(t, c.Free(addr))

	require.NoError(t, c.Shrink()) // no-op: only clears growing
	before := b.Stats().UsedPages
	require.NoError(t, c.Shrink()) // growing is now false: actually evicts
	after := b.Stats().UsedPages
	assert.Less(t, after, before)
	assert.Equal(t, uint32(0), c.Stats().Slabs)
}

// TestNumActiveAndNumAllocationsTrackOccupancy exercises the Conservation
// invariant (numActive <= numAllocations) across grow, alloc, free, and
// shrink.
func TestNumActiveAndNumAllocationsTrackOccupancy(t *testing.T) {
	c, _ := newTestCache(t, 1000, nil, nil)
	stats := c.Stats()
	assert.Zero(t, stats.NumActive)
	assert.Zero(t, stats.NumAllocations)

	a1, err := c.Alloc()
	require.NoError(t, err)
	stats = c.Stats()
	assert.Equal(t, uint32(1), stats.NumActive)
	assert.Equal(t, c.objectsPerSlab, stats.NumAllocations)
	assert.LessOrEqual(t, stats.NumActive, stats.NumAllocations)

	require.NoError(t, c.Free(a1))
	stats = c.Stats()
	assert.Zero(t, stats.NumActive)
	assert.Equal(t, c.objectsPerSlab, stats.NumAllocations, "numAllocations only drops on a successful shrink, not on individual frees")

	require.NoError(t, c.Shrink()) // no-op: clears growing
	require.NoError(t, c.Shrink()) // evicts the now fully-empty slab
	stats = c.Stats()
	assert.Zero(t, stats.NumAllocations)
}

func TestDestroyReturnsAllSlabsRegardlessOfOccupancy(t *testing.T) {
	c, b := newTestCache(t, 1000, nil, nil)
	for i := 0; i < 3; i++ {
		_, err := c.Alloc()
		require.NoError(t, err)
	}

	before := b.Stats().UsedPages
	require.NoError(t, c.Destroy())
	after := b.Stats().UsedPages
	assert.Less(t, after, before)
}
