package slab

import (
	"fmt"

	"github.com/arenaforge/allocator/internal/dllist"
	"github.com/arenaforge/allocator/lock"
	"github.com/arenaforge/allocator/logger"
	"github.com/arenaforge/allocator/pageprovider"
	"github.com/arenaforge/allocator/region"
)

// cacheLineSize is the colouring granularity: successive slabs stagger their
// object array's start by a multiple of this, spreading objects at the same
// in-slab index across different cache lines.
const cacheLineSize = 64

// maxOrder bounds how large a single slab's backing block can grow when
// chooseOrder is hunting for a size class with a reasonable object count.
const maxOrder = 7

// Constructor initializes a freshly carved object's bytes, called once per
// slot when a slab is grown, never again until the slab is destroyed.
type Constructor func(obj []byte)

// Destructor tears down an object's bytes, called once each time that object
// is freed back to its slab; releasing a slab's pages does not call it.
type Destructor func(obj []byte)

// Cache is a size-class object allocator backed by a pageprovider.Provider.
// Slabs move between three lists as their occupancy changes: free (no
// objects in use), partial (some in use), full (every object in use).
// Allocation prefers partial slabs over free ones, and free ones over
// growing, so a single active slab absorbs traffic before a second is
// touched.
type Cache struct {
	mu  lock.Locker
	log *logger.Logger

	name       string
	objectSize uint32
	order      uint8

	objectsPerSlab uint32
	colourMax      uint32
	colourNext     uint32

	ctor Constructor
	dtor Destructor

	provider pageprovider.Provider
	region   *region.Region

	full    *dllist.List[*Slab]
	partial *dllist.List[*Slab]
	free    *dllist.List[*Slab]

	nodeOf map[*Slab]*dllist.Node[*Slab]

	slabOrdinal uint32
	lastErr     ErrorCode

	// numActive counts live objects; numAllocations counts object slots ever
	// granted to this cache (bumped by objectsPerSlab on grow, reduced by the
	// same per slab released). Conservation requires numActive <=
	// numAllocations at all times.
	numActive      uint32
	numAllocations uint32

	// growing is set at the end of grow and cleared at the end of every
	// Shrink call, win or lose: it makes the Shrink immediately following a
	// grow a no-op, so a cache that just paid to carve a slab doesn't hand it
	// straight back to the page provider.
	growing bool
}

// NewCache constructs a cache for fixed-size objects of objectSize bytes,
// carved out of slabs obtained from provider. ctor and dtor may be nil.
func NewCache(name string, objectSize uint32, ctor Constructor, dtor Destructor, provider pageprovider.Provider, reg *region.Region, locker lock.Locker, log *logger.Logger) (*Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("slab: cache name must not be empty")
	}
	if objectSize == 0 {
		return nil, fmt.Errorf("slab: object size must be non-zero")
	}
	if locker == nil {
		locker = lock.New()
	}
	if log == nil {
		log = logger.Nop()
	}

	order := chooseOrder(objectSize)
	slabBytes := (uint64(1) << order) * region.PageSize
	objectsPerSlab := uint32(slabBytes / uint64(objectSize))
	if objectsPerSlab == 0 {
		return nil, fmt.Errorf("slab: object size %d exceeds max slab size", objectSize)
	}

	wasted := slabBytes - uint64(objectsPerSlab)*uint64(objectSize)
	colourMax := uint32(wasted / cacheLineSize)
	if colourMax == 0 {
		colourMax = 1
	}

	c := &Cache{
		mu:             locker,
		log:            log.With(name),
		name:           name,
		objectSize:     objectSize,
		order:          order,
		objectsPerSlab: objectsPerSlab,
		colourMax:      colourMax,
		ctor:           ctor,
		dtor:           dtor,
		provider:       provider,
		region:         reg,
		full:           &dllist.List[*Slab]{},
		partial:        &dllist.List[*Slab]{},
		free:           &dllist.List[*Slab]{},
		nodeOf:         make(map[*Slab]*dllist.Node[*Slab]),
	}
	return c, nil
}

// chooseOrder picks the smallest slab order that holds at least 8 objects of
// objectSize, capped at maxOrder so a single pathologically large size class
// cannot demand an unreasonably big contiguous block.
func chooseOrder(objectSize uint32) uint8 {
	for order := uint8(0); order < maxOrder; order++ {
		slabBytes := (uint64(1) << order) * region.PageSize
		if slabBytes/uint64(objectSize) >= 8 {
			return order
		}
	}
	return maxOrder
}

// Name returns the cache's identifying name.
func (c *Cache) Name() string { return c.name }

// ObjectSize returns the fixed size of objects this cache hands out.
func (c *Cache) ObjectSize() uint32 { return c.objectSize }

// LastError returns the ErrorCode left by the most recent failed operation.
func (c *Cache) LastError() ErrorCode { return c.lastErr }

// Alloc returns the address of a newly allocated, constructed object, or an
// error if no slab could be grown to satisfy it.
func (c *Cache) Alloc() (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.slabForAlloc()
	if err != nil {
		c.lastErr = ErrNoMemory
		return 0, err
	}

	cur := s.state
	wasEmpty := s.empty()
	i := s.popFree()
	addr := s.addrOf(i, c.objectSize)
	c.numActive++

	// cur, not a hardcoded from-state, since objects_per_slab == 1 takes a
	// slab straight from free to full with no partial stop in between.
	if s.full(c.objectsPerSlab) {
		c.moveSlab(s, cur, stateFull)
	} else if wasEmpty {
		c.moveSlab(s, cur, statePartial)
	}

	c.lastErr = ErrOK
	return addr, nil
}

// slabForAlloc returns a slab with at least one free object, preferring a
// partial slab, then a free one, then growing a new one.
func (c *Cache) slabForAlloc() (*Slab, error) {
	if n := c.partial.Front(); n != nil {
		return n.Value, nil
	}
	if n := c.free.Front(); n != nil {
		return n.Value, nil
	}
	return c.grow()
}

// grow obtains a fresh block of pages from the provider, carves it into a
// new Slab, runs the constructor over every object slot exactly once, and
// pushes it onto the free list.
func (c *Cache) grow() (*Slab, error) {
	base, err := c.provider.AllocPages(c.order)
	if err != nil {
		return nil, err
	}

	colourOff := c.colourNext * cacheLineSize
	c.colourNext = (c.colourNext + 1) % c.colourMax

	objBytes := uint64(c.objectsPerSlab) * uint64(c.objectSize)
	objects, err := c.region.Bytes(base+uintptr(colourOff), uintptr(objBytes))
	if err != nil {
		c.provider.FreePages(base, c.order)
		return nil, fmt.Errorf("slab: %s: carved slab escapes region: %w", c.name, err)
	}

	s := newSlab(base, objects, c.objectsPerSlab, colourOff, c.slabOrdinal)
	c.slabOrdinal++

	if c.ctor != nil {
		for i := uint32(0); i < c.objectsPerSlab; i++ {
			c.ctor(s.objectAt(i, c.objectSize))
		}
	}

	node := c.free.PushFront(s)
	c.nodeOf[s] = node
	c.numAllocations += c.objectsPerSlab
	c.growing = true
	c.log.Debug("grew slab", logger.String("cache", c.name), logger.Uint32("ordinal", s.ordinal))
	return s, nil
}

// Free returns the object at addr to its owning slab. It fails with
// ErrUnknownObject if addr is not inside any slab this cache owns, and with
// ErrMisalignedPointer if it is inside a slab but not at an object boundary.
func (c *Cache) Free(addr uintptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freeLocked(addr)
}

// freeLocked is Free's body without acquiring c.mu, for callers (Registry)
// that already hold it as part of a wider lock-ordering contract.
func (c *Cache) freeLocked(addr uintptr) error {
	s, misaligned := c.locate(addr)
	if s == nil {
		if misaligned {
			c.lastErr = ErrMisalignedPointer
			return fmt.Errorf("slab: %s: %#x: %w", c.name, addr, errMisalignedPointer)
		}
		c.lastErr = ErrUnknownObject
		return fmt.Errorf("slab: %s: %#x: %w", c.name, addr, errUnknownObject)
	}

	i, ok := s.indexOf(addr, c.objectSize)
	if !ok {
		c.lastErr = ErrMisalignedPointer
		return fmt.Errorf("slab: %s: %#x: %w", c.name, addr, errMisalignedPointer)
	}

	if c.dtor != nil {
		c.dtor(s.objectAt(i, c.objectSize))
	}

	cur := s.state
	wasFull := s.full(c.objectsPerSlab)
	s.pushFree(i)
	c.numActive--

	// cur, not a hardcoded from-state, since objects_per_slab == 1 takes a
	// slab straight from full to free with no partial stop in between.
	if s.empty() {
		c.moveSlab(s, cur, stateFree)
	} else if wasFull {
		c.moveSlab(s, cur, statePartial)
	}

	c.lastErr = ErrOK
	return nil
}

// locate finds the slab owning addr across all three lists. The second
// return reports whether addr fell within some slab's page range even
// though it was not inside that slab's object array (e.g. in colour
// padding), which Free uses to distinguish "not ours" from "misaligned".
func (c *Cache) locate(addr uintptr) (*Slab, bool) {
	slabBytes := uintptr(1<<c.order) * region.PageSize
	var found *Slab
	var near bool

	check := func(n *dllist.Node[*Slab]) bool {
		s := n.Value
		if addr >= s.base && addr < s.base+slabBytes {
			if addr >= s.base+uintptr(s.colourOff) && addr < s.base+uintptr(s.colourOff)+uintptr(len(s.objects)) {
				found = s
			} else {
				near = true
			}
			return false
		}
		return true
	}

	c.full.Each(check)
	if found == nil && !near {
		c.partial.Each(check)
	}
	if found == nil && !near {
		c.free.Each(check)
	}
	return found, near
}

// moveSlab relocates s from the list implied by from to the list implied by
// to, keyed off the node cached in nodeOf so no list needs a linear search
// to find it.
func (c *Cache) moveSlab(s *Slab, from, to slabState) {
	n, ok := c.nodeOf[s]
	if !ok {
		return
	}
	srcList := c.listFor(from)
	dstList := c.listFor(to)
	c.nodeOf[s] = dllist.MoveTo(n, srcList, dstList)
	s.state = to
}

func (c *Cache) listFor(state slabState) *dllist.List[*Slab] {
	switch state {
	case stateFree:
		return c.free
	case statePartial:
		return c.partial
	default:
		return c.full
	}
}

// Shrink returns every slab currently on the free list back to the page
// provider. The destructor is not run here: it already ran as each object
// was freed. It is the only place pages move backwards out of a cache short
// of Destroy.
//
// If the cache grew a new slab since the last Shrink call, this call is a
// no-op: growing is cleared but no slab is released, so a cache that just
// paid to carve a slab isn't immediately asked to hand it back. growing is
// always cleared before returning, win or lose, so the next Shrink call acts.
func (c *Cache) Shrink() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasGrowing := c.growing
	c.growing = false
	if wasGrowing {
		return nil
	}
	return c.trimFreeLocked(0)
}

// trimFreeLocked releases free-list slabs back to the provider until at
// most keep remain on it, reducing numAllocations by objectsPerSlab per slab
// released. Destroy's "retain at most one empty slab of the cache-of-caches"
// step calls this with keep=1; Shrink calls it with keep=0.
func (c *Cache) trimFreeLocked(keep int) error {
	var freed []*Slab
	c.free.Each(func(n *dllist.Node[*Slab]) bool {
		freed = append(freed, n.Value)
		return true
	})
	if len(freed) <= keep {
		return nil
	}

	toRelease := freed[keep:]
	for _, s := range toRelease {
		if err := c.releaseSlab(s, c.free); err != nil {
			return err
		}
	}
	c.numAllocations -= uint32(len(toRelease)) * c.objectsPerSlab
	return nil
}

// releaseSlab removes s from list and returns its pages to the provider.
// The destructor already ran per object as each was individually freed
// (Destroy assumes every live object was freed before it is called), so it
// does not run again here.
func (c *Cache) releaseSlab(s *Slab, list *dllist.List[*Slab]) error {
	if n, ok := c.nodeOf[s]; ok {
		list.Remove(n)
		delete(c.nodeOf, s)
	}
	return c.provider.FreePages(s.base, c.order)
}

// Destroy releases every slab this cache owns, including partially and
// fully occupied ones, regardless of in-use objects. Callers are expected to
// have already freed every live object; Destroy does not check.
func (c *Cache) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyLocked()
}

// destroyLocked is Destroy's body without acquiring c.mu, for Registry,
// which holds the cache's lock itself as part of its fixed lock order.
func (c *Cache) destroyLocked() error {
	for _, list := range []*dllist.List[*Slab]{c.free, c.partial, c.full} {
		var all []*Slab
		list.Each(func(n *dllist.Node[*Slab]) bool {
			all = append(all, n.Value)
			return true
		})
		for _, s := range all {
			if err := c.releaseSlab(s, list); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats reports the cache's current slab and object occupancy.
type Stats struct {
	Slabs          uint32
	ObjectsPerSlab uint32
	FreeSlabs      uint32
	PartialSlabs   uint32
	FullSlabs      uint32
	NumActive      uint32
	NumAllocations uint32
}

// Stats returns a snapshot of the cache's slab and object occupancy.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	free, partial, full := uint32(c.free.Len()), uint32(c.partial.Len()), uint32(c.full.Len())
	return Stats{
		Slabs:          free + partial + full,
		ObjectsPerSlab: c.objectsPerSlab,
		FreeSlabs:      free,
		PartialSlabs:   partial,
		FullSlabs:      full,
		NumActive:      c.numActive,
		NumAllocations: c.numAllocations,
	}
}
