// Package slab implements the object-cache allocation layer: fixed-size
// Caches of Slabs, a cache-of-caches that bootstraps its own descriptor
// storage, and a Registry that routes size-class malloc-style traffic
// across power-of-two "size-<j>" caches created on demand.
package slab

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/arenaforge/allocator/lock"
	"github.com/arenaforge/allocator/logger"
	"github.com/arenaforge/allocator/pageprovider"
	"github.com/arenaforge/allocator/region"
)

// reservedCacheOfCachesName is rejected by Registry.Create: it names the
// bootstrap cache that holds every other cache's descriptor.
const reservedCacheOfCachesName = "cache-of-caches"

// sizeClassPrefix names every cache GenericAlloc may create or route to.
// GenericFree only considers caches under this prefix when hunting for a
// pointer's owner.
const sizeClassPrefix = "size-"

// MinGenericSize and MaxGenericSize bound what GenericAlloc will serve;
// requests outside this range are rejected rather than rounded. Exported so
// the malloc facade can clamp its own requests up to the floor before
// delegating, since malloc itself has no minimum-size contract.
const (
	MinGenericSize = uint32(32)
	MaxGenericSize = uint32(131072)
)

// descriptorSlotSize is the nominal object size the cache-of-caches manages.
// It does not need to hold a *Cache value itself (Go's heap already owns
// that); it only needs a distinct slot identity for each live descriptor, so
// the free-index stack and full/partial/free transitions it drives are the
// same machinery every other Cache uses. The real *Cache pointer for a slot
// is kept alongside the slot's address in entry; entries are looked up by
// cache name, not by slot.
const descriptorSlotSize = 8

// membershipEstimate and membershipFP size the Bloom filter that gives
// GenericFree a fast, allocation-free "definitely not ours" rejection before
// it falls back to scanning every size class.
const (
	membershipEstimate = 1 << 16
	membershipFP       = 0.01
)

// entry pairs a live user cache with the address of its descriptor slot
// inside the cache-of-caches, so Destroy can return that slot without
// re-deriving it.
type entry struct {
	cache *Cache
	slot  uintptr
}

// Registry is the cache-of-caches plus the on-demand "size-<j>" cache family
// that backs GenericAlloc/GenericFree. One Registry is built per page
// provider.
type Registry struct {
	mu       lock.Locker
	log      *logger.Logger
	provider pageprovider.Provider
	region   *region.Region

	cacheOfCaches *Cache

	byName map[string]*entry
	chain  []*entry

	membership *bloom.BloomFilter
}

// NewRegistry constructs the cache-of-caches. The cache-of-caches is built by
// calling NewCache directly rather than through Create, so there is no path
// where creating it requires drawing a descriptor from itself. Size-class
// caches are created lazily by GenericAlloc, matching the reference's
// create-on-demand, then-cached behavior.
func NewRegistry(provider pageprovider.Provider, reg *region.Region, log *logger.Logger) (*Registry, error) {
	if log == nil {
		log = logger.Nop()
	}

	cc, err := NewCache(reservedCacheOfCachesName, descriptorSlotSize, nil, nil, provider, reg, lock.New(), log)
	if err != nil {
		return nil, fmt.Errorf("slab: bootstrapping cache-of-caches: %w", err)
	}

	return &Registry{
		mu:            lock.New(),
		log:           log.With("registry"),
		provider:      provider,
		region:        reg,
		cacheOfCaches: cc,
		byName:        make(map[string]*entry),
		membership:    bloom.NewWithEstimates(membershipEstimate, membershipFP),
	}, nil
}

// Create constructs a new named Cache, drawing its descriptor from the
// cache-of-caches via that cache's own Alloc path. If a cache with matching
// name and objectSize already exists, it is returned instead of creating a
// duplicate. Empty names, zero objectSize, and the reserved cache-of-caches
// name are rejected.
func (r *Registry) Create(name string, objectSize uint32, ctor Constructor, dtor Destructor) (*Cache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createUnlocked(name, objectSize, ctor, dtor)
}

func (r *Registry) createUnlocked(name string, objectSize uint32, ctor Constructor, dtor Destructor) (*Cache, error) {
	if name == "" || objectSize == 0 {
		return nil, fmt.Errorf("slab: %w", errBadArgs)
	}
	if name == reservedCacheOfCachesName {
		return nil, errReservedName
	}
	if e, exists := r.byName[name]; exists {
		if e.cache.ObjectSize() != objectSize {
			return nil, fmt.Errorf("slab: cache %q already exists with object size %d, not %d", name, e.cache.ObjectSize(), objectSize)
		}
		return e.cache, nil
	}

	slotAddr, err := r.cacheOfCaches.Alloc()
	if err != nil {
		return nil, fmt.Errorf("slab: %w: %v", errCacheOfCachesAccess, err)
	}

	c, err := NewCache(name, objectSize, ctor, dtor, r.provider, r.region, lock.New(), r.log)
	if err != nil {
		r.cacheOfCaches.Free(slotAddr)
		return nil, err
	}

	e := &entry{cache: c, slot: slotAddr}
	r.byName[name] = e
	r.chain = append(r.chain, e)
	return c, nil
}

// Destroy frees every slab owned by the named cache, returns its descriptor
// slot to the cache-of-caches, and retains at most one now-empty slab of the
// cache-of-caches itself, returning any further empty slabs to the page
// provider. Lock order is cache, then cache-of-caches; the page provider
// locks itself internally on every call.
func (r *Registry) Destroy(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("slab: %w: %q", errUnknownCache, name)
	}

	e.cache.mu.Lock()
	r.cacheOfCaches.mu.Lock()
	defer r.cacheOfCaches.mu.Unlock()
	defer e.cache.mu.Unlock()

	if err := e.cache.destroyLocked(); err != nil {
		return err
	}
	if err := r.cacheOfCaches.freeLocked(e.slot); err != nil {
		return err
	}
	if err := r.cacheOfCaches.trimFreeLocked(1); err != nil {
		return err
	}

	delete(r.byName, name)
	for i, cur := range r.chain {
		if cur == e {
			r.chain = append(r.chain[:i], r.chain[i+1:]...)
			break
		}
	}
	return nil
}

// GenericAlloc rounds size up to the next power of two j, creates (or
// reuses) the cache named "size-<j>", and allocates from it. Sizes below 32
// bytes or above 131072 bytes are rejected, matching the reference's
// size-class bounds.
func (r *Registry) GenericAlloc(size uint32) (uintptr, error) {
	if size < MinGenericSize || size > MaxGenericSize {
		return 0, ErrSizeUnsupported
	}
	j := nextPowerOfTwo(size)

	r.mu.Lock()
	c, err := r.createUnlocked(fmt.Sprintf("%s%d", sizeClassPrefix, j), j, nil, nil)
	r.mu.Unlock()
	if err != nil {
		return 0, err
	}

	addr, err := c.Alloc()
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.recordOwnership(addr)
	r.mu.Unlock()
	return addr, nil
}

// GenericFree locates the "size-<j>" cache owning addr and returns the
// object to it. The Bloom filter gives a fast, false-negative-free rejection
// of addresses this registry never handed out; a positive test still falls
// back to an authoritative per-cache scan since Bloom filters are only
// probabilistic in the other direction. After a successful free, Shrink is
// called on that cache; it returns the cache's fully-empty slabs to the page
// provider unless the cache grew a slab since its previous Shrink call.
func (r *Registry) GenericFree(addr uintptr) error {
	r.mu.Lock()
	known := r.membership.Test(pageKey(addr))
	var caches []*Cache
	if known {
		for _, e := range r.chain {
			if strings.HasPrefix(e.cache.name, sizeClassPrefix) {
				caches = append(caches, e.cache)
			}
		}
	}
	r.mu.Unlock()

	if !known {
		return fmt.Errorf("slab: %#x: %w", addr, errUnknownObject)
	}

	for _, c := range caches {
		if err := c.Free(addr); err == nil {
			c.Shrink()
			return nil
		}
	}
	return fmt.Errorf("slab: %#x: %w", addr, errUnknownObject)
}

// nextPowerOfTwo returns the smallest power of two that is >= n.
func nextPowerOfTwo(n uint32) uint32 {
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

// recordOwnership marks addr's containing page as belonging to this
// registry's size classes, for GenericFree's fast-path filter.
func (r *Registry) recordOwnership(addr uintptr) {
	page := addr &^ uintptr(region.PageSize-1)
	r.membership.Add(pageKey(page))
}

func pageKey(addr uintptr) []byte {
	page := addr &^ uintptr(region.PageSize-1)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(page))
	return b[:]
}
