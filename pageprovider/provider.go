// Package pageprovider declares the page-granularity interface that the
// slab layer consumes. Buddy and firstfit are the two concrete providers;
// the choice between them is static per allocator instance, never a runtime
// fallback (see the no-retry-between-strategies rule the slab layer relies
// on).
package pageprovider

import "errors"

// ErrOutOfMemory is returned when a provider cannot satisfy an allocation
// request from its own free space. It is a normal, expected return value,
// not an exceptional condition.
var ErrOutOfMemory = errors.New("pageprovider: out of memory")

// ErrInvalidOrder is returned when order exceeds what a provider supports.
var ErrInvalidOrder = errors.New("pageprovider: invalid order")

// ErrOutOfRange is returned when a Free address falls outside the owning
// region, or the run it denotes would cross the region boundary.
var ErrOutOfRange = errors.New("pageprovider: address out of range")

// ErrNotAllocated is returned when Free targets a block the provider does
// not currently consider allocated.
var ErrNotAllocated = errors.New("pageprovider: block not allocated")

// Stats reports the conservation invariant used+free == total page count.
type Stats struct {
	UsedPages uint32
	FreePages uint32
}

// Provider is the page-granularity allocator the slab cache sits on top of.
// order expresses block size as 2^order pages, uniformly across both
// concrete implementations even though firstfit's native unit is a page
// count: it turns an order into a run of exactly 2^order pages so it can be
// swapped in behind the same interface as buddy.
type Provider interface {
	// AllocPages returns a page-aligned address for a block of 2^order
	// pages, or ErrOutOfMemory if none is available.
	AllocPages(order uint8) (uintptr, error)

	// FreePages returns a block of 2^order pages previously obtained from
	// AllocPages(order) on the same Provider.
	FreePages(addr uintptr, order uint8) error

	// Stats reports the current used/free page conservation counters.
	Stats() Stats
}
