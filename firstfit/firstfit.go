// Package firstfit implements the bitmap-based contiguous-page-run
// allocator: a simple alternative to buddy that trades coalescing
// sophistication for a flat bit-per-page map and a linear lowest-address
// scan. It is offered as a drop-in pageprovider.Provider alternative, never
// mixed with buddy at runtime for the same region.
package firstfit

import (
	"fmt"

	"github.com/arenaforge/allocator/lock"
	"github.com/arenaforge/allocator/logger"
	"github.com/arenaforge/allocator/pageprovider"
	"github.com/arenaforge/allocator/region"
)

// maxBitmapPages bounds the number of pages this allocator can track; the
// reference implementation used a 1024-bit fixed bitmap, so constructing
// one over a larger region is a construction-time error rather than a
// silent truncation.
const maxBitmapPages = 1024

// Allocator is a first-fit, bitmap-tracked page allocator.
type Allocator struct {
	r *region.Region

	bitmap []uint64 // 0 = free, 1 = used; bit i is the page at r.Base()+i*PageSize
	npages uint32

	usedPages uint32
	freePages uint32

	mu  lock.Locker
	log *logger.Logger
}

// New constructs a first-fit allocator over r. r.Pages() must not exceed
// maxBitmapPages.
func New(r *region.Region, locker lock.Locker, log *logger.Logger) (*Allocator, error) {
	n := r.Pages()
	if n == 0 {
		return nil, fmt.Errorf("firstfit: region has no pages")
	}
	if n > maxBitmapPages {
		return nil, fmt.Errorf("firstfit: region has %d pages, exceeds bitmap capacity %d", n, maxBitmapPages)
	}
	if locker == nil {
		locker = lock.New()
	}
	if log == nil {
		log = logger.Nop()
	}

	words := (n + 63) / 64
	return &Allocator{
		r:         r,
		bitmap:    make([]uint64, words),
		npages:    n,
		freePages: n,
		mu:        locker,
		log:       log,
	}, nil
}

// Alloc allocates a contiguous run of exactly `pages` pages and returns its
// base address. Unlike buddy, firstfit has no notion of order: any run
// length is valid, not just powers of two.
func (a *Allocator) Alloc(pages uint32) (uintptr, error) {
	if pages == 0 {
		return 0, fmt.Errorf("firstfit: zero-page allocation requested")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if pages > a.freePages {
		a.log.Warn("firstfit: insufficient free pages", logger.Uint32("requested", pages), logger.Uint32("free", a.freePages))
		return 0, pageprovider.ErrOutOfMemory
	}

	start, ok := a.findRun(pages)
	if !ok {
		return 0, pageprovider.ErrOutOfMemory
	}

	a.setRange(start, pages, true)
	a.usedPages += pages
	a.freePages -= pages
	return a.r.PageAddr(start), nil
}

// Free releases a run of `pages` pages previously returned by Alloc.
func (a *Allocator) Free(addr uintptr, pages uint32) error {
	if addr == 0 {
		return nil
	}
	if !a.r.Contains(addr) {
		return pageprovider.ErrOutOfRange
	}
	start := a.r.PageIndex(addr)
	if uint64(start)+uint64(pages) > uint64(a.npages) {
		return pageprovider.ErrOutOfRange
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := uint32(0); i < pages; i++ {
		if !a.bitAt(start + i) {
			return pageprovider.ErrNotAllocated
		}
	}

	a.setRange(start, pages, false)
	a.usedPages -= pages
	a.freePages += pages
	return nil
}

// AllocPages implements pageprovider.Provider by passing a run of exactly
// 2^order pages to the arbitrary-width Alloc primitive above; this is the
// face firstfit shows to the slab layer, which only ever asks for
// power-of-two slab orders.
func (a *Allocator) AllocPages(order uint8) (uintptr, error) {
	return a.Alloc(uint32(1) << uint(order))
}

// FreePages implements pageprovider.Provider.
func (a *Allocator) FreePages(addr uintptr, order uint8) error {
	return a.Free(addr, uint32(1)<<uint(order))
}

// findRun performs a linear scan from bit 0, maintaining a running count of
// consecutive free bits, and returns the start of the first run of at least
// `pages` free pages. O(N) per allocation, acceptable for the small N this
// allocator targets.
func (a *Allocator) findRun(pages uint32) (uint32, bool) {
	run := uint32(0)
	var runStart uint32
	for i := uint32(0); i < a.npages; i++ {
		if a.bitAt(i) {
			run = 0
			continue
		}
		if run == 0 {
			runStart = i
		}
		run++
		if run == pages {
			return runStart, true
		}
	}
	return 0, false
}

func (a *Allocator) bitAt(i uint32) bool {
	return a.bitmap[i/64]&(1<<(i%64)) != 0
}

func (a *Allocator) setRange(start, count uint32, used bool) {
	for i := start; i < start+count; i++ {
		word, bit := i/64, i%64
		if used {
			a.bitmap[word] |= 1 << bit
		} else {
			a.bitmap[word] &^= 1 << bit
		}
	}
}

// Stats implements pageprovider.Provider.
func (a *Allocator) Stats() pageprovider.Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return pageprovider.Stats{UsedPages: a.usedPages, FreePages: a.freePages}
}
