// Package buddy implements the power-of-two, page-granularity allocator
// with splitting and buddy coalescing. Free blocks are intrusive: each
// holds no Go-level lifetime of its own, only a "next" link encoded into
// the region's own bytes at the block's address, the way the region note in
// the design docs asks for (offsets with bounds checks, not long-lived
// references).
package buddy

import (
	"encoding/binary"

	"github.com/arenaforge/allocator/lock"
	"github.com/arenaforge/allocator/logger"
	"github.com/arenaforge/allocator/pageprovider"
	"github.com/arenaforge/allocator/region"
)

// maxSupportedOrder bounds K so the freeList/counts arrays stay small and
// finite; no region this allocator will ever see approaches 2^31 pages.
const maxSupportedOrder = 32

// Allocator is a buddy page allocator over a region.Region.
type Allocator struct {
	r *region.Region

	// k is the number of orders: blocks exist at orders 0..k-1, sized
	// 1, 2, 4, ..., 2^(k-1) pages.
	k uint8

	// freeList[o] holds the address of the head of the order-o free list,
	// or 0 if that order currently has no free blocks.
	freeList [maxSupportedOrder]uintptr

	usedPages uint32
	freePages uint32

	mu  lock.Locker
	log *logger.Logger
}

// New constructs a buddy allocator over r. N (r.Pages()) is decomposed into
// the sum of its set bits; a free block of order o is inserted for every
// set bit at position o, largest block first, at consecutive offsets from
// r.Base().
func New(r *region.Region, locker lock.Locker, log *logger.Logger) (*Allocator, error) {
	n := r.Pages()
	if n == 0 {
		return nil, pageprovider.ErrInvalidOrder
	}
	if locker == nil {
		locker = lock.New()
	}
	if log == nil {
		log = logger.Nop()
	}

	k := order(n) + 1
	if k > maxSupportedOrder {
		return nil, pageprovider.ErrInvalidOrder
	}

	a := &Allocator{r: r, k: uint8(k), mu: locker, log: log}

	offset := r.Base()
	remaining := n
	for o := int(k) - 1; o >= 0 && remaining > 0; o-- {
		size := uint32(1) << uint(o)
		if remaining&size == 0 {
			continue
		}
		a.pushFree(uint8(o), offset)
		offset += uintptr(size) * region.PageSize
		a.freePages += size
		remaining &^= size
	}

	return a, nil
}

// order returns the largest o such that 2^o <= n.
func order(n uint32) int {
	o := 0
	for (uint32(1) << uint(o+1)) <= n {
		o++
	}
	return o
}

// MaxOrder returns the highest order this allocator can serve (K-1).
func (a *Allocator) MaxOrder() uint8 { return a.k - 1 }

// AllocPages implements pageprovider.Provider.
func (a *Allocator) AllocPages(order uint8) (uintptr, error) {
	if order >= a.k {
		a.log.Warn("buddy: order rejected", logger.Int("order", int(order)), logger.Int("max", int(a.k-1)))
		return 0, pageprovider.ErrInvalidOrder
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Scan orders order, order+1, ... for the first non-empty free list.
	src := -1
	for o := int(order); o < int(a.k); o++ {
		if a.freeList[o] != 0 {
			src = o
			break
		}
	}
	if src == -1 {
		return 0, pageprovider.ErrOutOfMemory
	}

	addr := a.popFree(uint8(src))

	// Split src down to order, pushing each freed buddy half onto the free
	// list one order below it.
	for o := src; o > int(order); o-- {
		half := uint32(1) << uint(o-1)
		buddyAddr := addr + uintptr(half)*region.PageSize
		a.pushFree(uint8(o-1), buddyAddr)
	}

	size := uint32(1) << uint(order)
	a.usedPages += size
	a.freePages -= size
	return addr, nil
}

// FreePages implements pageprovider.Provider.
func (a *Allocator) FreePages(addr uintptr, order uint8) error {
	if order >= a.k {
		return pageprovider.ErrInvalidOrder
	}
	if addr == 0 {
		return nil
	}
	maxBlock := uint32(1) << uint(a.k-1)
	if !a.r.ContainsRange(addr, uintptr(uint32(1)<<uint(order))*region.PageSize) || addr >= a.r.Base()+uintptr(maxBlock)*region.PageSize {
		return pageprovider.ErrOutOfRange
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	size := uint32(1) << uint(order)
	a.usedPages -= size
	a.freePages += size

	a.coalesce(addr, order)
	return nil
}

// coalesce merges addr's order-o block with its buddy, recursively, and
// inserts the (possibly merged) result into the appropriate free list.
func (a *Allocator) coalesce(addr uintptr, o uint8) {
	for int(o) < int(a.k)-1 {
		blockSize := uintptr(uint32(1)<<uint(o)) * region.PageSize
		left := addr - blockSize
		right := addr + blockSize

		var buddyAddr uintptr
		if a.isFreeAt(left, o) {
			buddyAddr = left
		} else if a.isFreeAt(right, o) {
			buddyAddr = right
		} else {
			break
		}

		a.removeFree(o, buddyAddr)
		if buddyAddr < addr {
			addr = buddyAddr
		}
		o++
	}
	a.pushFree(o, addr)
}

// isFreeAt reports whether a free block of order o sits at addr, and that
// addr is 2^(o+1)-aligned from Base so it is actually this block's buddy and
// not a partner that merely happens to share an address at region
// boundaries.
func (a *Allocator) isFreeAt(addr uintptr, o uint8) bool {
	blockSize := uint32(1) << uint(o)
	alignment := uintptr(blockSize) * 2 * region.PageSize
	if (addr-a.r.Base())%alignment != 0 {
		return false
	}
	if addr < a.r.Base() {
		return false
	}
	for n := a.freeList[o]; n != 0; n = a.readNext(n) {
		if n == addr {
			return true
		}
	}
	return false
}

func (a *Allocator) removeFree(o uint8, target uintptr) {
	if a.freeList[o] == target {
		a.freeList[o] = a.readNext(target)
		return
	}
	prev := a.freeList[o]
	for prev != 0 {
		next := a.readNext(prev)
		if next == target {
			a.writeNext(prev, a.readNext(target))
			return
		}
		prev = next
	}
}

func (a *Allocator) pushFree(o uint8, addr uintptr) {
	a.writeNext(addr, a.freeList[o])
	a.freeList[o] = addr
}

func (a *Allocator) popFree(o uint8) uintptr {
	addr := a.freeList[o]
	a.freeList[o] = a.readNext(addr)
	return addr
}

func (a *Allocator) readNext(addr uintptr) uintptr {
	b, err := a.r.Bytes(addr, 8)
	if err != nil {
		return 0
	}
	return uintptr(binary.LittleEndian.Uint64(b))
}

func (a *Allocator) writeNext(addr uintptr, next uintptr) {
	b, err := a.r.Bytes(addr, 8)
	if err != nil {
		return
	}
	binary.LittleEndian.PutUint64(b, uint64(next))
}

// Stats implements pageprovider.Provider.
func (a *Allocator) Stats() pageprovider.Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return pageprovider.Stats{UsedPages: a.usedPages, FreePages: a.freePages}
}
