// Package region owns the single contiguous byte range that every other
// allocation component carves pages and objects out of. It performs no
// allocation of its own beyond validating and aligning the caller-supplied
// buffer; everything downstream addresses the region by uintptr, the way a
// freestanding allocator would address physical memory.
package region

import (
	"fmt"
	"unsafe"
)

// PageSize is the fixed page granularity used by every page-level allocator
// layered over a Region.
const PageSize = 4096

// Region describes the managed byte range [Base, Base+Pages*PageSize).
type Region struct {
	buf   []byte
	base  uintptr
	pages uint32
}

// New carves a page-aligned Region out of buf. buf must be large enough to
// hold at least one page after alignment; the bytes before the aligned base
// are not part of the managed range and are left untouched.
func New(buf []byte) (*Region, error) {
	if len(buf) < PageSize {
		return nil, fmt.Errorf("region: buffer of %d bytes is smaller than one page", len(buf))
	}

	raw := uintptr(unsafe.Pointer(&buf[0]))
	aligned := Align(raw, PageSize)
	lead := aligned - raw
	if lead >= uintptr(len(buf)) {
		return nil, fmt.Errorf("region: no page-aligned address available in buffer")
	}

	usable := uint32(len(buf)) - uint32(lead)
	pages := usable / PageSize
	if pages == 0 {
		return nil, fmt.Errorf("region: aligned buffer holds no complete pages")
	}

	return &Region{
		buf:   buf,
		base:  aligned,
		pages: pages,
	}, nil
}

// Align rounds addr up to the nearest multiple of alignment, which must be a
// power of two.
func Align(addr uintptr, alignment uintptr) uintptr {
	return (addr + alignment - 1) &^ (alignment - 1)
}

// Base returns the page-aligned start address of the managed range.
func (r *Region) Base() uintptr { return r.base }

// Pages returns the total number of PageSize pages owned by the region.
func (r *Region) Pages() uint32 { return r.pages }

// End returns the address one byte past the end of the managed range.
func (r *Region) End() uintptr { return r.base + uintptr(r.pages)*PageSize }

// Contains reports whether addr lies within [Base, End).
func (r *Region) Contains(addr uintptr) bool {
	return addr >= r.base && addr < r.End()
}

// ContainsRange reports whether [addr, addr+size) lies entirely within the
// managed range.
func (r *Region) ContainsRange(addr uintptr, size uintptr) bool {
	if addr < r.base || size == 0 {
		return false
	}
	end := addr + size
	return end >= addr && end <= r.End()
}

// PageIndex returns the page number of addr relative to Base. The caller
// must have already validated that addr is within the region and page
// aligned; PageIndex itself only does the arithmetic.
func (r *Region) PageIndex(addr uintptr) uint32 {
	return uint32((addr - r.base) / PageSize)
}

// PageAddr returns the address of the page at the given index.
func (r *Region) PageAddr(index uint32) uintptr {
	return r.base + uintptr(index)*PageSize
}

// Bytes returns a byte slice view over [addr, addr+size) for bookkeeping
// writes (e.g. intrusive free-list links). It bounds-checks against the
// owning buffer, not just the logical region, since callers may legitimately
// touch metadata placed just before Base.
func (r *Region) Bytes(addr uintptr, size uintptr) ([]byte, error) {
	if addr < uintptr(unsafe.Pointer(&r.buf[0])) {
		return nil, fmt.Errorf("region: address %#x precedes owning buffer", addr)
	}
	offset := addr - uintptr(unsafe.Pointer(&r.buf[0]))
	end := offset + size
	if end < offset || end > uintptr(len(r.buf)) {
		return nil, fmt.Errorf("region: range [%#x, %#x) escapes owning buffer", addr, addr+size)
	}
	return r.buf[offset:end:end], nil
}

// Memset clears size bytes starting at addr to the given value.
func (r *Region) Memset(addr uintptr, value byte, size uintptr) error {
	b, err := r.Bytes(addr, size)
	if err != nil {
		return err
	}
	for i := range b {
		b[i] = value
	}
	return nil
}
