// Package pmm implements the physical memory manager: a binary buddy
// allocator over zoned page frames, feeding the slab allocator in
// internal/slab. Grounded on biscuit/src/mem/mem.go's Physmem_t/Physpg_t
// (global frame table, refcount, direct-map addressing), generalized from
// a flat free list to order-indexed buddy free lists per spec.md §4.1.
package pmm

import "sync/atomic"

// PFN is a page frame number: an index into the global frame table.
type PFN uint32

// PageSize is the size in bytes of one page frame.
const PageSize = 4096

// MaxOrder is the highest buddy order the allocator services (2^10 pages).
const MaxOrder = 10

// Flag is a bitset of frame state, mirroring spec.md's "Page frame"
// attributes.
type Flag uint32

const (
	FlagLocked Flag = 1 << iota
	FlagDirty
	FlagLRU
	FlagReserved
	FlagBuddy
	FlagSlab
)

// Frame is the PMM's unit of ownership (spec.md §3 "Page frame"). Exactly
// one of Reserved, Buddy, Slab, or "in use" (none of the three) holds at
// any time. AllocPages hands a frame out with RefCount 0; RefCount and
// MapCount then count the page-table mappings of it.
type Frame struct {
	Flags    Flag
	RefCount int32
	MapCount int32
	Order    uint8

	// lruPrev/lruNext link this frame into its zone's LRU list by PFN;
	// pfnNone means "not linked".
	lruPrev, lruNext PFN

	// nextFree links this frame into its zone's order-k buddy free list.
	nextFree PFN

	// MappingID/Index are the weak (mm, addr) back-pointer used by the
	// replacement policy; zero means "no mapping".
	MappingID uint64
	Index     uint64

	// Private is an opaque cookie the VMM/slab layers may stash data in
	// (e.g. the slab cache that owns this frame).
	Private any
}

const pfnNone PFN = 1<<32 - 1

// Ref increments the frame's strong reference count.
func (f *Frame) Ref() int32 { return atomic.AddInt32(&f.RefCount, 1) }

// Unref decrements the frame's strong reference count and reports whether
// it reached zero (spec.md §3 invariant (d)).
func (f *Frame) Unref() bool {
	c := atomic.AddInt32(&f.RefCount, -1)
	if c < 0 {
		panic("pmm: frame refcount went negative")
	}
	return c == 0
}

// MapUp/MapDown track page-table mapcount (spec.md §3 invariant (c)).
func (f *Frame) MapUp()   { atomic.AddInt32(&f.MapCount, 1) }
func (f *Frame) MapDown() { atomic.AddInt32(&f.MapCount, -1) }
