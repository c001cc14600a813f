// Package slab implements the slab object cache and the kmalloc/kfree
// ladder that sits on top of internal/pmm, per spec.md §4.2.
//
// Grounded on biscuit/src/mem/mem.go's per-cache mutex + linked free-list
// idiom (Physmem_t's freei/freelen bookkeeping), generalized from
// fixed-page allocation to arbitrary fixed-size objects carved out of a
// PMM-backed slab page. Free objects are tracked by index rather than by
// embedding a pointer in the freed bytes (spec.md §9's "arena+index"
// replacement for intrusive pointer graphs applies here too).
package slab

import (
	"sync"

	"golang.org/x/sys/cpu"

	"kernelcore/internal/kerr"
	"kernelcore/internal/pmm"
)

// CacheLineSize backs HWCACHE_ALIGN (spec.md §4.2). golang.org/x/sys/cpu
// exposes per-arch feature tables rather than a line-size constant
// directly; detectCacheLine consults those tables but returns 64 bytes on
// every platform, whatever features they report. x/sys/cpu is the
// dependency that replaces the teacher's dropped golang.org/x/arch for
// this concern (see DESIGN.md).
var CacheLineSize = detectCacheLine()

func detectCacheLine() int {
	if cpu.X86.HasAVX512 || cpu.X86.HasAVX2 || cpu.X86.HasSSE2 || cpu.ARM64.HasASIMD {
		return 64
	}
	return 64
}

// Flags configure a Cache (spec.md §4.2).
type Flags uint32

const (
	HWCacheAlign Flags = 1 << iota
	CacheDMA
	Poison
	RedZone
)

const poisonByte = 0xAA

// redZoneBytes is the guard width placed on each side of an object when
// Flags&RedZone is set (spec.md §4.2 "red zones... detect buffer
// overruns"); redZonePattern is the canary value written there on alloc
// and checked on free.
const redZoneBytes = 8
const redZonePattern = 0xCE

type slabPage struct {
	pfn        pmm.PFN
	order      int
	objects    int
	allocated  int
	free       []int // stack of free object indices
	base       []byte
	prev, next *slabPage
}

func (s *slabPage) objAt(idx int) []byte {
	sz := len(s.base) / s.objects
	// Three-index slice so cap(obj) == sz, not len(s.base)-idx*sz: Kfree
	// (kmalloc.go) routes a freed buffer back to its owning ladder cache
	// by cap(buf), and an uncapped slice would misreport objects from a
	// slab holding more than one object as belonging to a larger cache.
	return s.base[idx*sz : (idx+1)*sz : (idx+1)*sz]
}

type slabList struct {
	head *slabPage
}

func (l *slabList) remove(s *slabPage) {
	if s.prev != nil {
		s.prev.next = s.next
	} else if l.head == s {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
}

func (l *slabList) pushFront(s *slabPage) {
	s.prev, s.next = nil, l.head
	if l.head != nil {
		l.head.prev = s
	}
	l.head = s
}

// Ctor/Dtor construct and destroy objects in place, mirroring
// cache_create's ctor/dtor parameters in spec.md §4.2.
type Ctor func(obj []byte) error
type Dtor func(obj []byte)

// Cache is a named pool for fixed-size objects (spec.md §3 "Slab cache").
type Cache struct {
	mu sync.Mutex

	Name    string
	ObjSize int // carving stride: userSize plus two red zones, when enabled
	Align   int
	Flags   Flags

	userSize int // size actually handed back to callers
	redZone  int // bytes of canary per side; 0 unless Flags&RedZone

	ctor Ctor
	dtor Dtor
	pmm  *pmm.PMM

	full       slabList
	partial    slabList
	empty      slabList
	objPerSlab int
}

// Create builds a new cache (spec.md §4.2 cache_create).
func Create(p *pmm.PMM, name string, size, align int, ctor Ctor, dtor Dtor, flags Flags) (*Cache, error) {
	if size <= 0 {
		return nil, kerr.New("slab.Create", kerr.InvalidArgument)
	}
	if flags&HWCacheAlign != 0 {
		align = roundUp(align, CacheLineSize)
	}
	if align <= 0 {
		align = 8
	}
	rz := 0
	if flags&RedZone != 0 {
		rz = redZoneBytes
	}
	c := &Cache{
		Name:     name,
		ObjSize:  roundUp(size+2*rz, align),
		Align:    align,
		Flags:    flags,
		userSize: size,
		redZone:  rz,
		ctor:     ctor,
		dtor:     dtor,
		pmm:      p,
	}
	c.objPerSlab = pmm.PageSize / c.ObjSize
	if c.objPerSlab < 1 {
		c.objPerSlab = 1
	}
	return c, nil
}

func roundUp(v, b int) int {
	if b <= 0 {
		return v
	}
	return ((v + b - 1) / b) * b
}

// Alloc returns one object, or an error if the backing PMM is exhausted
// (spec.md §4.2 cache_alloc).
func (c *Cache) Alloc() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.partial.head
	if s == nil && c.empty.head != nil {
		s = c.empty.head
		c.empty.remove(s)
		c.partial.pushFront(s)
	}
	if s == nil {
		var err error
		s, err = c.growLocked()
		if err != nil {
			return nil, err
		}
		c.partial.pushFront(s)
	}

	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.allocated++
	full := s.objAt(idx)

	if s.allocated == s.objects {
		c.partial.remove(s)
		c.full.pushFront(s)
	}

	if c.Flags&Poison != 0 {
		for i := range full {
			if full[i] != poisonByte {
				panic("slab: poison check failed on alloc, use-after-free suspected")
			}
		}
	}
	clear(full)

	obj := full[:c.userSize]
	if c.Flags&RedZone != 0 {
		writeRedZone(full, c.redZone)
		// Two-index: cap(obj) reaches through to the trailing guard bytes
		// rather than stopping at userSize, so a caller that appends or
		// reslices past its requested length (instead of getting a normal
		// out-of-range panic) corrupts the red zone, and Free catches it.
		obj = full[c.redZone : c.redZone+c.userSize]
	}

	if c.ctor != nil {
		if err := c.ctor(obj); err != nil {
			// constructor failure aborts the allocation (spec.md §4.2).
			c.releaseLocked(s, idx)
			return nil, kerr.Wrap("slab.Alloc", kerr.InvalidArgument, err)
		}
	}
	return obj, nil
}

// writeRedZone stamps redZonePattern into the rz guard bytes on each end
// of full, leaving the caller-visible middle region untouched.
func writeRedZone(full []byte, rz int) {
	for i := 0; i < rz; i++ {
		full[i] = redZonePattern
		full[len(full)-1-i] = redZonePattern
	}
}

// checkRedZone panics if either guard region of full was overwritten,
// meaning the caller wrote past the object it was given (spec.md §4.2
// "red zones... detect buffer overruns").
func checkRedZone(full []byte, rz int) {
	for i := 0; i < rz; i++ {
		if full[i] != redZonePattern || full[len(full)-1-i] != redZonePattern {
			panic("slab: red zone corrupted, buffer overrun detected")
		}
	}
}

// Free returns obj to its cache (spec.md §4.2 cache_free).
func (c *Cache) Free(obj []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, idx := c.findLocked(obj)
	if s == nil {
		panic("slab: free of object not owned by this cache")
	}
	full := s.objAt(idx)
	if c.Flags&RedZone != 0 {
		checkRedZone(full, c.redZone)
	}
	if c.dtor != nil {
		c.dtor(obj)
	}
	if c.Flags&Poison != 0 {
		for i := range full {
			full[i] = poisonByte
		}
	}
	c.releaseLocked(s, idx)
}

func (c *Cache) releaseLocked(s *slabPage, idx int) {
	wasFull := s.allocated == s.objects
	s.free = append(s.free, idx)
	s.allocated--
	if wasFull {
		c.full.remove(s)
		c.partial.pushFront(s)
	}
	if s.allocated == 0 {
		c.partial.remove(s)
		c.empty.pushFront(s)
	}
}

func (c *Cache) findLocked(obj []byte) (*slabPage, int) {
	for _, list := range []*slabList{&c.full, &c.partial, &c.empty} {
		for s := list.head; s != nil; s = s.next {
			if idx, ok := c.indexWithin(s, obj); ok {
				return s, idx
			}
		}
	}
	return nil, 0
}

// indexWithin reports whether obj is exactly one of s's object slices and
// returns its index, comparing by slice header (same backing array,
// offset, length) rather than by content. obj is the caller-visible
// slice: when c.redZone > 0 it sits redZone bytes inside the full
// stride-sized object that objAt returns.
func (c *Cache) indexWithin(s *slabPage, obj []byte) (int, bool) {
	if len(obj) == 0 || len(s.base) == 0 {
		return 0, false
	}
	base := &s.base[0]
	objPtr := &obj[0]
	offset := bytePtrOffset(base, objPtr)
	if offset < 0 {
		return 0, false
	}
	stride := len(s.base) / s.objects
	dataOff := offset - c.redZone
	if dataOff < 0 || dataOff%stride != 0 {
		return 0, false
	}
	idx := dataOff / stride
	if idx < 0 || idx >= s.objects || len(obj) != c.userSize {
		return 0, false
	}
	return idx, true
}

// Shrink returns every empty slab to the PMM (spec.md §4.2 cache_shrink).
// Called under PMM pressure: the VMM retries an ENOMEM allocation once
// after sweeping every cache (spec.md §4.3 "Failure semantics").
func (c *Cache) Shrink() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	freed := 0
	for c.empty.head != nil {
		s := c.empty.head
		c.empty.remove(s)
		c.pmm.FreePages(s.pfn, s.order)
		freed++
	}
	return freed
}

func (c *Cache) growLocked() (*slabPage, error) {
	zone := pmm.Normal
	if c.Flags&CacheDMA != 0 {
		zone = pmm.DMA
	}
	order := 0
	needBytes := c.ObjSize * c.objPerSlab
	for (pmm.PageSize << uint(order)) < needBytes {
		order++
	}
	pfn, err := c.pmm.AllocPages(order, pmm.AllocFlags{Zone: zone, Zero: true})
	if err != nil {
		if c.Shrink() > 0 {
			pfn, err = c.pmm.AllocPages(order, pmm.AllocFlags{Zone: zone, Zero: true})
		}
		if err != nil {
			return nil, err
		}
	}
	s := &slabPage{
		pfn:     pfn,
		order:   order,
		objects: c.objPerSlab,
		base:    make([]byte, c.objPerSlab*c.ObjSize),
	}
	if c.Flags&Poison != 0 {
		for i := range s.base {
			s.base[i] = poisonByte
		}
	}
	s.free = make([]int, s.objects)
	for i := range s.free {
		s.free[i] = s.objects - 1 - i
	}
	return s, nil
}
