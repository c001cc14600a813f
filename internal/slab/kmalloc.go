package slab

import (
	"strconv"
	"sync"
	"unsafe"

	"kernelcore/internal/kerr"
	"kernelcore/internal/pmm"
)

// ladderSizes is the 13 power-of-two caches from 32 to 131072 bytes spec.md
// §4.2 names for the general-purpose kmalloc/kfree path.
var ladderSizes = [13]int{
	32, 64, 128, 256, 512, 1024, 2048, 4096,
	8192, 16384, 32768, 65536, 131072,
}

type bigAlloc struct {
	pfn   pmm.PFN
	order int
}

// Allocator owns the kmalloc ladder and delegates sizes above it straight
// to the PMM (spec.md §4.2).
type Allocator struct {
	pmm    *pmm.PMM
	ladder [len(ladderSizes)]*Cache

	bigMu sync.Mutex
	big   map[uintptr]bigAlloc
}

// NewAllocator builds the 13-cache kmalloc ladder.
func NewAllocator(p *pmm.PMM) (*Allocator, error) {
	a := &Allocator{pmm: p, big: make(map[uintptr]bigAlloc)}
	for i, sz := range ladderSizes {
		c, err := Create(p, kmallocName(sz), sz, 8, nil, nil, 0)
		if err != nil {
			return nil, err
		}
		a.ladder[i] = c
	}
	return a, nil
}

func kmallocName(size int) string {
	return "kmalloc-" + strconv.Itoa(size)
}

// Kmalloc returns a zeroed buffer of at least size bytes.
func (a *Allocator) Kmalloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, kerr.New("slab.Kmalloc", kerr.InvalidArgument)
	}
	for i, sz := range ladderSizes {
		if size <= sz {
			buf, err := a.ladder[i].Alloc()
			if err != nil {
				return nil, err
			}
			return buf[:size], nil
		}
	}
	// Above the ladder: reserve the backing pages from the PMM for
	// accounting purposes (spec.md §4.2's "delegate... directly to the
	// PMM"), and carry the allocation in a real byte buffer keyed by its
	// address so Kfree can return the pages.
	order := 0
	for (pmm.PageSize << uint(order)) < size {
		order++
	}
	pfn, err := a.pmm.AllocPages(order, pmm.AllocFlags{Zone: pmm.Normal, Zero: true})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	a.bigMu.Lock()
	a.big[uintptr(unsafe.Pointer(&buf[0]))] = bigAlloc{pfn: pfn, order: order}
	a.bigMu.Unlock()
	return buf, nil
}

// Kfree returns buf to the cache (or PMM order) that owns it.
func (a *Allocator) Kfree(buf []byte) {
	if len(buf) == 0 {
		return
	}
	key := uintptr(unsafe.Pointer(&buf[0]))
	a.bigMu.Lock()
	if ba, ok := a.big[key]; ok {
		delete(a.big, key)
		a.bigMu.Unlock()
		a.pmm.FreePages(ba.pfn, ba.order)
		return
	}
	a.bigMu.Unlock()

	n := cap(buf)
	for i, sz := range ladderSizes {
		if n == sz {
			a.ladder[i].Free(buf[:sz])
			return
		}
	}
}
