package pmm

import (
	"fmt"
	"sync"

	"golang.org/x/text/message"

	"kernelcore/internal/kerr"
	"kernelcore/internal/klog"
)

// ZoneKind identifies one of the three PFN ranges spec.md §3 names.
type ZoneKind int

const (
	DMA ZoneKind = iota
	Normal
	HighMem
	numZoneKinds
)

func (z ZoneKind) String() string {
	switch z {
	case DMA:
		return "DMA"
	case Normal:
		return "NORMAL"
	case HighMem:
		return "HIGHMEM"
	default:
		return "unknown"
	}
}

// AllocFlags select the requesting zone, zero-on-return, and blocking
// policy for alloc_pages (spec.md §4.1).
type AllocFlags struct {
	Zone     ZoneKind
	Zero     bool
	CanBlock bool // kernel cores pass false; see spec.md §4.1
}

// Zone is a contiguous PFN range owning 11 buddy free lists (spec.md §3).
type Zone struct {
	mu sync.Mutex

	Kind      ZoneKind
	StartPFN  PFN
	EndPFN    PFN // exclusive
	freeHead  [MaxOrder + 1]PFN
	freeCount [MaxOrder + 1]int
	reserved  int
}

// frameTable is shared by every Zone; indices are PFNs.
type frameTable struct {
	frames []Frame
}

// PMM owns the frame table and the three zones, matching the teacher's
// single global Physmem_t instance (spec.md §9 "global mutable
// singletons... initialized exactly once at kernel boot").
type PMM struct {
	table frameTable
	zones [numZoneKinds]*Zone
}

// MemRegion is one entry of the multiboot memory map (spec.md §6).
type MemRegion struct {
	Base, Length uint64
	Available    bool
}

// boundary PFNs for the three zones on a 32-bit-style layout (spec.md §3).
const (
	dmaEndPFN     = (16 * 1024 * 1024) / PageSize
	normalEndPFN  = (896 * 1024 * 1024) / PageSize
)

// New builds a PMM covering totalPages frames, reserving the ranges in
// reservedPFNRanges (the kernel image and any non-"available" multiboot
// region) before the buddy lists are populated, per spec.md §4.1 "Policies".
func New(totalPages int, reservedPFNRanges [][2]PFN) *PMM {
	p := &PMM{}
	p.table.frames = make([]Frame, totalPages)
	for i := range p.table.frames {
		p.table.frames[i].lruPrev = pfnNone
		p.table.frames[i].lruNext = pfnNone
		p.table.frames[i].nextFree = pfnNone
	}

	p.zones[DMA] = newZone(DMA, 0, minPFN(PFN(dmaEndPFN), PFN(totalPages)))
	p.zones[Normal] = newZone(Normal, p.zones[DMA].EndPFN, minPFN(PFN(normalEndPFN), PFN(totalPages)))
	p.zones[HighMem] = newZone(HighMem, p.zones[Normal].EndPFN, PFN(totalPages))

	reserved := make(map[PFN]bool)
	for _, r := range reservedPFNRanges {
		for pfn := r[0]; pfn < r[1] && int(pfn) < totalPages; pfn++ {
			reserved[pfn] = true
		}
	}

	for _, z := range p.zones {
		z.populate(p, reserved)
	}

	printer := message.NewPrinter(message.MatchLanguage("en"))
	klog.For("pmm").Infof("initialized: %s", printer.Sprintf("%d total pages across 3 zones", totalPages))
	return p
}

func minPFN(a, b PFN) PFN {
	if a < b {
		return a
	}
	return b
}

func newZone(kind ZoneKind, start, end PFN) *Zone {
	z := &Zone{Kind: kind, StartPFN: start, EndPFN: end}
	for i := range z.freeHead {
		z.freeHead[i] = pfnNone
	}
	return z
}

// populate walks the zone's PFN range and inserts every non-reserved frame
// into the buddy lists at the largest order its alignment and remaining
// run permit, the same "reserve kernel image + memory map before buddy
// init" sequencing spec.md §4.1 mandates.
func (z *Zone) populate(p *PMM, reserved map[PFN]bool) {
	pfn := z.StartPFN
	for pfn < z.EndPFN {
		if reserved[pfn] {
			p.table.frames[pfn].Flags |= FlagReserved
			z.reserved++
			pfn++
			continue
		}
		order := MaxOrder
		for order > 0 {
			run := PFN(1) << uint(order)
			if pfn%run == 0 && pfn+run <= z.EndPFN && !z.anyReserved(reserved, pfn, run) {
				break
			}
			order--
		}
		z.pushFree(p, pfn, order)
		pfn += PFN(1) << uint(order)
	}
}

func (z *Zone) anyReserved(reserved map[PFN]bool, start PFN, run PFN) bool {
	for i := PFN(0); i < run; i++ {
		if reserved[start+i] {
			return true
		}
	}
	return false
}

func (z *Zone) pushFree(p *PMM, pfn PFN, order int) {
	f := &p.table.frames[pfn]
	f.Flags |= FlagBuddy
	f.Order = uint8(order)
	f.nextFree = z.freeHead[order]
	z.freeHead[order] = pfn
	z.freeCount[order]++
}

func (z *Zone) popFree(p *PMM, order int) (PFN, bool) {
	pfn := z.freeHead[order]
	if pfn == pfnNone {
		return 0, false
	}
	f := &p.table.frames[pfn]
	z.freeHead[order] = f.nextFree
	z.freeCount[order]--
	f.nextFree = pfnNone
	f.Flags &^= FlagBuddy
	return pfn, true
}

func (z *Zone) removeFree(p *PMM, pfn PFN, order int) bool {
	prev := pfnNone
	cur := z.freeHead[order]
	for cur != pfnNone {
		if cur == pfn {
			f := &p.table.frames[cur]
			if prev == pfnNone {
				z.freeHead[order] = f.nextFree
			} else {
				p.table.frames[prev].nextFree = f.nextFree
			}
			f.nextFree = pfnNone
			f.Flags &^= FlagBuddy
			z.freeCount[order]--
			return true
		}
		prev = cur
		cur = p.table.frames[cur].nextFree
	}
	return false
}

// AllocPages implements alloc_pages(order, flags) (spec.md §4.1).
func (p *PMM) AllocPages(order int, flags AllocFlags) (PFN, error) {
	if order < 0 || order > MaxOrder {
		return 0, kerr.New("pmm.AllocPages", kerr.InvalidArgument)
	}
	// Zone fallback order: requested, then NORMAL, then DMA; never
	// promote to HIGHMEM for kernel-internal allocations (spec.md §4.1
	// "Policies").
	tryOrder := []ZoneKind{flags.Zone}
	if flags.Zone != Normal {
		tryOrder = append(tryOrder, Normal)
	}
	if flags.Zone != DMA {
		tryOrder = append(tryOrder, DMA)
	}

	for _, zk := range tryOrder {
		z := p.zones[zk]
		z.mu.Lock()
		pfn, ok := z.allocLocked(p, order)
		z.mu.Unlock()
		if ok {
			f := &p.table.frames[pfn]
			if flags.Zero {
				zeroFrame()
			}
			// Each page-table mapping of the frame adds its own reference.
			f.RefCount = 0
			return pfn, nil
		}
	}
	return 0, kerr.New("pmm.AllocPages", kerr.NoMemory)
}

// zeroFrame is a placeholder for the architecture-specific zero-fill the
// teacher's runtime.Get_phys()/Dmap path performs; the core itself is
// memory-backend agnostic (spec.md out of scope: ACPI/hardware specifics).
func zeroFrame() {}

func (z *Zone) allocLocked(p *PMM, order int) (PFN, bool) {
	j := order
	for j <= MaxOrder {
		if pfn, ok := z.popFree(p, j); ok {
			for j > order {
				j--
				buddyPFN := pfn + (PFN(1) << uint(j))
				z.pushFree(p, buddyPFN, j)
			}
			return pfn, true
		}
		j++
	}
	return 0, false
}

// FreePages implements free_pages(frame, order) (spec.md §4.1). It fails
// closed (panics) if pfn is out of range, already free, or not aligned to
// 2^order pages. It does not check that order is the order the run was
// allocated with.
func (p *PMM) FreePages(pfn PFN, order int) {
	if order < 0 || order > MaxOrder || int(pfn) >= len(p.table.frames) {
		panic(fmt.Sprintf("pmm: FreePages: bad pfn=%d order=%d", pfn, order))
	}
	f := &p.table.frames[pfn]
	if f.Flags&FlagBuddy != 0 {
		panic("pmm: double free of buddy frame")
	}
	if uint32(pfn)%(1<<uint(order)) != 0 {
		panic("pmm: free of misaligned buddy head")
	}
	z := p.zoneOf(pfn)
	z.mu.Lock()
	defer z.mu.Unlock()
	f.RefCount = 0
	f.MapCount = 0
	z.mergeAndFree(p, pfn, order)
}

// mergeAndFree implements the buddy coalescing loop of spec.md §4.1.
func (z *Zone) mergeAndFree(p *PMM, pfn PFN, order int) {
	for order < MaxOrder {
		buddyPFN := pfn ^ (PFN(1) << uint(order))
		if buddyPFN < z.StartPFN || buddyPFN >= z.EndPFN {
			break
		}
		bf := &p.table.frames[buddyPFN]
		if bf.Flags&FlagBuddy == 0 || bf.Order != uint8(order) {
			break
		}
		if !z.removeFree(p, buddyPFN, order) {
			break
		}
		if buddyPFN < pfn {
			pfn = buddyPFN
		}
		order++
	}
	z.pushFree(p, pfn, order)
}

func (p *PMM) zoneOf(pfn PFN) *Zone {
	for _, z := range p.zones {
		if pfn >= z.StartPFN && pfn < z.EndPFN {
			return z
		}
	}
	panic("pmm: pfn not in any zone")
}

// Frame returns the frame record for pfn.
func (p *PMM) Frame(pfn PFN) *Frame {
	return &p.table.frames[pfn]
}

// Stats reports total/free/reserved/allocated pages across all zones, the
// quantity spec.md's testable property 2 checks at every quiescent point.
func (p *PMM) Stats() (total, free, reserved, allocated int) {
	for _, z := range p.zones {
		z.mu.Lock()
		total += int(z.EndPFN - z.StartPFN)
		reserved += z.reserved
		for o := 0; o <= MaxOrder; o++ {
			free += z.freeCount[o] << uint(o)
		}
		z.mu.Unlock()
	}
	allocated = total - free - reserved
	return
}
