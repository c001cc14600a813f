package vmm

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"kernelcore/internal/irq"
	"kernelcore/internal/kerr"
	"kernelcore/internal/pmm"
)

const pageSize = pmm.PageSize
const pageOffset = uintptr(pageSize - 1)
const pageMask = ^pageOffset

func pageAlign(v uintptr) uintptr   { return v &^ pageOffset }
func pageRoundUp(v uintptr) uintptr { return pageAlign(v + pageOffset) }

// SwapEntry packs (area_index:8, page_index:24), zero meaning "not
// swapped" (spec.md §3 "Swap entry"). internal/swap is the only package
// that constructs these; vmm just stores and reports them.
type SwapEntry uint32

func MakeSwapEntry(area uint8, page uint32) SwapEntry {
	return SwapEntry(uint32(area)<<24 | (page & 0xFFFFFF))
}
func (e SwapEntry) Area() uint8   { return uint8(e >> 24) }
func (e SwapEntry) Index() uint32 { return uint32(e) & 0xFFFFFF }

// MM is one address space (spec.md §3 "Address space (mm)"). The VMA list
// is kept sorted and non-overlapping at all times; every mutator holds mu
// for the duration of its change.
type MM struct {
	mu sync.Mutex

	vmas *vmaSet

	PMM *pmm.PMM

	// ptes is the core's page-table stand-in: a flat map from page-aligned
	// virtual address to (frame, perms). A real architecture would walk a
	// multi-level page table; the core is architecture-agnostic (spec.md
	// §1 Non-goals), so the PTE abstraction is exactly the bits spec.md
	// needs: present, frame, perms, cow, swapped.
	ptes map[uintptr]pte

	// SwapMap mirrors spec.md's "index = page-aligned virtual address;
	// value = swap entry or 0".
	SwapMap map[uintptr]SwapEntry

	TotalPages, LockedPages, SharedPages, ExecPages int64

	CodeStart, CodeEnd             uintptr
	DataStart, DataEnd             uintptr
	HeapStart, HeapEnd, HeapMax    uintptr
	StackStart, StackEnd           uintptr

	refs int32

	NUMAPolicy NodePolicy
	Topology   *Topology
	NUMAHint   int

	// ShrinkHook lets the caller wire the slab allocator's cache_shrink
	// sweep into the fault path's single-retry-on-ENOMEM rule (spec.md
	// §4.3 "Failure semantics").
	ShrinkHook func()

	// CPUSet is the bitmask of CPUs this mm is currently resident on
	// (spec.md §4.3 step 6, §5 "per-CPU state"); the scheduler grows it via
	// AddCPU as tasks sharing this mm are scheduled onto new CPUs. A single
	// bit set means the mm is not shared, and no IPI broadcast is sent.
	CPUSet uint64

	ipi  *irq.IPIController
	cpus []*irq.CPU
}

// WireIPI attaches the interrupt core so HandleFault can broadcast the
// TLB-shootdown IPI of spec.md §4.3 step 6. Without it (e.g. under test)
// a fault that would otherwise shoot down other CPUs just skips the
// broadcast, matching Scheduler.WireIPI's same opt-in convention.
func (mm *MM) WireIPI(ctl *irq.IPIController, cpus []*irq.CPU) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.ipi = ctl
	mm.cpus = cpus
}

// AddCPU records that mm is now resident on cpuID, growing its CPU set
// (spec.md §4.3 step 6 "if the mm is shared across CPUs"). The scheduler
// calls this the first time it schedules a task owning mm onto cpuID.
func (mm *MM) AddCPU(cpuID int) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.CPUSet |= 1 << uint(cpuID)
}

// shootdownLocked broadcasts a single-address TLB invalidation for addr to
// every CPU in mm.CPUSet, once that set holds more than one CPU (spec.md
// §4.3 step 6).
// Called with mm.mu already held; IPIController.InvalidatePage blocks
// until every target acknowledges, per spec.md §9's completion-barrier
// decision, so the lock is held across the round trip deliberately.
func (mm *MM) shootdownLocked(addr uintptr) {
	if mm.ipi == nil || bits.OnesCount64(mm.CPUSet) <= 1 {
		return
	}
	var targets []*irq.CPU
	for i, cpu := range mm.cpus {
		if mm.CPUSet&(1<<uint(i)) != 0 {
			targets = append(targets, cpu)
		}
	}
	if len(targets) > 0 {
		mm.ipi.InvalidatePage(targets, addr)
	}
}

type pte struct {
	frame   pmm.PFN
	present bool
	perms   Prot
	cow     bool
	wasCOW  bool

	// owner is the PMM this frame was allocated from, when it differs from
	// mm.PMM — set by NUMA-aware allocation (fault.go) and migration
	// (numa.go). nil means "mm.PMM", the common case.
	owner *pmm.PMM
}

// framePMM returns the PMM that actually owns p.frame: p.owner if the page
// was placed on a non-default node, mm.PMM otherwise (spec.md §4.3 "NUMA").
func (mm *MM) framePMM(p pte) *pmm.PMM {
	if p.owner != nil {
		return p.owner
	}
	return mm.PMM
}

// CreateMM implements create_mm (spec.md §4.3).
func CreateMM(p *pmm.PMM) *MM {
	return &MM{
		vmas:    newVMASet(),
		PMM:     p,
		ptes:    make(map[uintptr]pte),
		SwapMap: make(map[uintptr]SwapEntry),
		refs:    1,
	}
}

// Ref/Unref implement the mm reference count shared across threads of a
// thread group (spec.md §3 "Address space" lifecycle, §9 "task holds
// strong ownership of its mm via a refcount").
func (mm *MM) Ref() int32 { return atomic.AddInt32(&mm.refs, 1) }

// Unref drops a reference and destroys the mm on the last drop
// (destroy_mm, spec.md §4.3).
func (mm *MM) Unref() {
	if atomic.AddInt32(&mm.refs, -1) == 0 {
		mm.destroy()
	}
}

func (mm *MM) destroy() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, v := range mm.vmas.sorted() {
		if v.Ops != nil && v.Ops.Close != nil {
			v.Ops.Close(v)
		}
	}
	for addr, p := range mm.ptes {
		if p.present {
			mm.framePMM(p).Frame(p.frame).Unref()
		}
		delete(mm.ptes, addr)
	}
}

// CreateVMA implements create_vma: insert in sorted position and merge
// adjacent VMAs sharing flags/file/contiguous offset (spec.md §4.3).
func (mm *MM) CreateVMA(start, size uintptr, prot Prot, mtype MType, ops *Ops, fileOffset uintptr) (*VMA, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	start = pageAlign(start)
	end := pageRoundUp(start + size)
	if end <= start {
		return nil, kerr.New("vmm.CreateVMA", kerr.InvalidArgument)
	}
	if mm.vmas.overlaps(start, end) {
		return nil, kerr.New("vmm.CreateVMA", kerr.AlreadyExists)
	}

	v := &VMA{Start: start, End: end, Prot: prot, Type: mtype, Ops: ops, FileOffset: fileOffset, mm: mm}
	mm.vmas.insert(v)
	mm.mergeAdjacentLocked(v)
	mm.TotalPages += int64(v.Len() / pageSize)
	if prot&Shared != 0 {
		mm.SharedPages += int64(v.Len() / pageSize)
	}
	if prot&ProtExec != 0 {
		mm.ExecPages += int64(v.Len() / pageSize)
	}
	if v.Ops != nil && v.Ops.Open != nil {
		v.Ops.Open(v)
	}
	return v, nil
}

// mergeAdjacentLocked coalesces v with its immediate predecessor/successor
// when they qualify per mergeable() (spec.md §4.3).
func (mm *MM) mergeAdjacentLocked(v *VMA) {
	list := mm.vmas.sorted()
	for i, cur := range list {
		if cur != v {
			continue
		}
		if i+1 < len(list) && mergeable(v, list[i+1]) {
			next := list[i+1]
			v.End = next.End
			mm.vmas.remove(next)
		}
		if i > 0 && mergeable(list[i-1], v) {
			prev := list[i-1]
			prev.End = v.End
			mm.vmas.remove(v)
			mm.vmas.insert(prev)
		}
		return
	}
}

// FindVMA implements find_vma (spec.md §4.3).
func (mm *MM) FindVMA(addr uintptr) (*VMA, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	v := mm.vmas.find(addr)
	return v, v != nil
}

// Munmap implements munmap: it may split a VMA into at most two
// remainders (spec.md §4.3).
func (mm *MM) Munmap(start, size uintptr) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	start = pageAlign(start)
	end := pageRoundUp(start + size)

	v := mm.vmas.find(start)
	if v == nil {
		return kerr.New("vmm.Munmap", kerr.NoEntry)
	}
	origStart, origEnd := v.Start, v.End
	mm.vmas.remove(v)
	mm.unmapRangeLocked(max(start, origStart), min(end, origEnd))

	if origStart < start {
		left := &VMA{Start: origStart, End: start, Prot: v.Prot, Type: v.Type, Ops: v.Ops, FileOffset: v.FileOffset, mm: mm}
		mm.vmas.insert(left)
	}
	if end < origEnd {
		right := &VMA{Start: end, End: origEnd, Prot: v.Prot, Type: v.Type, Ops: v.Ops, FileOffset: v.FileOffset + (end - origStart), mm: mm}
		mm.vmas.insert(right)
	}
	if v.Ops != nil && v.Ops.Close != nil {
		v.Ops.Close(v)
	}
	return nil
}

// Mprotect implements mprotect: it may split a VMA into at most three
// pieces (the protected middle plus up to two untouched remainders),
// spec.md §4.3.
func (mm *MM) Mprotect(start, size uintptr, prot Prot) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	start = pageAlign(start)
	end := pageRoundUp(start + size)

	v := mm.vmas.find(start)
	if v == nil {
		return kerr.New("vmm.Mprotect", kerr.NoEntry)
	}
	origStart, origEnd := v.Start, v.End
	mm.vmas.remove(v)

	if origStart < start {
		mm.vmas.insert(&VMA{Start: origStart, End: start, Prot: v.Prot, Type: v.Type, Ops: v.Ops, FileOffset: v.FileOffset, mm: mm})
	}
	midEnd := min(end, origEnd)
	mm.vmas.insert(&VMA{Start: max(start, origStart), End: midEnd, Prot: prot, Type: v.Type, Ops: v.Ops, FileOffset: v.FileOffset + (max(start, origStart) - origStart), mm: mm})
	if end < origEnd {
		mm.vmas.insert(&VMA{Start: end, End: origEnd, Prot: v.Prot, Type: v.Type, Ops: v.Ops, FileOffset: v.FileOffset + (end - origStart), mm: mm})
	}
	return nil
}

func (mm *MM) unmapRangeLocked(start, end uintptr) {
	for addr := start; addr < end; addr += pageSize {
		mm.unmapPageLocked(addr)
	}
}

// UnmapPage implements unmap_page (spec.md §4.3).
func (mm *MM) UnmapPage(addr uintptr) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.unmapPageLocked(addr)
}

func (mm *MM) unmapPageLocked(addr uintptr) {
	addr = pageAlign(addr)
	p, ok := mm.ptes[addr]
	if !ok || !p.present {
		return
	}
	owner := mm.framePMM(p)
	owner.Frame(p.frame).MapDown()
	if owner.Frame(p.frame).Unref() {
		owner.FreePages(p.frame, 0)
	}
	delete(mm.ptes, addr)
}

// MapPage implements map_page (spec.md §4.3): install a present PTE
// mapping addr to frame, bumping its refcount and mapcount.
func (mm *MM) MapPage(addr uintptr, frame pmm.PFN, prot Prot) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.mapPageLocked(addr, frame, prot, false)
}

func (mm *MM) mapPageLocked(addr uintptr, frame pmm.PFN, prot Prot, cow bool) {
	mm.mapPageOwnedLocked(addr, frame, prot, cow, nil)
}

// mapPageOwnedLocked is mapPageLocked generalized over the PMM that
// actually owns frame: owner is nil for the common case (frame came from
// mm.PMM) and non-nil when a NUMA-aware allocation or MigratePage placed
// the frame on a different node's PMM (spec.md §4.3 "NUMA"). The owner is
// recorded on the pte so every later lookup (unmap, COW, swap-out) frees
// and refcounts the frame against the PMM that actually allocated it,
// instead of always assuming mm.PMM.
func (mm *MM) mapPageOwnedLocked(addr uintptr, frame pmm.PFN, prot Prot, cow bool, owner *pmm.PMM) {
	addr = pageAlign(addr)
	if old, ok := mm.ptes[addr]; ok && old.present {
		oldOwner := mm.framePMM(old)
		oldOwner.Frame(old.frame).MapDown()
		if oldOwner.Frame(old.frame).Unref() {
			oldOwner.FreePages(old.frame, 0)
		}
	}
	ownerPMM := owner
	if ownerPMM == nil {
		ownerPMM = mm.PMM
	}
	ownerPMM.Frame(frame).Ref()
	ownerPMM.Frame(frame).MapUp()
	mm.ptes[addr] = pte{frame: frame, present: true, perms: prot, cow: cow, owner: owner}
}

// GetPage implements get_page (spec.md §4.3).
func (mm *MM) GetPage(addr uintptr) (pmm.PFN, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	p, ok := mm.ptes[pageAlign(addr)]
	if !ok || !p.present {
		return 0, false
	}
	return p.frame, true
}

// EvictCandidate returns the resident frame backing addr so internal/swap
// can write it out, without yet touching any mm state (spec.md §4.3
// "Swap path" step 1, "pick a victim").
func (mm *MM) EvictCandidate(addr uintptr) (pmm.PFN, Prot, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	p, ok := mm.ptes[pageAlign(addr)]
	if !ok || !p.present {
		return 0, 0, kerr.New("vmm.EvictCandidate", kerr.NoEntry)
	}
	return p.frame, p.perms, nil
}

// FinishSwapOut unmaps addr's PTE, drops the frame's reference (freeing it
// to the PMM if it was the last one), and records entry in SwapMap — the
// swap-out path's final step once the page has been written to its area
// (spec.md §4.3 "Swap path").
func (mm *MM) FinishSwapOut(addr uintptr, entry SwapEntry) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	pgaddr := pageAlign(addr)
	p, ok := mm.ptes[pgaddr]
	if !ok || !p.present {
		return kerr.New("vmm.FinishSwapOut", kerr.NoEntry)
	}
	owner := mm.framePMM(p)
	owner.Frame(p.frame).MapDown()
	if owner.Frame(p.frame).Unref() {
		owner.FreePages(p.frame, 0)
	}
	delete(mm.ptes, pgaddr)
	mm.SwapMap[pgaddr] = entry
	return nil
}

// PendingSwapIn reports the SwapEntry addr is parked behind, if any — the
// fault handler uses this to detect step 3 of handle_fault; internal/swap
// uses it to know what to read back.
func (mm *MM) PendingSwapIn(addr uintptr) (SwapEntry, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	e, ok := mm.SwapMap[pageAlign(addr)]
	return e, ok
}

// InstallSwappedIn completes a swap-in: it installs frame (already filled
// with the decompressed page) at addr's VMA permissions and clears the
// SwapMap entry (spec.md §4.3 "Swap path", swap-in leg).
func (mm *MM) InstallSwappedIn(addr uintptr, frame pmm.PFN) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	pgaddr := pageAlign(addr)
	if _, ok := mm.SwapMap[pgaddr]; !ok {
		return kerr.New("vmm.InstallSwappedIn", kerr.NoEntry)
	}
	v := mm.vmas.find(addr)
	if v == nil {
		return kerr.New("vmm.InstallSwappedIn", kerr.SegViolation)
	}
	delete(mm.SwapMap, pgaddr)
	mm.mapPageLocked(pgaddr, frame, v.Prot, false)
	return nil
}
