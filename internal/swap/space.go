package swap

import (
	"golang.org/x/sync/errgroup"

	"kernelcore/internal/kerr"
	"kernelcore/internal/klog"
	"kernelcore/internal/pmm"
	"kernelcore/internal/vmm"
)

// SwapSpace is the kernel core's swap subsystem: a set of backing areas
// picked round-robin, a pluggable compressor, and the out/in paths of
// spec.md §4.3 "Swap path".
type SwapSpace struct {
	areas      []*Area
	next       int
	compressor Compressor
	algo       Algorithm
}

// New builds a SwapSpace over areas using algo for compression.
func New(areas []*Area, algo Algorithm) *SwapSpace {
	return &SwapSpace{areas: areas, compressor: NewCompressor(algo), algo: algo}
}

// SetAlgorithm swaps the active compressor, used by the pressure monitor's
// auto-escalation (spec.md §4.3 "Policies").
func (s *SwapSpace) SetAlgorithm(algo Algorithm) {
	s.algo = algo
	s.compressor = NewCompressor(algo)
}

func (s *SwapSpace) Algorithm() Algorithm { return s.algo }

// pickArea round-robins across areas looking for one with a free slot
// (spec.md §4.3 "area allocation: round-robin across registered areas").
func (s *SwapSpace) pickArea() (int, *Area, int, bool) {
	if len(s.areas) == 0 {
		return 0, nil, 0, false
	}
	for i := 0; i < len(s.areas); i++ {
		idx := (s.next + i) % len(s.areas)
		if slot, ok := s.areas[idx].allocSlot(); ok {
			s.next = (idx + 1) % len(s.areas)
			return idx, s.areas[idx], slot, true
		}
	}
	return 0, nil, 0, false
}

// SwapOut evicts the resident page at addr in mm: compress it (falling
// back to an uncompressed slot if the compressed form would not fit),
// write it to a round-robin area, and replace the PTE with a swap entry
// (spec.md §4.3 "Swap path", swap-out leg).
func (s *SwapSpace) SwapOut(mm *vmm.MM, addr uintptr) error {
	frame, _, err := mm.EvictCandidate(addr)
	if err != nil {
		return err
	}
	areaIdx, area, slot, ok := s.pickArea()
	if !ok {
		return kerr.New("swap.SwapOut", kerr.NoMemory)
	}

	page := framePage(mm.PMM, frame)
	payload, err := s.compressor.Compress(page)
	if err != nil || len(payload)+headerSize > pmm.PageSize {
		payload = page // fallback: store raw, always fits (spec.md open question: never overrun the slot)
	}
	if err := area.writeSlot(slot, payload); err != nil {
		area.freeSlot(slot)
		return err
	}

	entry := vmm.MakeSwapEntry(uint8(areaIdx), uint32(slot))
	if err := mm.FinishSwapOut(addr, entry); err != nil {
		area.freeSlot(slot)
		return err
	}
	klog.For("swap").Debugf("swapped out addr=%#x area=%d slot=%d algo=%s", addr, areaIdx, slot, s.algo)
	return nil
}

// SwapIn reads back the page parked behind addr's SwapEntry, decompresses
// it into a freshly allocated frame, installs the PTE, and releases the
// swap slot (spec.md §4.3 "Swap path", swap-in leg).
func (s *SwapSpace) SwapIn(mm *vmm.MM, addr uintptr) error {
	entry, ok := mm.PendingSwapIn(addr)
	if !ok {
		return kerr.New("swap.SwapIn", kerr.NoEntry)
	}
	area := s.areas[entry.Area()]
	slot := int(entry.Index())

	raw, err := area.readSlot(slot)
	if err != nil {
		return err
	}
	var page []byte
	if len(raw) == pmm.PageSize {
		page = raw
	} else {
		page, err = s.compressor.Decompress(raw, pmm.PageSize)
		if err != nil {
			return err
		}
	}

	frame, err := mm.PMM.AllocPages(0, pmm.AllocFlags{Zone: pmm.Normal})
	if err != nil {
		return kerr.Wrap("swap.SwapIn", kerr.NoMemory, err)
	}
	mm.PMM.Frame(frame).Private = page

	if err := mm.InstallSwappedIn(addr, frame); err != nil {
		mm.PMM.FreePages(frame, 0)
		return err
	}
	area.freeSlot(slot)
	klog.For("swap").Debugf("swapped in addr=%#x area=%d slot=%d", addr, entry.Area(), slot)

	// Opportunistically pull in neighboring swapped-out pages (spec.md
	// §4.3 swap-in leg: "prefetch up to four neighboring pages whose swap
	// entries are present"). Run off the faulting goroutine: prefetch is a
	// hint the caller never waits on, and Prefetch already swallows every
	// per-page error.
	go s.Prefetch(mm, addr, prefetchWindow)
	return nil
}

// prefetchWindow is the neighboring-page count spec.md §4.3 names for the
// swap-in leg's opportunistic prefetch.
const prefetchWindow = 4

// Prefetch reads up to windowPages neighboring swapped-out pages of addr
// back in concurrently, bounded by an errgroup (spec.md §4.3 "prefetch
// window"). Faults for pages that are not actually swapped out, or that
// fail, are swallowed — prefetch is a hint, not a requirement.
func (s *SwapSpace) Prefetch(mm *vmm.MM, addr uintptr, windowPages int) error {
	var g errgroup.Group
	for i := 1; i <= windowPages; i++ {
		off := uintptr(i) * pmm.PageSize
		g.Go(func() error {
			if _, ok := mm.PendingSwapIn(addr + off); !ok {
				return nil
			}
			_ = s.SwapIn(mm, addr+off)
			return nil
		})
	}
	return g.Wait()
}

// framePage returns the frame's attached byte contents, or a zero page if
// none is attached (spec.md treats frame content as opaque to the core;
// see internal/vmm/fault.go's copyFrame for the same convention).
func framePage(p *pmm.PMM, frame pmm.PFN) []byte {
	if b, ok := p.Frame(frame).Private.([]byte); ok {
		out := make([]byte, pmm.PageSize)
		copy(out, b)
		return out
	}
	return make([]byte, pmm.PageSize)
}
