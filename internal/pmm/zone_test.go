package pmm

import (
	"testing"

	"kernelcore/internal/kerr"
)

func TestBuddySplitMerge(t *testing.T) {
	// One zone's worth of order-10 blocks, nothing reserved: the scenario
	// from spec.md §8 "Buddy split/merge". Must exceed the DMA zone's
	// 4096-page span so the NORMAL zone under test actually has frames.
	p := New(1<<17, nil)

	a, err := p.AllocPages(0, AllocFlags{Zone: Normal})
	if err != nil {
		t.Fatalf("alloc 1: %v", err)
	}
	b, err := p.AllocPages(0, AllocFlags{Zone: Normal})
	if err != nil {
		t.Fatalf("alloc 2: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct frames, got %d twice", a)
	}

	_, _, _, allocatedBefore := p.Stats()
	if allocatedBefore < 2 {
		t.Fatalf("expected at least 2 allocated pages, got %d", allocatedBefore)
	}

	p.FreePages(a, 0)
	p.FreePages(b, 0)

	z := p.zones[Normal]
	z.mu.Lock()
	defer z.mu.Unlock()
	for o := 0; o < MaxOrder; o++ {
		if z.freeCount[o] != 0 {
			t.Fatalf("order %d free list non-empty after merge: %d", o, z.freeCount[o])
		}
	}
	if z.freeCount[MaxOrder] == 0 {
		t.Fatalf("expected the top order to hold the merged block")
	}
}

func TestAllocFreeIsNop(t *testing.T) {
	// spec.md §8 property 3: free(alloc(order)) is a nop on PMM state.
	p := New(1<<17, nil)
	before := snapshotFreeCounts(p)

	pfn, err := p.AllocPages(3, AllocFlags{Zone: Normal})
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	p.FreePages(pfn, 3)

	after := snapshotFreeCounts(p)
	if before != after {
		t.Fatalf("state diverged: before=%v after=%v", before, after)
	}
}

func snapshotFreeCounts(p *PMM) [numZoneKinds][MaxOrder + 1]int {
	var out [numZoneKinds][MaxOrder + 1]int
	for i, z := range p.zones {
		z.mu.Lock()
		out[i] = z.freeCount
		z.mu.Unlock()
	}
	return out
}

func TestExhaustionReturnsNoMemory(t *testing.T) {
	p := New(4, nil) // tiny zone set, exhausts quickly
	for {
		if _, err := p.AllocPages(0, AllocFlags{Zone: Normal}); err != nil {
			if !kerr.Is(err, kerr.NoMemory) {
				t.Fatalf("unexpected error: %v", err)
			}
			return
		}
	}
}

func TestFreeOfNonBuddyHeadPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing a non-buddy-head frame")
		}
	}()
	p := New(1<<10, nil)
	pfn, err := p.AllocPages(2, AllocFlags{Zone: Normal})
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	p.FreePages(pfn+1, 2) // not a valid buddy head
}
