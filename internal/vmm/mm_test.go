package vmm

import (
	"testing"

	"kernelcore/internal/pmm"
)

func newTestMM(t *testing.T) *MM {
	t.Helper()
	p := pmm.New(1<<14, nil)
	return CreateMM(p)
}

func TestVMAListSortedNonOverlapping(t *testing.T) {
	mm := newTestMM(t)
	for i := 0; i < 8; i++ {
		start := uintptr(i * 0x10000)
		if _, err := mm.CreateVMA(start, 0x1000, ProtRead, Anon, nil, 0); err != nil {
			t.Fatalf("CreateVMA %d: %v", i, err)
		}
	}
	if !mm.vmas.checkSortedNonOverlapping() {
		t.Fatal("VMA list is not sorted/non-overlapping")
	}
}

func TestCreateVMAMergesAdjacent(t *testing.T) {
	mm := newTestMM(t)
	if _, err := mm.CreateVMA(0x1000, 0x1000, ProtRead|ProtWrite, Anon, nil, 0); err != nil {
		t.Fatalf("CreateVMA 1: %v", err)
	}
	if _, err := mm.CreateVMA(0x2000, 0x1000, ProtRead|ProtWrite, Anon, nil, 0); err != nil {
		t.Fatalf("CreateVMA 2: %v", err)
	}
	list := mm.vmas.sorted()
	if len(list) != 1 {
		t.Fatalf("expected adjacent identical VMAs to merge into 1, got %d", len(list))
	}
	if list[0].Start != 0x1000 || list[0].End != 0x3000 {
		t.Fatalf("unexpected merged range [%x, %x)", list[0].Start, list[0].End)
	}
}

func TestCreateVMARejectsOverlap(t *testing.T) {
	mm := newTestMM(t)
	if _, err := mm.CreateVMA(0x1000, 0x2000, ProtRead, Anon, nil, 0); err != nil {
		t.Fatalf("CreateVMA: %v", err)
	}
	if _, err := mm.CreateVMA(0x1800, 0x1000, ProtRead, Anon, nil, 0); err == nil {
		t.Fatal("expected overlapping CreateVMA to fail")
	}
}

func TestMunmapSplitsVMA(t *testing.T) {
	mm := newTestMM(t)
	if _, err := mm.CreateVMA(0, 0x4000, ProtRead|ProtWrite, Anon, nil, 0); err != nil {
		t.Fatalf("CreateVMA: %v", err)
	}
	if err := mm.Munmap(0x1000, 0x1000); err != nil {
		t.Fatalf("Munmap: %v", err)
	}
	list := mm.vmas.sorted()
	if len(list) != 2 {
		t.Fatalf("expected munmap to leave 2 remainders, got %d", len(list))
	}
	if !mm.vmas.checkSortedNonOverlapping() {
		t.Fatal("VMA list invariant broken after munmap")
	}
}

func TestFindVMA(t *testing.T) {
	mm := newTestMM(t)
	v, _ := mm.CreateVMA(0x5000, 0x1000, ProtRead, Anon, nil, 0)
	found, ok := mm.FindVMA(0x5050)
	if !ok || found != v {
		t.Fatalf("expected to find VMA at 0x5050")
	}
	if _, ok := mm.FindVMA(0x9000); ok {
		t.Fatal("expected no VMA at unmapped address")
	}
}
