package vmm

import (
	"testing"

	"kernelcore/internal/pmm"
)

// TestMigratePageLeavesOtherMappingsResolvable reproduces the bug of
// mm.PMM being globally reassigned after migrating a single page: with
// two resident pages, migrating one to a second PMM must not corrupt
// lookups for the other, still-resident-on-the-original-PMM page.
func TestMigratePageLeavesOtherMappingsResolvable(t *testing.T) {
	srcPMM := pmm.New(1<<14, nil)
	dstPMM := pmm.New(1<<14, nil)
	mm := CreateMM(srcPMM)

	const migratedAddr = 0x60000
	const untouchedAddr = 0x61000
	if _, err := mm.CreateVMA(migratedAddr, pmm.PageSize, ProtRead|ProtWrite, Anon, nil, 0); err != nil {
		t.Fatalf("CreateVMA migrated: %v", err)
	}
	if _, err := mm.CreateVMA(untouchedAddr, pmm.PageSize, ProtRead|ProtWrite, Anon, nil, 0); err != nil {
		t.Fatalf("CreateVMA untouched: %v", err)
	}
	if _, err := mm.HandleFault(migratedAddr, ECUser|ECWrite); err != nil {
		t.Fatalf("HandleFault migrated: %v", err)
	}
	if _, err := mm.HandleFault(untouchedAddr, ECUser|ECWrite); err != nil {
		t.Fatalf("HandleFault untouched: %v", err)
	}

	untouchedFrame, ok := mm.GetPage(untouchedAddr)
	if !ok {
		t.Fatal("expected untouched page to be resident before migration")
	}

	node := &Node{ID: 1, PMM: dstPMM}
	if err := mm.MigratePage(migratedAddr, node); err != nil {
		t.Fatalf("MigratePage: %v", err)
	}

	if mm.PMM != srcPMM {
		t.Fatal("MigratePage must not reassign the mm's default PMM")
	}

	// The untouched page's PFN must still resolve against srcPMM: if
	// MigratePage had clobbered mm.PMM, this would now index into the
	// wrong frame table.
	stillFrame, ok := mm.GetPage(untouchedAddr)
	if !ok || stillFrame != untouchedFrame {
		t.Fatalf("untouched mapping changed after migrating an unrelated page: got %v/%v, want %v/true", stillFrame, ok, untouchedFrame)
	}
	if srcPMM.Frame(untouchedFrame).RefCount != 1 {
		t.Fatalf("untouched frame's refcount on its real owner PMM should be untouched, got %d", srcPMM.Frame(untouchedFrame).RefCount)
	}

	// The migrated page must now resolve through the target PMM's frame
	// table via a fresh unmap, without touching srcPMM's accounting for
	// the untouched page.
	mm.UnmapPage(migratedAddr)
	if _, ok := mm.GetPage(migratedAddr); ok {
		t.Fatal("expected migrated page to be unmapped")
	}
	if srcPMM.Frame(untouchedFrame).RefCount != 1 {
		t.Fatal("unmapping the migrated page must not affect the untouched page's frame on srcPMM")
	}
}
