// Package vmm implements the virtual memory manager: per-address-space
// VMA lists, demand paging, page-fault resolution, and copy-on-write.
//
// Grounded directly on biscuit/src/vm/as.go (Vm_t, Sys_pgfault,
// Page_insert, the COW claim-on-single-reference fast path) and
// vm/userbuf.go (user-space copy helpers), per spec.md §4.3.
package vmm

import (
	"sort"

	"github.com/google/btree"

	"kernelcore/internal/pmm"
)

// Prot is the VMA protection/sharing bitset (spec.md §3 "VMA").
type Prot uint32

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
	Shared
	MayWrite
)

// MType distinguishes an anonymous mapping from a file-backed one.
type MType int

const (
	Anon MType = iota
	File
	SharedAnon
)

// Ops is the capability set a file-backed VMA may implement (spec.md §9
// "ad-hoc C vtables -> capability sets"). A nil Ops means "not supported",
// never a null-pointer dispatch.
type Ops struct {
	Fault       func(vma *VMA, addr uintptr) (pmm.PFN, error)
	Open        func(vma *VMA)
	Close       func(vma *VMA)
	PageMkwrite func(vma *VMA, addr uintptr) error
}

// VMA is a half-open virtual address range (spec.md §3 "VMA").
type VMA struct {
	Start, End uintptr // [Start, End), page-aligned
	Prot       Prot
	Type       MType
	FileOffset uintptr
	Ops        *Ops

	mm *MM // weak back-reference, valid only while mm's lock is held
}

func (v *VMA) Len() uintptr { return v.End - v.Start }

// btreeItem adapts *VMA to google/btree's Item, ordering by Start. This
// replaces biscuit's Vmregion_t linear scan with an O(log n) ordered set
// while preserving the same sorted/non-overlapping contract (spec.md
// §4.3).
type btreeItem struct{ vma *VMA }

func (a btreeItem) Less(than btree.Item) bool {
	b := than.(btreeItem)
	return a.vma.Start < b.vma.Start
}

// vmaSet is the ordered collection of VMAs for one MM.
type vmaSet struct {
	tree *btree.BTree
}

func newVMASet() *vmaSet {
	return &vmaSet{tree: btree.New(32)}
}

func (s *vmaSet) insert(v *VMA) {
	s.tree.ReplaceOrInsert(btreeItem{v})
}

func (s *vmaSet) remove(v *VMA) {
	s.tree.Delete(btreeItem{v})
}

// find returns the VMA containing addr, if any (spec.md §4.3 find_vma).
func (s *vmaSet) find(addr uintptr) *VMA {
	var found *VMA
	// AscendLessThan(start > addr) would overshoot; instead walk
	// descending from the first item whose Start <= addr.
	s.tree.DescendLessOrEqual(btreeItem{&VMA{Start: addr}}, func(i btree.Item) bool {
		v := i.(btreeItem).vma
		if addr >= v.Start && addr < v.End {
			found = v
		}
		return false
	})
	return found
}

// overlaps reports whether any VMA intersects [start, end).
func (s *vmaSet) overlaps(start, end uintptr) bool {
	overlap := false
	s.tree.AscendRange(btreeItem{&VMA{Start: 0}}, btreeItem{&VMA{Start: end}}, func(i btree.Item) bool {
		v := i.(btreeItem).vma
		if v.Start < end && start < v.End {
			overlap = true
			return false
		}
		return true
	})
	return overlap
}

// sorted returns every VMA in ascending Start order, used by invariant
// checks and by merge-adjacent logic.
func (s *vmaSet) sorted() []*VMA {
	out := make([]*VMA, 0, s.tree.Len())
	s.tree.Ascend(func(i btree.Item) bool {
		out = append(out, i.(btreeItem).vma)
		return true
	})
	return out
}

// checkSortedNonOverlapping verifies spec.md §8 property 4. Exposed for
// tests; not called on any hot path.
func (s *vmaSet) checkSortedNonOverlapping() bool {
	list := s.sorted()
	sorted := sort.SliceIsSorted(list, func(i, j int) bool { return list[i].Start < list[j].Start })
	if !sorted {
		return false
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].End > list[i].Start {
			return false
		}
	}
	return true
}

// mergeable reports whether a and b (a immediately before b) share flags,
// file, and contiguous offsets, the merge condition spec.md §4.3 names for
// create_vma.
func mergeable(a, b *VMA) bool {
	if a.End != b.Start || a.Prot != b.Prot || a.Type != b.Type {
		return false
	}
	if a.Type == File {
		return a.FileOffset+a.Len() == b.FileOffset
	}
	return true
}
