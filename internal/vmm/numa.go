package vmm

import (
	"sync"

	"kernelcore/internal/kerr"
	"kernelcore/internal/pmm"
)

// NodePolicy selects how NUMA-aware allocation picks a node, per spec.md
// §4.3 "NUMA".
type NodePolicy int

const (
	NodeLocal NodePolicy = iota
	NodeInterleave
	NodePreferred
)

// Node is a NUMA node's share of physical memory; the core models it as
// its own *pmm.PMM (a separate frame table with its own zones) rather than
// a distinct memory controller, since the PMM itself is
// architecture-agnostic (spec.md §1 Non-goals).
type Node struct {
	ID  int
	PMM *pmm.PMM
}

// MigratePage moves a resident page from its current node to target:
// allocate on the target, copy, rewrite the PTE, free the source frame —
// all under the mm write lock (spec.md §4.3 "Migration"). Only the
// migrated page's own pte records the new owner (via mapPageOwnedLocked);
// every other page already resident in mm keeps resolving against
// whatever PMM it was actually allocated from (mm.PMM or another node's),
// since PFNs are only valid as indices into the specific *pmm.PMM that
// allocated them — reassigning mm.PMM wholesale would break every
// untouched mapping.
func (mm *MM) MigratePage(addr uintptr, target *Node) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	pgaddr := pageAlign(addr)
	p, ok := mm.ptes[pgaddr]
	if !ok || !p.present {
		return kerr.New("vmm.MigratePage", kerr.NoEntry)
	}
	srcPMM := mm.framePMM(p)

	newFrame, err := target.PMM.AllocPages(0, pmm.AllocFlags{Zone: pmm.Normal})
	if err != nil {
		return kerr.Wrap("vmm.MigratePage", kerr.NoMemory, err)
	}
	copyFrame(srcPMM, target.PMM, p.frame, newFrame)

	// mapPageOwnedLocked replaces the existing pte, dropping the source
	// frame's reference (via mm.framePMM(old), i.e. srcPMM) and freeing it
	// to srcPMM if that was the last reference — do not also unref it here.
	var owner *pmm.PMM
	if target.PMM != mm.PMM {
		owner = target.PMM
	}
	mm.mapPageOwnedLocked(pgaddr, newFrame, p.perms, p.cow, owner)
	return nil
}

// pickNode selects a node for a fresh allocation according to policy.
// Interleave round-robins across nodes; local/preferred both pick the
// node whose ID equals hint, falling back to nodes[0] when none does.
// Node capacity is not checked.
func pickNode(nodes []*Node, policy NodePolicy, hint int, counter *int) *Node {
	if len(nodes) == 0 {
		return nil
	}
	switch policy {
	case NodeInterleave:
		n := nodes[*counter%len(nodes)]
		*counter++
		return n
	default:
		for _, n := range nodes {
			if n.ID == hint {
				return n
			}
		}
		return nodes[0]
	}
}

// Topology is the set of NUMA nodes an mm can allocate fresh anonymous
// pages across (spec.md §4.3 "NUMA... VMM allocations honor the current
// policy"). A nil *Topology on an MM means "no NUMA awareness": fall back
// to mm.PMM directly.
type Topology struct {
	mu      sync.Mutex
	Nodes   []*Node
	counter int
	hint    int
}

func NewTopology(nodes []*Node) *Topology {
	return &Topology{Nodes: nodes}
}

// Pick selects a node per policy, using hint as the preferred/local node
// id.
func (tp *Topology) Pick(policy NodePolicy, hint int) *Node {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return pickNode(tp.Nodes, policy, hint, &tp.counter)
}
