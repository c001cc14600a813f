package vmm

import (
	"kernelcore/internal/kerr"
	"kernelcore/internal/pmm"
)

// ErrorCode is the fault error-code bitset delivered to handle_fault
// (spec.md §6 "Fault error-code bits").
type ErrorCode uint32

const (
	ECPresent ErrorCode = 1 << 0
	ECWrite   ErrorCode = 1 << 1
	ECUser    ErrorCode = 1 << 2
	ECInstr   ErrorCode = 1 << 4
)

// HandleFault implements handle_fault (spec.md §4.3 "Page fault
// resolution"), steps 1-6. On a fresh mapping or a COW resolution it
// sends the step-6 TLB-shootdown broadcast itself (via shootdownLocked)
// and reports true; it reports false when no PTE changed.
func (mm *MM) HandleFault(addr uintptr, ec ErrorCode) (shootdown bool, err error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	v := mm.vmas.find(addr)
	if v == nil {
		return false, kerr.New("vmm.HandleFault", kerr.SegViolation)
	}

	write := ec&ECWrite != 0
	if write && v.Prot&ProtWrite == 0 {
		return false, kerr.New("vmm.HandleFault", kerr.SegViolation)
	}
	if ec&ECInstr != 0 && v.Prot&ProtExec == 0 {
		return false, kerr.New("vmm.HandleFault", kerr.SegViolation)
	}

	pgaddr := pageAlign(addr)

	// Step 3: swapped PTE takes the swap-in path. internal/swap drives
	// this through MM.InstallSwappedIn once it has decompressed the page;
	// the fault handler here only detects the condition.
	if _, swapped := mm.SwapMap[pgaddr]; swapped {
		return false, kerr.New("vmm.HandleFault", kerr.WouldBlock)
	}

	existing, present := mm.ptes[pgaddr]

	// Step 5: COW.
	if present && existing.present && write && existing.cow {
		return mm.resolveCOWLocked(pgaddr, existing, v)
	}

	if present && existing.present {
		// Racing fault already resolved by another thread.
		return false, nil
	}

	// Step 4: absent PTE — file-backed fault or anonymous zero-fill.
	var frame pmm.PFN
	var owner *pmm.PMM // nil means mm.PMM, the common (non-NUMA) case
	switch v.Type {
	case File:
		if v.Ops == nil || v.Ops.Fault == nil {
			return false, kerr.New("vmm.HandleFault", kerr.NotSupported)
		}
		f, err := v.Ops.Fault(v, pgaddr)
		if err != nil {
			return false, err
		}
		frame = f
	default:
		targetPMM := mm.PMM
		if mm.Topology != nil {
			if n := mm.Topology.Pick(mm.NUMAPolicy, mm.NUMAHint); n != nil {
				targetPMM = n.PMM
			}
		}
		f, err := targetPMM.AllocPages(0, pmm.AllocFlags{Zone: pmm.Normal, Zero: true})
		if err != nil {
			f, err = mm.retryAfterShrink(err)
			if err != nil {
				return false, err
			}
			targetPMM = mm.PMM // retryAfterShrink always allocates from mm.PMM
		}
		frame = f
		if targetPMM != mm.PMM {
			owner = targetPMM
		}
	}

	cow := v.Type != SharedAnon && v.Prot&MayWrite != 0 && v.Prot&Shared == 0
	mm.mapPageOwnedLocked(pgaddr, frame, v.Prot, cow && !write, owner)
	mm.shootdownLocked(pgaddr)
	return true, nil
}

// resolveCOWLocked implements the copy-on-write fast path and slow path of
// spec.md §4.3 step 5 and the biscuit-grounded single-reference claim
// optimization in vm/as.go's Sys_pgfault.
func (mm *MM) resolveCOWLocked(pgaddr uintptr, existing pte, v *VMA) (bool, error) {
	srcPMM := mm.framePMM(existing)
	src := srcPMM.Frame(existing.frame)
	if src.RefCount == 1 {
		// Sole owner: claim the page in place instead of copying.
		existing.cow = false
		existing.wasCOW = true
		mm.ptes[pgaddr] = existing
		mm.shootdownLocked(pgaddr)
		return true, nil
	}

	newFrame, err := mm.PMM.AllocPages(0, pmm.AllocFlags{Zone: pmm.Normal})
	if err != nil {
		newFrame, err = mm.retryAfterShrink(err)
		if err != nil {
			return false, err
		}
	}
	copyFrame(srcPMM, mm.PMM, existing.frame, newFrame)

	srcPMM.Frame(existing.frame).MapDown()
	if srcPMM.Frame(existing.frame).Unref() {
		srcPMM.FreePages(existing.frame, 0)
	}
	mm.PMM.Frame(newFrame).Ref()
	mm.PMM.Frame(newFrame).MapUp()
	mm.ptes[pgaddr] = pte{frame: newFrame, present: true, perms: v.Prot, cow: false, wasCOW: true}
	mm.shootdownLocked(pgaddr)
	return true, nil
}

// copyFrame copies one frame's contents to another, possibly across two
// distinct PMMs (spec.md §4.3 "NUMA": a COW source or migration source
// page may live in a different PMM's frame table than the destination).
// The simulated core does not model physical byte storage directly on
// Frame (spec.md treats frame content as opaque to the core); callers
// that need real data movement attach it via Frame.Private, which this
// helper propagates.
func copyFrame(srcPMM, dstPMM *pmm.PMM, src, dst pmm.PFN) {
	s := srcPMM.Frame(src)
	d := dstPMM.Frame(dst)
	if bytes, ok := s.Private.([]byte); ok {
		cp := make([]byte, len(bytes))
		copy(cp, bytes)
		d.Private = cp
	}
}

// retryAfterShrink implements spec.md §4.3's "ENOMEM from the PMM is
// retried once after a best-effort cache_shrink sweep before surfacing."
// The shrink sweep itself is whatever the caller wired into ShrinkHook.
// With a hook set, it runs the hook and retries one order-0 allocation
// from mm.PMM; with no hook it does not retry and returns orig wrapped as
// NoMemory.
func (mm *MM) retryAfterShrink(orig error) (pmm.PFN, error) {
	if mm.ShrinkHook != nil {
		mm.ShrinkHook()
		if f, err := mm.PMM.AllocPages(0, pmm.AllocFlags{Zone: pmm.Normal, Zero: true}); err == nil {
			return f, nil
		}
	}
	return 0, kerr.Wrap("vmm.retryAfterShrink", kerr.NoMemory, orig)
}
