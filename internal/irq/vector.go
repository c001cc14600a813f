// Package irq implements the interrupt core: a 256-entry vector table,
// nested-dispatch accounting, chained handlers, EOI sequencing, a
// deferred-work queue, and the IPI vectors the scheduler and VMM rely on
// for cross-CPU coordination (spec.md §4.5).
//
// Grounded on gopheros-gopher-os/kernel/irq's Frame/Regs/handler-chain
// idiom (interrupt_amd64.go, handler_amd64.go) for the vector/handler
// shape, and biscuit/src/circbuf/circbuf.go's bounded-ring structuring
// for the deferred-work queue.
package irq

import (
	"sync"
	"sync/atomic"

	"kernelcore/internal/kerr"
	"kernelcore/internal/kpanic"
)

// NumVectors is the size of the vector table (spec.md §4.5).
const NumVectors = 256

// Boundaries between exception, hardware-IRQ, and software/IPI ranges.
const (
	FirstException = 0
	LastException  = 31
	FirstHWIRQ     = 32
	LastHWIRQ      = 47
	FirstSoftware  = 48
)

// Frame is the CPU-pushed exception frame; Regs is the general-purpose
// register snapshot. Both are grounded directly on gopher-os's irq.Frame
// / irq.Regs, since this core models the same dispatch contract.
type Frame struct {
	RIP, CS, RFlags, RSP, SS uint64
}

type Regs struct {
	RAX, RBX, RCX, RDX, RSI, RDI, RBP uint64
	R8, R9, R10, R11, R12, R13, R14, R15 uint64
}

// Handler is invoked with the vector number, a coarse register/frame
// snapshot (both may be nil for software vectors/IPIs that are not tied
// to a real trap frame), and any error code the CPU pushed.
type Handler func(vector int, f *Frame, r *Regs, errCode uint64)

// Handle identifies one registered handler for Unregister.
type Handle uint64

type chainEntry struct {
	handle Handle
	fn     Handler
}

// Descriptor is per-vector state (spec.md §3 "Interrupt descriptor").
type Descriptor struct {
	chain      []chainEntry
	depth      int32 // enable/disable nesting; 0 == hardware-enabled
	priority   int
	controller *Controller
}

// Controller is the back-pointer to the interrupt controller (PIC/APIC
// stand-in) a hardware-IRQ descriptor uses to send EOI.
type Controller struct {
	// SendEOI acknowledges vector on this controller. slave is true when
	// the controller is the slave PIC (vectors >= 40, spec.md §4.5).
	SendEOI func(vector int, slave bool)
}

// Table owns the full vector table and the nesting-level state machine
// (spec.md §3 "Interrupt descriptor", §4.5).
type Table struct {
	mu          sync.Mutex
	descriptors [NumVectors]*Descriptor
	nesting     int32
	nextHandle  uint64

	deferred *deferredQueue
}

// NewTable builds an empty vector table with ctrl as every hardware-IRQ
// descriptor's controller.
func NewTable(ctrl *Controller) *Table {
	t := &Table{deferred: newDeferredQueue()}
	for v := range t.descriptors {
		d := &Descriptor{}
		if v >= FirstHWIRQ && v <= LastHWIRQ {
			d.controller = ctrl
		}
		t.descriptors[v] = d
	}
	return t
}

// Nesting reports the current interrupt-nesting depth (spec.md §8
// testable property 7: nesting_level >= 0 always).
func (t *Table) Nesting() int32 { return atomic.LoadInt32(&t.nesting) }

// RegisterHandler prepends fn to vector's chain (spec.md §3 "Interrupt
// descriptor": handler chain is singly linked, newest at the head).
// Dispatch walks the stored chain tail-to-head so handlers still run in
// registration order — the most recently registered one runs last, per
// spec.md §4.5's ordering guarantee.
func (t *Table) RegisterHandler(vector int, fn Handler) (Handle, error) {
	if vector < 0 || vector >= NumVectors {
		return 0, kerr.New("irq.RegisterHandler", kerr.InvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextHandle++
	h := Handle(t.nextHandle)
	d := t.descriptors[vector]
	d.chain = append([]chainEntry{{h, fn}}, d.chain...)
	return h, nil
}

// UnregisterHandler removes the handler identified by h from vector's
// chain.
func (t *Table) UnregisterHandler(vector int, h Handle) error {
	if vector < 0 || vector >= NumVectors {
		return kerr.New("irq.UnregisterHandler", kerr.InvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.descriptors[vector]
	for i, e := range d.chain {
		if e.handle == h {
			d.chain = append(d.chain[:i], d.chain[i+1:]...)
			return nil
		}
	}
	return kerr.New("irq.UnregisterHandler", kerr.NoEntry)
}

// Dispatch runs vector's handler chain, implementing the nested-dispatch
// state machine of spec.md §4.5.
func (t *Table) Dispatch(vector int, f *Frame, r *Regs, errCode uint64) {
	if vector < 0 || vector >= NumVectors {
		panic("irq: dispatch of out-of-range vector")
	}
	atomic.AddInt32(&t.nesting, 1)
	defer t.leave()

	t.mu.Lock()
	d := t.descriptors[vector]
	chain := append([]chainEntry(nil), d.chain...)
	ctrl := d.controller
	t.mu.Unlock()

	switch {
	case vector <= LastException:
		if len(chain) == 0 {
			kpanic.UnhandledException(vector, exceptionName(vector))
			return
		}
	case vector <= LastHWIRQ:
		if ctrl != nil && ctrl.SendEOI != nil {
			if vector >= 40 {
				ctrl.SendEOI(vector, true)
			}
			ctrl.SendEOI(vector, false)
		}
		// Spurious IRQ: empty chain is silently acknowledged.
	}

	// Interrupts are re-enabled (conceptually) while running non-exception
	// handler chains so higher-priority vectors can nest; this simulated
	// core has no real IF flag, so that step is a no-op here beyond the
	// nesting counter already tracking depth.
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].fn(vector, f, r, errCode)
	}
}

func (t *Table) leave() {
	if atomic.AddInt32(&t.nesting, -1) == 0 {
		t.deferred.drainAll()
	}
}

// QueueDeferred enqueues work to run once the outermost interrupt returns
// (spec.md §3 "Deferred work item", §4.5).
func (t *Table) QueueDeferred(fn func(data any), data any) {
	t.deferred.push(deferredItem{fn: fn, data: data})
	if atomic.LoadInt32(&t.nesting) == 0 {
		t.deferred.drainAll()
	}
}

func exceptionName(vector int) string {
	names := map[int]string{
		0: "divide-error", 1: "debug", 2: "nmi", 3: "breakpoint",
		4: "overflow", 5: "bound-range", 6: "invalid-opcode",
		7: "device-not-available", 8: "double-fault", 10: "invalid-tss",
		11: "segment-not-present", 12: "stack-fault", 13: "general-protection",
		14: "page-fault", 16: "x87-fp", 17: "alignment-check",
		18: "machine-check", 19: "simd-fp",
	}
	if n, ok := names[vector]; ok {
		return n
	}
	return "reserved-exception"
}
