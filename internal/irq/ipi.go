package irq

import "sync"

// IPI vector layout: base vector B (software range) plus five offsets
// (spec.md §6 "IPI vector layout").
const (
	IPIBase = 0xF0

	IPICallFunction  = IPIBase + 0
	IPIReschedule    = IPIBase + 1
	IPIStop          = IPIBase + 2
	IPIInvalidateTLB = IPIBase + 3
	IPIInvalidatePage = IPIBase + 4
)

// CPU is the minimal per-CPU handle the IPI layer addresses; a real
// kernel's CPU struct would carry far more (run queue, APIC id, NUMA
// node), but the interrupt core only needs a way to dispatch into a
// target (spec.md §4.5 "IPI vectors", §5 "per-CPU state").
type CPU struct {
	ID     int
	Table  *Table
	InvalidatePageDir func()      // reloads the page-directory root
	InvalidatePage    func(addr uintptr)
}

// IPIController fans interrupt-processor-interrupts out to a set of CPUs
// and, per spec.md §9's Open Question decision, blocks the initiator on a
// completion barrier before returning — so a TLB-shootdown caller in
// internal/vmm observes every target having finished before it proceeds.
type IPIController struct {
	cpus []*CPU
}

func NewIPIController(cpus []*CPU) *IPIController {
	return &IPIController{cpus: cpus}
}

// Send delivers vector to every cpu in targets, waiting for all of them
// to finish dispatching it.
func (c *IPIController) Send(vector int, targets []*CPU, f *Frame, r *Regs) {
	var wg sync.WaitGroup
	wg.Add(len(targets))
	for _, cpu := range targets {
		cpu := cpu
		go func() {
			defer wg.Done()
			cpu.Table.Dispatch(vector, f, r, 0)
		}()
	}
	wg.Wait()
}

// InvalidateTLB broadcasts IPIInvalidateTLB to targets; each target
// reloads its page-directory root (spec.md §4.5 "The invalidate-TLB
// handler reloads the page-directory root"). The per-target handler is
// registered only for the duration of this call, since the action it
// closes over (cpu.InvalidatePageDir) is fixed per CPU and re-registering
// it on every shootdown would leak chain entries.
func (c *IPIController) InvalidateTLB(targets []*CPU) {
	handles := make([]Handle, len(targets))
	for i, cpu := range targets {
		cpu := cpu
		h, _ := cpu.Table.RegisterHandler(IPIInvalidateTLB, func(vector int, f *Frame, r *Regs, errCode uint64) {
			if cpu.InvalidatePageDir != nil {
				cpu.InvalidatePageDir()
			}
		})
		handles[i] = h
	}
	c.Send(IPIInvalidateTLB, targets, nil, nil)
	for i, cpu := range targets {
		cpu.Table.UnregisterHandler(IPIInvalidateTLB, handles[i])
	}
}

// InvalidatePage broadcasts IPIInvalidatePage for a single address
// (spec.md §4.5 "invalidate-page executes a single-address invalidation").
func (c *IPIController) InvalidatePage(targets []*CPU, addr uintptr) {
	handles := make([]Handle, len(targets))
	for i, cpu := range targets {
		cpu := cpu
		h, _ := cpu.Table.RegisterHandler(IPIInvalidatePage, func(vector int, f *Frame, r *Regs, errCode uint64) {
			if cpu.InvalidatePage != nil {
				cpu.InvalidatePage(addr)
			}
		})
		handles[i] = h
	}
	c.Send(IPIInvalidatePage, targets, nil, nil)
	for i, cpu := range targets {
		cpu.Table.UnregisterHandler(IPIInvalidatePage, handles[i])
	}
}
