// Command kernelcore boots a single in-process instance of the kernel
// core: it builds the PMM/slab/VMM/scheduler/interrupt subsystems in
// their spec.md §2 dependency order, runs one synthetic page fault and
// one synthetic scheduling round, and exits. It is a demonstration
// harness, not a bootable kernel image — the core has no architecture
// backend (spec.md §1 Non-goals).
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"kernelcore/internal/irq"
	"kernelcore/internal/kconfig"
	"kernelcore/internal/klog"
	"kernelcore/internal/pmm"
	"kernelcore/internal/sched"
	"kernelcore/internal/slab"
	"kernelcore/internal/swap"
	"kernelcore/internal/vmm"
)

func main() {
	cfgPath := flag.String("config", "", "optional TOML config overriding the spec.md §6 defaults")
	logLevel := flag.String("log-level", "info", "klog level (panic|fatal|error|warn|info|debug|trace)")
	flag.Parse()

	klog.SetLevel(*logLevel)
	cfg, err := kconfig.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernelcore: config: %v\n", err)
		os.Exit(1)
	}

	log := klog.For("boot")
	log.Info("booting kernel core")

	// Dependency order, leaves first (spec.md §2): PMM -> slab -> VMM ->
	// interrupt core -> scheduler -> swap.
	mm0 := bootPMM(log)
	alloc := bootSlab(mm0, log)
	as := bootVMM(mm0, log)
	ctl, cpus := bootIRQ(log)
	as.WireIPI(ctl, cpus)
	s := bootScheduler(cfg, ctl, cpus, as, log)
	space, monitor := bootSwap(cfg, log)

	runDemoFault(as, alloc, log)
	runDemoSwap(as, space, log)
	runDemoSchedule(s, log)

	monitor.Stop()
	total, free, reserved, allocated := mm0.Stats()
	log.Infof("final PMM stats: total=%d free=%d reserved=%d allocated=%d", total, free, reserved, allocated)
	log.Info("shutdown complete")
}

// bootPMM reserves a synthetic kernel image range and builds the PMM over
// a small in-process page pool (spec.md §4.1, §6 "Memory map input").
func bootPMM(log interface{ Infof(string, ...any) }) *pmm.PMM {
	const totalPages = 4096
	kernelImage := [2]pmm.PFN{0, 64}
	p := pmm.New(totalPages, [][2]pmm.PFN{kernelImage})
	log.Infof("pmm ready: %d pages, kernel image reserved [%d,%d)", totalPages, kernelImage[0], kernelImage[1])
	return p
}

func bootSlab(p *pmm.PMM, log interface{ Infof(string, ...any) }) *slab.Allocator {
	a, err := slab.NewAllocator(p)
	if err != nil {
		klog.For("boot").Fatalf("slab: %v", err)
	}
	log.Infof("slab kmalloc ladder ready")
	return a
}

func bootVMM(p *pmm.PMM, log interface{ Infof(string, ...any) }) *vmm.MM {
	as := vmm.CreateMM(p)
	as.HeapStart, as.HeapEnd, as.HeapMax = 0x1000000, 0x1000000, 0x2000000
	if _, err := as.CreateVMA(0x400000, 0x10000, vmm.ProtRead|vmm.ProtExec, vmm.Anon, nil, 0); err != nil {
		klog.For("boot").Fatalf("vmm: code vma: %v", err)
	}
	if _, err := as.CreateVMA(as.HeapStart, 0x4000, vmm.ProtRead|vmm.ProtWrite, vmm.Anon, nil, 0); err != nil {
		klog.For("boot").Fatalf("vmm: heap vma: %v", err)
	}
	log.Infof("address space ready: code+heap vmas installed")
	return as
}

func bootIRQ(log interface{ Infof(string, ...any) }) (*irq.IPIController, []*irq.CPU) {
	const numCPUs = 2
	ctrl := &irq.Controller{SendEOI: func(vector int, slave bool) {}}
	cpus := make([]*irq.CPU, numCPUs)
	for i := range cpus {
		id := i
		cpus[i] = &irq.CPU{
			ID:    id,
			Table: irq.NewTable(ctrl),
			InvalidatePageDir: func() {
				log.Infof("cpu%d: page-directory root reloaded", id)
			},
			InvalidatePage: func(addr uintptr) {
				log.Infof("cpu%d: tlb entry for %#x invalidated", id, addr)
			},
		}
	}
	ipiCtl := irq.NewIPIController(cpus)
	log.Infof("interrupt core ready: %d CPUs, vector table installed", numCPUs)
	return ipiCtl, cpus
}

func bootScheduler(cfg kconfig.Config, ctl *irq.IPIController, cpus []*irq.CPU, as *vmm.MM, log interface{ Infof(string, ...any) }) *sched.Scheduler {
	s := sched.NewScheduler(len(cpus), cfg)
	s.WireIPI(ctl, cpus)

	normal, err := s.CreateTask("init", nil, as, sched.PolicyNormal, 100)
	if err != nil {
		klog.For("boot").Fatalf("sched: create normal task: %v", err)
	}
	s.AddTask(normal)

	rt, err := s.CreateTask("rtd", nil, as, sched.PolicyFIFO, 10)
	if err != nil {
		klog.For("boot").Fatalf("sched: create rt task: %v", err)
	}
	s.AddTask(rt)

	log.Infof("scheduler ready: %d CPUs, init+rtd tasks enqueued", len(cpus))
	return s
}

func bootSwap(cfg kconfig.Config, log interface{ Infof(string, ...any) }) (*swap.SwapSpace, *swap.Monitor) {
	dir, err := os.MkdirTemp("", "kernelcore-swap")
	if err != nil {
		klog.For("boot").Fatalf("swap: tempdir: %v", err)
	}
	area, err := swap.OpenArea(dir+"/area0", 256)
	if err != nil {
		klog.For("boot").Fatalf("swap: open area: %v", err)
	}
	space := swap.New([]*swap.Area{area}, swap.ZSTD)
	monitor := swap.NewMonitor(space, cfg.SwapMonitorInterval(), cfg.SwapPressureThreshold)
	go monitor.Run()
	log.Infof("swap space ready: 1 area, algorithm=%s, monitor interval=%s", space.Algorithm(), cfg.SwapMonitorInterval())
	return space, monitor
}

// runDemoFault resolves one anonymous page fault on the heap VMA, the
// spec.md §4.3 "Page fault resolution" step-4 path.
func runDemoFault(as *vmm.MM, alloc *slab.Allocator, log interface{ Infof(string, ...any) }) {
	addr := as.HeapStart
	if _, err := as.HandleFault(addr, vmm.ECWrite|vmm.ECUser); err != nil {
		klog.For("boot").Fatalf("demo fault: %v", err)
	}
	buf, err := alloc.Kmalloc(128)
	if err != nil {
		klog.For("boot").Fatalf("demo kmalloc: %v", err)
	}
	alloc.Kfree(buf)
	log.Infof("demo fault resolved at %#x, heap page mapped", addr)
}

// runDemoSwap exercises one out/in round trip on the just-faulted heap
// page, verifying spec.md §8 testable property 8.
func runDemoSwap(as *vmm.MM, space *swap.SwapSpace, log interface{ Infof(string, ...any) }) {
	addr := as.HeapStart
	if err := space.SwapOut(as, addr); err != nil {
		klog.For("boot").Fatalf("demo swap out: %v", err)
	}
	if err := space.SwapIn(as, addr); err != nil {
		klog.For("boot").Fatalf("demo swap in: %v", err)
	}
	log.Infof("demo swap round-trip complete at %#x", addr)
}

// runDemoSchedule picks the next task on CPU0 and charges it one 10ms
// tick. AddTask put init on CPU0 and rtd on the then less-loaded CPU1, so
// CPU0 runs init.
func runDemoSchedule(s *sched.Scheduler, log interface{ Infof(string, ...any) }) {
	next := s.Schedule(0)
	log.Infof("scheduled on cpu0: %s (policy=%v prio=%d)", next.Name, next.Policy, next.DynamicPrio)
	s.Tick(0, 10*time.Millisecond)
}
