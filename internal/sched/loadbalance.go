package sched

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// LoadBalance implements spec.md §4.4's periodic load balancing: find the
// busiest and idlest CPUs by nr_running; if their imbalance percentage
// exceeds the configured threshold, move imbalance/2 tasks (minimum 1)
// from busiest to idlest, preferring lower-priority tasks to preserve RT
// locality. Both run-queue locks are acquired in a fixed order (lower
// CPUID first) to avoid deadlock (spec.md §5 "Locking discipline").
func (s *Scheduler) LoadBalance() {
	loads := s.snapshotLoads()
	if len(loads) < 2 {
		return
	}
	sort.Slice(loads, func(i, j int) bool { return loads[i].nrRunning < loads[j].nrRunning })
	idlest, busiest := loads[0], loads[len(loads)-1]
	if busiest.nrRunning == 0 {
		return
	}
	imbalancePct := 100 * float64(busiest.nrRunning-idlest.nrRunning) / float64(busiest.nrRunning)
	if imbalancePct <= s.cfg.LoadBalanceImbalancePct {
		return
	}
	toMove := (busiest.nrRunning - idlest.nrRunning) / 2
	if toMove < 1 {
		toMove = 1
	}
	s.migrateTasks(busiest.rq, idlest.rq, toMove)
}

type cpuLoad struct {
	rq        *RunQueue
	nrRunning int
}

// snapshotLoads gathers every CPU's nr_running concurrently via errgroup,
// the same fan-out idiom the teacher's dependency stack (golang.org/x/sync)
// is grounded on elsewhere in this core.
func (s *Scheduler) snapshotLoads() []cpuLoad {
	loads := make([]cpuLoad, len(s.rqs))
	g, _ := errgroup.WithContext(context.Background())
	for i, rq := range s.rqs {
		i, rq := i, rq
		g.Go(func() error {
			loads[i] = cpuLoad{rq: rq, nrRunning: rq.NrRunning()}
			return nil
		})
	}
	g.Wait()
	return loads
}

// migrateTasks moves up to n tasks from busiest to idlest, picking the
// lowest-priority (highest numeric value, i.e. least important)
// candidates first so real-time tasks stay put.
func (s *Scheduler) migrateTasks(busiest, idlest *RunQueue, n int) {
	first, second := busiest, idlest
	if second.CPUID < first.CPUID {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if second != first {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	candidates := busiest.active.drainSortedByPriorityDesc(n)
	for _, t := range candidates {
		t.onRQ = false
		t.cpu = idlest.CPUID
		idlest.active.push(t)
		t.onRQ = true
	}
}
