package sched

import (
	"sync"
	"time"

	"kernelcore/internal/arena"
	"kernelcore/internal/irq"
	"kernelcore/internal/kconfig"
	"kernelcore/internal/kerr"
	"kernelcore/internal/vmm"
)

// Scheduler owns every per-CPU run queue, the task table, and the timer
// wheel (spec.md §4.4 "Contract").
type Scheduler struct {
	mu sync.Mutex

	cfg kconfig.Config

	rqs []*RunQueue

	// tasks is the task table: an arena-backed index from TID to *Task
	// (spec.md §9 "arena+index replacement for intrusive pointer graphs").
	// Handle 0 is never a real TID, matching Arena's reserved sentinel, so
	// TIDs start at 1.
	tasks *arena.Arena[*Task]

	// ctx models each CPU's live register file: ctx[cpuID] is whatever
	// SavedContext is currently loaded on that CPU, independent of any
	// Task struct (spec.md §4.4 "Context switch"). Schedule/saveRunningContext
	// swap it with a task's Ctx field on every switch.
	ctx []SavedContext

	// curMM is the mm currently loaded as each CPU's page-table root,
	// tracked independently of RunQueue.Current (which other paths clear
	// before Schedule runs again) so Schedule can tell whether the address
	// space actually changed (spec.md §4.4 "Context switch").
	curMM []*vmm.MM

	timer *timerWheel

	ipi *irq.IPIController
	cpus []*irq.CPU
}

// NewScheduler builds a Scheduler with numCPUs run queues, each seeded
// with its own idle task (spec.md §3 "Run queue": "an idle task").
func NewScheduler(numCPUs int, cfg kconfig.Config) *Scheduler {
	s := &Scheduler{cfg: cfg, tasks: arena.New[*Task](), timer: newTimerWheel(), ctx: make([]SavedContext, numCPUs), curMM: make([]*vmm.MM, numCPUs)}
	for i := 0; i < numCPUs; i++ {
		idle := &Task{TID: -(i + 1), Name: "idle", Policy: PolicyIdle, StaticPrio: NumPriorities - 1, DynamicPrio: NumPriorities - 1, State: Ready}
		s.rqs = append(s.rqs, NewRunQueue(i, idle))
	}
	return s
}

// WireIPI attaches the interrupt core's IPI controller and per-CPU
// handles so Wake/AddTask can actually send IPI_RESCHEDULE (spec.md §4.4
// "Concurrency model"). Running without it (e.g. under test) just skips
// the IPI send.
func (s *Scheduler) WireIPI(ctl *irq.IPIController, cpus []*irq.CPU) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ipi = ctl
	s.cpus = cpus
}

// CreateTask implements create_task (spec.md §4.4). The only error it
// returns is InvalidArgument, for a prio outside 0..NumPriorities-1.
func (s *Scheduler) CreateTask(name string, entry func(), mm *vmm.MM, policy Policy, prio int) (*Task, error) {
	if prio < 0 || prio >= NumPriorities {
		return nil, kerr.New("sched.CreateTask", kerr.InvalidArgument)
	}
	t := &Task{
		PPID: 0,
		Name: name, State: Ready, Entry: entry, MM: mm,
		Policy: policy, StaticPrio: prio, DynamicPrio: prio,
		TimeSlice: s.quantumFor(policy),
		Affinity:  ^uint64(0),
		cpu:       -1,
	}
	s.mu.Lock()
	h := s.tasks.Alloc(t)
	s.mu.Unlock()
	t.TID = int(h)
	t.TGID = int(h)
	return t, nil
}

// Task looks up a live task by TID through the arena-backed task table.
func (s *Scheduler) Task(tid int) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tasks.Get(arena.Handle(tid))
	if !ok {
		return nil, false
	}
	return *p, true
}

// ExitTask implements the zombie half of spec.md §3 Task's lifecycle:
// take t off its run queue and mark it exited. It stays looked-up-able by
// TID until ReapTask frees its slot.
func (s *Scheduler) ExitTask(t *Task) {
	s.RemoveTask(t)
	t.mu.Lock()
	t.State = Zombie
	t.mu.Unlock()
}

// ReapTask implements "freed when the parent reaps the zombie" (spec.md
// §3 Task): it returns t's TID to the task table's free list, so a later
// CreateTask can reuse the slot.
func (s *Scheduler) ReapTask(t *Task) {
	t.mu.Lock()
	t.State = Dead
	t.mu.Unlock()
	s.mu.Lock()
	s.tasks.Free(arena.Handle(t.TID))
	s.mu.Unlock()
}

func (s *Scheduler) quantumFor(p Policy) time.Duration {
	switch p {
	case PolicyRR:
		return s.cfg.RRTimeSlice()
	case PolicyNormal, PolicyBatch:
		return s.cfg.NormalTimeSlice()
	default:
		return 0
	}
}

// AddTask inserts task on the best CPU's run queue (spec.md §4.4
// "add_task(task) inserts on the best CPU's run queue") and applies the
// preemption rule: if some CPU's running task has a worse priority, that
// CPU (the one running the worst such task) is the preferred target and
// gets an IPI_RESCHEDULE; otherwise the least-loaded CPU is used.
func (s *Scheduler) AddTask(t *Task) {
	rq := s.bestCPU()
	worst := t.DynamicPrio
	for _, cand := range s.rqs {
		cand.mu.Lock()
		cur := cand.Current
		cand.mu.Unlock()
		if cur != nil && cur.DynamicPrio > worst {
			rq, worst = cand, cur.DynamicPrio
		}
	}
	t.State = Ready
	rq.Enqueue(t)
	s.maybePreempt(rq, t.DynamicPrio)
}

// bestCPU picks the run queue with fewest tasks running.
func (s *Scheduler) bestCPU() *RunQueue {
	best := s.rqs[0]
	bestLoad := best.NrRunning()
	for _, rq := range s.rqs[1:] {
		if load := rq.NrRunning(); load < bestLoad {
			best, bestLoad = rq, load
		}
	}
	return best
}

// maybePreempt implements spec.md §4.4's preemption rule: a task becomes
// runnable at priority p; if the running task on rq has priority > p
// (worse, since lower numbers are higher priority), send IPI_RESCHEDULE.
func (s *Scheduler) maybePreempt(rq *RunQueue, prio int) {
	rq.mu.Lock()
	cur := rq.Current
	rq.mu.Unlock()
	if cur == nil || cur.DynamicPrio <= prio {
		return
	}
	s.mu.Lock()
	ctl, cpus := s.ipi, s.cpus
	s.mu.Unlock()
	if ctl == nil || rq.CPUID >= len(cpus) {
		return
	}
	ctl.Send(irq.IPIReschedule, []*irq.CPU{cpus[rq.CPUID]}, nil, nil)
}

// RemoveTask takes t off whatever run queue holds it (spec.md §4.4
// "remove_task").
func (s *Scheduler) RemoveTask(t *Task) {
	if t.cpu >= 0 && t.cpu < len(s.rqs) {
		s.rqs[t.cpu].Dequeue(t)
	}
}

// SetPriority implements set_priority; it re-homes t within its run
// queue's bucket array if it is currently enqueued.
func (s *Scheduler) SetPriority(t *Task, prio int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasEnqueued := t.onRQ
	var rq *RunQueue
	if wasEnqueued && t.cpu >= 0 {
		rq = s.rqs[t.cpu]
		rq.Dequeue(t)
	}
	t.StaticPrio = prio
	t.DynamicPrio = prio
	if wasEnqueued {
		rq.Enqueue(t)
	}
}

// SetPolicy implements set_policy.
func (s *Scheduler) SetPolicy(t *Task, p Policy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Policy = p
	t.TimeSlice = s.quantumFor(p)
}

// Schedule implements schedule(): pick next on cpuID and load its context
// (spec.md §4.4 "Context switch"). It returns the task now current on that
// CPU. The outgoing task's context was already saved by whichever path
// took it off the CPU (Yield, Sleep, or Tick's expiry) via
// saveRunningContext, since by the time Schedule runs, RunQueue.Current
// has already been cleared.
func (s *Scheduler) Schedule(cpuID int) *Task {
	rq := s.rqs[cpuID]
	next := rq.PickNext()
	next.State = Running
	s.loadContext(cpuID, next)
	return next
}

// saveRunningContext stores cpuID's live register state (spec.md §4.4's
// "saved CPU context") into whatever task is currently running there,
// before the caller takes it off the CPU.
func (s *Scheduler) saveRunningContext(cpuID int) {
	rq := s.rqs[cpuID]
	rq.mu.Lock()
	cur := rq.Current
	rq.mu.Unlock()
	if cur == nil {
		return
	}
	cur.mu.Lock()
	cur.Ctx = s.ctx[cpuID]
	cur.mu.Unlock()
}

// loadContext restores next's saved context into cpuID's live register
// slot and, if next's address space differs from what cpuID's page-table
// root currently holds, reloads the root and grows the mm's CPU set so a
// later fault's TLB-shootdown broadcast (spec.md §4.3 step 6) reaches
// every CPU actually running it.
func (s *Scheduler) loadContext(cpuID int, next *Task) {
	next.mu.Lock()
	s.ctx[cpuID] = next.Ctx
	nextMM := next.MM
	next.mu.Unlock()

	s.mu.Lock()
	changed := nextMM != s.curMM[cpuID]
	s.curMM[cpuID] = nextMM
	cpus := s.cpus
	s.mu.Unlock()

	if changed && nextMM != nil {
		nextMM.AddCPU(cpuID)
		if cpuID < len(cpus) && cpus[cpuID] != nil && cpus[cpuID].InvalidatePageDir != nil {
			cpus[cpuID].InvalidatePageDir()
		}
	}
}

// Yield implements yield(): cooperative, reinserts t at the tail of its
// bucket without consuming its time slice.
func (s *Scheduler) Yield(t *Task) {
	if t.cpu < 0 {
		return
	}
	s.saveRunningContext(t.cpu)
	rq := s.rqs[t.cpu]
	rq.mu.Lock()
	rq.Current = nil
	rq.mu.Unlock()
	t.State = Ready
	rq.Enqueue(t)
}

// Sleep implements sleep(ms): place t on the timer wheel (spec.md §4.4
// "Cancellation and timeouts").
func (s *Scheduler) Sleep(t *Task, d time.Duration) {
	t.State = Sleeping
	if t.cpu >= 0 {
		cpu := t.cpu
		rq := s.rqs[cpu]
		rq.mu.Lock()
		wasCurrent := rq.Current == t
		rq.mu.Unlock()
		if wasCurrent {
			s.saveRunningContext(cpu)
		}
		rq.Dequeue(t)
		rq.mu.Lock()
		if rq.Current == t {
			rq.Current = nil
		}
		rq.mu.Unlock()
	}
	s.timer.schedule(t, d, func() { s.Wake(t) })
}

// Wake implements wake(task): idempotent for already-runnable tasks
// (spec.md §4.4 "Failure semantics").
func (s *Scheduler) Wake(t *Task) {
	t.mu.Lock()
	if t.State == Ready || t.State == Running {
		t.mu.Unlock()
		return
	}
	t.State = Ready
	t.mu.Unlock()
	s.timer.cancel(t)
	s.AddTask(t)
}

// Tick runs one timer-interrupt's worth of bookkeeping on cpuID: expire
// the current task's time slice per spec.md §4.4's per-class rules, and
// drain the timer wheel's due entries.
func (s *Scheduler) Tick(cpuID int, elapsed time.Duration) {
	s.timer.advance(elapsed)

	rq := s.rqs[cpuID]
	rq.mu.Lock()
	cur := rq.Current
	rq.mu.Unlock()
	if cur == nil || cur.Policy == PolicyFIFO || cur.Policy == PolicyIdle {
		return
	}
	cur.TimeSlice -= elapsed
	if cur.TimeSlice > 0 {
		return
	}
	s.saveRunningContext(cpuID)
	switch cur.Policy {
	case PolicyRR:
		rq.RequeueSameBucket(cur, s.cfg.RRTimeSlice())
	case PolicyNormal, PolicyBatch:
		rq.Expire(cur, s.cfg.NormalTimeSlice())
	}
	rq.mu.Lock()
	rq.Current = nil
	rq.mu.Unlock()
}
