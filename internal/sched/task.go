// Package sched implements the O(1) multi-level priority scheduler: tasks,
// per-CPU run queues with a 140-bucket bitmap, FIFO/RR/NORMAL/BATCH/IDLE
// classes, load balancing, and a sleep/wake timer wheel (spec.md §4.4).
//
// Per-task accounting is grounded directly on biscuit/src/accnt/accnt.go's
// Accnt_t (atomic nanosecond counters guarded by an embedded mutex for
// snapshot reads); the run-queue/bitmap design has no analogue in the
// teacher's pruned slice and is built fresh in its idiom: plain structs,
// per-object sync.Mutex, no interfaces where a struct suffices.
package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"kernelcore/internal/irq"
	"kernelcore/internal/vmm"
)

// State is a task's scheduling state (spec.md §3 "Task").
type State int

const (
	Running State = iota
	Ready
	Blocked
	Sleeping
	Zombie
	Dead
)

// Policy is the scheduling class (spec.md §6 "Scheduler policy
// constants"). Deadline is reserved and not implemented in the core.
type Policy int

const (
	PolicyNormal Policy = iota
	PolicyFIFO
	PolicyRR
	PolicyBatch
	PolicyIdle
	PolicyDeadline
)

// NumPriorities is the width of the run-queue bitmap/bucket array
// (spec.md §3 "Run queue"): 0..99 real-time, 100..139 normal/batch/idle.
const NumPriorities = 140

const RTPriorityCeiling = 100

// Accnt accumulates per-task user/system time, mirroring
// biscuit/src/accnt/accnt.go's Accnt_t field for field.
type Accnt struct {
	mu      sync.Mutex
	Userns  int64
	Sysns   int64
}

func (a *Accnt) AddUser(d time.Duration)   { atomic.AddInt64(&a.Userns, int64(d)) }
func (a *Accnt) AddSystem(d time.Duration) { atomic.AddInt64(&a.Sysns, int64(d)) }

// Snapshot returns a consistent (user, sys) pair under the accounting lock.
func (a *Accnt) Snapshot() (time.Duration, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Duration(a.Userns), time.Duration(a.Sysns)
}

// SavedContext is the architecture-agnostic stand-in for a task's saved
// CPU state (spec.md §3 "saved CPU context", §4.4 "Context switch").
type SavedContext struct {
	SP, PC uintptr
	Regs   irq.Regs
}

// Task is one thread of execution (spec.md §3 "Task").
type Task struct {
	mu sync.Mutex

	TID, TGID, PPID int
	Name            string
	State           State
	Flags           uint32

	MM *vmm.MM

	Policy       Policy
	StaticPrio   int // 0..139; 0..99 is real-time
	DynamicPrio  int
	TimeSlice    time.Duration
	Affinity     uint64 // CPU bitmask

	Accnt Accnt
	Ctx   SavedContext

	Entry func()

	onRQ    bool
	cpu     int
	wakeAt  time.Time

	Parent   *Task
	Children []*Task
}

// IsRealTime reports whether the task's static priority is in the
// real-time band (spec.md §3 Task: "0..99 is real-time").
func (t *Task) IsRealTime() bool { return t.StaticPrio < RTPriorityCeiling }
