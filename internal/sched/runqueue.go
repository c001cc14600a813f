package sched

import (
	"math/bits"
	"sync"
	"time"
)

// bitmapWords covers NumPriorities (140) bits in 64-bit words.
const bitmapWords = (NumPriorities + 63) / 64

// priorityArray is one of a RunQueue's active/expired bucket sets
// (spec.md §3 "Run queue": 140 intrusive FIFO lists plus a 140-bit
// occupancy bitmap, "bit i is set iff bucket i is non-empty").
type priorityArray struct {
	buckets [NumPriorities][]*Task
	bitmap  [bitmapWords]uint64
	count   int
}

func (pa *priorityArray) setBit(i int)   { pa.bitmap[i/64] |= 1 << uint(i%64) }
func (pa *priorityArray) clearBit(i int) { pa.bitmap[i/64] &^= 1 << uint(i%64) }

func (pa *priorityArray) push(t *Task) {
	pa.buckets[t.DynamicPrio] = append(pa.buckets[t.DynamicPrio], t)
	pa.setBit(t.DynamicPrio)
	pa.count++
}

// pushFront reinserts t at the head of its bucket (the RR-expiry "move to
// tail" is the opposite; pushFront exists for requeueing a preempted task
// ahead of ones that arrived after it).
func (pa *priorityArray) pushFront(t *Task) {
	pa.buckets[t.DynamicPrio] = append([]*Task{t}, pa.buckets[t.DynamicPrio]...)
	pa.setBit(t.DynamicPrio)
	pa.count++
}

func (pa *priorityArray) remove(t *Task) bool {
	b := pa.buckets[t.DynamicPrio]
	for i, cand := range b {
		if cand == t {
			pa.buckets[t.DynamicPrio] = append(b[:i], b[i+1:]...)
			if len(pa.buckets[t.DynamicPrio]) == 0 {
				pa.clearBit(t.DynamicPrio)
			}
			pa.count--
			return true
		}
	}
	return false
}

// popHighest implements the O(1) pick-next scan: find the lowest set bit
// (highest priority) and pop the head of that bucket (spec.md §4.4
// "Pick-next algorithm").
func (pa *priorityArray) popHighest() *Task {
	for w := 0; w < bitmapWords; w++ {
		word := pa.bitmap[w]
		if word == 0 {
			continue
		}
		bit := bits.TrailingZeros64(word)
		prio := w*64 + bit
		if prio >= NumPriorities {
			continue
		}
		b := pa.buckets[prio]
		t := b[0]
		pa.buckets[prio] = b[1:]
		if len(pa.buckets[prio]) == 0 {
			pa.clearBit(prio)
		}
		pa.count--
		return t
	}
	return nil
}

// drainSortedByPriorityDesc pops up to n tasks starting from the
// lowest-priority (highest bucket index) non-empty bucket, for the load
// balancer's "prefer lower-priority tasks to preserve RT locality" rule
// (spec.md §4.4). Caller holds the owning RunQueue's lock.
func (pa *priorityArray) drainSortedByPriorityDesc(n int) []*Task {
	var out []*Task
	for prio := NumPriorities - 1; prio >= 0 && len(out) < n; prio-- {
		b := pa.buckets[prio]
		taken := 0
		for len(b) > 0 && len(out) < n {
			out = append(out, b[0])
			b = b[1:]
			taken++
		}
		pa.buckets[prio] = b
		if len(b) == 0 {
			pa.clearBit(prio)
		}
		pa.count -= taken
	}
	return out
}

// RunQueue is one CPU's scheduling structure (spec.md §3 "Run queue",
// §4.4 "Concurrency model": per-CPU run queues, each protected by its
// own spinlock).
type RunQueue struct {
	mu sync.Mutex

	CPUID int

	active, expired *priorityArray

	Current *Task
	Idle    *Task
}

// NewRunQueue builds an empty run queue for cpuID, with idle installed as
// the fallback task run only when the bitmap is otherwise empty.
func NewRunQueue(cpuID int, idle *Task) *RunQueue {
	return &RunQueue{CPUID: cpuID, active: &priorityArray{}, expired: &priorityArray{}, Idle: idle}
}

// NrRunning is the queue depth used by the load balancer and the
// preemption rule (spec.md §4.4 "Find busiest and idlest CPUs by
// nr_running").
func (rq *RunQueue) NrRunning() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.active.count + rq.expired.count
}

// Enqueue inserts t into the active array (FIFO/RR/NORMAL/BATCH all start
// there) and marks it on-queue.
func (rq *RunQueue) Enqueue(t *Task) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	rq.active.push(t)
	t.onRQ = true
	t.cpu = rq.CPUID
}

// Dequeue removes t from whichever array currently holds it.
func (rq *RunQueue) Dequeue(t *Task) bool {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	ok := rq.active.remove(t) || rq.expired.remove(t)
	if ok {
		t.onRQ = false
	}
	return ok
}

// PickNext implements spec.md §4.4's active/expired swap: pop from active;
// if active just went empty and expired holds tasks, swap the two arrays
// (standard active/expired dual-array scheme). IDLE runs only when both
// arrays are empty.
func (rq *RunQueue) PickNext() *Task {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if rq.active.count == 0 && rq.expired.count > 0 {
		rq.active, rq.expired = rq.expired, rq.active
	}
	t := rq.active.popHighest()
	if t == nil {
		return rq.Idle
	}
	t.onRQ = false
	rq.Current = t
	return t
}

// Expire moves t (a NORMAL/BATCH task whose time slice just ran out) to
// the expired array and resets its quantum (spec.md §4.4: "on expiry,
// reinsert into a shadow expired bucket").
func (rq *RunQueue) Expire(t *Task, quantum time.Duration) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	t.TimeSlice = quantum
	rq.expired.push(t)
	t.onRQ = true
}

// RequeueSameBucket reinserts t at the tail of its own bucket in the
// active array — the RR-expiry case, which never moves to expired
// (spec.md §9 Open Question decision: RT classes never migrate to the
// expired array; §4.4: "on expiry, move to the tail of the same bucket").
func (rq *RunQueue) RequeueSameBucket(t *Task, quantum time.Duration) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	t.TimeSlice = quantum
	rq.active.push(t)
	t.onRQ = true
}
