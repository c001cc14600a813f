package sched

import (
	"sync"
	"time"
)

// timerEntry is one pending sleep (spec.md §4.4 "Cancellation and
// timeouts"). It stores the time left until the wake-up, which each tick
// decrements by the elapsed time, rather than an absolute deadline.
type timerEntry struct {
	task     *Task
	remaining time.Duration
	fire     func()
}

// timerWheel is a flat list of pending sleepers, walked and decremented
// on every tick (spec.md §5 "Cancellation": "the timer tick wakes expired
// sleepers"). A real kernel buckets these by deadline into wheel slots
// for O(1) insertion; the core's scale does not warrant that complexity,
// so it is a simple sorted-by-insertion list under one mutex.
type timerWheel struct {
	mu      sync.Mutex
	pending []*timerEntry
}

func newTimerWheel() *timerWheel {
	return &timerWheel{}
}

func (w *timerWheel) schedule(t *Task, d time.Duration, fire func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, &timerEntry{task: t, remaining: d, fire: fire})
}

// cancel removes t's pending entry, if any (spec.md §4.4: "wake(task)...
// removes it from the timer wheel").
func (w *timerWheel) cancel(t *Task) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, e := range w.pending {
		if e.task == t {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			return
		}
	}
}

// advance decrements every pending entry by elapsed and fires (and
// removes) the ones that reach zero.
func (w *timerWheel) advance(elapsed time.Duration) {
	w.mu.Lock()
	var due []*timerEntry
	remaining := w.pending[:0]
	for _, e := range w.pending {
		e.remaining -= elapsed
		if e.remaining <= 0 {
			due = append(due, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	w.pending = remaining
	w.mu.Unlock()

	for _, e := range due {
		e.fire()
	}
}
