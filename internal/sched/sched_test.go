package sched

import (
	"testing"
	"time"

	"kernelcore/internal/kconfig"
	"kernelcore/internal/vmm"
)

func newTestScheduler(t *testing.T, numCPUs int) *Scheduler {
	t.Helper()
	return NewScheduler(numCPUs, kconfig.Default())
}

func TestPickNextIsHighestPriority(t *testing.T) {
	s := newTestScheduler(t, 1)
	low, _ := s.CreateTask("low", nil, nil, PolicyNormal, 120)
	high, _ := s.CreateTask("high", nil, nil, PolicyNormal, 110)
	s.AddTask(low)
	s.AddTask(high)

	next := s.Schedule(0)
	if next != high {
		t.Fatalf("expected the higher-priority (lower number) task to run first, got %s", next.Name)
	}
}

func TestBitmapBitTracksBucketOccupancy(t *testing.T) {
	s := newTestScheduler(t, 1)
	task, _ := s.CreateTask("t", nil, nil, PolicyNormal, 100)
	rq := s.rqs[0]
	word, bit := 100/64, 100%64
	if rq.active.bitmap[word]&(1<<uint(bit)) != 0 {
		t.Fatal("bit should be clear before the task is enqueued")
	}
	s.AddTask(task)
	if rq.active.bitmap[word]&(1<<uint(bit)) == 0 {
		t.Fatal("bit should be set once bucket 100 is non-empty")
	}
	rq.Dequeue(task)
	if rq.active.bitmap[word]&(1<<uint(bit)) != 0 {
		t.Fatal("bit should clear once the bucket empties")
	}
}

func TestRRExpiryRotatesToSameBucketTail(t *testing.T) {
	s := newTestScheduler(t, 1)
	a, _ := s.CreateTask("a", nil, nil, PolicyRR, 50)
	b, _ := s.CreateTask("b", nil, nil, PolicyRR, 50)
	s.AddTask(a)
	s.AddTask(b)

	first := s.Schedule(0)
	if first != a {
		t.Fatalf("expected FIFO order within the same bucket, got %s", first.Name)
	}
	s.Tick(0, s.cfg.RRTimeSlice())
	// a's slice expired and was requeued to the tail of bucket 50, so the
	// CPU must pick b (still in the active array) next.
	second := s.Schedule(0)
	if second != b {
		t.Fatalf("expected task b to run after a's RR slice expired, got %s", second.Name)
	}
}

func TestFIFONeverExpiresToExpiredArray(t *testing.T) {
	s := newTestScheduler(t, 1)
	f, _ := s.CreateTask("f", nil, nil, PolicyFIFO, 10)
	s.AddTask(f)
	s.Schedule(0)
	s.Tick(0, time.Hour) // arbitrarily long elapsed time
	rq := s.rqs[0]
	if rq.expired.count != 0 {
		t.Fatal("FIFO tasks must never move to the expired array")
	}
}

func TestNormalExpiresToExpiredArrayThenSwapsBack(t *testing.T) {
	s := newTestScheduler(t, 1)
	a, _ := s.CreateTask("a", nil, nil, PolicyNormal, 110)
	b, _ := s.CreateTask("b", nil, nil, PolicyNormal, 110)
	s.AddTask(a)
	s.AddTask(b)

	s.Schedule(0) // runs a
	s.Tick(0, s.cfg.NormalTimeSlice())

	rq := s.rqs[0]
	if rq.expired.count != 1 {
		t.Fatalf("expected a to have moved to the expired array, count=%d", rq.expired.count)
	}

	next := s.Schedule(0) // b still active
	if next != b {
		t.Fatalf("expected b to run while a sits in expired, got %s", next.Name)
	}
	s.Tick(0, s.cfg.NormalTimeSlice())
	// active is now empty and expired holds a: PickNext must swap arrays.
	third := s.Schedule(0)
	if third.Name != "a" {
		t.Fatalf("expected active/expired swap to surface a again, got %s", third.Name)
	}
}

func TestSleepAndWake(t *testing.T) {
	s := newTestScheduler(t, 1)
	task, _ := s.CreateTask("sleeper", nil, nil, PolicyNormal, 100)
	s.AddTask(task)
	s.Schedule(0)
	s.Sleep(task, 10*time.Millisecond)
	if task.State != Sleeping {
		t.Fatal("expected task to be Sleeping")
	}
	s.Tick(0, 10*time.Millisecond)
	if task.State != Ready {
		t.Fatalf("expected the timer wheel to wake the task, state=%v", task.State)
	}
}

func TestWakeIsIdempotentForRunnableTask(t *testing.T) {
	s := newTestScheduler(t, 1)
	task, _ := s.CreateTask("t", nil, nil, PolicyNormal, 100)
	s.AddTask(task)
	before := s.rqs[0].NrRunning()
	s.Wake(task) // already Ready: must be a no-op
	if s.rqs[0].NrRunning() != before {
		t.Fatal("waking an already-ready task must not double-enqueue it")
	}
}

// TestScheduleSavesAndRestoresContext reproduces spec.md §4.4's context
// switch: the outgoing task's live register state must be saved into its
// Ctx field, and the incoming task's Ctx loaded onto the CPU.
func TestScheduleSavesAndRestoresContext(t *testing.T) {
	s := newTestScheduler(t, 1)
	a, _ := s.CreateTask("a", nil, nil, PolicyNormal, 110)
	b, _ := s.CreateTask("b", nil, nil, PolicyNormal, 110)
	s.AddTask(a)
	s.AddTask(b)

	s.Schedule(0) // runs a
	s.ctx[0].PC = 0xdeadbeef
	s.Yield(a)    // saves a's in-flight PC into a.Ctx
	s.Schedule(0) // runs b, loading b's context onto the CPU

	if a.Ctx.PC != 0xdeadbeef {
		t.Fatalf("expected a's outgoing context to be saved, got PC=%x", a.Ctx.PC)
	}
	if s.ctx[0].PC != 0 {
		t.Fatalf("expected b's (zero-value) context to be loaded onto the CPU, got PC=%x", s.ctx[0].PC)
	}
}

// TestScheduleGrowsMMCPUSetOnAddressSpaceChange reproduces spec.md §4.3
// step 6: switching to a task with a different mm must register the new
// CPU in that mm's CPU set so a subsequent fault's shootdown reaches it.
func TestScheduleGrowsMMCPUSetOnAddressSpaceChange(t *testing.T) {
	s := newTestScheduler(t, 1)
	mm := &vmm.MM{}
	task, _ := s.CreateTask("t", nil, mm, PolicyNormal, 110)
	s.AddTask(task)

	s.Schedule(0)

	if mm.CPUSet&1 == 0 {
		t.Fatal("expected cpu 0 to be recorded in the task's mm CPU set after scheduling")
	}
}

func TestLoadBalanceMovesTasksFromBusiestToIdlest(t *testing.T) {
	s := newTestScheduler(t, 2)
	for i := 0; i < 6; i++ {
		task, _ := s.CreateTask("t", nil, nil, PolicyNormal, 120)
		s.rqs[0].Enqueue(task)
	}
	s.LoadBalance()
	if got := s.rqs[1].NrRunning(); got == 0 {
		t.Fatal("expected load balancing to move at least one task to the idle CPU")
	}
	if s.rqs[0].NrRunning()+s.rqs[1].NrRunning() != 6 {
		t.Fatal("load balancing must not lose or duplicate tasks")
	}
}
