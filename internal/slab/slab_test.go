package slab

import (
	"testing"

	"kernelcore/internal/pmm"
)

func newPMM(t *testing.T) *pmm.PMM {
	t.Helper()
	return pmm.New(1<<14, nil)
}

func TestCacheAllocFreeRoundTrip(t *testing.T) {
	p := newPMM(t)
	c, err := Create(p, "test-64", 64, 8, nil, nil, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	objs := make([][]byte, 0, 256)
	for i := 0; i < 256; i++ {
		o, err := c.Alloc()
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		for _, b := range o {
			if b != 0 {
				t.Fatalf("expected zeroed object, got %v", o)
			}
		}
		objs = append(objs, o)
	}
	for _, o := range objs {
		c.Free(o)
	}
	if c.Shrink() == 0 {
		t.Fatalf("expected at least one empty slab to shrink")
	}
}

func TestCachePoisonDetectsUseAfterFree(t *testing.T) {
	p := newPMM(t)
	c, err := Create(p, "test-poison", 32, 8, nil, nil, Poison)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	o, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	c.Free(o)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic from corrupted poisoned object")
		}
	}()
	o[0] = 0x00 // corrupt the poison pattern after free
	_, _ = c.Alloc()
}

func TestCacheRedZoneDetectsBufferOverrun(t *testing.T) {
	p := newPMM(t)
	c, err := Create(p, "test-redzone", 32, 8, nil, nil, RedZone)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	o, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(o) != 32 {
		t.Fatalf("expected the caller-visible object to stay 32 bytes, got %d", len(o))
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic from a corrupted red zone")
		}
	}()
	full := o[:cap(o)] // reach past the object into its trailing guard bytes
	full[len(full)-1] = 0x00
	c.Free(o)
}

func TestCacheRedZoneRoundTripsWithoutFalsePositive(t *testing.T) {
	p := newPMM(t)
	c, err := Create(p, "test-redzone-ok", 32, 8, nil, nil, RedZone)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	o, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	for i := range o {
		o[i] = 0x42
	}
	c.Free(o) // must not panic: the object body is not the red zone

	o2, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc after free: %v", err)
	}
	for _, b := range o2 {
		if b != 0 {
			t.Fatalf("expected a reused object to come back zeroed, got %v", o2)
		}
	}
}

func TestKmallocLadderAndOverflow(t *testing.T) {
	p := newPMM(t)
	a, err := NewAllocator(p)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}

	small, err := a.Kmalloc(40)
	if err != nil {
		t.Fatalf("Kmalloc small: %v", err)
	}
	a.Kfree(small)

	big, err := a.Kmalloc(1 << 20)
	if err != nil {
		t.Fatalf("Kmalloc big: %v", err)
	}
	if len(big) != 1<<20 {
		t.Fatalf("expected %d bytes, got %d", 1<<20, len(big))
	}
	a.Kfree(big)
}

func TestCtorFailureAbortsAllocation(t *testing.T) {
	p := newPMM(t)
	boom := func([]byte) error { return errBoom }
	c, err := Create(p, "test-ctor-fail", 32, 8, boom, nil, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := c.Alloc(); err == nil {
		t.Fatal("expected constructor failure to abort allocation")
	}
}

type errString string

func (e errString) Error() string { return string(e) }

const errBoom = errString("boom")
