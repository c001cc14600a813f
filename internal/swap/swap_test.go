package swap

import (
	"path/filepath"
	"testing"

	"kernelcore/internal/pmm"
	"kernelcore/internal/vmm"
)

func newTestSpace(t *testing.T, algo Algorithm) (*SwapSpace, *Area) {
	t.Helper()
	dir := t.TempDir()
	area, err := OpenArea(filepath.Join(dir, "swap0"), 16)
	if err != nil {
		t.Fatalf("OpenArea: %v", err)
	}
	t.Cleanup(func() { area.Close() })
	return New([]*Area{area}, algo), area
}

func patternPage() []byte {
	page := make([]byte, pmm.PageSize)
	for i := range page {
		page[i] = byte((i * 31) % 251)
	}
	return page
}

func testRoundTrip(t *testing.T, algo Algorithm) {
	t.Helper()
	space, area := newTestSpace(t, algo)

	p := pmm.New(1<<14, nil)
	mm := vmm.CreateMM(p)
	const addr = 0x80000
	if _, err := mm.CreateVMA(addr, pmm.PageSize, vmm.ProtRead|vmm.ProtWrite, vmm.Anon, nil, 0); err != nil {
		t.Fatalf("CreateVMA: %v", err)
	}
	if _, err := mm.HandleFault(addr, vmm.ECUser); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	frame, _ := mm.GetPage(addr)
	p.Frame(frame).Private = patternPage()

	if err := space.SwapOut(mm, addr); err != nil {
		t.Fatalf("SwapOut: %v", err)
	}
	if area.Used() != 1 {
		t.Fatalf("expected exactly one used slot, got %d", area.Used())
	}
	if _, ok := mm.GetPage(addr); ok {
		t.Fatal("expected page to be unmapped after swap-out")
	}
	if _, ok := mm.PendingSwapIn(addr); !ok {
		t.Fatal("expected a pending swap entry after swap-out")
	}

	if err := space.SwapIn(mm, addr); err != nil {
		t.Fatalf("SwapIn: %v", err)
	}
	if area.Used() != 0 {
		t.Fatalf("expected the slot to be released after swap-in, got used=%d", area.Used())
	}
	newFrame, ok := mm.GetPage(addr)
	if !ok {
		t.Fatal("expected page to be resident after swap-in")
	}
	got, ok := p.Frame(newFrame).Private.([]byte)
	if !ok {
		t.Fatal("expected swapped-in frame to carry its data")
	}
	want := patternPage()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestSwapRoundTripNone(t *testing.T) { testRoundTrip(t, None) }
func TestSwapRoundTripLZ4(t *testing.T)  { testRoundTrip(t, LZ4) }
func TestSwapRoundTripZLIB(t *testing.T) { testRoundTrip(t, ZLIB) }
func TestSwapRoundTripZSTD(t *testing.T) { testRoundTrip(t, ZSTD) }

func TestAreaExhaustionReturnsNoMemory(t *testing.T) {
	dir := t.TempDir()
	area, err := OpenArea(filepath.Join(dir, "swap0"), 1)
	if err != nil {
		t.Fatalf("OpenArea: %v", err)
	}
	defer area.Close()
	space := New([]*Area{area}, None)

	p := pmm.New(1<<14, nil)
	mm := vmm.CreateMM(p)
	for i, addr := range []uintptr{0x90000, 0x91000} {
		if _, err := mm.CreateVMA(addr, pmm.PageSize, vmm.ProtRead|vmm.ProtWrite, vmm.Anon, nil, 0); err != nil {
			t.Fatalf("CreateVMA %d: %v", i, err)
		}
		if _, err := mm.HandleFault(addr, vmm.ECUser); err != nil {
			t.Fatalf("HandleFault %d: %v", i, err)
		}
	}
	if err := space.SwapOut(mm, 0x90000); err != nil {
		t.Fatalf("first SwapOut: %v", err)
	}
	if err := space.SwapOut(mm, 0x91000); err == nil {
		t.Fatal("expected the second SwapOut to fail once the area is full")
	}
}

func TestMonitorEscalatesUnderPressure(t *testing.T) {
	space, _ := newTestSpace(t, None)
	mon := NewMonitor(space, 0, 50)

	p := pmm.New(1<<14, nil)
	mm := vmm.CreateMM(p)
	for i := 0; i < 9; i++ {
		addr := uintptr(0xA0000 + i*pmm.PageSize)
		if _, err := mm.CreateVMA(addr, pmm.PageSize, vmm.ProtRead|vmm.ProtWrite, vmm.Anon, nil, 0); err != nil {
			t.Fatalf("CreateVMA %d: %v", i, err)
		}
		if _, err := mm.HandleFault(addr, vmm.ECUser); err != nil {
			t.Fatalf("HandleFault %d: %v", i, err)
		}
		if err := space.SwapOut(mm, addr); err != nil {
			t.Fatalf("SwapOut %d: %v", i, err)
		}
	}
	mon.Tick()
	if space.Algorithm() != LZ4 {
		t.Fatalf("expected escalation to lz4 under pressure, got %s", space.Algorithm())
	}
}
