package swap

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"kernelcore/internal/kerr"
	"kernelcore/internal/pmm"
)

// headerSize is the 4-byte length prefix spec.md §4.3 "Swap path" stores
// ahead of each compressed page; slotSize always has room for the
// uncompressed fallback so a slot never overruns its backing extent.
const headerSize = 4
const slotSize = pmm.PageSize + headerSize

// Area is one swap backing file: pages slots of slotSize bytes, a used
// bitmap, and a flock guard so two kernel-core instances never share the
// same file (grounded on biscuit/src/fs/blk.go's positioned block I/O,
// generalized to slotted compressed pages).
type Area struct {
	mu sync.Mutex

	Path string

	file *os.File
	lock *flock.Flock

	pages int
	used  []bool
	count int
}

// OpenArea creates (or truncates) the backing file at path sized for
// pages slots and takes an exclusive flock on it.
func OpenArea(path string, pages int) (*Area, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, kerr.Wrap("swap.OpenArea", kerr.IOError, err)
	}
	if err := f.Truncate(int64(pages) * int64(slotSize)); err != nil {
		f.Close()
		return nil, kerr.Wrap("swap.OpenArea", kerr.IOError, err)
	}
	l := flock.New(path + ".lock")
	ok, err := l.TryLock()
	if err != nil || !ok {
		f.Close()
		return nil, kerr.New("swap.OpenArea", kerr.Busy)
	}
	return &Area{Path: path, file: f, lock: l, pages: pages, used: make([]bool, pages)}, nil
}

// Close releases the area's flock and backing file.
func (a *Area) Close() error {
	a.lock.Unlock()
	return a.file.Close()
}

// allocSlot finds a free slot and marks it used, returning its index.
func (a *Area) allocSlot() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, used := range a.used {
		if !used {
			a.used[i] = true
			a.count++
			return i, true
		}
	}
	return 0, false
}

func (a *Area) freeSlot(index int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if index >= 0 && index < len(a.used) && a.used[index] {
		a.used[index] = false
		a.count--
	}
}

// Used reports how many slots are occupied (spec.md §4.3 testable
// property: "bitmap bit set and used == 1").
func (a *Area) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// IsUsed reports whether the slot at index is currently occupied.
func (a *Area) IsUsed(index int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return index >= 0 && index < len(a.used) && a.used[index]
}

// writeSlot stores payload (already compressed, or the raw page on
// fallback) at index, length-prefixed.
func (a *Area) writeSlot(index int, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)
	if len(buf) > slotSize {
		return kerr.New("swap.Area.writeSlot", kerr.InvalidArgument)
	}
	off := int64(index) * int64(slotSize)
	if _, err := unix.Pwrite(int(a.file.Fd()), buf, off); err != nil {
		return kerr.Wrap("swap.Area.writeSlot", kerr.IOError, err)
	}
	return nil
}

// readSlot reads back the length-prefixed payload stored at index.
func (a *Area) readSlot(index int) ([]byte, error) {
	buf := make([]byte, slotSize)
	off := int64(index) * int64(slotSize)
	if _, err := unix.Pread(int(a.file.Fd()), buf, off); err != nil {
		return nil, kerr.Wrap("swap.Area.readSlot", kerr.IOError, err)
	}
	n := binary.LittleEndian.Uint32(buf[:headerSize])
	if int(n) > pmm.PageSize {
		return nil, kerr.New("swap.Area.readSlot", kerr.IOError)
	}
	return buf[headerSize : headerSize+int(n)], nil
}
