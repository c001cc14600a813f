package slab

import "unsafe"

// bytePtrOffset returns the byte distance from base to p, or -1 if p lies
// before base. Used to map a returned object slice back to its slot index
// without keeping a side table, mirroring the direct pointer arithmetic
// biscuit's mem package uses via unsafe.Pointer for its own page
// bookkeeping (mem/mem.go's Pg2bytes/Bytepg2pg).
func bytePtrOffset(base, p *byte) int {
	b := uintptr(unsafe.Pointer(base))
	q := uintptr(unsafe.Pointer(p))
	if q < b {
		return -1
	}
	return int(q - b)
}
