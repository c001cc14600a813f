// Package kpanic implements the kernel's fatal-invariant-violation path.
//
// Grounded on gopher-os-gopher-os/kernel/panic.go: an unhandled exception
// or a corrupted invariant (bad free, free-list corruption, double-unlock)
// is not recoverable, and the core's job is to name the violation clearly
// before halting (spec §4.5, §7, §9).
package kpanic

import "fmt"

// Fatal panics with a message naming subsystem and msg. Unless a caller
// recovers the panic (as tests do to observe it), it ends the process.
func Fatal(subsystem, msg string) {
	panic(fmt.Sprintf("kernel panic: [%s] %s", subsystem, msg))
}

// Fatalf is Fatal with formatting.
func Fatalf(subsystem, format string, args ...any) {
	panic(fmt.Sprintf("kernel panic: [%s] %s", subsystem, fmt.Sprintf(format, args...)))
}

// UnhandledException is the canonical panic for an exception vector
// (0..31) reached with an empty handler chain (spec §4.5, §7(b)).
func UnhandledException(vector int, name string) {
	Fatalf("irq", "unhandled exception %d (%s)", vector, name)
}
