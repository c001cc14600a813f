// Package klog is the kernel-wide structured logger. It replaces the
// teacher's bare fmt.Printf-to-console calls (e.g. mem/mem.go's
// "Reserved %v pages (%vMB)") with logrus fields so every subsystem's
// diagnostics carry consistent, greppable context.
package klog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the minimum emitted severity.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return
	}
	base.SetLevel(lvl)
}

// For returns a logger scoped to one kernel subsystem (e.g. "pmm", "sched").
func For(subsystem string) *logrus.Entry {
	return base.WithField("subsys", subsystem)
}
