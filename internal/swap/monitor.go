package swap

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"kernelcore/internal/klog"
)

// Monitor samples swap activity at a fixed interval and auto-escalates the
// active compressor under pressure (spec.md §4.3 "Policies": "compression
// escalates none -> lz4 -> zstd as pressure crosses configured
// thresholds"). The escalation decision itself is rate-limited so a
// bursty sampling period cannot flap the compressor back and forth.
type Monitor struct {
	space    *SwapSpace
	interval time.Duration
	pctLimit float64

	ins  int64
	outs int64

	limiter *rate.Limiter
	stop    chan struct{}
}

// NewMonitor builds a Monitor over space, sampling every interval and
// escalating once pressure exceeds pctLimit percent.
func NewMonitor(space *SwapSpace, interval time.Duration, pctLimit float64) *Monitor {
	return &Monitor{
		space:    space,
		interval: interval,
		pctLimit: pctLimit,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		stop:     make(chan struct{}),
	}
}

// RecordIn/RecordOut tally swap traffic into the monitor's counters.
// SwapSpace does not call them, and Pressure does not read the counters.
func (m *Monitor) RecordIn()  { atomic.AddInt64(&m.ins, 1) }
func (m *Monitor) RecordOut() { atomic.AddInt64(&m.outs, 1) }

// Pressure reports the fraction of occupied slots across all areas as a
// percentage (spec.md §4.3 "pressure = used slots / total slots").
func (m *Monitor) Pressure() float64 {
	var used, total int
	for _, a := range m.space.areas {
		used += a.Used()
		total += a.pages
	}
	if total == 0 {
		return 0
	}
	return 100 * float64(used) / float64(total)
}

// Tick runs one sampling round: compute pressure, and escalate the
// compressor if it exceeds the configured threshold and the limiter
// allows another change this period.
func (m *Monitor) Tick() {
	pressure := m.Pressure()
	if pressure <= m.pctLimit {
		return
	}
	if !m.limiter.Allow() {
		return
	}
	next := m.space.Algorithm()
	switch next {
	case None:
		next = LZ4
	case LZ4:
		next = ZSTD
	}
	if next != m.space.Algorithm() {
		klog.For("swap").Infof("pressure %.1f%% > %.1f%%, escalating compressor to %s", pressure, m.pctLimit, next)
		m.space.SetAlgorithm(next)
	}
}

// Run drains Tick on interval until Stop is called. It is meant to run in
// its own goroutine, matching the teacher's "monitor" idiom of a
// background ticker loop.
func (m *Monitor) Run() {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.Tick()
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) Stop() { close(m.stop) }
