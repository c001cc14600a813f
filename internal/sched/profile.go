package sched

import (
	"strconv"
	"time"

	"github.com/google/pprof/profile"
)

// Profile emits a pprof-format snapshot of nr_running and run-queue depth
// per CPU, mirroring biscuit's own dependency on google/pprof for its
// profiling story (spec.md's supplemented "Scheduler debug/introspection
// surface").
func (s *Scheduler) Profile() *profile.Profile {
	nrRunningType := &profile.ValueType{Type: "nr_running", Unit: "tasks"}
	p := &profile.Profile{
		SampleType: []*profile.ValueType{nrRunningType},
		TimeNanos:  time.Now().UnixNano(),
	}

	functions := make(map[int]*profile.Function)
	locations := make(map[int]*profile.Location)

	for _, rq := range s.rqs {
		fn := &profile.Function{ID: uint64(rq.CPUID + 1), Name: cpuLabel(rq.CPUID)}
		loc := &profile.Location{ID: uint64(rq.CPUID + 1), Line: []profile.Line{{Function: fn}}}
		functions[rq.CPUID] = fn
		locations[rq.CPUID] = loc
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(rq.NrRunning())},
		})
	}
	return p
}

func cpuLabel(id int) string {
	return "cpu" + strconv.Itoa(id)
}
