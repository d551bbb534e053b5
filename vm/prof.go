package svm

import (
	"fmt"
	"io"
	"time"

	"github.com/google/pprof/profile"
	"golang.org/x/exp/slices"
)

/*
 * Call-count profiler.
 *
 * Every closure entry and subr invocation bumps a per-procedure
 * counter while profiling is on. The result is assembled into a pprof
 * protobuf profile, with locations taken from the compiled code's
 * debug-info table, so the standard pprof tooling can read it.
 */

// Profiler accumulates call counts for one VM. It is owned by the
// instance thread; no locking.
type Profiler struct {
	startTime  time.Time
	duration   time.Duration
	codeCounts map[*CompiledCode]int64
	subrCounts map[*Subr]int64
}

// StartProfiler begins collecting call counts. If a profiler is
// already running it keeps its counts.
func (vm *VM) StartProfiler() {
	if vm.prof == nil {
		vm.prof = &Profiler{
			codeCounts: map[*CompiledCode]int64{},
			subrCounts: map[*Subr]int64{},
		}
	}
	vm.prof.startTime = time.Now()
}

// StopProfiler stops collecting and returns the profiler for
// inspection. The profiler stays attached so a later StartProfiler
// resumes into the same counts.
func (vm *VM) StopProfiler() *Profiler {
	p := vm.prof
	if p != nil {
		p.duration += time.Since(p.startTime)
	}
	vm.prof = nil
	return p
}

func (p *Profiler) countCall(code *CompiledCode) {
	p.codeCounts[code]++
}

func (p *Profiler) countSubr(s *Subr) {
	p.subrCounts[s]++
}

// Calls reports the recorded count for a compiled code object.
func (p *Profiler) Calls(code *CompiledCode) int64 { return p.codeCounts[code] }

// SubrCalls reports the recorded count for a subr.
func (p *Profiler) SubrCalls(s *Subr) int64 { return p.subrCounts[s] }

type profEntry struct {
	name   string
	file   string
	line   int64
	count  int64
}

func (p *Profiler) entries() []profEntry {
	out := make([]profEntry, 0, len(p.codeCounts)+len(p.subrCounts))
	for code, n := range p.codeCounts {
		file, line := sourceLocation(code)
		out = append(out, profEntry{
			name:  WriteString(code.Name, true),
			file:  file,
			line:  line,
			count: n,
		})
	}
	for s, n := range p.subrCounts {
		out = append(out, profEntry{name: s.Name, file: "<subr>", count: n})
	}
	slices.SortFunc(out, func(a, b profEntry) bool {
		return a.count > b.count
	})
	return out
}

// Profile assembles the counts into a pprof profile.
func (p *Profiler) Profile() *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "calls", Unit: "count"},
		},
		TimeNanos:     p.startTime.UnixNano(),
		DurationNanos: int64(p.duration),
	}

	var id uint64 = 1
	for _, e := range p.entries() {
		fn := &profile.Function{
			ID:         id,
			Name:       e.name,
			SystemName: e.name,
			Filename:   e.file,
		}
		loc := &profile.Location{
			ID:   id,
			Line: []profile.Line{{Function: fn, Line: e.line}},
		}
		id++
		prof.Function = append(prof.Function, fn)
		prof.Location = append(prof.Location, loc)
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{e.count},
		})
	}
	return prof
}

// WriteTo writes the profile in pprof's compressed protobuf format.
func (p *Profiler) WriteTo(w io.Writer) error {
	return p.Profile().Write(w)
}

// Report renders a plain-text table, largest counts first.
func (p *Profiler) Report(w io.Writer) {
	fmt.Fprintf(w, "%-30s %10s\n", "procedure", "calls")
	for _, e := range p.entries() {
		fmt.Fprintf(w, "%-30s %10d\n", e.name, e.count)
	}
}

// sourceLocation takes the first string source entry of the debug-info
// table as the file name and that entry's instruction offset as the
// line.
func sourceLocation(code *CompiledCode) (string, int64) {
	for _, e := range code.Info {
		if s, ok := e.Source.(string); ok {
			return s, int64(e.Off)
		}
	}
	return "<bytecode>", 0
}
