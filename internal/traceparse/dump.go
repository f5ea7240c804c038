package traceparse

import (
	"fmt"
	"io"
	"sort"

	"github.com/georgehodgkins/lktrace/internal/lkevent"
)

func callerName(names map[uintptr]string, addr uintptr) string {
	if name, ok := names[addr]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("0x%x", addr)
}

// DumpThreads writes every thread's raw event history in order, one
// block per thread.
func DumpThreads(w io.Writer, t *Trace) error {
	tids := sortedTids(t.Threads)
	for _, tid := range tids {
		fmt.Fprintf(w, "=====\nThread 0x%x (hook=%s):\n", tid, t.Hooks[tid])
		for _, rec := range t.Threads[tid] {
			fmt.Fprintf(w, "%s 0x%x in %s [0x%x] @%s\n",
				rec.Kind.Descr(false), rec.Obj, callerName(t.Names, rec.Caller), rec.Caller, rec.Timestamp)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// DumpGlobal writes the globally time-merged event stream, one line per
// event.
func DumpGlobal(w io.Writer, t *Trace) error {
	for _, ref := range t.Global {
		rec := t.At(ref)
		fmt.Fprintf(w, "0x%x\t%s\t0x%x\t%s\t%s\n",
			ref.Tid, rec.Kind.Code(), rec.Obj, callerName(t.Names, rec.Caller), rec.Timestamp)
	}
	return nil
}

// DumpPerThreadPatterns writes the per-thread pattern report produced by
// FindPerThreadPatterns, filtering out any pattern whose lock-nesting
// depth (half its event count, as in FindCrossThreadPatterns) is below
// minDepth.
func DumpPerThreadPatterns(w io.Writer, t *Trace, patterns map[uint64][]*PerThreadPattern, minDepth int) error {
	tids := make([]uint64, 0, len(patterns))
	for tid := range patterns {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })

	for _, tid := range tids {
		var deep []*PerThreadPattern
		for _, p := range patterns[tid] {
			if len(p.Signature)/2 >= minDepth {
				deep = append(deep, p)
			}
		}
		if len(deep) == 0 {
			continue
		}
		fmt.Fprintf(w, "=====\nThread 0x%x (hook=%s):\n", tid, t.Hooks[tid])
		for _, p := range deep {
			for i, k := range p.Signature {
				fmt.Fprintf(w, "%s [0x%x] @%s\n", k.Descr(false), p.Callers[i], callerName(t.Names, p.Callers[i]))
			}
			fmt.Fprintf(w, "occurs %d time(s).\n\n", p.Count)
		}
	}
	return nil
}

// RenderCrossPattern writes one cross-thread pattern's event sequence as
// an indented trace: '|' marks depth while a lock is held, '.' marks
// depth while the holder is blocked in a condition wait.
func RenderCrossPattern(w io.Writer, p *CrossPattern, names map[uintptr]string, callerObj map[uintptr]uintptr) {
	depth := 0
	waiting := false
	for i, k := range p.Signature {
		caller := p.Callers[i]
		var msg string
		switch k {
		case lkevent.LockAcq:
			depth++
			msg = fmt.Sprintf("Lock 0x%x: %s [0x%x]", callerObj[caller], callerName(names, caller), caller)
		case lkevent.LockRel:
			depth--
			msg = fmt.Sprintf("Unlock 0x%x: %s [0x%x]", callerObj[caller], callerName(names, caller), caller)
		case lkevent.CondWait:
			waiting = true
			msg = fmt.Sprintf("Cond Wait 0x%x: %s [0x%x]", callerObj[caller], callerName(names, caller), caller)
		case lkevent.CondLeave:
			waiting = false
			msg = fmt.Sprintf("Cond Wake 0x%x: %s [0x%x]", callerObj[caller], callerName(names, caller), caller)
		case lkevent.CondSignal:
			msg = fmt.Sprintf("Cond Sig 0x%x: %s [0x%x]", callerObj[caller], callerName(names, caller), caller)
		case lkevent.CondBrdcst:
			msg = fmt.Sprintf("Cond Brd 0x%x: %s [0x%x]", callerObj[caller], callerName(names, caller), caller)
		}
		indentChar := byte('|')
		if waiting {
			indentChar = '.'
		}
		for x := 0; x < depth; x++ {
			w.Write([]byte{indentChar})
		}
		if depth == 0 {
			w.Write([]byte{'|'})
		}
		fmt.Fprintln(w, msg)
	}
}

// DumpCrossPatterns writes every cross-thread pattern found by
// FindCrossThreadPatterns, each rendered with RenderCrossPattern followed
// by per-thread occurrence counts and mean total/wait time.
func DumpCrossPatterns(w io.Writer, t *Trace, patterns map[string]*CrossPattern) {
	keys := make([]string, 0, len(patterns))
	for k := range patterns {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		p := patterns[key]
		RenderCrossPattern(w, p, t.Names, t.CallerObj)

		tids := make([]uint64, 0, len(p.Instances))
		for tid := range p.Instances {
			tids = append(tids, tid)
		}
		sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
		for _, tid := range tids {
			fmt.Fprintf(w, "%d occurrences in thread 0x%x [%s]\n", p.Instances[tid], tid, t.Hooks[tid])
		}
		n := float64(len(p.Instances))
		fmt.Fprintf(w, "Mean time in pattern: %.0f ns\n", float64(p.TotalTime)/n)
		fmt.Fprintf(w, "Mean wait time in pattern: %.0f ns\n\n", float64(p.WaitTime)/n)
	}
}

func sortedTids(m map[uint64][]lkevent.Record) []uint64 {
	tids := make([]uint64, 0, len(m))
	for tid := range m {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
	return tids
}
