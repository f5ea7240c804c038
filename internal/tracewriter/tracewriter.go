// Package tracewriter serializes an in-process event buffer to the
// line-oriented trace file format consumed by internal/traceparse.
package tracewriter

import (
	"bufio"
	"fmt"
	"os"
	"runtime/debug"
	"sort"

	"github.com/georgehodgkins/lktrace/internal/lkevent"
	"github.com/georgehodgkins/lktrace/internal/lkhist"
	"github.com/georgehodgkins/lktrace/internal/lklog"
	"github.com/georgehodgkins/lktrace/internal/symbolize"
)

func init() {
	// Prefer a recoverable panic over a silent SIGSEGV crash so Recover
	// below has a chance to flush whatever trace data has accumulated.
	debug.SetPanicOnFault(true)
}

// Write drains every thread history in tm, symbolizing each distinct
// caller PC once, and renders the result to path in the
// "[t:tid:hook]"/event-line/"[n:]" format. It returns early (writing
// nothing) if tm has never seen more than the master thread; a
// single-threaded process has no synchronization worth reporting.
func Write(tm *lkhist.Map, sym *symbolize.Symbolizer, path string) error {
	if tm.Len() <= 1 {
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tracewriter: creating %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	nameCache := make(map[uintptr]string)
	resolve := func(pc uintptr) string {
		if name, ok := nameCache[pc]; ok {
			return name
		}
		var name string
		if pc == 0 {
			name = "<program entry point>"
		} else {
			name = sym.Resolve(pc)
		}
		nameCache[pc] = name
		return name
	}

	// Collect (tid, records) pairs first so output order is deterministic
	// across runs. The parser does not rely on block order, but stable
	// output makes diffs sane.
	type block struct {
		tid     uint64
		records []lkevent.Record
	}
	var blocks []block
	tm.Range(func(tid uint64, h *lkhist.History) {
		blocks = append(blocks, block{tid: tid, records: h.Snapshot()})
	})
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].tid < blocks[j].tid })

	for _, b := range blocks {
		if len(b.records) == 0 || b.records[0].Kind != lkevent.ThrdSpawn {
			return fmt.Errorf("tracewriter: thread 0x%x history does not begin with THRD_SPAWN", b.tid)
		}
		hookAddr := b.records[0].Obj
		resolve(hookAddr)

		fmt.Fprintf(w, "[t:0x%x:0x%x]\n", b.tid, hookAddr)
		for _, rec := range b.records {
			fmt.Fprintf(w, "%d:%s:0x%x:0x%x\n", rec.Timestamp.Nanoseconds(), rec.Kind.Code(), rec.Obj, rec.Caller)
			resolve(rec.Caller)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "[n:]")
	addrs := make([]uintptr, 0, len(nameCache))
	for addr := range nameCache {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, addr := range addrs {
		fmt.Fprintf(w, "0x%x:%s\n", addr, nameCache[addr])
	}
	fmt.Fprintln(w)

	return w.Flush()
}

// Recover is a top-level abort handler: deferred in the interceptor's
// top-level goroutine, it logs a symbolized goroutine stack on an
// uncaught panic before re-panicking so the process still terminates
// abnormally. Useful under multi-process targets, where the crashing
// process's stderr may be the only surviving evidence.
func Recover() {
	if r := recover(); r != nil {
		lklog.Error("panic in traced process", "recovered", r, "stack", string(debug.Stack()))
		panic(r)
	}
}
