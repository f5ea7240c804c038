// Package traceparse implements offline parsing and analysis of trace
// files produced by internal/tracewriter.
package traceparse

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/georgehodgkins/lktrace/internal/lkevent"
)

// Ref points to one event within a particular thread's history, used for
// the globally time-ordered view.
type Ref struct {
	Tid   uint64
	Index int
}

// Trace is the fully parsed model of one trace file: every thread's
// event history, the resolved name table, a derived thread-hook name per
// thread, a caller-PC-to-object cross-reference, and the global
// timestamp-ordered merge of every thread's events.
type Trace struct {
	Threads   map[uint64][]lkevent.Record
	Names     map[uintptr]string
	Hooks     map[uint64]string
	CallerObj map[uintptr]uintptr
	Global    []Ref
}

// Parse reads a trace file written by internal/tracewriter and builds
// the full Trace model: per-thread histories, the resolved name table,
// thread hook names, and the globally time-ordered merge.
func Parse(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("traceparse: opening %s: %w", path, err)
	}
	defer f.Close()

	t := &Trace{
		Threads:   make(map[uint64][]lkevent.Record),
		Names:     make(map[uintptr]string),
		Hooks:     make(map[uint64]string),
		CallerObj: make(map[uintptr]uintptr),
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var curTid uint64
	mode := modeNone
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			mode = modeNone
			continue
		}
		switch {
		case strings.HasPrefix(line, "[t:") || strings.HasPrefix(line, "[m:"):
			// The t:/m: distinction (master vs. regular thread) is not
			// meaningful to the parser: both are treated identically.
			tid, _, err := parseHeader(line)
			if err != nil {
				return nil, err
			}
			curTid = tid
			if _, ok := t.Threads[tid]; !ok {
				t.Threads[tid] = nil
			}
			mode = modeThread
			continue
		case line == "[n:]":
			mode = modeNames
			continue
		}

		switch mode {
		case modeThread:
			rec, err := parseEventLine(line)
			if err != nil {
				return nil, fmt.Errorf("traceparse: %s: %w", path, err)
			}
			t.Threads[curTid] = append(t.Threads[curTid], rec)
			if _, ok := t.CallerObj[rec.Caller]; !ok {
				t.CallerObj[rec.Caller] = rec.Obj
			}
		case modeNames:
			addr, name, err := parseNameLine(line)
			if err != nil {
				return nil, fmt.Errorf("traceparse: %s: %w", path, err)
			}
			t.Names[addr] = name
		default:
			return nil, fmt.Errorf("traceparse: %s: unexpected line %q outside any block", path, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("traceparse: reading %s: %w", path, err)
	}

	for tid, hist := range t.Threads {
		if len(hist) == 0 || hist[0].Kind != lkevent.ThrdSpawn {
			return nil, fmt.Errorf("traceparse: thread 0x%x missing leading THRD_SPAWN event", tid)
		}
		t.Hooks[tid] = t.Names[hist[0].Obj]
	}

	t.Global = mergeGlobal(t.Threads)
	return t, nil
}

type parseMode int

const (
	modeNone parseMode = iota
	modeThread
	modeNames
)

func parseHeader(line string) (tid uint64, hook uintptr, err error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
	parts := strings.Split(trimmed, ":")
	if len(parts) != 3 {
		return 0, 0, fmt.Errorf("malformed block header %q", line)
	}
	tid, err = parseHexAddr(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed tid in header %q: %w", line, err)
	}
	hookU64, err := parseHexAddr(parts[2])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed hook addr in header %q: %w", line, err)
	}
	return tid, uintptr(hookU64), nil
}

func parseEventLine(line string) (lkevent.Record, error) {
	parts := strings.SplitN(line, ":", 4)
	if len(parts) != 4 {
		return lkevent.Record{}, fmt.Errorf("malformed event line %q", line)
	}
	tsNanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return lkevent.Record{}, fmt.Errorf("malformed timestamp in %q: %w", line, err)
	}
	kind, ok := lkevent.ParseCode(parts[1])
	if !ok {
		return lkevent.Record{}, fmt.Errorf("unrecognized event code in %q", line)
	}
	obj, err := parseHexAddr(parts[2])
	if err != nil {
		return lkevent.Record{}, fmt.Errorf("malformed obj addr in %q: %w", line, err)
	}
	caller, err := parseHexAddr(parts[3])
	if err != nil {
		return lkevent.Record{}, fmt.Errorf("malformed caller addr in %q: %w", line, err)
	}
	return lkevent.Record{
		Timestamp: time.Duration(tsNanos),
		Kind:      kind,
		Obj:       uintptr(obj),
		Caller:    uintptr(caller),
	}, nil
}

func parseNameLine(line string) (uintptr, string, error) {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed name line %q", line)
	}
	addr, err := parseHexAddr(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("malformed addr in name line %q: %w", line, err)
	}
	return uintptr(addr), parts[1], nil
}

func parseHexAddr(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}

// mergeGlobal performs a k-way merge of every thread's history by
// ascending timestamp. Each thread's own history is already
// time-ordered, so a stable sort over a tid-ordered flattening is an
// equivalent merge that deterministically breaks ties by (tid, index).
func mergeGlobal(threads map[uint64][]lkevent.Record) []Ref {
	tids := make([]uint64, 0, len(threads))
	for tid := range threads {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })

	var refs []Ref
	for _, tid := range tids {
		for idx := range threads[tid] {
			refs = append(refs, Ref{Tid: tid, Index: idx})
		}
	}
	sort.SliceStable(refs, func(i, j int) bool {
		return threads[refs[i].Tid][refs[i].Index].Timestamp < threads[refs[j].Tid][refs[j].Index].Timestamp
	})
	return refs
}

// At returns the record referenced by r.
func (t *Trace) At(r Ref) lkevent.Record {
	return t.Threads[r.Tid][r.Index]
}
