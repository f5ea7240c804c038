package traceparse

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgehodgkins/lktrace/internal/lkevent"
)

func recordsToTrace(threads map[uint64][]lkevent.Record) *Trace {
	t := &Trace{
		Threads:   threads,
		Names:     map[uintptr]string{},
		Hooks:     map[uint64]string{},
		CallerObj: map[uintptr]uintptr{},
	}
	for _, hist := range threads {
		for _, rec := range hist {
			if _, ok := t.CallerObj[rec.Caller]; !ok {
				t.CallerObj[rec.Caller] = rec.Obj
			}
		}
	}
	t.Global = mergeGlobal(threads)
	return t
}

func TestFindPerThreadPatterns(t *testing.T) {
	threads := map[uint64][]lkevent.Record{
		1: {
			{Timestamp: 0, Kind: lkevent.ThrdSpawn, Obj: 0x10},
			{Timestamp: 10, Kind: lkevent.LockAcq, Obj: 0x300, Caller: 0x400},
			{Timestamp: 20, Kind: lkevent.LockRel, Obj: 0x300, Caller: 0x400},
			{Timestamp: 30, Kind: lkevent.LockAcq, Obj: 0x300, Caller: 0x400},
			{Timestamp: 40, Kind: lkevent.LockRel, Obj: 0x300, Caller: 0x400},
		},
	}
	tr := recordsToTrace(threads)
	patterns := FindPerThreadPatterns(tr)
	require.Len(t, patterns[1], 1)
	assert.Equal(t, 2, patterns[1][0].Count)
	assert.Equal(t, []lkevent.Kind{lkevent.LockAcq, lkevent.LockRel}, patterns[1][0].Signature)
}

func TestFindPerThreadPatternsDistinguishesCallers(t *testing.T) {
	threads := map[uint64][]lkevent.Record{
		1: {
			{Timestamp: 0, Kind: lkevent.ThrdSpawn, Obj: 0x10},
			{Timestamp: 10, Kind: lkevent.LockAcq, Obj: 0x300, Caller: 0x400},
			{Timestamp: 20, Kind: lkevent.LockRel, Obj: 0x300, Caller: 0x400},
			{Timestamp: 30, Kind: lkevent.LockAcq, Obj: 0x300, Caller: 0x999},
			{Timestamp: 40, Kind: lkevent.LockRel, Obj: 0x300, Caller: 0x999},
		},
	}
	tr := recordsToTrace(threads)
	patterns := FindPerThreadPatterns(tr)
	require.Len(t, patterns[1], 2)
	assert.Equal(t, 1, patterns[1][0].Count)
	assert.Equal(t, 1, patterns[1][1].Count)
}

func TestFindCrossThreadPatternsNested(t *testing.T) {
	threads := map[uint64][]lkevent.Record{
		1: {
			{Timestamp: 0, Kind: lkevent.ThrdSpawn, Obj: 0x10},
			{Timestamp: 10, Kind: lkevent.LockAcq, Obj: 0x300, Caller: 0x400},
			{Timestamp: 20, Kind: lkevent.LockAcq, Obj: 0x301, Caller: 0x401},
			{Timestamp: 30, Kind: lkevent.LockRel, Obj: 0x301, Caller: 0x401},
			{Timestamp: 40, Kind: lkevent.LockRel, Obj: 0x300, Caller: 0x400},
		},
	}
	tr := recordsToTrace(threads)
	patterns := FindCrossThreadPatterns(tr, 1)
	require.Len(t, patterns, 1)
	for _, p := range patterns {
		assert.Equal(t, []lkevent.Kind{
			lkevent.LockAcq, lkevent.LockAcq, lkevent.LockRel, lkevent.LockRel,
		}, p.Signature)
		assert.Equal(t, 1, p.Instances[1])
		assert.Equal(t, time.Duration(40), p.TotalTime)
	}
}

func TestFindCrossThreadPatternsCondWaitAccumulatesWaitTime(t *testing.T) {
	threads := map[uint64][]lkevent.Record{
		1: {
			{Timestamp: 0, Kind: lkevent.ThrdSpawn, Obj: 0x10},
			{Timestamp: 10, Kind: lkevent.LockAcq, Obj: 0x300, Caller: 0x400},
			{Timestamp: 20, Kind: lkevent.CondWait, Obj: 0x500, Caller: 0x600},
			{Timestamp: 21, Kind: lkevent.LockRel, Obj: 0x300, Caller: 0x400},
			{Timestamp: 50, Kind: lkevent.CondLeave, Obj: 0x500, Caller: 0x600},
			{Timestamp: 51, Kind: lkevent.LockAcq, Obj: 0x300, Caller: 0x400},
			{Timestamp: 60, Kind: lkevent.LockRel, Obj: 0x300, Caller: 0x400},
		},
	}
	tr := recordsToTrace(threads)
	patterns := FindCrossThreadPatterns(tr, 1)
	require.Len(t, patterns, 1)
	for _, p := range patterns {
		assert.Equal(t, time.Duration(30), p.WaitTime)
		assert.Equal(t, time.Duration(50), p.TotalTime)
	}
}

func TestFindCrossThreadPatternsCondWaitBracket(t *testing.T) {
	// A thread holds M, cond_waits on C, then unlocks M. The
	// synthetic LOCK_REL/LOCK_ACQ bracketing the wait must be consumed
	// by skip_wait_unlock rather than appended, so the committed
	// signature is LA CW CL LR, not the six-event raw stream.
	threads := map[uint64][]lkevent.Record{
		1: {
			{Timestamp: 0, Kind: lkevent.ThrdSpawn, Obj: 0x10},
			{Timestamp: 10, Kind: lkevent.LockAcq, Obj: 0x300, Caller: 0x400},
			{Timestamp: 20, Kind: lkevent.CondWait, Obj: 0x500, Caller: 0x600},
			{Timestamp: 21, Kind: lkevent.LockRel, Obj: 0x300, Caller: 0x400},
			{Timestamp: 50, Kind: lkevent.CondLeave, Obj: 0x500, Caller: 0x600},
			{Timestamp: 51, Kind: lkevent.LockAcq, Obj: 0x300, Caller: 0x400},
			{Timestamp: 60, Kind: lkevent.LockRel, Obj: 0x300, Caller: 0x400},
		},
	}
	tr := recordsToTrace(threads)
	patterns := FindCrossThreadPatterns(tr, 1)
	require.Len(t, patterns, 1)
	for _, p := range patterns {
		assert.Equal(t, []lkevent.Kind{
			lkevent.LockAcq, lkevent.CondWait, lkevent.CondLeave, lkevent.LockRel,
		}, p.Signature)
		assert.Equal(t, 1, p.Instances[1])
	}
}

func TestFindCrossThreadPatternsInterleaved(t *testing.T) {
	// Thread A takes X then Y then releases both while thread B
	// independently takes and releases Z partway through A's pattern.
	// B's lock acquisition must be bookmarked via `next` so it is not
	// lost behind A's still-open pattern, even though B has never
	// completed a release before (nextRelease[2] starts at the zero
	// Duration rather than being absent).
	threads := map[uint64][]lkevent.Record{
		1: {
			{Timestamp: 0, Kind: lkevent.ThrdSpawn, Obj: 0x10},
			{Timestamp: 10, Kind: lkevent.LockAcq, Obj: 0x300, Caller: 0x400},
			{Timestamp: 20, Kind: lkevent.LockAcq, Obj: 0x301, Caller: 0x401},
			{Timestamp: 30, Kind: lkevent.LockRel, Obj: 0x301, Caller: 0x401},
			{Timestamp: 40, Kind: lkevent.LockRel, Obj: 0x300, Caller: 0x400},
		},
		2: {
			{Timestamp: 0, Kind: lkevent.ThrdSpawn, Obj: 0x11},
			{Timestamp: 15, Kind: lkevent.LockAcq, Obj: 0x302, Caller: 0x402},
			{Timestamp: 25, Kind: lkevent.LockRel, Obj: 0x302, Caller: 0x402},
		},
	}
	tr := recordsToTrace(threads)
	patterns := FindCrossThreadPatterns(tr, 1)
	require.Len(t, patterns, 2, "both A's nested pattern and B's independent pattern must be recorded")

	var sawA, sawB bool
	for _, p := range patterns {
		switch {
		case p.Instances[1] == 1:
			sawA = true
			assert.Equal(t, []lkevent.Kind{
				lkevent.LockAcq, lkevent.LockAcq, lkevent.LockRel, lkevent.LockRel,
			}, p.Signature)
		case p.Instances[2] == 1:
			sawB = true
			assert.Equal(t, []lkevent.Kind{lkevent.LockAcq, lkevent.LockRel}, p.Signature)
		}
	}
	assert.True(t, sawA, "thread A's pattern must be recorded")
	assert.True(t, sawB, "thread B's bookmarked pattern must be recorded")
}

func TestDumpCrossPatternsRenders(t *testing.T) {
	threads := map[uint64][]lkevent.Record{
		1: {
			{Timestamp: 0, Kind: lkevent.ThrdSpawn, Obj: 0x10},
			{Timestamp: 10, Kind: lkevent.LockAcq, Obj: 0x300, Caller: 0x400},
			{Timestamp: 20, Kind: lkevent.LockRel, Obj: 0x300, Caller: 0x400},
		},
	}
	tr := recordsToTrace(threads)
	patterns := FindCrossThreadPatterns(tr, 1)
	var buf bytes.Buffer
	DumpCrossPatterns(&buf, tr, patterns)
	out := buf.String()
	assert.Contains(t, out, "Lock 0x300")
	assert.Contains(t, out, "Unlock 0x300")
	assert.Contains(t, out, "occurrences in thread 0x1")
}
