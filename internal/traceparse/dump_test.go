package traceparse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgehodgkins/lktrace/internal/lkevent"
)

func TestDumpThreadsAndGlobal(t *testing.T) {
	threads := map[uint64][]lkevent.Record{
		1: {
			{Timestamp: 0, Kind: lkevent.ThrdSpawn, Obj: 0x10},
			{Timestamp: 10, Kind: lkevent.LockAcq, Obj: 0x300, Caller: 0x400},
			{Timestamp: 20, Kind: lkevent.LockRel, Obj: 0x300, Caller: 0x400},
		},
	}
	tr := recordsToTrace(threads)
	tr.Hooks[1] = "worker_main"

	var threadsBuf bytes.Buffer
	require.NoError(t, DumpThreads(&threadsBuf, tr))
	assert.Contains(t, threadsBuf.String(), "Thread 0x1")
	assert.Contains(t, threadsBuf.String(), "Acquired lock")

	var globalBuf bytes.Buffer
	require.NoError(t, DumpGlobal(&globalBuf, tr))
	assert.Contains(t, globalBuf.String(), "LA")
}

func TestDumpPerThreadPatternsFiltersByDepth(t *testing.T) {
	// A single lock/unlock pair is depth 1; a nested pair inside it is
	// depth 2. minDepth counts nesting depth, not raw event count.
	threads := map[uint64][]lkevent.Record{
		1: {
			{Timestamp: 0, Kind: lkevent.ThrdSpawn, Obj: 0x10},
			{Timestamp: 10, Kind: lkevent.LockAcq, Obj: 0x300, Caller: 0x400},
			{Timestamp: 20, Kind: lkevent.LockRel, Obj: 0x300, Caller: 0x400},
			{Timestamp: 30, Kind: lkevent.LockAcq, Obj: 0x300, Caller: 0x401},
			{Timestamp: 40, Kind: lkevent.LockAcq, Obj: 0x301, Caller: 0x402},
			{Timestamp: 50, Kind: lkevent.LockRel, Obj: 0x301, Caller: 0x402},
			{Timestamp: 60, Kind: lkevent.LockRel, Obj: 0x300, Caller: 0x401},
		},
	}
	tr := recordsToTrace(threads)
	patterns := FindPerThreadPatterns(tr)

	var buf bytes.Buffer
	require.NoError(t, DumpPerThreadPatterns(&buf, tr, patterns, 3))
	assert.Empty(t, buf.String())

	buf.Reset()
	require.NoError(t, DumpPerThreadPatterns(&buf, tr, patterns, 2))
	out := buf.String()
	assert.Contains(t, out, "occurs 1 time(s)")
	assert.NotContains(t, out, "0x400", "the depth-1 pattern must be filtered out at minDepth=2")

	buf.Reset()
	require.NoError(t, DumpPerThreadPatterns(&buf, tr, patterns, 1))
	assert.Contains(t, buf.String(), "0x400")
}
