package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectCallerSkipsOwnObject(t *testing.T) {
	opts := Options{ObjStart: 0x1000, ObjEnd: 0x2000}
	frames := []uintptr{0x1050, 0x1060, 0x3000, 0x3010, 0x3020, 0x3030}
	// first two frames are inside our object, skip those, then
	// DefaultTraceSkip=2 more frames: index 2 is first outside, +2 = index 4
	got := opts.SelectCaller(frames)
	assert.Equal(t, uintptr(0x3020), got)
}

func TestSelectCallerClampsToLastFrame(t *testing.T) {
	opts := Options{ObjStart: 0x1000, ObjEnd: 0x2000}
	frames := []uintptr{0x1050, 0x3000}
	got := opts.SelectCaller(frames)
	assert.Equal(t, uintptr(0x3000), got)
}

func TestSelectCallerEmpty(t *testing.T) {
	opts := Options{}
	assert.Equal(t, uintptr(0), opts.SelectCaller(nil))
}

func TestInOwnObjectAndAllocator(t *testing.T) {
	opts := Options{ObjStart: 0x1000, ObjEnd: 0x2000, AllocStart: 0x5000, AllocEnd: 0x6000}
	assert.True(t, opts.InOwnObject(0x1500))
	assert.False(t, opts.InOwnObject(0x2500))
	assert.True(t, opts.InAllocator(0x5500))
	assert.False(t, opts.InAllocator(0x500))
}

func TestAllocatorOriginatedCallersClassified(t *testing.T) {
	// A lock taken from inside the allocator's object walks to a caller
	// in the allocator's range; the shim drops such events, so the
	// classification must hold for every frame the walk can select.
	opts := Options{ObjStart: 0x1000, ObjEnd: 0x2000, AllocStart: 0x5000, AllocEnd: 0x6000}
	frames := []uintptr{0x1050, 0x1060, 0x5100, 0x5110, 0x5120, 0x5130}
	caller := opts.SelectCaller(frames)
	assert.True(t, opts.InAllocator(caller), "caller selected from allocator frames must classify as allocator-internal")
}

func TestRecursionGuard(t *testing.T) {
	g := NewRecursionGuard()
	require.True(t, g.Enter(1))
	assert.False(t, g.Enter(1), "reentrant call on same thread must be rejected")
	assert.True(t, g.Enter(2), "different thread must not be blocked")
	g.Leave(1)
	assert.True(t, g.Enter(1), "after Leave, thread may enter again")
	g.Leave(1)
	g.Leave(2)
}

func TestPendingRegistry(t *testing.T) {
	r := NewPendingRegistry()
	pt := PendingThread{Hook: 0x100, Arg: 0x200, Caller: 0x300}
	tok := r.Store(pt)
	got, ok := r.Take(tok)
	require.True(t, ok)
	assert.Equal(t, pt, got)

	_, ok = r.Take(tok)
	assert.False(t, ok, "second Take of the same token must miss")
}
