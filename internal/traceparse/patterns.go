package traceparse

import (
	"time"

	"github.com/georgehodgkins/lktrace/internal/lkevent"
)

// PerThreadPattern is one distinct lock-nesting pattern observed within a
// single thread's history: a signature of LOCK_ACQ/LOCK_REL events
// delimited by the thread's quiescent points (lock depth returning to
// zero), paired with the call sites that produced it.
type PerThreadPattern struct {
	Signature []lkevent.Kind
	Callers   []uintptr
	Count     int
}

// FindPerThreadPatterns groups each thread's lock acquire/release events
// into balanced-depth patterns and counts how many times each distinct
// (signature, caller list) pair recurs.
func FindPerThreadPatterns(t *Trace) map[uint64][]*PerThreadPattern {
	result := make(map[uint64][]*PerThreadPattern, len(t.Threads))

	for tid, hist := range t.Threads {
		var patterns []*PerThreadPattern
		var sig []lkevent.Kind
		var callers []uintptr
		depth := 0

		for _, rec := range hist {
			if rec.Kind != lkevent.LockAcq && rec.Kind != lkevent.LockRel {
				continue
			}
			sig = append(sig, rec.Kind)
			callers = append(callers, rec.Caller)
			if rec.Kind == lkevent.LockAcq {
				depth++
				continue
			}
			depth--
			if depth != 0 {
				continue
			}
			found := false
			for _, p := range patterns {
				if kindSliceEqual(p.Signature, sig) && uintptrSliceEqual(p.Callers, callers) {
					p.Count++
					found = true
					break
				}
			}
			if !found {
				patterns = append(patterns, &PerThreadPattern{
					Signature: append([]lkevent.Kind(nil), sig...),
					Callers:   append([]uintptr(nil), callers...),
					Count:     1,
				})
			}
			sig = sig[:0]
			callers = callers[:0]
		}
		result[tid] = patterns
	}
	return result
}

func kindSliceEqual(a, b []lkevent.Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func uintptrSliceEqual(a, b []uintptr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CrossPattern is one distinct cross-thread critical-section pattern
// found by FindCrossThreadPatterns, with per-thread occurrence counts
// and total/wait time accumulated across every instance.
type CrossPattern struct {
	Signature []lkevent.Kind
	Callers   []uintptr
	Instances map[uint64]int
	TotalTime time.Duration
	WaitTime  time.Duration
}

type callerInterner struct {
	ids    map[uintptr]uint16
	addrs  []uintptr
	nextID uint16
}

func newCallerInterner() *callerInterner {
	return &callerInterner{ids: make(map[uintptr]uint16)}
}

func (c *callerInterner) id(addr uintptr) uint16 {
	if id, ok := c.ids[addr]; ok {
		return id
	}
	id := c.nextID
	c.ids[addr] = id
	c.addrs = append(c.addrs, addr)
	c.nextID++
	return id
}

func (c *callerInterner) addr(id uint16) uintptr {
	return c.addrs[id]
}

func buildPatternKey(sig []lkevent.Kind, ids []uint16) string {
	buf := make([]rune, 0, len(sig)+len(ids))
	for _, k := range sig {
		buf = append(buf, rune(k))
	}
	for _, id := range ids {
		buf = append(buf, rune(id))
	}
	return string(buf)
}

// FindCrossThreadPatterns walks the globally time-merged event stream and
// extracts recurring cross-thread critical-section shapes. One thread
// (the holder) owns a pattern from its outermost LOCK_ACQ to the
// matching LOCK_REL: nested re-entrant LOCK_ACQ/LOCK_REL pairs from the
// same thread extend the pattern,
// COND_WAIT/COND_LEAVE/COND_SIGNAL/COND_BRDCST events from the holder are
// recorded into it, and a concurrent LOCK_ACQ by another thread that
// occurs after its own most recent release is bookmarked to resume
// scanning from once the current pattern closes, so two independently
// interleaved critical sections are each captured whole. minDepth is
// compared against half the recorded event count, so a pattern needs
// 2*minDepth events to qualify.
func FindCrossThreadPatterns(t *Trace, minDepth int) map[string]*CrossPattern {
	patterns := make(map[string]*CrossPattern)
	interner := newCallerInterner()
	nextRelease := make(map[uint64]time.Duration)

	var holderTid uint64
	var inPattern bool
	var skipWaitUnlock bool
	var initTime time.Duration
	var waitStart time.Duration
	var accumWait time.Duration
	depth := 0
	nextIdx := -1

	var sig []lkevent.Kind
	var callerIDs []uint16

	global := t.Global
	for i := 0; i < len(global); i++ {
		ref := global[i]
		rec := t.At(ref)

		switch rec.Kind {
		case lkevent.LockAcq:
			switch {
			case !inPattern:
				holderTid = ref.Tid
				initTime = rec.Timestamp
				inPattern = true
				depth++
				sig = append(sig, rec.Kind)
				callerIDs = append(callerIDs, interner.id(rec.Caller))
			case ref.Tid == holderTid:
				if skipWaitUnlock {
					skipWaitUnlock = false
				} else {
					depth++
					sig = append(sig, rec.Kind)
					callerIDs = append(callerIDs, interner.id(rec.Caller))
				}
			case nextIdx == -1:
				// nextRelease defaults to the zero Duration for a thread
				// that has never completed an outermost release, so its
				// very first lock acquisition while another thread's
				// pattern is active still qualifies for the bookmark.
				if rec.Timestamp > nextRelease[ref.Tid] {
					nextIdx = i
				}
			}

		case lkevent.LockRel:
			if ref.Tid != holderTid || skipWaitUnlock {
				break
			}
			sig = append(sig, rec.Kind)
			callerIDs = append(callerIDs, interner.id(rec.Caller))
			depth--
			if depth != 0 {
				break
			}
			if len(sig)/2 >= minDepth {
				key := buildPatternKey(sig, callerIDs)
				pd := patterns[key]
				if pd == nil {
					addrs := make([]uintptr, len(callerIDs))
					for j, id := range callerIDs {
						addrs[j] = interner.addr(id)
					}
					pd = &CrossPattern{
						Signature: append([]lkevent.Kind(nil), sig...),
						Callers:   addrs,
						Instances: make(map[uint64]int),
					}
					patterns[key] = pd
				}
				pd.Instances[holderTid]++
				pd.TotalTime += rec.Timestamp - initTime
				pd.WaitTime += accumWait
			}
			nextRelease[holderTid] = rec.Timestamp
			sig = sig[:0]
			callerIDs = callerIDs[:0]
			initTime = 0
			inPattern = false
			holderTid = 0
			accumWait = 0

			if nextIdx != -1 {
				i = nextIdx - 1
				nextIdx = -1
			}

		case lkevent.CondWait:
			if ref.Tid == holderTid {
				skipWaitUnlock = true
				sig = append(sig, rec.Kind)
				callerIDs = append(callerIDs, interner.id(rec.Caller))
				waitStart = rec.Timestamp
			}

		case lkevent.CondLeave:
			if ref.Tid == holderTid {
				sig = append(sig, rec.Kind)
				callerIDs = append(callerIDs, interner.id(rec.Caller))
				accumWait += rec.Timestamp - waitStart
			}

		case lkevent.CondSignal, lkevent.CondBrdcst:
			if ref.Tid == holderTid {
				sig = append(sig, rec.Kind)
				callerIDs = append(callerIDs, interner.id(rec.Caller))
			}
		}
	}

	return patterns
}
