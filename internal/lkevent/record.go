package lkevent

import "time"

// Record is one entry in a thread's event history: a timestamp relative
// to tracer init, the event kind, the synchronization object's address,
// and the resolved caller PC that triggered it.
type Record struct {
	Timestamp time.Duration
	Kind      Kind
	Obj       uintptr
	Caller    uintptr
}
