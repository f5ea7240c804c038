// Package lkhist implements the per-thread event history map that backs
// the interceptor's in-process event buffer.
package lkhist

import (
	"sync"

	"github.com/georgehodgkins/lktrace/internal/lkevent"
)

// History is one thread's append-only event log. Callers obtain a
// *History once via Map.Get/Ensure and append to it directly; a History
// is never shared across threads for writes, so its own lock only
// guards against the trace writer reading concurrently at shutdown.
type History struct {
	mu      sync.RWMutex
	records []lkevent.Record
}

// Append adds rec to the end of the history.
func (h *History) Append(rec lkevent.Record) {
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
}

// Snapshot returns a copy of the history's records, safe for the trace
// writer to range over while the owning thread may still be appending
// (only relevant for the current thread's live history at shutdown).
func (h *History) Snapshot() []lkevent.Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]lkevent.Record, len(h.records))
	copy(out, h.records)
	return out
}

// Len reports the number of records currently recorded.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}
