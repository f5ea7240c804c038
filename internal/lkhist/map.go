package lkhist

import "sync"

// DefaultStripes is the default number of shards in a Map. It is not a
// capacity limit, only a contention granularity; NewMap lets callers
// scale it with the expected thread count.
const DefaultStripes = 64

// Map is a striped concurrent map from thread id to *History. Inserting
// a new thread id only takes the write lock of the one stripe that id
// hashes to, so registering a new thread never blocks Append calls from
// threads in other stripes. Unrelated threads never contend.
type Map struct {
	stripes []stripe
	mask    uint64
}

type stripe struct {
	mu sync.RWMutex
	m  map[uint64]*History
}

// NewMap constructs a Map with the given number of stripes, rounded up
// to the next power of two. A stripe count of 0 or negative uses
// DefaultStripes.
func NewMap(stripes int) *Map {
	if stripes <= 0 {
		stripes = DefaultStripes
	}
	n := 1
	for n < stripes {
		n <<= 1
	}
	m := &Map{
		stripes: make([]stripe, n),
		mask:    uint64(n - 1),
	}
	for i := range m.stripes {
		m.stripes[i].m = make(map[uint64]*History)
	}
	return m
}

func (m *Map) stripeFor(tid uint64) *stripe {
	return &m.stripes[tid&m.mask]
}

// Get returns the history for tid, or nil if it has not been registered.
func (m *Map) Get(tid uint64) *History {
	s := m.stripeFor(tid)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[tid]
}

// Ensure returns the history for tid, creating an empty one if none
// exists yet. Safe to call concurrently for distinct tids without
// cross-thread contention.
func (m *Map) Ensure(tid uint64) *History {
	s := m.stripeFor(tid)
	s.mu.RLock()
	if h, ok := s.m[tid]; ok {
		s.mu.RUnlock()
		return h
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.m[tid]; ok {
		return h
	}
	h := &History{}
	s.m[tid] = h
	return h
}

// Len returns the number of registered thread histories.
func (m *Map) Len() int {
	total := 0
	for i := range m.stripes {
		m.stripes[i].mu.RLock()
		total += len(m.stripes[i].m)
		m.stripes[i].mu.RUnlock()
	}
	return total
}

// Range calls fn for every (tid, history) pair. Iteration order is
// unspecified. fn must not call back into the Map.
func (m *Map) Range(fn func(tid uint64, h *History)) {
	for i := range m.stripes {
		m.stripes[i].mu.RLock()
		snapshot := make(map[uint64]*History, len(m.stripes[i].m))
		for k, v := range m.stripes[i].m {
			snapshot[k] = v
		}
		m.stripes[i].mu.RUnlock()
		for tid, h := range snapshot {
			fn(tid, h)
		}
	}
}
