package tracing

import (
	"sort"
	"sync"
)

// A SummaryTracer counts records per process and kind.
type SummaryTracer struct {
	lock   sync.Mutex
	counts map[string]map[string]uint64
	kinds  map[string]struct{}
}

// NewSummaryTracer creates an empty SummaryTracer.
func NewSummaryTracer() *SummaryTracer {
	return &SummaryTracer{
		counts: make(map[string]map[string]uint64),
		kinds:  make(map[string]struct{}),
	}
}

// Trace counts r.
func (t *SummaryTracer) Trace(r Record) {
	t.lock.Lock()
	defer t.lock.Unlock()

	perProc, ok := t.counts[r.Process]
	if !ok {
		perProc = make(map[string]uint64)
		t.counts[r.Process] = perProc
	}

	perProc[r.Kind]++
	t.kinds[r.Kind] = struct{}{}
}

// Count returns how many records of kind process produced.
func (t *SummaryTracer) Count(process, kind string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.counts[process][kind]
}

// Processes returns the processes seen, sorted.
func (t *SummaryTracer) Processes() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	return sortedKeys(t.counts)
}

// Kinds returns the record kinds seen, sorted.
func (t *SummaryTracer) Kinds() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	return sortedKeys(t.kinds)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
