package tracing

import (
	"sync"

	"github.com/sarchlab/vmkernel/datarecording"
)

// TableName is the table a DBTracer writes to.
const TableName = "paging_event"

// A DBTracer stores records in a data recorder while tracing is on.
type DBTracer struct {
	mu      sync.Mutex
	backend datarecording.DataRecorder
	tracing bool
	count   uint64
}

// NewDBTracer creates a DBTracer writing to backend. Tracing starts on.
func NewDBTracer(backend datarecording.DataRecorder) *DBTracer {
	backend.CreateTable(TableName, Record{})

	return &DBTracer{
		backend: backend,
		tracing: true,
	}
}

// StartTracing resumes recording.
func (t *DBTracer) StartTracing() {
	t.mu.Lock()
	t.tracing = true
	t.mu.Unlock()
}

// StopTracing drops records until StartTracing is called.
func (t *DBTracer) StopTracing() {
	t.mu.Lock()
	t.tracing = false
	t.mu.Unlock()
}

// IsTracing reports whether records are being stored.
func (t *DBTracer) IsTracing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.tracing
}

// Count returns the number of records stored.
func (t *DBTracer) Count() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.count
}

// Trace stores r.
func (t *DBTracer) Trace(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.tracing {
		return
	}

	t.backend.InsertData(TableName, r)
	t.count++
}
