package logsink

import (
	"context"
	"sync"
)

// MemorySink collects records in memory. Used when no MongoDB is configured
// and by tests.
type MemorySink struct {
	mu      sync.Mutex
	records []any
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Append(ctx context.Context, record any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

// Records returns a snapshot of everything appended so far.
func (m *MemorySink) Records() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]any, len(m.records))
	copy(out, m.records)
	return out
}

func (m *MemorySink) Close() error { return nil }
