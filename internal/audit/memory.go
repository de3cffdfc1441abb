package audit

import (
	"context"
	"sync"
)

// MemorySink keeps records in process. It backs tests and the
// single-binary setup where no broker is configured.
type MemorySink struct {
	mu      sync.RWMutex
	records []Record
	closed  bool
}

// NewMemorySink creates an empty in-process sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *MemorySink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Records returns a copy of everything written so far.
func (s *MemorySink) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// ForPlan returns the records for one plan in write order.
func (s *MemorySink) ForPlan(planID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if rec.PlanID == planID {
			out = append(out, rec)
		}
	}
	return out
}
