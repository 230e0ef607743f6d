package incident

import (
	"context"
	"sync"
	"time"
)

// MemorySink keeps incidents in process.
type MemorySink struct {
	mu        sync.RWMutex
	incidents []Incident
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append implements Sink.
func (s *MemorySink) Append(_ context.Context, inc Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = append(s.incidents, inc)
	return nil
}

// Resolve implements Sink.
func (s *MemorySink) Resolve(_ context.Context, id, by string, at time.Time) (Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.incidents {
		if s.incidents[i].ID != id {
			continue
		}
		inc := &s.incidents[i]
		if !inc.Resolved {
			inc.Resolved = true
			inc.ResolvedBy = by
			inc.ResolvedAt = &at
		}
		return *inc, nil
	}
	return Incident{}, ErrNotFound
}

// List implements Sink.
func (s *MemorySink) List(_ context.Context, f Filter) ([]Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Incident
	for i := len(s.incidents) - 1; i >= 0; i-- {
		inc := s.incidents[i]
		if f.Type != "" && inc.Type != f.Type {
			continue
		}
		if f.Severity != "" && inc.Severity != f.Severity {
			continue
		}
		if f.SessionID != "" && inc.SessionID != f.SessionID {
			continue
		}
		if f.Resolved != nil && inc.Resolved != *f.Resolved {
			continue
		}
		out = append(out, inc)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// All returns every incident in insertion order.
func (s *MemorySink) All() []Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Incident(nil), s.incidents...)
}
