package codes

import (
	"context"
	"sync"
	"time"
)

type pair struct {
	mu    sync.Mutex
	codes []Code
}

// MemoryStore keeps codes in process. Each (session, student) pair has its
// own lock so unrelated pairs never contend.
type MemoryStore struct {
	pairs sync.Map
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) pair(sessionID, studentID string) *pair {
	p, _ := s.pairs.LoadOrStore(sessionID+"\x00"+studentID, &pair{})
	return p.(*pair)
}

// IssueIfAbsent implements Store.
func (s *MemoryStore) IssueIfAbsent(_ context.Context, candidate Code, now time.Time) (Code, error) {
	p := s.pair(candidate.SessionID, candidate.StudentID)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.codes) - 1; i >= 0; i-- {
		if p.codes[i].Active(now) {
			return p.codes[i], nil
		}
	}
	p.codes = append(p.codes, candidate)
	return candidate, nil
}

// Find implements Store.
func (s *MemoryStore) Find(_ context.Context, sessionID, studentID, value string) (Code, error) {
	p := s.pair(sessionID, studentID)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.codes) - 1; i >= 0; i-- {
		if p.codes[i].Value == value {
			return p.codes[i], nil
		}
	}
	return Code{}, ErrNotFound
}

// Consume implements Store.
func (s *MemoryStore) Consume(_ context.Context, sessionID, studentID, value string, now time.Time) (bool, error) {
	p := s.pair(sessionID, studentID)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.codes) - 1; i >= 0; i-- {
		c := &p.codes[i]
		if c.Value == value && c.Active(now) {
			at := now
			c.Consumed = true
			c.ConsumedAt = &at
			return true, nil
		}
	}
	return false, nil
}
