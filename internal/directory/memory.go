package directory

import (
	"context"
	"sync"
)

// Memory is an in-process directory for dev and tests.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]Session
	students map[string]string
}

// NewMemory creates an empty directory.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]Session),
		students: make(map[string]string),
	}
}

// PutSession creates or replaces a session.
func (m *Memory) PutSession(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

// PutStudent registers a roll number for a student id.
func (m *Memory) PutStudent(rollNumber, studentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[rollNumber] = studentID
}

// Session implements Sessions.
func (m *Memory) Session(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

// ResolveStudent implements Students.
func (m *Memory) ResolveStudent(_ context.Context, rollNumber string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.students[rollNumber]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}
