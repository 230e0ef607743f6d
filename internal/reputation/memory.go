package reputation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps history and blocks in process.
type MemoryBackend struct {
	mu           sync.RWMutex
	associations []Association
	blocks       map[Identity]Block
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blocks: make(map[Identity]Block)}
}

// Append implements Backend.
func (m *MemoryBackend) Append(_ context.Context, a Association) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.associations = append(m.associations, a)
	return nil
}

// History implements Backend.
func (m *MemoryBackend) History(_ context.Context, q Query) ([]Association, error) {
	m.mu.RLock()
	var out []Association
	for _, a := range m.associations {
		if !a.Matches(q.Subject) || a.At.Before(q.Since) {
			continue
		}
		if q.AcceptedOnly && !a.Accepted {
			continue
		}
		out = append(out, a)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// SetBlocked implements Backend.
func (m *MemoryBackend) SetBlocked(_ context.Context, id Identity, blocked bool, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !blocked {
		delete(m.blocks, id)
		return nil
	}
	m.blocks[id] = Block{Identity: id, Reason: reason, UpdatedAt: at}
	return nil
}

// Blocked implements Backend.
func (m *MemoryBackend) Blocked(_ context.Context, id Identity) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[id]
	return ok, nil
}

// ListBlocked implements Backend.
func (m *MemoryBackend) ListBlocked(_ context.Context, kind Kind) ([]Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Block
	for _, b := range m.blocks {
		if kind == "" || b.Kind == kind {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Prune implements Backend.
func (m *MemoryBackend) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.associations[:0]
	var dropped int64
	for _, a := range m.associations {
		if a.At.Before(before) {
			dropped++
			continue
		}
		kept = append(kept, a)
	}
	m.associations = kept
	return dropped, nil
}
