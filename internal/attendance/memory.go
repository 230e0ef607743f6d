package attendance

import (
	"context"
	"sort"
	"sync"

	"attendguard/internal/codes"
)

// MemoryStore keeps records in process. Admit holds a per-pair lock across
// the duplicate check, the code consumption and the insert.
type MemoryStore struct {
	codes codes.Store
	locks sync.Map

	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates a store that consumes codes from cs.
func NewMemoryStore(cs codes.Store) *MemoryStore {
	return &MemoryStore{codes: cs, records: make(map[string]Record)}
}

func pairKey(sessionID, studentID string) string { return sessionID + "\x00" + studentID }

// Exists implements Store.
func (m *MemoryStore) Exists(_ context.Context, sessionID, studentID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[pairKey(sessionID, studentID)]
	return ok, nil
}

// Admit implements Store.
func (m *MemoryStore) Admit(ctx context.Context, rec Record, claim CodeClaim) error {
	key := pairKey(rec.SessionID, rec.StudentID)
	l, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	lock := l.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if exists, _ := m.Exists(ctx, rec.SessionID, rec.StudentID); exists {
		return ErrAlreadyExists
	}
	ok, err := m.codes.Consume(ctx, claim.SessionID, claim.StudentID, claim.Value, claim.At)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCodeUnavailable
	}
	rec.Flags = append([]string{}, rec.Flags...)

	m.mu.Lock()
	m.records[key] = rec
	m.mu.Unlock()
	return nil
}

// ListBySession implements Store, oldest first.
func (m *MemoryStore) ListBySession(_ context.Context, sessionID string) ([]Record, error) {
	out := m.filter(func(r Record) bool { return r.SessionID == sessionID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// ListByStudent implements Store, newest first.
func (m *MemoryStore) ListByStudent(_ context.Context, studentID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = HistoryLimit
	}
	out := m.filter(func(r Record) bool { return r.StudentID == studentID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) filter(keep func(Record) bool) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
