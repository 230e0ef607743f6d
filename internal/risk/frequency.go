package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultFrequencyWindow bounds how long an hour-of-day bucket keeps counting.
const DefaultFrequencyWindow = 24 * time.Hour

// FrequencyCounter counts a student's attempts per hour of day.
type FrequencyCounter interface {
	// Hit records an attempt at the given time and returns the count of
	// earlier attempts in the same bucket.
	Hit(ctx context.Context, studentID string, at time.Time) (int, error)
}

func bucket(studentID string, at time.Time) string {
	return fmt.Sprintf("%s:%02d", studentID, at.UTC().Hour())
}

type counterEntry struct {
	count   int
	expires time.Time
}

// MemoryCounter is an in-process FrequencyCounter.
type MemoryCounter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]counterEntry
}

// NewMemoryCounter creates a counter whose buckets reset after window.
func NewMemoryCounter(window time.Duration) *MemoryCounter {
	if window <= 0 {
		window = DefaultFrequencyWindow
	}
	return &MemoryCounter{window: window, buckets: make(map[string]counterEntry)}
}

// Hit implements FrequencyCounter.
func (m *MemoryCounter) Hit(_ context.Context, studentID string, at time.Time) (int, error) {
	key := bucket(studentID, at)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.buckets[key]
	if !ok || !at.Before(e.expires) {
		e = counterEntry{expires: at.Add(m.window)}
	}
	prior := e.count
	e.count++
	m.buckets[key] = e
	return prior, nil
}

// RedisCounter keeps the buckets in Redis so every API replica shares them.
type RedisCounter struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewRedisCounter creates a counter keyed under prefix with buckets expiring after window.
func NewRedisCounter(client *redis.Client, prefix string, window time.Duration) *RedisCounter {
	if prefix == "" {
		prefix = "risk:frequency"
	}
	if window <= 0 {
		window = DefaultFrequencyWindow
	}
	return &RedisCounter{client: client, prefix: prefix, window: window}
}

// Hit implements FrequencyCounter with INCR, setting the expiry on first use.
func (r *RedisCounter) Hit(ctx context.Context, studentID string, at time.Time) (int, error) {
	key := r.prefix + ":" + bucket(studentID, at)
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if n == 1 {
		if err := r.client.Expire(ctx, key, r.window).Err(); err != nil {
			return 0, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return int(n - 1), nil
}
