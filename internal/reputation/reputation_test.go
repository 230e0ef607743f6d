package reputation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/incident"
)

var baseTime = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *Store
	backend *MemoryBackend
	sink    *incident.MemorySink
	redis   *miniredis.Miniredis
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backend := NewMemoryBackend()
	sink := incident.NewMemorySink()
	s := NewStore(backend, NewRedisBlockCache(client, "", time.Minute), incident.NewRecorder(sink, nil, nil), nil)
	s.WithClock(func() time.Time { return baseTime })
	return fixture{store: s, backend: backend, sink: sink, redis: srv}
}

func TestHistoryWindowAndOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, at := range []time.Time{
		baseTime.Add(-40 * 24 * time.Hour),
		baseTime.Add(-2 * time.Hour),
		baseTime.Add(-10 * time.Minute),
		baseTime.Add(-30 * time.Minute),
	} {
		require.NoError(t, f.store.RecordAssociation(ctx, Association{
			DeviceFingerprint: "dev-1", NetworkIdentity: "net-1", StudentID: "stu-1",
			SessionID: "s-" + string(rune('a'+i)), Score: 100, Accepted: true, At: at,
		}))
	}

	hour, err := f.store.History(ctx, Device("dev-1"), RateWindow, 0)
	require.NoError(t, err)
	require.Len(t, hour, 2)
	assert.True(t, hour[0].At.After(hour[1].At), "newest first")

	month, err := f.store.History(ctx, Device("dev-1"), BehavioralWindow, 0)
	require.NoError(t, err)
	assert.Len(t, month, 3)

	limited, err := f.store.History(ctx, Student("stu-1"), BehavioralWindow, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, baseTime.Add(-10*time.Minute), limited[0].At)
}

func TestAcceptedHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.RecordAssociation(ctx, Association{DeviceFingerprint: "d", NetworkIdentity: "n", StudentID: "stu", Score: 90, Accepted: true}))
	require.NoError(t, f.store.RecordAssociation(ctx, Association{DeviceFingerprint: "d", NetworkIdentity: "n", StudentID: "stu", Score: 20, Accepted: false}))

	got, err := f.store.AcceptedHistory(ctx, Student("stu"), BehavioralWindow)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 90, got[0].Score)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, baseTime, got[0].At)
}

func TestRecordAssociationValidates(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.store.RecordAssociation(context.Background(), Association{DeviceFingerprint: "d"}))
}

func TestConcurrentAppendsAreNotLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.store.RecordAssociation(ctx, Association{DeviceFingerprint: "dev", NetworkIdentity: "net", StudentID: "stu"})
		}()
	}
	wg.Wait()

	got, err := f.store.History(ctx, Device("dev"), RateWindow, 0)
	require.NoError(t, err)
	assert.Len(t, got, 50)
}

func TestBlockUnblockIdempotentWithIncidents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := Device("dev-1")

	blocked, err := f.store.IsBlocked(ctx, dev)
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, f.store.Block(ctx, dev, "Critical security score"))
	require.NoError(t, f.store.Block(ctx, dev, "Critical security score"))

	blocked, err = f.store.IsBlocked(ctx, dev)
	require.NoError(t, err)
	assert.True(t, blocked, "cache must be invalidated on block")

	require.NoError(t, f.store.Unblock(ctx, dev))
	require.NoError(t, f.store.Unblock(ctx, dev))
	blocked, err = f.store.IsBlocked(ctx, dev)
	require.NoError(t, err)
	assert.False(t, blocked)

	all := f.sink.All()
	require.Len(t, all, 4)
	assert.Equal(t, incident.TypeDeviceBlocked, all[0].Type)
	assert.Equal(t, incident.SeverityHigh, all[0].Severity)
	assert.Equal(t, "dev-1", all[0].DeviceFingerprint)
	assert.Equal(t, incident.TypeDeviceUnblocked, all[3].Type)
	assert.Equal(t, incident.SeverityLow, all[3].Severity)
}

func TestBlockNetwork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Block(ctx, Network("198.51.100.4"), "manual"))
	list, err := f.store.ListBlocked(ctx, KindNetwork)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "198.51.100.4", list[0].Value)
	assert.Equal(t, "manual", list[0].Reason)

	devices, err := f.store.ListBlocked(ctx, KindDevice)
	require.NoError(t, err)
	assert.Empty(t, devices)

	assert.Equal(t, incident.CategoryBlockedNetwork, f.sink.All()[0].Category)
}

func TestBlockRejectsStudents(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.store.Block(context.Background(), Student("stu-1"), "nope"), ErrUnblockable)
}

func TestIsBlockedServesFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := Device("dev-9")

	require.NoError(t, f.store.Block(ctx, dev, "x"))
	blocked, err := f.store.IsBlocked(ctx, dev)
	require.NoError(t, err)
	require.True(t, blocked)
	assert.True(t, f.redis.Exists("reputation:block:device:dev-9"))

	// A backend change behind the store's back is only seen after expiry.
	require.NoError(t, f.backend.SetBlocked(ctx, dev, false, "", baseTime))
	blocked, err = f.store.IsBlocked(ctx, dev)
	require.NoError(t, err)
	assert.True(t, blocked)

	f.redis.FastForward(2 * time.Minute)
	blocked, err = f.store.IsBlocked(ctx, dev)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestReputationSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, score := range []int{20, 40} {
		require.NoError(t, f.store.RecordAssociation(ctx, Association{DeviceFingerprint: "dev", NetworkIdentity: "net", StudentID: "stu", Score: score}))
	}
	require.NoError(t, f.store.Block(ctx, Device("dev"), "x"))

	rec, err := f.store.Reputation(ctx, Device("dev"))
	require.NoError(t, err)
	assert.True(t, rec.Blocked)
	assert.Equal(t, 70, rec.RiskScore)
	assert.Len(t, rec.Associations, 2)
}

func TestPrune(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.RecordAssociation(ctx, Association{DeviceFingerprint: "d", NetworkIdentity: "n", StudentID: "s", At: baseTime.Add(-31 * 24 * time.Hour)}))
	require.NoError(t, f.store.RecordAssociation(ctx, Association{DeviceFingerprint: "d", NetworkIdentity: "n", StudentID: "s", At: baseTime.Add(-time.Hour)}))

	n, err := f.store.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAverageRisk(t *testing.T) {
	assert.Equal(t, 0.0, AverageRisk(nil))
	assert.InDelta(t, 75.0, AverageRisk([]Association{{Score: 20}, {Score: 30}}), 1e-9)
}

// stallingBackend parks the first Blocked read until release is closed.
type stallingBackend struct {
	*MemoryBackend
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *stallingBackend) Blocked(ctx context.Context, id Identity) (bool, error) {
	blocked, err := b.MemoryBackend.Blocked(ctx, id)
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return blocked, err
}

func TestBlockWinsOverConcurrentCacheFill(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backend := &stallingBackend{MemoryBackend: NewMemoryBackend(), entered: make(chan struct{}), release: make(chan struct{})}
	s := NewStore(backend, NewRedisBlockCache(client, "", time.Minute), nil, nil)
	ctx := context.Background()
	dev := Device("dev-race")

	done := make(chan bool)
	go func() {
		blocked, err := s.IsBlocked(ctx, dev)
		assert.NoError(t, err)
		done <- blocked
	}()

	<-backend.entered
	require.NoError(t, s.Block(ctx, dev, "Auto-blocked: score 10"))
	close(backend.release)
	assert.False(t, <-done, "the read started before the block")

	blocked, err := s.IsBlocked(ctx, dev)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, "1", mustGet(t, srv, "reputation:block:device:dev-race"))
}

func TestUnblockOverwritesCachedBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := Device("dev-3")

	require.NoError(t, f.store.Block(ctx, dev, "x"))
	blocked, err := f.store.IsBlocked(ctx, dev)
	require.NoError(t, err)
	require.True(t, blocked)

	require.NoError(t, f.store.Unblock(ctx, dev))
	assert.Equal(t, "0", mustGet(t, f.redis, "reputation:block:device:dev-3"))
	blocked, err = f.store.IsBlocked(ctx, dev)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func mustGet(t *testing.T, srv *miniredis.Miniredis, key string) string {
	t.Helper()
	val, err := srv.Get(key)
	require.NoError(t, err)
	return val
}
