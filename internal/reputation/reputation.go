// Package reputation tracks which students, sessions and networks each device
// has been seen with, and which devices and networks are blocked.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendguard/internal/incident"
	"attendguard/internal/logging"
)

const (
	// BehavioralWindow bounds history used for behavioral signals.
	BehavioralWindow = 30 * 24 * time.Hour
	// RateWindow bounds history used for rate signals.
	RateWindow = time.Hour
)

// ErrUnblockable is returned when blocking anything but a device or network.
var ErrUnblockable = errors.New("reputation: only devices and networks can be blocked")

// Kind is the kind of identity history is kept for.
type Kind string

const (
	KindDevice  Kind = "device"
	KindNetwork Kind = "network"
	KindStudent Kind = "student"
)

// Identity names a device, network or student.
type Identity struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// Device identifies a device fingerprint.
func Device(fingerprint string) Identity { return Identity{Kind: KindDevice, Value: fingerprint} }

// Network identifies a network identity.
func Network(identity string) Identity { return Identity{Kind: KindNetwork, Value: identity} }

// Student identifies a student.
func Student(id string) Identity { return Identity{Kind: KindStudent, Value: id} }

func (id Identity) String() string { return string(id.Kind) + ":" + id.Value }

// Association is one admission attempt seen from a device on a network.
type Association struct {
	ID                 string    `json:"id"`
	DeviceFingerprint  string    `json:"device_fingerprint"`
	NetworkIdentity    string    `json:"network_identity"`
	BrowserFingerprint string    `json:"browser_fingerprint,omitempty"`
	StudentID          string    `json:"student_id"`
	SessionID          string    `json:"session_id"`
	Score              int       `json:"score"`
	Accepted           bool      `json:"accepted"`
	At                 time.Time `json:"at"`
}

// Risk is the inverse of the attempt's score.
func (a Association) Risk() int { return 100 - a.Score }

// Matches reports whether the association involves id.
func (a Association) Matches(id Identity) bool {
	switch id.Kind {
	case KindDevice:
		return a.DeviceFingerprint == id.Value
	case KindNetwork:
		return a.NetworkIdentity == id.Value
	case KindStudent:
		return a.StudentID == id.Value
	}
	return false
}

// Query selects associations for a subject, newest first.
type Query struct {
	Subject      Identity
	Since        time.Time
	Limit        int
	AcceptedOnly bool
}

// Block is a blocked identity.
type Block struct {
	Identity
	Reason    string    `json:"reason"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record summarises an identity's reputation.
type Record struct {
	Identity     Identity      `json:"identity"`
	Blocked      bool          `json:"blocked"`
	RiskScore    int           `json:"risk_score"`
	Associations []Association `json:"associations"`
}

// Backend persists associations and block state.
type Backend interface {
	Append(ctx context.Context, a Association) error
	History(ctx context.Context, q Query) ([]Association, error)
	SetBlocked(ctx context.Context, id Identity, blocked bool, reason string, at time.Time) error
	Blocked(ctx context.Context, id Identity) (bool, error)
	ListBlocked(ctx context.Context, kind Kind) ([]Block, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// BlockCache is a read-through cache of block state. Set is the write-through
// path used by block and unblock; Fill stores a backend read only when no
// entry exists, so a fill racing a block can never overwrite it.
type BlockCache interface {
	Get(ctx context.Context, id Identity) (blocked, ok bool, err error)
	Set(ctx context.Context, id Identity, blocked bool) error
	Fill(ctx context.Context, id Identity, blocked bool) error
	Invalidate(ctx context.Context, id Identity) error
}

// IncidentRecorder receives block and unblock incidents.
type IncidentRecorder interface {
	Record(ctx context.Context, inc incident.Incident) (incident.Incident, error)
}

// Store is the reputation store.
type Store struct {
	backend   Backend
	cache     BlockCache
	incidents IncidentRecorder
	log       *zap.Logger
	now       func() time.Time
}

// NewStore creates a store. cache may be nil.
func NewStore(backend Backend, cache BlockCache, incidents IncidentRecorder, lg *zap.Logger) *Store {
	return &Store{backend: backend, cache: cache, incidents: incidents, log: logging.OrNop(lg), now: time.Now}
}

// WithClock overrides the internal clock, used in tests.
func (s *Store) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// RecordAssociation appends an attempt to the rolling history.
func (s *Store) RecordAssociation(ctx context.Context, a Association) error {
	if a.DeviceFingerprint == "" || a.NetworkIdentity == "" || a.StudentID == "" {
		return errors.New("device, network and student required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.At.IsZero() {
		a.At = s.now().UTC()
	}
	return s.backend.Append(ctx, a)
}

// History returns the subject's associations within window, newest first.
// limit <= 0 means no limit.
func (s *Store) History(ctx context.Context, subject Identity, window time.Duration, limit int) ([]Association, error) {
	return s.backend.History(ctx, Query{Subject: subject, Since: s.now().UTC().Add(-window), Limit: limit})
}

// Query runs q against the backend as is.
func (s *Store) Query(ctx context.Context, q Query) ([]Association, error) {
	return s.backend.History(ctx, q)
}

// AcceptedHistory is History restricted to admitted attempts.
func (s *Store) AcceptedHistory(ctx context.Context, subject Identity, window time.Duration) ([]Association, error) {
	return s.backend.History(ctx, Query{Subject: subject, Since: s.now().UTC().Add(-window), AcceptedOnly: true})
}

// IsBlocked reports whether id is blocked, consulting the cache first.
func (s *Store) IsBlocked(ctx context.Context, id Identity) (bool, error) {
	if s.cache != nil {
		blocked, ok, err := s.cache.Get(ctx, id)
		if err == nil && ok {
			return blocked, nil
		}
		if err != nil {
			logging.FromContext(ctx, s.log).Warn("block cache read failed", zap.String("identity", id.String()), zap.Error(err))
		}
	}
	blocked, err := s.backend.Blocked(ctx, id)
	if err != nil {
		return false, err
	}
	if s.cache != nil {
		if err := s.cache.Fill(ctx, id, blocked); err != nil {
			logging.FromContext(ctx, s.log).Warn("block cache fill failed", zap.String("identity", id.String()), zap.Error(err))
		}
	}
	return blocked, nil
}

// Block blocks id. It is idempotent.
func (s *Store) Block(ctx context.Context, id Identity, reason string) error {
	return s.setBlocked(ctx, id, true, reason)
}

// Unblock lifts a block on id. It is idempotent.
func (s *Store) Unblock(ctx context.Context, id Identity) error {
	return s.setBlocked(ctx, id, false, "")
}

func (s *Store) setBlocked(ctx context.Context, id Identity, blocked bool, reason string) error {
	if id.Kind != KindDevice && id.Kind != KindNetwork {
		return ErrUnblockable
	}
	if id.Value == "" {
		return errors.New("identity value required")
	}
	if err := s.backend.SetBlocked(ctx, id, blocked, reason, s.now().UTC()); err != nil {
		return fmt.Errorf("set blocked: %w", err)
	}
	if s.cache != nil {
		s.writeThrough(ctx, id, blocked)
	}

	inc := blockIncident(id, blocked, reason)
	if s.incidents != nil {
		if _, err := s.incidents.Record(ctx, inc); err != nil {
			logging.FromContext(ctx, s.log).Error("block incident not recorded", zap.String("identity", id.String()), zap.Error(err))
		}
	}
	return nil
}

// writeThrough replaces the cached state with blocked, falling back to
// dropping the entry when the write fails.
func (s *Store) writeThrough(ctx context.Context, id Identity, blocked bool) {
	lg := logging.FromContext(ctx, s.log).With(zap.String("identity", id.String()))
	err := s.cache.Set(ctx, id, blocked)
	if err == nil {
		return
	}
	lg.Warn("block cache write failed", zap.Error(err))
	if err := s.cache.Invalidate(ctx, id); err != nil {
		lg.Error("block cache invalidate failed, stale entry lives until expiry", zap.Error(err))
	}
}

func blockIncident(id Identity, blocked bool, reason string) incident.Incident {
	inc := incident.Incident{Reason: reason}
	if id.Kind == KindDevice {
		inc.DeviceFingerprint = id.Value
	} else {
		inc.NetworkIdentity = id.Value
	}
	switch {
	case blocked && id.Kind == KindDevice:
		inc.Type, inc.Category, inc.Severity = incident.TypeDeviceBlocked, incident.CategoryBlockedDevice, incident.SeverityHigh
	case blocked:
		inc.Type, inc.Category, inc.Severity = incident.TypeNetworkBlocked, incident.CategoryBlockedNetwork, incident.SeverityHigh
	case id.Kind == KindDevice:
		inc.Type, inc.Category, inc.Severity = incident.TypeDeviceUnblocked, incident.CategoryUnblocked, incident.SeverityLow
	default:
		inc.Type, inc.Category, inc.Severity = incident.TypeNetworkUnblocked, incident.CategoryUnblocked, incident.SeverityLow
	}
	if inc.Reason == "" {
		inc.Reason = string(inc.Type)
	}
	return inc
}

// ListBlocked returns blocked identities of kind, or of every kind when kind is empty.
func (s *Store) ListBlocked(ctx context.Context, kind Kind) ([]Block, error) {
	return s.backend.ListBlocked(ctx, kind)
}

// Reputation summarises id over the behavioral window. RiskScore is the
// average risk of the attempts involving it.
func (s *Store) Reputation(ctx context.Context, id Identity) (Record, error) {
	history, err := s.History(ctx, id, BehavioralWindow, 50)
	if err != nil {
		return Record{}, err
	}
	rec := Record{Identity: id, Associations: history, RiskScore: int(math.Round(AverageRisk(history)))}
	if id.Kind == KindDevice || id.Kind == KindNetwork {
		if rec.Blocked, err = s.IsBlocked(ctx, id); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// Prune drops associations older than the behavioral window.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	return s.backend.Prune(ctx, s.now().UTC().Add(-BehavioralWindow))
}

// AverageRisk is the mean Risk of history, 0 when empty.
func AverageRisk(history []Association) float64 {
	if len(history) == 0 {
		return 0
	}
	total := 0
	for _, a := range history {
		total += a.Risk()
	}
	return float64(total) / float64(len(history))
}
