// Package incident durably records security-relevant events: code failures,
// risk blocks and operator block actions.
package incident

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendguard/internal/logging"
	"attendguard/internal/metrics"
)

// ErrNotFound is returned when resolving an unknown incident.
var ErrNotFound = errors.New("incident: not found")

// Type identifies the specific event.
type Type string

const (
	TypeInvalidCode      Type = "invalid-code"
	TypeExpiredCode      Type = "expired-code"
	TypeCodeAlreadyUsed  Type = "code-already-used"
	TypeDuplicate        Type = "duplicate-submission"
	TypeRiskBlock        Type = "risk-block"
	TypeStorageFailure   Type = "storage-unavailable"
	TypeDeviceBlocked    Type = "device-blocked"
	TypeNetworkBlocked   Type = "network-blocked"
	TypeDeviceUnblocked  Type = "device-unblocked"
	TypeNetworkUnblocked Type = "network-unblocked"
)

// Category groups types the way operators triage them.
type Category string

const (
	CategoryFailedAttempt     Category = "failed_attempt"
	CategorySecurityViolation Category = "security_violation"
	CategoryBlockedDevice     Category = "blocked_device"
	CategoryBlockedNetwork    Category = "blocked_network"
	CategoryUnblocked         Category = "unblocked"
)

// Severity of an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Incident is an append-only security record; resolution is its only mutation.
type Incident struct {
	ID                string         `json:"id"`
	Type              Type           `json:"type"`
	Category          Category       `json:"category"`
	Severity          Severity       `json:"severity"`
	SessionID         string         `json:"session_id,omitempty"`
	StudentID         string         `json:"student_id,omitempty"`
	RollNumber        string         `json:"roll_number,omitempty"`
	DeviceFingerprint string         `json:"device_fingerprint,omitempty"`
	NetworkIdentity   string         `json:"network_identity,omitempty"`
	Reason            string         `json:"reason"`
	Evidence          map[string]any `json:"evidence,omitempty"`
	Resolved          bool           `json:"resolved"`
	ResolvedBy        string         `json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// List limits.
const (
	DefaultListLimit = 20
	MaxListLimit     = 500
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type      Type
	Severity  Severity
	SessionID string
	Resolved  *bool
	Limit     int
}

// Sink stores incidents.
type Sink interface {
	Append(ctx context.Context, inc Incident) error
	Resolve(ctx context.Context, id, by string, at time.Time) (Incident, error)
	List(ctx context.Context, f Filter) ([]Incident, error)
}

// Recorder stamps and appends incidents.
type Recorder struct {
	sink    Sink
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// NewRecorder creates a recorder over sink.
func NewRecorder(sink Sink, m *metrics.Metrics, lg *zap.Logger) *Recorder {
	return &Recorder{sink: sink, metrics: m, log: logging.OrNop(lg), now: time.Now}
}

// WithClock overrides the internal clock, used in tests.
func (r *Recorder) WithClock(clock func() time.Time) {
	if clock != nil {
		r.now = clock
	}
}

// Record assigns an id and timestamp and appends inc.
func (r *Recorder) Record(ctx context.Context, inc Incident) (Incident, error) {
	if inc.Type == "" || inc.Category == "" {
		return Incident{}, errors.New("incident type and category required")
	}
	if inc.Severity == "" {
		inc.Severity = SeverityMedium
	}
	inc.ID = uuid.NewString()
	inc.CreatedAt = r.now().UTC()
	inc.Resolved = false
	inc.ResolvedBy = ""
	inc.ResolvedAt = nil

	if err := r.sink.Append(ctx, inc); err != nil {
		logging.FromContext(ctx, r.log).Error("incident append failed",
			zap.String("type", string(inc.Type)), zap.Error(err))
		return Incident{}, err
	}
	r.metrics.Incident(string(inc.Type), string(inc.Severity))
	logging.FromContext(ctx, r.log).Info("security incident",
		zap.String("id", inc.ID),
		zap.String("type", string(inc.Type)),
		zap.String("severity", string(inc.Severity)),
		zap.String("session_id", inc.SessionID),
		zap.String("reason", inc.Reason))
	return inc, nil
}

// Resolve marks an incident resolved.
func (r *Recorder) Resolve(ctx context.Context, id, by string) (Incident, error) {
	return r.sink.Resolve(ctx, id, by, r.now().UTC())
}

// List returns incidents newest first.
func (r *Recorder) List(ctx context.Context, f Filter) ([]Incident, error) {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	return r.sink.List(ctx, f)
}
