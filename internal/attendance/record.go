package attendance

import (
	"context"
	"errors"
	"time"

	"attendguard/internal/geo"
)

var (
	// ErrAlreadyExists is returned when the pair already has a record.
	ErrAlreadyExists = errors.New("attendance: record already exists")
	// ErrCodeUnavailable is returned when the claimed code could not be
	// consumed at commit time.
	ErrCodeUnavailable = errors.New("attendance: code not consumable")
)

// HistoryLimit caps a student's history listing.
const HistoryLimit = 20

// Record is one admitted attendance. It is immutable once committed.
type Record struct {
	ID                 string     `json:"id"`
	SessionID          string     `json:"session_id"`
	StudentID          string     `json:"student_id"`
	RollNumber         string     `json:"roll_number"`
	RecordedAt         time.Time  `json:"recorded_at"`
	RiskScore          int        `json:"risk_score"`
	Flags              []string   `json:"flags"`
	DeviceFingerprint  string     `json:"device_fingerprint"`
	NetworkIdentity    string     `json:"network_identity"`
	BrowserFingerprint string     `json:"browser_fingerprint,omitempty"`
	Location           *geo.Point `json:"location,omitempty"`
}

// CodeClaim names the code a commit must consume.
type CodeClaim struct {
	SessionID string
	StudentID string
	Value     string
	At        time.Time
}

// Store persists attendance records.
type Store interface {
	// Exists reports whether the pair already has a record.
	Exists(ctx context.Context, sessionID, studentID string) (bool, error)
	// Admit consumes the claimed code and inserts rec as one atomic step.
	// It returns ErrAlreadyExists or ErrCodeUnavailable and leaves nothing
	// behind when either happens.
	Admit(ctx context.Context, rec Record, claim CodeClaim) error
	ListBySession(ctx context.Context, sessionID string) ([]Record, error)
	ListByStudent(ctx context.Context, studentID string, limit int) ([]Record, error)
}
