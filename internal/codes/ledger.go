// Package codes issues and consumes the short-lived one-time codes a student
// must present when marking attendance.
package codes

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendguard/internal/directory"
	"attendguard/internal/logging"
	"attendguard/internal/metrics"
)

// DefaultTTL is how long an issued code stays valid.
const DefaultTTL = 90 * time.Second

var (
	ErrNotFound         = errors.New("codes: not found")
	ErrSessionNotActive = errors.New("session not active")
	ErrInvalidCode      = errors.New("invalid code")
	ErrExpiredCode      = errors.New("code expired")
	ErrAlreadyUsed      = errors.New("code already used")
)

// Code is a one-time verification code for a (session, student) pair.
type Code struct {
	ID         string     `json:"-"`
	SessionID  string     `json:"session_id"`
	StudentID  string     `json:"student_id"`
	Value      string     `json:"code"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Consumed   bool       `json:"consumed"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Active reports whether the code can still be consumed at now.
func (c Code) Active(now time.Time) bool {
	return !c.Consumed && now.Before(c.ExpiresAt)
}

// Store persists codes. IssueIfAbsent and Consume must each be atomic for a
// given (session, student) pair.
type Store interface {
	// IssueIfAbsent returns the pair's active code, storing candidate only
	// when none is active at now.
	IssueIfAbsent(ctx context.Context, candidate Code, now time.Time) (Code, error)
	// Find returns the most recently issued code for the pair with value.
	Find(ctx context.Context, sessionID, studentID, value string) (Code, error)
	// Consume marks the matching active code consumed and reports whether it did.
	Consume(ctx context.Context, sessionID, studentID, value string, now time.Time) (bool, error)
}

// Ledger issues, validates and consumes codes.
type Ledger struct {
	store    Store
	sessions directory.Sessions
	ttl      time.Duration
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
	generate func() (string, error)
}

// NewLedger creates a ledger backed by store.
func NewLedger(store Store, sessions directory.Sessions, ttl time.Duration, m *metrics.Metrics, lg *zap.Logger) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{
		store:    store,
		sessions: sessions,
		ttl:      ttl,
		metrics:  m,
		log:      logging.OrNop(lg),
		now:      time.Now,
		generate: Generate,
	}
}

// WithClock overrides the internal clock, used in tests.
func (l *Ledger) WithClock(clock func() time.Time) {
	if clock != nil {
		l.now = clock
	}
}

// WithGenerator overrides code generation, used in tests.
func (l *Ledger) WithGenerator(gen func() (string, error)) {
	if gen != nil {
		l.generate = gen
	}
}

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time { return l.now().UTC() }

// Issue returns the pair's active code, or a fresh one when none is active.
func (l *Ledger) Issue(ctx context.Context, sessionID, studentID string) (Code, error) {
	if sessionID == "" || studentID == "" {
		return Code{}, errors.New("session and student required")
	}
	sess, err := l.sessions.Session(ctx, sessionID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return Code{}, ErrSessionNotActive
		}
		return Code{}, fmt.Errorf("session lookup: %w", err)
	}
	if !sess.Live() {
		return Code{}, ErrSessionNotActive
	}

	value, err := l.generate()
	if err != nil {
		return Code{}, fmt.Errorf("generate code: %w", err)
	}
	now := l.Now()
	candidate := Code{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StudentID: studentID,
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(l.ttl),
	}
	code, err := l.store.IssueIfAbsent(ctx, candidate, now)
	if err != nil {
		return Code{}, fmt.Errorf("issue code: %w", err)
	}
	if code.ID == candidate.ID {
		l.metrics.CodeIssued()
		logging.FromContext(ctx, l.log).Debug("code issued",
			zap.String("session_id", sessionID),
			zap.String("student_id", studentID),
			zap.Time("expires_at", code.ExpiresAt))
	}
	return code, nil
}

// Validate classifies supplied against the pair's codes without mutating
// anything. It returns ErrInvalidCode, ErrAlreadyUsed or ErrExpiredCode for
// unusable codes. Comparison is exact.
func (l *Ledger) Validate(ctx context.Context, sessionID, studentID, supplied string) (Code, error) {
	code, err := l.store.Find(ctx, sessionID, studentID, supplied)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Code{}, ErrInvalidCode
		}
		return Code{}, err
	}
	switch {
	case code.Consumed:
		return code, ErrAlreadyUsed
	case !l.Now().Before(code.ExpiresAt):
		return code, ErrExpiredCode
	}
	return code, nil
}

// Consume atomically marks supplied as used. Of several concurrent callers
// with the same valid code exactly one succeeds; the rest get ErrAlreadyUsed.
func (l *Ledger) Consume(ctx context.Context, sessionID, studentID, supplied string) error {
	ok, err := l.store.Consume(ctx, sessionID, studentID, supplied, l.Now())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return l.Explain(ctx, sessionID, studentID, supplied)
}

// Explain returns why supplied could not be consumed.
func (l *Ledger) Explain(ctx context.Context, sessionID, studentID, supplied string) error {
	if _, err := l.Validate(ctx, sessionID, studentID, supplied); err != nil {
		return err
	}
	return ErrAlreadyUsed
}

// Generate returns a uniformly random 6-digit code.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
