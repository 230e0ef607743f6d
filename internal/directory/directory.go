// Package directory resolves the class sessions and students that the
// admission engine reads but does not own.
package directory

import (
	"context"
	"errors"
	"time"

	"attendguard/internal/geo"
)

// ErrNotFound is returned when a session or student does not exist.
var ErrNotFound = errors.New("directory: not found")

// State is the liveness state of a class session.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Session is the read-only view of a class session.
type Session struct {
	ID        string
	State     State
	CreatedAt time.Time
	Location  *geo.Point
}

// Live reports whether submissions may be accepted for the session.
func (s Session) Live() bool { return s.State == StateActive }

// Sessions looks up class sessions.
type Sessions interface {
	Session(ctx context.Context, id string) (Session, error)
}

// Students resolves roll numbers to student identifiers.
type Students interface {
	ResolveStudent(ctx context.Context, rollNumber string) (string, error)
}
