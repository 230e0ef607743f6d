package attendance

import (
	"errors"
	"fmt"
)

// ErrInvalidSubmission is returned for submissions missing required fields.
var ErrInvalidSubmission = errors.New("attendance: invalid submission")

// Kind classifies a rejection.
type Kind string

const (
	KindSessionNotActive   Kind = "session_not_active"
	KindStudentNotFound    Kind = "student_not_found"
	KindInvalidCode        Kind = "invalid_code"
	KindExpiredCode        Kind = "expired_code"
	KindCodeAlreadyUsed    Kind = "code_already_used"
	KindDuplicate          Kind = "duplicate_submission"
	KindRiskBlocked        Kind = "risk_blocked"
	KindStorageUnavailable Kind = "storage_unavailable"
)

// Rejection is the terminal outcome of a refused submission.
type Rejection struct {
	Kind   Kind
	Stage  Stage
	Score  int
	Flags  []string
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Reason != "" {
		return fmt.Sprintf("%s: %s", r.Kind, r.Reason)
	}
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Kind, r.Err)
	}
	return string(r.Kind)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Retryable reports whether resubmitting the same request may succeed.
// Only storage failures qualify; the pair's unique key makes the retry safe.
func (r *Rejection) Retryable() bool { return r.Kind == KindStorageUnavailable }

// Message is the text shown to the student.
func (r *Rejection) Message() string {
	switch r.Kind {
	case KindSessionNotActive:
		return "Session is not active"
	case KindStudentNotFound:
		return "Student not found"
	case KindInvalidCode:
		return "Invalid verification code"
	case KindExpiredCode:
		return "Verification code has expired. Please request a new one"
	case KindCodeAlreadyUsed:
		return "Verification code has already been used"
	case KindDuplicate:
		return "Attendance already marked for this session"
	case KindRiskBlocked:
		return "Attendance blocked due to security concerns"
	default:
		return "Attendance could not be recorded. Please retry"
	}
}

// AsRejection unwraps err into a Rejection.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := errors.As(err, &r)
	return r, ok
}
