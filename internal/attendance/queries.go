package attendance

import (
	"context"
	"errors"
	"time"

	"attendguard/internal/codes"
	"attendguard/internal/directory"
	"attendguard/internal/logging"
)

// RequestCode issues, or re-issues, the verification code for a roll number
// in a session.
func (s *Service) RequestCode(ctx context.Context, sessionID, rollNumber string) (codes.Code, error) {
	if sessionID == "" || rollNumber == "" {
		return codes.Code{}, ErrInvalidSubmission
	}
	studentID, err := s.Students.ResolveStudent(ctx, rollNumber)
	if errors.Is(err, directory.ErrNotFound) {
		return codes.Code{}, &Rejection{Kind: KindStudentNotFound, Stage: StageReceived, Err: err}
	}
	if err != nil {
		return codes.Code{}, &Rejection{Kind: KindStorageUnavailable, Stage: StageReceived, Err: err}
	}
	code, err := s.Ledger.Issue(ctx, sessionID, studentID)
	if errors.Is(err, codes.ErrSessionNotActive) {
		return codes.Code{}, &Rejection{Kind: KindSessionNotActive, Stage: StageReceived, Err: err}
	}
	if err != nil {
		return codes.Code{}, &Rejection{Kind: KindStorageUnavailable, Stage: StageReceived, Err: err}
	}
	return code, nil
}

// SessionAttendance lists a session's records, oldest first, with
// fingerprints shortened for display.
func (s *Service) SessionAttendance(ctx context.Context, sessionID string) ([]Record, error) {
	if _, err := s.Sessions.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	recs, err := s.Records.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i] = recs[i].Redacted()
	}
	return recs, nil
}

// HistoryEntry is the public view of one record in a student's history.
// It carries no device, network or browser identity.
type HistoryEntry struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	RecordedAt time.Time `json:"recorded_at"`
	RiskScore  int       `json:"risk_score"`
	Status     string    `json:"status"`
}

// StudentHistory returns the most recent records of a roll number.
func (s *Service) StudentHistory(ctx context.Context, rollNumber string) ([]HistoryEntry, error) {
	studentID, err := s.Students.ResolveStudent(ctx, rollNumber)
	if err != nil {
		return nil, err
	}
	recs, err := s.Records.ListByStudent(ctx, studentID, HistoryLimit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(recs))
	for _, r := range recs {
		out = append(out, HistoryEntry{ID: r.ID, SessionID: r.SessionID, RecordedAt: r.RecordedAt, RiskScore: r.RiskScore, Status: "present"})
	}
	return out, nil
}

// Redacted returns a copy with fingerprints shortened.
func (r Record) Redacted() Record {
	r.DeviceFingerprint = logging.Fingerprint(r.DeviceFingerprint)
	r.NetworkIdentity = logging.Fingerprint(r.NetworkIdentity)
	r.BrowserFingerprint = logging.Fingerprint(r.BrowserFingerprint)
	return r
}
