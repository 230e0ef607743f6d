// Package attendance admits attendance submissions: it validates the session
// and code, scores the attempt and commits at most one record per pair.
package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendguard/internal/codes"
	"attendguard/internal/directory"
	"attendguard/internal/geo"
	"attendguard/internal/incident"
	"attendguard/internal/logging"
	"attendguard/internal/metrics"
	"attendguard/internal/reputation"
	"attendguard/internal/risk"
)

// DefaultCriticalThreshold is the score below which device and network are
// blocked automatically.
const DefaultCriticalThreshold = 30

// Stage is a step of the admission state machine.
type Stage string

const (
	StageReceived         Stage = "received"
	StageSessionChecked   Stage = "session_checked"
	StageCodeValidated    Stage = "code_validated"
	StageDuplicateChecked Stage = "duplicate_checked"
	StageScored           Stage = "scored"
	StageAdmitted         Stage = "admitted"
)

// Submission is what a student sends to mark attendance.
type Submission struct {
	SessionID          string     `json:"session_id"`
	RollNumber         string     `json:"roll_number"`
	Code               string     `json:"code"`
	DeviceFingerprint  string     `json:"device_fingerprint"`
	NetworkIdentity    string     `json:"network_identity"`
	BrowserFingerprint string     `json:"browser_fingerprint"`
	Location           *geo.Point `json:"location,omitempty"`
}

func (s Submission) validate() error {
	if s.SessionID == "" || s.RollNumber == "" || s.Code == "" || s.DeviceFingerprint == "" || s.NetworkIdentity == "" {
		return ErrInvalidSubmission
	}
	return nil
}

// Admission is the outcome of an admitted submission.
type Admission struct {
	Record     Record          `json:"record"`
	Assessment risk.Assessment `json:"assessment"`
}

// Scorer assesses a submission.
type Scorer interface {
	Score(ctx context.Context, sub risk.Submission) (risk.Assessment, error)
}

// Reputation is the part of the reputation store admissions write to.
type Reputation interface {
	RecordAssociation(ctx context.Context, a reputation.Association) error
	Block(ctx context.Context, id reputation.Identity, reason string) error
}

// IncidentRecorder appends security incidents.
type IncidentRecorder interface {
	Record(ctx context.Context, inc incident.Incident) (incident.Incident, error)
}

// Notifier is told about every admitted record. It is best effort.
type Notifier interface {
	Admitted(ctx context.Context, rec Record) error
}

// Deps are the collaborators of a Service. Notifier and Metrics may be nil.
type Deps struct {
	Sessions          directory.Sessions
	Students          directory.Students
	Ledger            *codes.Ledger
	Records           Store
	Scorer            Scorer
	Reputation        Reputation
	Incidents         IncidentRecorder
	Notifier          Notifier
	Metrics           *metrics.Metrics
	Logger            *zap.Logger
	CriticalThreshold int
}

// Service is the admission controller.
type Service struct {
	Deps
	log *zap.Logger
	now func() time.Time
}

// NewService creates a service over d.
func NewService(d Deps) *Service {
	if d.CriticalThreshold <= 0 {
		d.CriticalThreshold = DefaultCriticalThreshold
	}
	return &Service{Deps: d, log: logging.OrNop(d.Logger), now: time.Now}
}

// WithClock overrides the internal clock, used in tests.
func (s *Service) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// attempt is the state carried through one submission.
type attempt struct {
	sub       Submission
	studentID string
	at        time.Time
	stage     Stage
	log       *zap.Logger
}

// Submit runs a submission through the admission state machine. Refusals
// are returned as *Rejection.
func (s *Service) Submit(ctx context.Context, sub Submission) (Admission, error) {
	if err := sub.validate(); err != nil {
		return Admission{}, err
	}
	a := &attempt{
		sub:   sub,
		at:    s.now().UTC(),
		stage: StageReceived,
		log: logging.FromContext(ctx, s.log).With(
			zap.String("session_id", sub.SessionID),
			zap.String("roll_number", sub.RollNumber),
			zap.String("device", logging.Fingerprint(sub.DeviceFingerprint))),
	}

	sess, err := s.Sessions.Session(ctx, sub.SessionID)
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		return Admission{}, s.reject(ctx, a, &Rejection{Kind: KindStorageUnavailable, Err: err})
	}
	if err != nil || !sess.Live() {
		return Admission{}, s.reject(ctx, a, &Rejection{Kind: KindSessionNotActive, Err: err})
	}
	a.stage = StageSessionChecked

	a.studentID, err = s.Students.ResolveStudent(ctx, sub.RollNumber)
	if errors.Is(err, directory.ErrNotFound) {
		return Admission{}, s.reject(ctx, a, &Rejection{Kind: KindStudentNotFound, Err: err})
	}
	if err != nil {
		return Admission{}, s.reject(ctx, a, &Rejection{Kind: KindStorageUnavailable, Err: err})
	}
	a.log = a.log.With(zap.String("student_id", a.studentID))

	if _, err := s.Ledger.Validate(ctx, sub.SessionID, a.studentID, sub.Code); err != nil {
		return Admission{}, s.reject(ctx, a, codeRejection(err))
	}
	a.stage = StageCodeValidated

	exists, err := s.Records.Exists(ctx, sub.SessionID, a.studentID)
	if err != nil {
		return Admission{}, s.reject(ctx, a, &Rejection{Kind: KindStorageUnavailable, Err: err})
	}
	if exists {
		return Admission{}, s.reject(ctx, a, &Rejection{Kind: KindDuplicate, Err: ErrAlreadyExists})
	}
	a.stage = StageDuplicateChecked

	assessment, err := s.Scorer.Score(ctx, risk.Submission{
		SessionID:          sub.SessionID,
		StudentID:          a.studentID,
		DeviceFingerprint:  sub.DeviceFingerprint,
		NetworkIdentity:    sub.NetworkIdentity,
		BrowserFingerprint: sub.BrowserFingerprint,
		Location:           sub.Location,
		At:                 a.at,
	})
	if err != nil {
		return Admission{}, s.reject(ctx, a, &Rejection{Kind: KindStorageUnavailable, Err: err})
	}
	a.stage = StageScored
	s.Metrics.ObserveScore(assessment.Score)

	if assessment.Blocked {
		s.remember(ctx, a, assessment.Score, false)
		rej := &Rejection{Kind: KindRiskBlocked, Score: assessment.Score, Flags: assessment.Flags, Reason: assessment.Reason}
		if assessment.Score < s.CriticalThreshold {
			s.autoBlock(ctx, a, assessment)
		}
		return Admission{}, s.reject(ctx, a, rej)
	}

	rec := Record{
		ID:                 uuid.NewString(),
		SessionID:          sub.SessionID,
		StudentID:          a.studentID,
		RollNumber:         sub.RollNumber,
		RecordedAt:         a.at,
		RiskScore:          assessment.Score,
		Flags:              assessment.Flags,
		DeviceFingerprint:  sub.DeviceFingerprint,
		NetworkIdentity:    sub.NetworkIdentity,
		BrowserFingerprint: sub.BrowserFingerprint,
		Location:           sub.Location,
	}
	claim := CodeClaim{SessionID: sub.SessionID, StudentID: a.studentID, Value: sub.Code, At: s.now().UTC()}
	if err := s.Records.Admit(ctx, rec, claim); err != nil {
		s.remember(ctx, a, assessment.Score, false)
		switch {
		case errors.Is(err, ErrAlreadyExists):
			return Admission{}, s.reject(ctx, a, &Rejection{Kind: KindDuplicate, Score: assessment.Score, Flags: assessment.Flags, Err: err})
		case errors.Is(err, ErrCodeUnavailable):
			return Admission{}, s.reject(ctx, a, codeRejection(s.Ledger.Explain(ctx, sub.SessionID, a.studentID, sub.Code)))
		default:
			return Admission{}, s.reject(ctx, a, &Rejection{Kind: KindStorageUnavailable, Err: err})
		}
	}
	a.stage = StageAdmitted
	s.remember(ctx, a, assessment.Score, true)

	if s.Notifier != nil {
		if err := s.Notifier.Admitted(ctx, rec); err != nil {
			a.log.Warn("admission notification failed", zap.Error(err))
		}
	}
	s.Metrics.Admission(string(StageAdmitted))
	a.log.Info("attendance admitted", zap.Int("score", assessment.Score), zap.Strings("flags", assessment.Flags))
	return Admission{Record: rec, Assessment: assessment}, nil
}

func codeRejection(err error) *Rejection {
	switch {
	case errors.Is(err, codes.ErrInvalidCode):
		return &Rejection{Kind: KindInvalidCode, Err: err}
	case errors.Is(err, codes.ErrExpiredCode):
		return &Rejection{Kind: KindExpiredCode, Err: err}
	case errors.Is(err, codes.ErrAlreadyUsed):
		return &Rejection{Kind: KindCodeAlreadyUsed, Err: err}
	default:
		return &Rejection{Kind: KindStorageUnavailable, Err: err}
	}
}

// remember appends the scored attempt to the reputation history.
func (s *Service) remember(ctx context.Context, a *attempt, score int, accepted bool) {
	err := s.Reputation.RecordAssociation(ctx, reputation.Association{
		DeviceFingerprint:  a.sub.DeviceFingerprint,
		NetworkIdentity:    a.sub.NetworkIdentity,
		BrowserFingerprint: a.sub.BrowserFingerprint,
		StudentID:          a.studentID,
		SessionID:          a.sub.SessionID,
		Score:              score,
		Accepted:           accepted,
		At:                 a.at,
	})
	if err != nil {
		a.log.Error("reputation association not recorded", zap.Error(err))
	}
}

func (s *Service) autoBlock(ctx context.Context, a *attempt, assessment risk.Assessment) {
	reason := "Auto-blocked: " + assessment.Reason
	for _, id := range []reputation.Identity{
		reputation.Device(a.sub.DeviceFingerprint),
		reputation.Network(a.sub.NetworkIdentity),
	} {
		if err := s.Reputation.Block(ctx, id, reason); err != nil {
			a.log.Error("auto-block failed", zap.String("identity", id.String()), zap.Error(err))
		}
	}
}

// incidentFor maps a rejection to the incident it leaves behind, if any.
func incidentFor(r *Rejection) (incident.Type, incident.Category, incident.Severity, bool) {
	switch r.Kind {
	case KindInvalidCode:
		return incident.TypeInvalidCode, incident.CategoryFailedAttempt, incident.SeverityMedium, true
	case KindExpiredCode:
		return incident.TypeExpiredCode, incident.CategoryFailedAttempt, incident.SeverityLow, true
	case KindCodeAlreadyUsed:
		return incident.TypeCodeAlreadyUsed, incident.CategoryFailedAttempt, incident.SeverityHigh, true
	case KindDuplicate:
		return incident.TypeDuplicate, incident.CategoryFailedAttempt, incident.SeverityMedium, true
	case KindRiskBlocked:
		return incident.TypeRiskBlock, incident.CategorySecurityViolation, incident.SeverityHigh, true
	case KindStorageUnavailable:
		return incident.TypeStorageFailure, incident.CategoryFailedAttempt, incident.SeverityLow, true
	}
	return "", "", "", false
}

func (s *Service) reject(ctx context.Context, a *attempt, r *Rejection) *Rejection {
	r.Stage = a.stage
	s.Metrics.Admission(string(r.Kind))

	fields := []zap.Field{zap.String("kind", string(r.Kind)), zap.String("stage", string(r.Stage))}
	if r.Kind == KindRiskBlocked {
		fields = append(fields, zap.Int("score", r.Score), zap.Strings("flags", r.Flags))
	}
	if r.Kind == KindStorageUnavailable {
		a.log.Error("admission failed", append(fields, zap.Error(r.Err))...)
	} else {
		a.log.Warn("admission rejected", fields...)
	}

	typ, cat, sev, ok := incidentFor(r)
	if !ok || s.Incidents == nil {
		return r
	}
	inc := incident.Incident{
		Type:              typ,
		Category:          cat,
		Severity:          sev,
		SessionID:         a.sub.SessionID,
		StudentID:         a.studentID,
		RollNumber:        a.sub.RollNumber,
		DeviceFingerprint: a.sub.DeviceFingerprint,
		NetworkIdentity:   a.sub.NetworkIdentity,
		Reason:            r.Message(),
		Evidence:          map[string]any{"stage": string(r.Stage)},
	}
	if r.Kind == KindRiskBlocked {
		inc.Reason = r.Reason
		inc.Evidence["score"] = r.Score
		inc.Evidence["flags"] = r.Flags
	}
	if _, err := s.Incidents.Record(ctx, inc); err != nil {
		a.log.Error("incident not recorded", zap.String("type", string(typ)), zap.Error(err))
	}
	return r
}
