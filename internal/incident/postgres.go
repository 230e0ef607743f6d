package incident

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

const incidentColumns = `id, type, category, severity, session_id, student_id, roll_number,
	device_fingerprint, network_identity, reason, evidence, resolved, resolved_by, resolved_at, created_at`

// PostgresSink persists incidents in security_incidents.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a sink over db.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Append implements Sink.
func (s *PostgresSink) Append(ctx context.Context, inc Incident) error {
	evidence, err := json.Marshal(inc.Evidence)
	if err != nil {
		return err
	}
	if inc.Evidence == nil {
		evidence = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_incidents (id, type, category, severity, session_id, student_id, roll_number,
			device_fingerprint, network_identity, reason, evidence, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, inc.ID, inc.Type, inc.Category, inc.Severity, inc.SessionID, inc.StudentID, inc.RollNumber,
		inc.DeviceFingerprint, inc.NetworkIdentity, inc.Reason, evidence, inc.CreatedAt)
	return err
}

// Resolve implements Sink. Resolving twice keeps the first resolution.
func (s *PostgresSink) Resolve(ctx context.Context, id, by string, at time.Time) (Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE security_incidents
		SET resolved = TRUE,
		    resolved_by = CASE WHEN resolved THEN resolved_by ELSE $2 END,
		    resolved_at = COALESCE(resolved_at, $3)
		WHERE id = $1
		RETURNING `+incidentColumns, id, by, at)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Incident{}, ErrNotFound
	}
	return inc, err
}

// List implements Sink.
func (s *PostgresSink) List(ctx context.Context, f Filter) ([]Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM security_incidents`
	args := []any{}
	clauses := []string{}
	if f.Type != "" {
		args = append(args, f.Type)
		clauses = append(clauses, "type = $"+strconv.Itoa(len(args)))
	}
	if f.Severity != "" {
		args = append(args, f.Severity)
		clauses = append(clauses, "severity = $"+strconv.Itoa(len(args)))
	}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		clauses = append(clauses, "session_id = $"+strconv.Itoa(len(args)))
	}
	if f.Resolved != nil {
		args = append(args, *f.Resolved)
		clauses = append(clauses, "resolved = $"+strconv.Itoa(len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(sc scanner) (Incident, error) {
	var (
		inc        Incident
		evidence   []byte
		resolvedAt sql.NullTime
	)
	if err := sc.Scan(&inc.ID, &inc.Type, &inc.Category, &inc.Severity, &inc.SessionID, &inc.StudentID, &inc.RollNumber,
		&inc.DeviceFingerprint, &inc.NetworkIdentity, &inc.Reason, &evidence, &inc.Resolved, &inc.ResolvedBy, &resolvedAt, &inc.CreatedAt); err != nil {
		return Incident{}, err
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &inc.Evidence); err != nil {
			return Incident{}, err
		}
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		inc.ResolvedAt = &t
	}
	return inc, nil
}
