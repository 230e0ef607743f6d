package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"attendguard/internal/codes"
	"attendguard/internal/geo"
	"attendguard/internal/store"
)

const recordColumns = `id, session_id, student_id, roll_number, recorded_at, risk_score, flags,
	device_fingerprint, network_identity, browser_fingerprint, latitude, longitude`

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Exists implements Store.
func (r *Repository) Exists(ctx context.Context, sessionID, studentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance_records WHERE session_id = $1 AND student_id = $2)
	`, sessionID, studentID).Scan(&exists)
	return exists, err
}

// Admit implements Store. The insert and the code consumption share one
// transaction; the pair's unique key decides concurrent duplicates.
func (r *Repository) Admit(ctx context.Context, rec Record, claim CodeClaim) error {
	flags, err := json.Marshal(nonNil(rec.Flags))
	if err != nil {
		return err
	}
	var lat, lng *float64
	if rec.Location != nil {
		lat, lng = &rec.Location.Latitude, &rec.Location.Longitude
	}
	return store.InTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO attendance_records (`+recordColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT ON CONSTRAINT attendance_records_pair_key DO NOTHING
		`, rec.ID, rec.SessionID, rec.StudentID, rec.RollNumber, rec.RecordedAt, rec.RiskScore, flags,
			rec.DeviceFingerprint, rec.NetworkIdentity, rec.BrowserFingerprint, lat, lng)
		if err != nil {
			if store.IsUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrAlreadyExists
		}

		ok, err := codes.NewPostgresStore(nil).WithTx(tx).Consume(ctx, claim.SessionID, claim.StudentID, claim.Value, claim.At)
		if err != nil {
			return err
		}
		if !ok {
			return ErrCodeUnavailable
		}
		return nil
	})
}

// ListBySession implements Store, oldest first.
func (r *Repository) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	return r.list(ctx, `SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1 ORDER BY recorded_at ASC`, sessionID)
}

// ListByStudent implements Store, newest first.
func (r *Repository) ListByStudent(ctx context.Context, studentID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = HistoryLimit
	}
	return r.list(ctx, `SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1 ORDER BY recorded_at DESC LIMIT $2`, studentID, limit)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var (
			rec      Record
			flags    []byte
			lat, lng sql.NullFloat64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.RollNumber, &rec.RecordedAt, &rec.RiskScore, &flags,
			&rec.DeviceFingerprint, &rec.NetworkIdentity, &rec.BrowserFingerprint, &lat, &lng); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(flags, &rec.Flags); err != nil {
			return nil, fmt.Errorf("decode flags: %w", err)
		}
		if lat.Valid && lng.Valid {
			rec.Location = &geo.Point{Latitude: lat.Float64, Longitude: lng.Float64}
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func nonNil(flags []string) []string {
	if flags == nil {
		return []string{}
	}
	return flags
}
