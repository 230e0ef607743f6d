package reputation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const associationColumns = `id, device_fingerprint, network_identity, browser_fingerprint, student_id, session_id, score, accepted, occurred_at`

// PostgresBackend persists reputation state in Postgres.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend creates a backend over db.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func subjectColumn(kind Kind) (string, error) {
	switch kind {
	case KindDevice:
		return "device_fingerprint", nil
	case KindNetwork:
		return "network_identity", nil
	case KindStudent:
		return "student_id", nil
	}
	return "", fmt.Errorf("unknown identity kind %q", kind)
}

// Append implements Backend.
func (p *PostgresBackend) Append(ctx context.Context, a Association) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reputation_associations (`+associationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, a.ID, a.DeviceFingerprint, a.NetworkIdentity, a.BrowserFingerprint, a.StudentID, a.SessionID, a.Score, a.Accepted, a.At)
	return err
}

// History implements Backend.
func (p *PostgresBackend) History(ctx context.Context, q Query) ([]Association, error) {
	col, err := subjectColumn(q.Subject.Kind)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + associationColumns + ` FROM reputation_associations
		WHERE ` + col + ` = $1 AND occurred_at >= $2`
	args := []any{q.Subject.Value, q.Since}
	if q.AcceptedOnly {
		query += ` AND accepted = TRUE`
	}
	query += ` ORDER BY occurred_at DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Association
	for rows.Next() {
		var a Association
		if err := rows.Scan(&a.ID, &a.DeviceFingerprint, &a.NetworkIdentity, &a.BrowserFingerprint, &a.StudentID, &a.SessionID, &a.Score, &a.Accepted, &a.At); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SetBlocked implements Backend.
func (p *PostgresBackend) SetBlocked(ctx context.Context, id Identity, blocked bool, reason string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reputation_blocks (kind, identity, blocked, reason, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (kind, identity) DO UPDATE SET
			blocked = EXCLUDED.blocked,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at
	`, id.Kind, id.Value, blocked, reason, at)
	return err
}

// Blocked implements Backend.
func (p *PostgresBackend) Blocked(ctx context.Context, id Identity) (bool, error) {
	var blocked bool
	err := p.db.QueryRowContext(ctx, `
		SELECT blocked FROM reputation_blocks WHERE kind = $1 AND identity = $2
	`, id.Kind, id.Value).Scan(&blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return blocked, err
}

// ListBlocked implements Backend.
func (p *PostgresBackend) ListBlocked(ctx context.Context, kind Kind) ([]Block, error) {
	query := `SELECT kind, identity, reason, updated_at FROM reputation_blocks WHERE blocked = TRUE`
	args := []any{}
	if kind != "" {
		query += ` AND kind = $1`
		args = append(args, kind)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.Kind, &b.Value, &b.Reason, &b.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// Prune implements Backend.
func (p *PostgresBackend) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM reputation_associations WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
