package codes

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"attendguard/internal/store"
)

const codeColumns = `id, session_id, student_id, code, issued_at, expires_at, consumed, consumed_at`

// PostgresStore persists codes in the verification_codes table. Codes are
// never deleted.
type PostgresStore struct {
	db *sql.DB
	q  store.Querier
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

// WithTx returns a store bound to tx so consumption can share a transaction
// with other writes.
func (s *PostgresStore) WithTx(tx *sql.Tx) *PostgresStore {
	return &PostgresStore{q: tx}
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(q store.Querier) error) error {
	if s.db == nil {
		return fn(s.q)
	}
	return store.InTx(ctx, s.db, func(tx *sql.Tx) error { return fn(tx) })
}

// IssueIfAbsent implements Store. A transaction-scoped advisory lock keyed by
// the pair serialises concurrent issuers.
func (s *PostgresStore) IssueIfAbsent(ctx context.Context, candidate Code, now time.Time) (Code, error) {
	var out Code
	err := s.inTx(ctx, func(q store.Querier) error {
		if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
			candidate.SessionID+":"+candidate.StudentID); err != nil {
			return err
		}
		row := q.QueryRowContext(ctx, `
			SELECT `+codeColumns+`
			FROM verification_codes
			WHERE session_id = $1 AND student_id = $2 AND consumed = FALSE AND expires_at > $3
			ORDER BY issued_at DESC
			LIMIT 1
		`, candidate.SessionID, candidate.StudentID, now)
		existing, err := scanCode(row)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO verification_codes (id, session_id, student_id, code, issued_at, expires_at, consumed)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		`, candidate.ID, candidate.SessionID, candidate.StudentID, candidate.Value, candidate.IssuedAt, candidate.ExpiresAt); err != nil {
			return err
		}
		out = candidate
		return nil
	})
	return out, err
}

// Find implements Store.
func (s *PostgresStore) Find(ctx context.Context, sessionID, studentID, value string) (Code, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+codeColumns+`
		FROM verification_codes
		WHERE session_id = $1 AND student_id = $2 AND code = $3
		ORDER BY issued_at DESC
		LIMIT 1
	`, sessionID, studentID, value)
	return scanCode(row)
}

// Consume implements Store. The conditional update is the atomic
// check-and-mark; a concurrent loser re-evaluates consumed = FALSE and
// changes nothing.
func (s *PostgresStore) Consume(ctx context.Context, sessionID, studentID, value string, now time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE verification_codes
		SET consumed = TRUE, consumed_at = $4
		WHERE session_id = $1 AND student_id = $2 AND code = $3
		  AND consumed = FALSE AND expires_at > $4
	`, sessionID, studentID, value, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanCode(row *sql.Row) (Code, error) {
	var (
		c          Code
		consumedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.SessionID, &c.StudentID, &c.Value, &c.IssuedAt, &c.ExpiresAt, &c.Consumed, &consumedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Code{}, ErrNotFound
		}
		return Code{}, err
	}
	if consumedAt.Valid {
		t := consumedAt.Time
		c.ConsumedAt = &t
	}
	return c, nil
}
