package directory

import (
	"context"
	"database/sql"
	"errors"

	"attendguard/internal/geo"
)

// Repository reads sessions and students from Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Session returns a session by id.
func (r *Repository) Session(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, status, created_at, latitude, longitude
		FROM class_sessions WHERE id = $1
	`, id)
	var (
		s        Session
		lat, lng sql.NullFloat64
	)
	if err := row.Scan(&s.ID, &s.State, &s.CreatedAt, &lat, &lng); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	if lat.Valid && lng.Valid {
		s.Location = &geo.Point{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	return s, nil
}

// ResolveStudent returns the student id registered under rollNumber.
func (r *Repository) ResolveStudent(ctx context.Context, rollNumber string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM students WHERE roll_number = $1`, rollNumber).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return id, nil
}
