package clinician

import (
	"context"
	"database/sql"
	"errors"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Find(ctx context.Context, id string) (*Clinician, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, display_name, role, active, status from clinicians where id=$1`, id)
	var c Clinician
	if err := row.Scan(&c.ID, &c.Email, &c.DisplayName, &c.Role, &c.Active, &c.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}
