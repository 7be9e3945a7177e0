package binding

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clinrelay.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const bindingColumns = `id, external_id, clinician_id, verified,
	coalesce(verification_token,''), coalesce(verification_expires_at, 'epoch'::timestamptz),
	delegation_enabled, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, b *Binding) error {
	if b.ID == "" {
		b.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into identity_bindings(
			id, external_id, clinician_id, verified,
			verification_token, verification_expires_at, delegation_enabled)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		b.ID, b.ExternalID, b.ClinicianID, b.Verified,
		b.VerificationToken, b.VerificationExpiresAt, b.DelegationEnabled,
	)
	return err
}

func (s *PGStore) FindByExternalID(ctx context.Context, externalID string) (*Binding, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+bindingColumns+` from identity_bindings where external_id=$1`, externalID)
	return scanBinding(row)
}

func (s *PGStore) FindByClinician(ctx context.Context, clinicianID string) (*Binding, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+bindingColumns+` from identity_bindings where clinician_id=$1`, clinicianID)
	return scanBinding(row)
}

// Verify flips the verified flag and clears the token in a single guarded
// update, so a token can be consumed exactly once.
func (s *PGStore) Verify(ctx context.Context, token string, now time.Time) (*Binding, error) {
	row := s.db.QueryRowContext(ctx,
		`update identity_bindings
		 set verified=true, verification_token=null, verification_expires_at=null, updated_at=now()
		 where verification_token=$1 and verified=false and verification_expires_at > $2
		 returning `+bindingColumns, token, now)
	return scanBinding(row)
}

// RefreshVerification replaces a lapsed token on a still-unverified row.
func (s *PGStore) RefreshVerification(ctx context.Context, id, token string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update identity_bindings
		 set verification_token=$2, verification_expires_at=$3, updated_at=now()
		 where id=$1 and verified=false`,
		id, token, expiresAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) SetDelegationEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`update identity_bindings set delegation_enabled=$2, updated_at=now() where id=$1`,
		id, enabled)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from identity_bindings where id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanBinding(row *sql.Row) (*Binding, error) {
	var b Binding
	if err := row.Scan(
		&b.ID, &b.ExternalID, &b.ClinicianID, &b.Verified,
		&b.VerificationToken, &b.VerificationExpiresAt,
		&b.DelegationEnabled, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}
