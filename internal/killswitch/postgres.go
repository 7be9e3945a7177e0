package killswitch

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore keeps the single authoritative state row in PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Get(ctx context.Context) (State, error) {
	row := s.db.QueryRowContext(ctx,
		`select delegation_enabled, maintenance_mode, coalesce(maintenance_message,''),
			coalesce(disabled_by,''), coalesce(disabled_at, 'epoch'::timestamptz),
			coalesce(disabled_reason,''), updated_at
		 from killswitch_state where id=1`)
	var st State
	if err := row.Scan(
		&st.DelegationEnabled, &st.MaintenanceMode, &st.MaintenanceMessage,
		&st.DisabledBy, &st.DisabledAt, &st.DisabledReason, &st.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return State{}, ErrNotConfigured
		}
		return State{}, err
	}
	return st, nil
}

func (s *PGStore) SetDelegation(ctx context.Context, enabled bool, actor, reason string, at time.Time) error {
	if enabled {
		_, err := s.db.ExecContext(ctx,
			`update killswitch_state set delegation_enabled=true, updated_at=$1 where id=1`, at)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`update killswitch_state
		 set delegation_enabled=false, disabled_by=$1, disabled_at=$2, disabled_reason=$3, updated_at=$2
		 where id=1`, actor, at, reason)
	return err
}

func (s *PGStore) SetMaintenance(ctx context.Context, on bool, message, actor string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update killswitch_state
		 set maintenance_mode=$1, maintenance_message=$2, updated_at=$3
		 where id=1`, on, message, at)
	return err
}
