package botclient

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"clinrelay.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. There is intentionally no
// delete method: bot clients are suspended, never removed.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const botColumns = `id, secret_hash, display_name, allowed_scopes,
	max_delegations_per_hour, max_calls_per_minute,
	active, coalesce(suspended_reason,''), coalesce(suspended_at, 'epoch'::timestamptz),
	delegation_count, coalesce(last_delegation_at, 'epoch'::timestamptz),
	created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, bot *BotClient) error {
	if bot.ID == "" {
		bot.ID = ids.New()
	}
	allowed, _ := json.Marshal(bot.AllowedScopes)
	_, err := s.db.ExecContext(ctx,
		`insert into bot_clients(
			id, secret_hash, display_name, allowed_scopes,
			max_delegations_per_hour, max_calls_per_minute, active)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		bot.ID, bot.SecretHash, bot.DisplayName, allowed,
		bot.MaxDelegationsPerHour, bot.MaxCallsPerMinute, bot.Active,
	)
	return err
}

func (s *PGStore) Find(ctx context.Context, id string) (*BotClient, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+botColumns+` from bot_clients where id=$1`, id)
	return scanBot(row)
}

func (s *PGStore) List(ctx context.Context) ([]*BotClient, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+botColumns+` from bot_clients order by created_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BotClient
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bot)
	}
	return out, rows.Err()
}

func (s *PGStore) SetActive(ctx context.Context, id string, active bool, reason string, at time.Time) error {
	var res sql.Result
	var err error
	if active {
		res, err = s.db.ExecContext(ctx,
			`update bot_clients set active=true, suspended_reason=null, suspended_at=null, updated_at=now() where id=$1`, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`update bot_clients set active=false, suspended_reason=$2, suspended_at=$3, updated_at=now() where id=$1`,
			id, reason, at)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) UpdateSecret(ctx context.Context, id, secretHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update bot_clients set secret_hash=$2, updated_at=now() where id=$1`, id, secretHash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) UpdateScopes(ctx context.Context, id string, allowed []string) error {
	data, _ := json.Marshal(allowed)
	res, err := s.db.ExecContext(ctx,
		`update bot_clients set allowed_scopes=$2, updated_at=now() where id=$1`, id, data)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) RecordDelegation(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update bot_clients set delegation_count=delegation_count+1, last_delegation_at=$2, updated_at=now() where id=$1`,
		id, at)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*BotClient, error) {
	var (
		bot     BotClient
		allowed []byte
	)
	if err := row.Scan(
		&bot.ID, &bot.SecretHash, &bot.DisplayName, &allowed,
		&bot.MaxDelegationsPerHour, &bot.MaxCallsPerMinute,
		&bot.Active, &bot.SuspendedReason, &bot.SuspendedAt,
		&bot.DelegationCount, &bot.LastDelegationAt,
		&bot.CreatedAt, &bot.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(allowed, &bot.AllowedScopes)
	return &bot, nil
}
