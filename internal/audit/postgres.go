package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	"clinrelay.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. The audit_log table is
// insert-and-select only; this type deliberately has no update or delete
// methods, and the schema revokes UPDATE/DELETE from the service role.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	details, _ := json.Marshal(rec.Details)
	requested, _ := json.Marshal(rec.RequestedScopes)
	granted, _ := json.Marshal(rec.GrantedScopes)
	_, err := s.db.ExecContext(ctx,
		`insert into audit_log(
			id, occurred_at, event, outcome,
			clinician_id, clinician_email, bot_client_id, bot_display_name,
			target_type, target_id,
			requested_scopes, granted_scopes, details,
			origin, user_agent, request_id)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rec.ID, rec.OccurredAt, rec.Event, rec.Outcome,
		nullable(rec.Actor.ClinicianID), nullable(rec.Actor.ClinicianEmail),
		nullable(rec.Actor.BotClientID), nullable(rec.Actor.BotDisplayName),
		rec.Target.Type, rec.Target.ID,
		requested, granted, details,
		rec.Request.Origin, rec.Request.UserAgent, rec.Request.RequestID,
	)
	return err
}

func (s *PGStore) List(ctx context.Context, limit int, afterID string) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`select id, occurred_at, event, outcome,
			coalesce(clinician_id,''), coalesce(clinician_email,''),
			coalesce(bot_client_id,''), coalesce(bot_display_name,''),
			target_type, target_id,
			requested_scopes, granted_scopes, details,
			origin, user_agent, request_id
		 from audit_log
		 where id > $1
		 order by id asc
		 limit $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                         Record
			requested, granted, details []byte
		)
		if err := rows.Scan(
			&rec.ID, &rec.OccurredAt, &rec.Event, &rec.Outcome,
			&rec.Actor.ClinicianID, &rec.Actor.ClinicianEmail,
			&rec.Actor.BotClientID, &rec.Actor.BotDisplayName,
			&rec.Target.Type, &rec.Target.ID,
			&requested, &granted, &details,
			&rec.Request.Origin, &rec.Request.UserAgent, &rec.Request.RequestID,
		); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(requested, &rec.RequestedScopes)
		_ = json.Unmarshal(granted, &rec.GrantedScopes)
		_ = json.Unmarshal(details, &rec.Details)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
