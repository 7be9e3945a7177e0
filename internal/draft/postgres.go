package draft

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PGStore persists drafts in Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const draftColumns = `id, patient_id, kind, title, body, author_id,
delegated_by_id, created_by_bot_id, is_draft, draft_expires_at,
coalesce(promoted_at, 'epoch'::timestamptz), coalesce(promoted_by, ''),
created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drafts (
			id, patient_id, kind, title, body, author_id,
			delegated_by_id, created_by_bot_id, is_draft,
			draft_expires_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.ID, rec.PatientID, rec.Kind, rec.Title, rec.Body, rec.AuthorID,
		rec.DelegatedByID, rec.CreatedByBotID, rec.Draft,
		rec.DraftExpiresAt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}
	return nil
}

func (s *PGStore) Find(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+draftColumns+` FROM drafts WHERE id = $1`, id)
	return scanDraft(row)
}

func (s *PGStore) ListExpired(ctx context.Context, now time.Time) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+draftColumns+`
		FROM drafts
		WHERE is_draft = true AND draft_expires_at <= $1
		ORDER BY draft_expires_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired drafts: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Promote is the single guarded update that leaves the draft state. The
// WHERE clause re-checks is_draft and the expiry horizon so concurrent
// promotes, rejects, and sweeps cannot both win.
func (s *PGStore) Promote(ctx context.Context, id, approverID string, mods Modifications, at time.Time) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE drafts
		SET is_draft = false,
		    author_id = $2,
		    promoted_at = $3,
		    promoted_by = $2,
		    title = coalesce($4, title),
		    body = coalesce($5, body),
		    updated_at = $3
		WHERE id = $1 AND is_draft = true AND draft_expires_at > $3
		RETURNING `+draftColumns,
		id, approverID, at, mods.Title, mods.Body,
	)
	rec, err := scanDraft(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotADraft
	}
	return rec, err
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(row rowScanner) (*Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.PatientID, &rec.Kind, &rec.Title, &rec.Body,
		&rec.AuthorID, &rec.DelegatedByID, &rec.CreatedByBotID,
		&rec.Draft, &rec.DraftExpiresAt, &rec.PromotedAt, &rec.PromotedBy,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan draft: %w", err)
	}
	return &rec, nil
}
