// Package draft governs bot-authored artifacts: created only through an
// authorized delegation grant, held as drafts until a human promotes or
// rejects them, and swept when the expiry horizon passes.
package draft

import (
	"context"
	"errors"
	"time"

	"clinrelay.org/internal/audit"
	"clinrelay.org/internal/clinician"
	"clinrelay.org/internal/gate"
	"clinrelay.org/internal/ids"
	"clinrelay.org/internal/obs"
	"clinrelay.org/internal/scopes"
)

// DefaultExpiryHorizon is how long a draft stays promotable after creation.
const DefaultExpiryHorizon = 72 * time.Hour

var (
	ErrNotFound      = errors.New("draft: not found")
	ErrNotADraft     = errors.New("draft: artifact is no longer a draft")
	ErrExpired       = errors.New("draft: past its expiry horizon")
	ErrNotAuthorized = errors.New("draft: professional may not ratify this artifact")
	ErrUnknownKind   = errors.New("draft: unknown artifact kind")
	ErrScopeMissing  = errors.New("draft: grant does not carry the required draft scope")
)

// Artifact is the capability surface the lifecycle needs from any document
// kind. Concrete kinds implement it; the lifecycle never assumes a shared
// base type.
type Artifact interface {
	IsDraft() bool
	ExpiresAt() time.Time
	DelegatedBy() string
	CreatedByBot() string
}

// Artifact kinds this deployment accepts from bots.
const (
	KindDailyNote = "daily_note"
	KindCarePlan  = "care_plan"
	KindMessage   = "message"
)

// ScopeForKind maps an artifact kind to the draft scope that authorizes
// creating it.
func ScopeForKind(kind string) (string, error) {
	switch kind {
	case KindDailyNote:
		return scopes.DailyNoteDraft, nil
	case KindCarePlan:
		return scopes.CarePlanDraft, nil
	case KindMessage:
		return scopes.MessageDraft, nil
	default:
		return "", ErrUnknownKind
	}
}

// Record is the stored draft artifact. The author-of-record is the
// delegating professional from the moment of creation; the bot is only
// ever recorded as the mechanical creator.
type Record struct {
	ID             string
	PatientID      string
	Kind           string
	Title          string
	Body           string
	AuthorID       string
	DelegatedByID  string
	CreatedByBotID string
	Draft          bool
	DraftExpiresAt time.Time
	PromotedAt     time.Time
	PromotedBy     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (r *Record) IsDraft() bool        { return r.Draft }
func (r *Record) ExpiresAt() time.Time { return r.DraftExpiresAt }
func (r *Record) DelegatedBy() string  { return r.DelegatedByID }
func (r *Record) CreatedByBot() string { return r.CreatedByBotID }

// Modifications are the optional field edits applied at promotion time.
type Modifications struct {
	Title *string
	Body  *string
}

// Store persists drafts. Promote must be a guarded single-row update: it
// flips is_draft exactly once and fails if the row already left the draft
// state or expired, regardless of what the caller read beforehand.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Find(ctx context.Context, id string) (*Record, error)
	ListExpired(ctx context.Context, now time.Time) ([]*Record, error)
	Promote(ctx context.Context, id, approverID string, mods Modifications, at time.Time) (*Record, error)
	Delete(ctx context.Context, id string) error
}

// CreateInput is a bot's request to author a draft under its grant.
type CreateInput struct {
	PatientID string
	Kind      string
	Title     string
	Body      string
	Request   audit.RequestContext
}

// Manager runs the draft state machine: active-draft, then exactly one of
// promoted, rejected, or expired.
type Manager struct {
	store      Store
	clinicians clinician.Store
	recorder   *audit.Recorder
	horizon    time.Duration
	now        func() time.Time
}

func NewManager(store Store, clinicians clinician.Store, recorder *audit.Recorder) *Manager {
	return &Manager{
		store:      store,
		clinicians: clinicians,
		recorder:   recorder,
		horizon:    DefaultExpiryHorizon,
		now:        time.Now,
	}
}

// WithExpiryHorizon overrides the fixed promotion window.
func (m *Manager) WithExpiryHorizon(d time.Duration) *Manager {
	if d > 0 {
		m.horizon = d
	}
	return m
}

// WithClock overrides the time source (useful for tests).
func (m *Manager) WithClock(fn func() time.Time) *Manager {
	if fn != nil {
		m.now = fn
	}
	return m
}

// Create authors a draft under the given grant. The grant must carry the
// draft scope for the artifact kind; there is no other path into the
// draft state.
func (m *Manager) Create(ctx context.Context, grant *gate.Grant, in CreateInput) (*Record, error) {
	required, err := ScopeForKind(in.Kind)
	if err != nil {
		return nil, err
	}
	if grant == nil || !grant.HasScope(required) {
		m.denyCreate(ctx, grant, in, required)
		return nil, ErrScopeMissing
	}

	now := m.now().UTC()
	rec := &Record{
		ID:             ids.New(),
		PatientID:      in.PatientID,
		Kind:           in.Kind,
		Title:          in.Title,
		Body:           in.Body,
		AuthorID:       grant.Clinician.ID,
		DelegatedByID:  grant.Clinician.ID,
		CreatedByBotID: grant.Bot.ID,
		Draft:          true,
		DraftExpiresAt: now.Add(m.horizon),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	m.recorder.Log(ctx, audit.Record{
		Event:   audit.EventDraftCreated,
		Outcome: audit.OutcomeAllowed,
		Actor: audit.Actor{
			ClinicianID:    grant.Clinician.ID,
			ClinicianEmail: grant.Clinician.Email,
			BotClientID:    grant.Bot.ID,
			BotDisplayName: grant.Bot.DisplayName,
		},
		Target:        audit.Target{Type: "draft", ID: rec.ID},
		GrantedScopes: grant.Scopes,
		Request:       in.Request,
		Details: map[string]any{
			"kind":       rec.Kind,
			"patient_id": rec.PatientID,
			"expires_at": rec.DraftExpiresAt.Format(time.RFC3339),
		},
	})
	return rec, nil
}

// denyCreate audits a creation attempt whose grant lacks the kind's draft
// scope. Granted scopes on a denial are always empty.
func (m *Manager) denyCreate(ctx context.Context, grant *gate.Grant, in CreateInput, required string) {
	var actor audit.Actor
	if grant != nil {
		actor = audit.Actor{
			ClinicianID:    grant.Clinician.ID,
			ClinicianEmail: grant.Clinician.Email,
			BotClientID:    grant.Bot.ID,
			BotDisplayName: grant.Bot.DisplayName,
		}
	}
	m.recorder.Log(ctx, audit.Record{
		Event:           audit.EventDraftDenied,
		Outcome:         audit.DeniedInvalidScopes,
		Actor:           actor,
		Target:          audit.Target{Type: "draft"},
		RequestedScopes: []string{required},
		GrantedScopes:   []string{},
		Request:         in.Request,
		Details:         map[string]any{"kind": in.Kind},
	})
}

// Promote ratifies a draft. Authorship transfers to the approving
// professional; the original delegating professional and bot stay on the
// audit record.
func (m *Manager) Promote(ctx context.Context, id, approverID string, mods Modifications, reqCtx audit.RequestContext) (*Record, error) {
	rec, err := m.store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if !rec.IsDraft() {
		return nil, ErrNotADraft
	}
	if now.After(rec.ExpiresAt()) {
		return nil, ErrExpired
	}

	approver, err := m.clinicians.Find(ctx, approverID)
	if err != nil {
		if errors.Is(err, clinician.ErrNotFound) {
			return nil, ErrNotAuthorized
		}
		return nil, err
	}
	if !approver.CanDelegate() || !approver.Privileged() {
		return nil, ErrNotAuthorized
	}

	// The store re-checks draft state and expiry in the same guarded
	// update, so a concurrent promote or sweep loses cleanly.
	promoted, err := m.store.Promote(ctx, id, approver.ID, mods, now)
	if err != nil {
		return nil, err
	}

	m.recorder.Log(ctx, audit.Record{
		Event:   audit.EventDraftPromoted,
		Outcome: audit.OutcomeAllowed,
		Actor:   audit.Actor{ClinicianID: approver.ID, ClinicianEmail: approver.Email},
		Target:  audit.Target{Type: "draft", ID: rec.ID},
		Request: reqCtx,
		Details: map[string]any{
			"kind":                rec.Kind,
			"original_author":     rec.DelegatedByID,
			"created_by_bot":      rec.CreatedByBotID,
			"authorship_transfer": true,
		},
	})
	return promoted, nil
}

// Reject discards a draft permanently. The audit record is written before
// the row is deleted; a crash in between leaves an audited orphan, never
// an unaudited deletion.
func (m *Manager) Reject(ctx context.Context, id, rejecterID, reason string, reqCtx audit.RequestContext) error {
	rec, err := m.store.Find(ctx, id)
	if err != nil {
		return err
	}
	if !rec.IsDraft() {
		return ErrNotADraft
	}

	rejecter, err := m.clinicians.Find(ctx, rejecterID)
	if err != nil {
		if errors.Is(err, clinician.ErrNotFound) {
			return ErrNotAuthorized
		}
		return err
	}
	if !rejecter.CanDelegate() {
		return ErrNotAuthorized
	}

	m.recorder.Log(ctx, audit.Record{
		Event:   audit.EventDraftRejected,
		Outcome: audit.OutcomeAllowed,
		Actor:   audit.Actor{ClinicianID: rejecter.ID, ClinicianEmail: rejecter.Email},
		Target:  audit.Target{Type: "draft", ID: rec.ID},
		Request: reqCtx,
		Details: map[string]any{
			"kind":            rec.Kind,
			"reason":          reason,
			"original_author": rec.DelegatedByID,
			"created_by_bot":  rec.CreatedByBotID,
		},
	})
	return m.store.Delete(ctx, id)
}

// Sweep deletes drafts past their expiry horizon, auditing each one as
// expired. Returns the number of drafts removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now().UTC()
	expired, err := m.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, rec := range expired {
		m.recorder.Log(ctx, audit.Record{
			Event:   audit.EventDraftExpired,
			Outcome: audit.OutcomeAllowed,
			Actor:   audit.Actor{BotClientID: rec.CreatedByBotID},
			Target:  audit.Target{Type: "draft", ID: rec.ID},
			Details: map[string]any{
				"kind":            rec.Kind,
				"original_author": rec.DelegatedByID,
				"expired_at":      rec.DraftExpiresAt.Format(time.RFC3339),
			},
		})
		if err := m.store.Delete(ctx, rec.ID); err != nil {
			obs.LogEvent(map[string]any{
				"level": "warn",
				"msg":   "expired draft delete failed",
				"draft": rec.ID,
				"error": err.Error(),
			})
			continue
		}
		obs.DraftSwept()
		swept++
	}
	return swept, nil
}
