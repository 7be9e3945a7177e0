// Package audit provides the append-only event trail for the delegation
// subsystem. Records are write-once: nothing in this service updates or
// deletes an audit row after insert.
package audit

import (
	"context"
	"time"

	"clinrelay.org/internal/obs"
)

// Event types emitted by the subsystem.
const (
	EventDelegationIssued = "delegation.token.issued"
	EventDelegationDenied = "delegation.token.denied"
	EventGateAllowed      = "delegation.gate.allowed"
	EventGateDenied       = "delegation.gate.denied"
	EventBindingCreated   = "binding.created"
	EventBindingVerified  = "binding.verified"
	EventBindingRevoked   = "binding.revoked"
	EventBotCreated       = "bot.created"
	EventBotSuspended     = "bot.suspended"
	EventBotReactivated   = "bot.reactivated"
	EventBotSecretRotated = "bot.secret_rotated"
	EventBotScopesUpdated = "bot.scopes_updated"
	EventKillSwitchOff    = "killswitch.disabled"
	EventKillSwitchOn     = "killswitch.enabled"
	EventMaintenanceSet   = "killswitch.maintenance"
	EventDraftCreated     = "draft.created"
	EventDraftDenied      = "draft.denied"
	EventDraftPromoted    = "draft.promoted"
	EventDraftRejected    = "draft.rejected"
	EventDraftExpired     = "draft.expired"
)

// Outcomes recorded on delegation and gate events. The denied_* values are
// the stable denial reasons surfaced to integrators.
const (
	OutcomeIssued  = "issued"
	OutcomeAllowed = "allowed"

	DeniedDisabled      = "denied_disabled"
	DeniedBadCredential = "denied_bad_credential"
	DeniedBotSuspended  = "denied_bot_suspended"
	DeniedRateLimited   = "denied_rate_limited"
	DeniedNoBinding     = "denied_no_binding"
	DeniedInactiveUser  = "denied_inactive_user"
	DeniedInvalidScopes = "denied_invalid_scopes"
	DeniedInvalidToken  = "denied_invalid_token"
)

// Actor identifies who performed (or attempted) an action. Human and bot
// fields may both be set for delegated calls. The denormalized email and
// name survive later deletion of the referenced rows.
type Actor struct {
	ClinicianID    string
	ClinicianEmail string
	BotClientID    string
	BotDisplayName string
}

// Target identifies what the action touched.
type Target struct {
	Type string
	ID   string
}

// RequestContext carries transport-level origin data.
type RequestContext struct {
	Origin    string
	UserAgent string
	RequestID string
}

// Record is one immutable audit row.
type Record struct {
	ID              string
	OccurredAt      time.Time
	Event           string
	Actor           Actor
	Target          Target
	RequestedScopes []string
	GrantedScopes   []string
	Outcome         string
	Details         map[string]any
	Request         RequestContext
}

// Store appends immutable records. Implementations expose no update or
// delete path; attempting one is a programming error.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	List(ctx context.Context, limit int, afterID string) ([]Record, error)
}

// Recorder writes audit records with a best-effort fallback: a failing
// durable store degrades to an internal log line instead of failing the
// caller's request (explicit policy, see writeFallback).
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder wraps a store. A nil store records to the log only.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// WithClock overrides the time source for tests.
func (r *Recorder) WithClock(fn func() time.Time) *Recorder {
	if fn != nil {
		r.now = fn
	}
	return r
}

// Log appends one record. It never returns an error to the caller: a
// denial response must not be blocked by audit storage trouble.
func (r *Recorder) Log(ctx context.Context, rec Record) {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = r.now().UTC()
	}
	if r.store == nil {
		r.writeFallback(rec, nil)
		return
	}
	if err := r.store.Append(ctx, &rec); err != nil {
		r.writeFallback(rec, err)
	}
}

// writeFallback emits the record to the structured log so operators can
// alert on audit-store gaps.
func (r *Recorder) writeFallback(rec Record, cause error) {
	entry := map[string]any{
		"ts":      rec.OccurredAt.Format(time.RFC3339Nano),
		"type":    "audit_fallback",
		"event":   rec.Event,
		"outcome": rec.Outcome,
	}
	if rec.Actor.ClinicianID != "" {
		entry["clinician_id"] = rec.Actor.ClinicianID
	}
	if rec.Actor.BotClientID != "" {
		entry["bot_client_id"] = rec.Actor.BotClientID
	}
	if rec.Target.ID != "" {
		entry["target"] = rec.Target.Type + "/" + rec.Target.ID
	}
	if cause != nil {
		entry["store_error"] = cause.Error()
	}
	obs.LogEvent(entry)
}
