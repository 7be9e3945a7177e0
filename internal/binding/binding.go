// Package binding maintains the mapping between external chat identities
// and professional accounts, including its verification lifecycle.
package binding

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"clinrelay.org/internal/audit"
	"clinrelay.org/internal/clinician"
)

const verificationTTL = 24 * time.Hour

var (
	ErrNotFound          = errors.New("binding: not found")
	ErrDuplicateIdentity = errors.New("binding: external identity already bound")
	ErrInvalidOrExpired  = errors.New("binding: invalid or expired verification token")

	// ErrNoBinding is the only resolution failure exposed to callers.
	// Unverified, disabled and inactive-account cases all collapse into it
	// so the external chat surface learns nothing about account state.
	ErrNoBinding = errors.New("binding: no binding")
)

// Binding links one external identity to one professional account.
type Binding struct {
	ID                    string
	ExternalID            string
	ClinicianID           string
	Verified              bool
	VerificationToken     string
	VerificationExpiresAt time.Time
	DelegationEnabled     bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Store persists bindings. Verify must be atomic for the affected row.
type Store interface {
	Create(ctx context.Context, b *Binding) error
	FindByExternalID(ctx context.Context, externalID string) (*Binding, error)
	FindByClinician(ctx context.Context, clinicianID string) (*Binding, error)
	Verify(ctx context.Context, token string, now time.Time) (*Binding, error)
	RefreshVerification(ctx context.Context, id, token string, expiresAt time.Time) error
	SetDelegationEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
}

// Registry implements the identity binding operations.
type Registry struct {
	store      Store
	clinicians clinician.Store
	recorder   *audit.Recorder
	now        func() time.Time
}

func NewRegistry(store Store, clinicians clinician.Store, recorder *audit.Recorder) *Registry {
	return &Registry{store: store, clinicians: clinicians, recorder: recorder, now: time.Now}
}

// WithClock overrides the time source for tests.
func (r *Registry) WithClock(fn func() time.Time) *Registry {
	if fn != nil {
		r.now = fn
	}
	return r
}

// Create binds an external identity to a professional. Re-requesting an
// existing binding for the same professional returns it unchanged, except
// that an unverified binding whose token lapsed gets a fresh one.
func (r *Registry) Create(ctx context.Context, clin *clinician.Clinician, externalID string) (*Binding, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" || clin == nil {
		return nil, ErrNotFound
	}

	if existing, err := r.store.FindByExternalID(ctx, externalID); err == nil {
		if existing.ClinicianID != clin.ID {
			return nil, ErrDuplicateIdentity
		}
		return r.reissueIfLapsed(ctx, clin, existing)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing, err := r.store.FindByClinician(ctx, clin.ID); err == nil {
		// One binding per professional; a second external id is a conflict.
		if existing.ExternalID != externalID {
			return nil, ErrDuplicateIdentity
		}
		return r.reissueIfLapsed(ctx, clin, existing)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := r.now().UTC()
	b := &Binding{
		ExternalID:            externalID,
		ClinicianID:           clin.ID,
		VerificationToken:     uuid.NewString(),
		VerificationExpiresAt: now.Add(verificationTTL),
		DelegationEnabled:     true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := r.store.Create(ctx, b); err != nil {
		return nil, err
	}
	r.recorder.Log(ctx, audit.Record{
		Event:   audit.EventBindingCreated,
		Outcome: audit.OutcomeIssued,
		Actor:   audit.Actor{ClinicianID: clin.ID, ClinicianEmail: clin.Email},
		Target:  audit.Target{Type: "binding", ID: b.ID},
		Details: map[string]any{"external_id": externalID},
	})
	return b, nil
}

// reissueIfLapsed hands back an existing binding, minting a fresh
// verification token when the previous one lapsed unverified. Without
// this a professional who missed the 24h window would have to revoke and
// rebind.
func (r *Registry) reissueIfLapsed(ctx context.Context, clin *clinician.Clinician, b *Binding) (*Binding, error) {
	now := r.now().UTC()
	if b.Verified || b.VerificationExpiresAt.After(now) {
		return b, nil
	}
	b.VerificationToken = uuid.NewString()
	b.VerificationExpiresAt = now.Add(verificationTTL)
	b.UpdatedAt = now
	if err := r.store.RefreshVerification(ctx, b.ID, b.VerificationToken, b.VerificationExpiresAt); err != nil {
		return nil, err
	}
	r.recorder.Log(ctx, audit.Record{
		Event:   audit.EventBindingCreated,
		Outcome: audit.OutcomeIssued,
		Actor:   audit.Actor{ClinicianID: clin.ID, ClinicianEmail: clin.Email},
		Target:  audit.Target{Type: "binding", ID: b.ID},
		Details: map[string]any{"external_id": b.ExternalID, "reissued": true},
	})
	return b, nil
}

// Verify consumes a verification token and marks the binding verified.
func (r *Registry) Verify(ctx context.Context, token string) (*Binding, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidOrExpired
	}
	b, err := r.store.Verify(ctx, token, r.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidOrExpired
		}
		return nil, err
	}
	r.recorder.Log(ctx, audit.Record{
		Event:   audit.EventBindingVerified,
		Outcome: audit.OutcomeIssued,
		Actor:   audit.Actor{ClinicianID: b.ClinicianID},
		Target:  audit.Target{Type: "binding", ID: b.ID},
		Details: map[string]any{"external_id": b.ExternalID},
	})
	return b, nil
}

// SetDelegationEnabled toggles delegation for an existing binding.
func (r *Registry) SetDelegationEnabled(ctx context.Context, externalID string, enabled bool) error {
	b, err := r.store.FindByExternalID(ctx, strings.TrimSpace(externalID))
	if err != nil {
		return err
	}
	return r.store.SetDelegationEnabled(ctx, b.ID, enabled)
}

// Resolve returns the professional behind an external identity, or
// ErrNoBinding. See the sentinel's doc for the information-hiding rule.
func (r *Registry) Resolve(ctx context.Context, externalID string) (*clinician.Clinician, error) {
	b, err := r.store.FindByExternalID(ctx, strings.TrimSpace(externalID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoBinding
		}
		return nil, err
	}
	if !b.Verified || !b.DelegationEnabled {
		return nil, ErrNoBinding
	}
	clin, err := r.clinicians.Find(ctx, b.ClinicianID)
	if err != nil {
		if errors.Is(err, clinician.ErrNotFound) {
			return nil, ErrNoBinding
		}
		return nil, err
	}
	if !clin.CanDelegate() {
		return nil, ErrNoBinding
	}
	return clin, nil
}

// Revoke deletes a binding. The audit record is written before the delete
// and carries the denormalized identity, since the row disappears.
func (r *Registry) Revoke(ctx context.Context, externalID, reason string, actor audit.Actor) error {
	b, err := r.store.FindByExternalID(ctx, strings.TrimSpace(externalID))
	if err != nil {
		return err
	}
	var email string
	if clin, err := r.clinicians.Find(ctx, b.ClinicianID); err == nil {
		email = clin.Email
	}
	if actor.ClinicianID == "" {
		actor.ClinicianID = b.ClinicianID
	}
	actor.ClinicianEmail = email
	r.recorder.Log(ctx, audit.Record{
		Event:   audit.EventBindingRevoked,
		Outcome: audit.OutcomeIssued,
		Actor:   actor,
		Target:  audit.Target{Type: "binding", ID: b.ID},
		Details: map[string]any{
			"external_id":  b.ExternalID,
			"clinician_id": b.ClinicianID,
			"reason":       reason,
		},
	})
	return r.store.Delete(ctx, b.ID)
}
