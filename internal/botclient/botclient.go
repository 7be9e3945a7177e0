// Package botclient manages registered delegate identities: the external
// automated agents allowed to request delegation tokens.
package botclient

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"clinrelay.org/internal/audit"
	"clinrelay.org/internal/scopes"
)

const (
	defaultMaxDelegationsPerHour = 30
	defaultMaxCallsPerMinute     = 60
)

var (
	ErrNotFound       = errors.New("botclient: not found")
	ErrForbiddenScope = errors.New("botclient: scope not bot eligible")
	ErrInvalidInput   = errors.New("botclient: invalid input")
)

// BotClient is a registered delegate identity. Rows are never hard-deleted;
// suspension is the terminal-ish state, preserving audit referential
// integrity.
type BotClient struct {
	ID                    string
	SecretHash            string
	DisplayName           string
	AllowedScopes         []string
	MaxDelegationsPerHour int
	MaxCallsPerMinute     int
	Active                bool
	SuspendedReason       string
	SuspendedAt           time.Time
	DelegationCount       int64
	LastDelegationAt      time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Store persists bot clients.
type Store interface {
	Create(ctx context.Context, bot *BotClient) error
	Find(ctx context.Context, id string) (*BotClient, error)
	List(ctx context.Context) ([]*BotClient, error)
	SetActive(ctx context.Context, id string, active bool, reason string, at time.Time) error
	UpdateSecret(ctx context.Context, id, secretHash string) error
	UpdateScopes(ctx context.Context, id string, allowed []string) error
	RecordDelegation(ctx context.Context, id string, at time.Time) error
}

// Registry implements bot client operations.
type Registry struct {
	store    Store
	recorder *audit.Recorder
	now      func() time.Time
}

func NewRegistry(store Store, recorder *audit.Recorder) *Registry {
	return &Registry{store: store, recorder: recorder, now: time.Now}
}

// WithClock overrides the time source for tests.
func (r *Registry) WithClock(fn func() time.Time) *Registry {
	if fn != nil {
		r.now = fn
	}
	return r
}

// Create registers a bot client. The plaintext secret is returned exactly
// once; only its bcrypt hash is stored.
func (r *Registry) Create(ctx context.Context, displayName string, requested []string, actor audit.Actor) (*BotClient, string, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, "", fmt.Errorf("%w: display name is required", ErrInvalidInput)
	}
	allowed := scopes.Normalize(requested)
	if len(allowed) == 0 {
		return nil, "", fmt.Errorf("%w: at least one scope is required", ErrInvalidInput)
	}
	for _, name := range allowed {
		def, err := scopes.Resolve(name)
		if err != nil {
			return nil, "", err
		}
		if !def.BotEligible {
			return nil, "", fmt.Errorf("%w: %s", ErrForbiddenScope, name)
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	now := r.now().UTC()
	bot := &BotClient{
		SecretHash:            string(hash),
		DisplayName:           displayName,
		AllowedScopes:         allowed,
		MaxDelegationsPerHour: defaultMaxDelegationsPerHour,
		MaxCallsPerMinute:     defaultMaxCallsPerMinute,
		Active:                true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := r.store.Create(ctx, bot); err != nil {
		return nil, "", err
	}
	r.recorder.Log(ctx, audit.Record{
		Event:         audit.EventBotCreated,
		Outcome:       audit.OutcomeIssued,
		Actor:         actor,
		Target:        audit.Target{Type: "bot_client", ID: bot.ID},
		GrantedScopes: allowed,
		Details:       map[string]any{"display_name": displayName},
	})
	return bot, secret, nil
}

// ValidateCredentials checks a client id and secret. The response shape is
// identical whether the id is unknown or the secret is wrong, and a bcrypt
// comparison runs in both cases to blunt timing-based enumeration.
func (r *Registry) ValidateCredentials(ctx context.Context, id, secret string) (*BotClient, error) {
	bot, err := r.store.Find(ctx, strings.TrimSpace(id))
	if err != nil {
		// Burn a comparison against a fixed hash so unknown ids cost the
		// same as bad secrets.
		_ = bcrypt.CompareHashAndPassword([]byte(decoyHash), []byte(secret))
		return nil, ErrNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(bot.SecretHash), []byte(secret)); err != nil {
		return nil, ErrNotFound
	}
	return bot, nil
}

// Find returns a bot client by id.
func (r *Registry) Find(ctx context.Context, id string) (*BotClient, error) {
	return r.store.Find(ctx, strings.TrimSpace(id))
}

// List returns all bot clients for the administrative surface.
func (r *Registry) List(ctx context.Context) ([]*BotClient, error) {
	return r.store.List(ctx)
}

// Suspend deactivates a bot. Suspending an already-suspended bot is a
// no-op with a fresh audit record.
func (r *Registry) Suspend(ctx context.Context, id, reason string, actor audit.Actor) error {
	bot, err := r.store.Find(ctx, id)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	if bot.Active {
		if err := r.store.SetActive(ctx, bot.ID, false, reason, now); err != nil {
			return err
		}
	}
	r.recorder.Log(ctx, audit.Record{
		Event:   audit.EventBotSuspended,
		Outcome: audit.OutcomeIssued,
		Actor:   withBot(actor, bot),
		Target:  audit.Target{Type: "bot_client", ID: bot.ID},
		Details: map[string]any{"reason": reason},
	})
	return nil
}

// Reactivate re-enables a suspended bot, idempotently.
func (r *Registry) Reactivate(ctx context.Context, id string, actor audit.Actor) error {
	bot, err := r.store.Find(ctx, id)
	if err != nil {
		return err
	}
	if !bot.Active {
		if err := r.store.SetActive(ctx, bot.ID, true, "", time.Time{}); err != nil {
			return err
		}
	}
	r.recorder.Log(ctx, audit.Record{
		Event:   audit.EventBotReactivated,
		Outcome: audit.OutcomeIssued,
		Actor:   withBot(actor, bot),
		Target:  audit.Target{Type: "bot_client", ID: bot.ID},
	})
	return nil
}

// RotateSecret invalidates the prior secret atomically with the new one
// and returns the new plaintext exactly once.
func (r *Registry) RotateSecret(ctx context.Context, id string, actor audit.Actor) (string, error) {
	bot, err := r.store.Find(ctx, id)
	if err != nil {
		return "", err
	}
	secret, err := generateSecret()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	if err := r.store.UpdateSecret(ctx, bot.ID, string(hash)); err != nil {
		return "", err
	}
	r.recorder.Log(ctx, audit.Record{
		Event:   audit.EventBotSecretRotated,
		Outcome: audit.OutcomeIssued,
		Actor:   withBot(actor, bot),
		Target:  audit.Target{Type: "bot_client", ID: bot.ID},
	})
	return secret, nil
}

// UpdateScopes replaces the allowed-scope set, enforcing bot eligibility.
func (r *Registry) UpdateScopes(ctx context.Context, id string, requested []string, actor audit.Actor) error {
	bot, err := r.store.Find(ctx, id)
	if err != nil {
		return err
	}
	allowed := scopes.Normalize(requested)
	if len(allowed) == 0 {
		return fmt.Errorf("%w: at least one scope is required", ErrInvalidInput)
	}
	for _, name := range allowed {
		def, err := scopes.Resolve(name)
		if err != nil {
			return err
		}
		if !def.BotEligible {
			return fmt.Errorf("%w: %s", ErrForbiddenScope, name)
		}
	}
	if err := r.store.UpdateScopes(ctx, bot.ID, allowed); err != nil {
		return err
	}
	r.recorder.Log(ctx, audit.Record{
		Event:         audit.EventBotScopesUpdated,
		Outcome:       audit.OutcomeIssued,
		Actor:         withBot(actor, bot),
		Target:        audit.Target{Type: "bot_client", ID: bot.ID},
		GrantedScopes: allowed,
		Details:       map[string]any{"previous_scopes": bot.AllowedScopes},
	})
	return nil
}

// RecordDelegation bumps the cumulative counter and last-delegation stamp.
func (r *Registry) RecordDelegation(ctx context.Context, id string) error {
	return r.store.RecordDelegation(ctx, id, r.now().UTC())
}

// AllowsAll reports whether every requested scope is in the allowed set.
func (b *BotClient) AllowsAll(requested []string) bool {
	allowed := make(map[string]struct{}, len(b.AllowedScopes))
	for _, s := range b.AllowedScopes {
		allowed[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := allowed[s]; !ok {
			return false
		}
	}
	return true
}

func withBot(actor audit.Actor, bot *BotClient) audit.Actor {
	actor.BotClientID = bot.ID
	actor.BotDisplayName = bot.DisplayName
	return actor
}

// decoyHash is a valid bcrypt hash of random bytes, used to equalize the
// cost of rejecting unknown client ids.
const decoyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

func generateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
