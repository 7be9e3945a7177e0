package delegation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinrelay.org/internal/audit"
	"clinrelay.org/internal/binding"
	"clinrelay.org/internal/botclient"
	"clinrelay.org/internal/killswitch"
	"clinrelay.org/internal/obs"
	"clinrelay.org/internal/ratelimit"
	"clinrelay.org/internal/scopes"
)

// DeniedError carries the stable denial reason for a refused issuance.
type DeniedError struct {
	Reason string
	cause  error
}

func (e *DeniedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("delegation denied (%s): %v", e.Reason, e.cause)
	}
	return "delegation denied (" + e.Reason + ")"
}

func (e *DeniedError) Unwrap() error { return e.cause }

// Denied extracts a DeniedError from an error chain.
func Denied(err error) (*DeniedError, bool) {
	var d *DeniedError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// IssueRequest carries everything a bot sends on one token-issuance call.
type IssueRequest struct {
	BotID      string
	BotSecret  string
	ExternalID string
	Scopes     []string
	TTL        time.Duration
	Request    audit.RequestContext
}

// Grant is a successful issuance.
type Grant struct {
	Token     string
	TokenType string
	ExpiresIn int
	Scopes    []string
}

// ScopeString returns the space-joined granted scopes.
func (g Grant) ScopeString() string { return strings.Join(g.Scopes, " ") }

// Service runs the issuance pipeline: kill switch, bot credentials,
// identity binding, rate limit, scope policy, then signing. Every outcome
// is audited.
type Service struct {
	signer   *Signer
	bots     *botclient.Registry
	bindings *binding.Registry
	sw       *killswitch.Switch
	limiter  ratelimit.Limiter
	recorder *audit.Recorder
}

func NewService(
	signer *Signer,
	bots *botclient.Registry,
	bindings *binding.Registry,
	sw *killswitch.Switch,
	limiter ratelimit.Limiter,
	recorder *audit.Recorder,
) *Service {
	return &Service{
		signer:   signer,
		bots:     bots,
		bindings: bindings,
		sw:       sw,
		limiter:  limiter,
		recorder: recorder,
	}
}

// Signer exposes the token codec for the authorization gate.
func (s *Service) Signer() *Signer { return s.signer }

// Issue runs the issuance pipeline. An empty scope list is a malformed
// request, rejected before the pipeline starts; among the denial checks
// the kill switch is strictly first, rejecting regardless of any other
// state.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (Grant, error) {
	requested := scopes.Normalize(req.Scopes)
	if len(requested) == 0 {
		return Grant{}, ErrEmptyScopeSet
	}

	if !s.sw.IsDelegationEnabled(ctx) {
		return Grant{}, s.deny(ctx, req, requested, audit.Actor{BotClientID: req.BotID}, audit.DeniedDisabled, nil)
	}

	bot, err := s.bots.ValidateCredentials(ctx, req.BotID, req.BotSecret)
	if err != nil {
		return Grant{}, s.deny(ctx, req, requested, audit.Actor{BotClientID: req.BotID}, audit.DeniedBadCredential, err)
	}
	actor := audit.Actor{BotClientID: bot.ID, BotDisplayName: bot.DisplayName}
	if !bot.Active {
		return Grant{}, s.deny(ctx, req, requested, actor, audit.DeniedBotSuspended, nil)
	}

	clin, err := s.bindings.Resolve(ctx, req.ExternalID)
	if err != nil {
		if errors.Is(err, binding.ErrNoBinding) {
			return Grant{}, s.deny(ctx, req, requested, actor, audit.DeniedNoBinding, err)
		}
		return Grant{}, err
	}
	actor.ClinicianID = clin.ID
	actor.ClinicianEmail = clin.Email

	if d := s.limiter.Allow("deleg:"+bot.ID, bot.MaxDelegationsPerHour); !d.Allowed {
		return Grant{}, s.deny(ctx, req, requested, actor, audit.DeniedRateLimited, nil)
	}

	for _, name := range requested {
		def, err := scopes.Resolve(name)
		if err != nil || !def.BotEligible {
			return Grant{}, s.deny(ctx, req, requested, actor, audit.DeniedInvalidScopes, err)
		}
		if def.RequiresPrivilegedRole && !clin.Privileged() {
			return Grant{}, s.deny(ctx, req, requested, actor, audit.DeniedInvalidScopes, nil)
		}
	}
	if !bot.AllowsAll(requested) {
		return Grant{}, s.deny(ctx, req, requested, actor, audit.DeniedInvalidScopes, nil)
	}

	token, claims, err := s.signer.Issue(clin.ID, bot.ID, requested, req.TTL)
	if err != nil {
		return Grant{}, err
	}
	if err := s.bots.RecordDelegation(ctx, bot.ID); err != nil {
		// Counter drift is tolerable; the issued token is already valid.
		obs.LogEvent(map[string]any{
			"level": "warn",
			"msg":   "record delegation failed",
			"bot":   bot.ID,
			"error": err.Error(),
		})
	}

	s.recorder.Log(ctx, audit.Record{
		Event:           audit.EventDelegationIssued,
		Outcome:         audit.OutcomeIssued,
		Actor:           actor,
		Target:          audit.Target{Type: "delegation_token", ID: claims.ID},
		RequestedScopes: requested,
		GrantedScopes:   requested,
		Request:         req.Request,
		Details: map[string]any{
			"expires_at": claims.ExpiresAt.UTC().Format(time.RFC3339),
		},
	})
	obs.DelegationIssued()

	// Lifetime from the signer's own clock, not the wall clock.
	expiresIn := int(claims.ExpiresAt.Sub(claims.IssuedAt.Time).Seconds())
	return Grant{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: expiresIn,
		Scopes:    requested,
	}, nil
}

// deny audits the refusal and returns the typed error. Granted scopes on
// a denial are always empty.
func (s *Service) deny(ctx context.Context, req IssueRequest, requested []string, actor audit.Actor, reason string, cause error) error {
	s.recorder.Log(ctx, audit.Record{
		Event:           audit.EventDelegationDenied,
		Outcome:         reason,
		Actor:           actor,
		Target:          audit.Target{Type: "bot_client", ID: req.BotID},
		RequestedScopes: requested,
		GrantedScopes:   []string{},
		Request:         req.Request,
	})
	obs.DelegationDenied(reason)
	return &DeniedError{Reason: reason, cause: cause}
}
