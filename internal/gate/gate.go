// Package gate enforces delegated authorization on every bot-initiated
// request. Checks run in a fixed order and short-circuit on the first
// failure; each denial carries a stable reason and is audited.
package gate

import (
	"context"
	"errors"
	"fmt"

	"clinrelay.org/internal/audit"
	"clinrelay.org/internal/botclient"
	"clinrelay.org/internal/clinician"
	"clinrelay.org/internal/delegation"
	"clinrelay.org/internal/killswitch"
	"clinrelay.org/internal/obs"
	"clinrelay.org/internal/ratelimit"
	"clinrelay.org/internal/scopes"
)

// DeniedError is a refused request with its stable reason.
type DeniedError struct {
	Reason string
	cause  error
}

func (e *DeniedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("gate denied (%s): %v", e.Reason, e.cause)
	}
	return "gate denied (" + e.Reason + ")"
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

// Grant is the annotation attached to an authorized request: who is
// acting, on whose behalf, with which scopes.
type Grant struct {
	Clinician *clinician.Clinician
	Bot       *botclient.BotClient
	Scopes    []string
	TokenID   string
}

// HasScope reports whether the grant covers the named scope.
func (g *Grant) HasScope(name string) bool {
	for _, s := range g.Scopes {
		if s == name {
			return true
		}
	}
	return false
}

// Checker runs the per-request authorization pipeline.
type Checker struct {
	signer     *delegation.Signer
	clinicians clinician.Store
	bots       *botclient.Registry
	sw         *killswitch.Switch
	limiter    ratelimit.Limiter
	recorder   *audit.Recorder
}

func New(
	signer *delegation.Signer,
	clinicians clinician.Store,
	bots *botclient.Registry,
	sw *killswitch.Switch,
	limiter ratelimit.Limiter,
	recorder *audit.Recorder,
) *Checker {
	return &Checker{
		signer:     signer,
		clinicians: clinicians,
		bots:       bots,
		sw:         sw,
		limiter:    limiter,
		recorder:   recorder,
	}
}

// Check authorizes one bot request carrying a delegation token. required
// lists the scopes the endpoint needs; all of them must be present in the
// token. The kill switch is consulted first, so an operator disable cuts
// off even requests with otherwise valid tokens.
func (c *Checker) Check(ctx context.Context, token string, required []string, reqCtx audit.RequestContext) (*Grant, error) {
	if !c.sw.IsDelegationEnabled(ctx) {
		return nil, c.deny(ctx, audit.Actor{}, required, reqCtx, audit.DeniedDisabled, nil)
	}

	claims, err := c.signer.Validate(token)
	if err != nil {
		return nil, c.deny(ctx, audit.Actor{}, required, reqCtx, audit.DeniedInvalidToken, err)
	}
	granted := claims.ExtractScopes()
	actor := audit.Actor{
		ClinicianID: claims.ExtractSubject(),
		BotClientID: claims.AuthorizedParty,
	}

	clin, err := c.clinicians.Find(ctx, claims.ExtractSubject())
	if err != nil {
		if errors.Is(err, clinician.ErrNotFound) {
			return nil, c.deny(ctx, actor, required, reqCtx, audit.DeniedInactiveUser, err)
		}
		return nil, err
	}
	actor.ClinicianEmail = clin.Email
	// A token outlives none of these transitions: a professional who went
	// inactive after issuance is cut off mid-token-lifetime here.
	if !clin.CanDelegate() {
		return nil, c.deny(ctx, actor, required, reqCtx, audit.DeniedInactiveUser, nil)
	}

	bot, err := c.bots.Find(ctx, claims.AuthorizedParty)
	if err != nil {
		if errors.Is(err, botclient.ErrNotFound) {
			return nil, c.deny(ctx, actor, required, reqCtx, audit.DeniedBotSuspended, err)
		}
		return nil, err
	}
	actor.BotDisplayName = bot.DisplayName
	if !bot.Active {
		return nil, c.deny(ctx, actor, required, reqCtx, audit.DeniedBotSuspended, nil)
	}

	if d := c.limiter.Allow("calls:"+bot.ID, bot.MaxCallsPerMinute); !d.Allowed {
		return nil, c.deny(ctx, actor, required, reqCtx, audit.DeniedRateLimited, nil)
	}

	need := scopes.Normalize(required)
	for _, name := range need {
		if !hasScope(granted, name) {
			return nil, c.deny(ctx, actor, required, reqCtx, audit.DeniedInvalidScopes, nil)
		}
	}

	c.recorder.Log(ctx, audit.Record{
		Event:           audit.EventGateAllowed,
		Outcome:         audit.OutcomeAllowed,
		Actor:           actor,
		Target:          audit.Target{Type: "delegation_token", ID: claims.ID},
		RequestedScopes: need,
		GrantedScopes:   granted,
		Request:         reqCtx,
	})
	obs.GateDecision(audit.OutcomeAllowed)

	return &Grant{
		Clinician: clin,
		Bot:       bot,
		Scopes:    granted,
		TokenID:   claims.ID,
	}, nil
}

func (c *Checker) deny(ctx context.Context, actor audit.Actor, required []string, reqCtx audit.RequestContext, reason string, cause error) error {
	c.recorder.Log(ctx, audit.Record{
		Event:           audit.EventGateDenied,
		Outcome:         reason,
		Actor:           actor,
		Target:          audit.Target{Type: "endpoint", ID: reqCtx.RequestID},
		RequestedScopes: scopes.Normalize(required),
		GrantedScopes:   []string{},
		Request:         reqCtx,
	})
	obs.GateDecision(reason)
	return &DeniedError{Reason: reason, cause: cause}
}

func hasScope(granted []string, name string) bool {
	for _, s := range granted {
		if s == name {
			return true
		}
	}
	return false
}
