package gate

import (
	"context"
	"testing"
	"time"

	"clinrelay.org/internal/audit"
	"clinrelay.org/internal/botclient"
	"clinrelay.org/internal/clinician"
	"clinrelay.org/internal/delegation"
	"clinrelay.org/internal/killswitch"
	"clinrelay.org/internal/ratelimit"
	"clinrelay.org/internal/scopes"
)

type botStore struct{ bots map[string]*botclient.BotClient }

func (s *botStore) Create(_ context.Context, bot *botclient.BotClient) error {
	if bot.ID == "" {
		bot.ID = "bot-1"
	}
	s.bots[bot.ID] = bot
	return nil
}

func (s *botStore) Find(_ context.Context, id string) (*botclient.BotClient, error) {
	if bot, ok := s.bots[id]; ok {
		cp := *bot
		return &cp, nil
	}
	return nil, botclient.ErrNotFound
}

func (s *botStore) List(context.Context) ([]*botclient.BotClient, error) { return nil, nil }

func (s *botStore) SetActive(_ context.Context, id string, active bool, reason string, _ time.Time) error {
	s.bots[id].Active = active
	s.bots[id].SuspendedReason = reason
	return nil
}

func (s *botStore) UpdateSecret(_ context.Context, id, hash string) error {
	s.bots[id].SecretHash = hash
	return nil
}

func (s *botStore) UpdateScopes(_ context.Context, id string, allowed []string) error {
	s.bots[id].AllowedScopes = allowed
	return nil
}

func (s *botStore) RecordDelegation(_ context.Context, id string, at time.Time) error {
	s.bots[id].DelegationCount++
	s.bots[id].LastDelegationAt = at
	return nil
}

type clinStore map[string]*clinician.Clinician

func (c clinStore) Find(_ context.Context, id string) (*clinician.Clinician, error) {
	if clin, ok := c[id]; ok {
		return clin, nil
	}
	return nil, clinician.ErrNotFound
}

type swStore struct{ state killswitch.State }

func (s *swStore) Get(context.Context) (killswitch.State, error) { return s.state, nil }

func (s *swStore) SetDelegation(_ context.Context, enabled bool, _, _ string, _ time.Time) error {
	s.state.DelegationEnabled = enabled
	return nil
}

func (s *swStore) SetMaintenance(_ context.Context, on bool, _, _ string, _ time.Time) error {
	s.state.MaintenanceMode = on
	return nil
}

type recStore struct{ records []audit.Record }

func (s *recStore) Append(_ context.Context, rec *audit.Record) error {
	s.records = append(s.records, *rec)
	return nil
}

func (s *recStore) List(context.Context, int, string) ([]audit.Record, error) { return nil, nil }

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(string, int) ratelimit.Decision {
	return ratelimit.Decision{Allowed: false}
}

type fixture struct {
	checker *Checker
	signer  *delegation.Signer
	clins   clinStore
	bots    *botStore
	sw      *swStore
	records *recStore
}

func newFixture(t *testing.T, limiter ratelimit.Limiter) *fixture {
	t.Helper()

	signer, err := delegation.NewSigner([]byte("gate-test-secret-gate-test-secret"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	records := &recStore{}
	recorder := audit.NewRecorder(records)

	bots := &botStore{bots: map[string]*botclient.BotClient{
		"bot-1": {ID: "bot-1", DisplayName: "Rounds Bot", Active: true, MaxCallsPerMinute: 60},
	}}
	clins := clinStore{
		"clin-1": {ID: "clin-1", Email: "doc@clinic.test", Role: clinician.RolePhysician, Active: true, Status: clinician.StatusActive},
	}
	sw := &swStore{state: killswitch.State{DelegationEnabled: true}}

	if limiter == nil {
		limiter = ratelimit.NewInMemory(time.Minute)
	}
	return &fixture{
		checker: New(signer, clins, botclient.NewRegistry(bots, recorder), killswitch.New(sw, recorder, time.Minute), limiter, recorder),
		signer:  signer,
		clins:   clins,
		bots:    bots,
		sw:      sw,
		records: records,
	}
}

func (f *fixture) token(t *testing.T, scopeNames ...string) string {
	t.Helper()
	token, _, err := f.signer.Issue("clin-1", "bot-1", scopeNames, 5*time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestCheckAllowed(t *testing.T) {
	f := newFixture(t, nil)
	token := f.token(t, scopes.PatientRead, scopes.DailyNoteDraft)

	grant, err := f.checker.Check(context.Background(), token, []string{scopes.PatientRead}, audit.RequestContext{RequestID: "r1"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if grant.Clinician.ID != "clin-1" || grant.Bot.ID != "bot-1" {
		t.Fatalf("unexpected grant principals: %+v", grant)
	}
	if !grant.HasScope(scopes.DailyNoteDraft) {
		t.Fatalf("grant lost a token scope: %+v", grant.Scopes)
	}
	if len(f.records.records) != 1 || f.records.records[0].Outcome != audit.OutcomeAllowed {
		t.Fatalf("expected one allowed audit record, got %+v", f.records.records)
	}
}

func TestCheckKillSwitchBeatsEverything(t *testing.T) {
	f := newFixture(t, nil)
	f.sw.state.DelegationEnabled = false

	// Even a garbage token reports denied_disabled: the switch is first.
	_, err := f.checker.Check(context.Background(), "not-a-token", []string{scopes.PatientRead}, audit.RequestContext{})
	if d, ok := Denied(err); !ok || d.Reason != audit.DeniedDisabled {
		t.Fatalf("expected denied_disabled, got %v", err)
	}
}

func TestCheckRejectsBadToken(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.checker.Check(context.Background(), "not-a-token", nil, audit.RequestContext{})
	if d, ok := Denied(err); !ok || d.Reason != audit.DeniedInvalidToken {
		t.Fatalf("expected denied_invalid_token, got %v", err)
	}
}

func TestCheckValidTokenInactiveProfessional(t *testing.T) {
	f := newFixture(t, nil)
	token := f.token(t, scopes.PatientRead)
	f.clins["clin-1"].Status = clinician.StatusSuspended

	// The token still verifies; the account state check is what refuses.
	_, err := f.checker.Check(context.Background(), token, []string{scopes.PatientRead}, audit.RequestContext{})
	if d, ok := Denied(err); !ok || d.Reason != audit.DeniedInactiveUser {
		t.Fatalf("expected denied_inactive_user, got %v", err)
	}
}

func TestCheckSuspendedBot(t *testing.T) {
	f := newFixture(t, nil)
	token := f.token(t, scopes.PatientRead)
	f.bots.bots["bot-1"].Active = false

	_, err := f.checker.Check(context.Background(), token, []string{scopes.PatientRead}, audit.RequestContext{})
	if d, ok := Denied(err); !ok || d.Reason != audit.DeniedBotSuspended {
		t.Fatalf("expected denied_bot_suspended, got %v", err)
	}
}

func TestCheckRateLimited(t *testing.T) {
	f := newFixture(t, denyAllLimiter{})
	token := f.token(t, scopes.PatientRead)

	_, err := f.checker.Check(context.Background(), token, []string{scopes.PatientRead}, audit.RequestContext{})
	if d, ok := Denied(err); !ok || d.Reason != audit.DeniedRateLimited {
		t.Fatalf("expected denied_rate_limited, got %v", err)
	}
}

func TestCheckMissingRequiredScope(t *testing.T) {
	f := newFixture(t, nil)
	token := f.token(t, scopes.PatientRead)

	_, err := f.checker.Check(context.Background(), token, []string{scopes.DailyNoteDraft}, audit.RequestContext{})
	d, ok := Denied(err)
	if !ok || d.Reason != audit.DeniedInvalidScopes {
		t.Fatalf("expected denied_invalid_scopes, got %v", err)
	}
	rec := f.records.records[len(f.records.records)-1]
	if len(rec.GrantedScopes) != 0 {
		t.Fatalf("denial must record empty granted scopes: %+v", rec)
	}
}
