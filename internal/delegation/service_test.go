package delegation

import (
	"context"
	"errors"
	"testing"
	"time"

	"clinrelay.org/internal/audit"
	"clinrelay.org/internal/binding"
	"clinrelay.org/internal/botclient"
	"clinrelay.org/internal/clinician"
	"clinrelay.org/internal/killswitch"
	"clinrelay.org/internal/ratelimit"
	"clinrelay.org/internal/scopes"
)

// --- test doubles ---------------------------------------------------------

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

func (s *botStore) SetActive(_ context.Context, id string, active bool, reason string, at time.Time) error {
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

type bindStore struct{ bindings map[string]*binding.Binding }

func (s *bindStore) Create(_ context.Context, b *binding.Binding) error {
	s.bindings[b.ExternalID] = b
	return nil
}

func (s *bindStore) FindByExternalID(_ context.Context, externalID string) (*binding.Binding, error) {
	if b, ok := s.bindings[externalID]; ok {
		return b, nil
	}
	return nil, binding.ErrNotFound
}

func (s *bindStore) FindByClinician(_ context.Context, clinicianID string) (*binding.Binding, error) {
	for _, b := range s.bindings {
		if b.ClinicianID == clinicianID {
			return b, nil
		}
	}
	return nil, binding.ErrNotFound
}

func (s *bindStore) Verify(_ context.Context, token string, _ time.Time) (*binding.Binding, error) {
	return nil, binding.ErrNotFound
}

func (s *bindStore) RefreshVerification(_ context.Context, id, token string, expiresAt time.Time) error {
	for _, b := range s.bindings {
		if b.ID == id {
			b.VerificationToken = token
			b.VerificationExpiresAt = expiresAt
		}
	}
	return nil
}

func (s *bindStore) SetDelegationEnabled(_ context.Context, id string, enabled bool) error {
	for _, b := range s.bindings {
		if b.ID == id {
			b.DelegationEnabled = enabled
		}
	}
	return nil
}

func (s *bindStore) Delete(_ context.Context, id string) error { return nil }

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

type countingLimiter struct{ calls int }

func (l *countingLimiter) Allow(string, int) ratelimit.Decision {
	l.calls++
	return ratelimit.Decision{Allowed: true}
}

// --- fixture --------------------------------------------------------------

type fixture struct {
	svc     *Service
	secret  string
	bot     *botclient.BotClient
	records *recStore
	sw      *swStore
}

func newFixture(t *testing.T, allowed []string, limiter ratelimit.Limiter) *fixture {
	t.Helper()

	records := &recStore{}
	recorder := audit.NewRecorder(records)

	bots := botclient.NewRegistry(&botStore{bots: map[string]*botclient.BotClient{}}, recorder)
	bot, secret, err := bots.Create(context.Background(), "Rounds Bot", allowed, audit.Actor{})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}

	clins := clinStore{
		"clin-1": {ID: "clin-1", Email: "doc@clinic.test", Role: clinician.RolePhysician, Active: true, Status: clinician.StatusActive},
	}
	binds := &bindStore{bindings: map[string]*binding.Binding{
		"@doc": {ID: "b1", ExternalID: "@doc", ClinicianID: "clin-1", Verified: true, DelegationEnabled: true},
	}}
	bindings := binding.NewRegistry(binds, clins, recorder)

	sw := &swStore{state: killswitch.State{DelegationEnabled: true}}
	killSwitch := killswitch.New(sw, recorder, time.Minute)

	if limiter == nil {
		limiter = ratelimit.NewInMemory(time.Hour)
	}

	signer, err := NewSigner(testSecret)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	// Creation wrote one audit record; drop it so tests count cleanly.
	records.records = nil

	return &fixture{
		svc:     NewService(signer, bots, bindings, killSwitch, limiter, recorder),
		secret:  secret,
		bot:     bot,
		records: records,
		sw:      sw,
	}
}

func (f *fixture) issue(scopeNames ...string) (Grant, error) {
	return f.svc.Issue(context.Background(), IssueRequest{
		BotID:      f.bot.ID,
		BotSecret:  f.secret,
		ExternalID: "@doc",
		Scopes:     scopeNames,
		Request:    audit.RequestContext{Origin: "10.0.0.9", UserAgent: "clinrelay-bot/1.0"},
	})
}

// --- tests ----------------------------------------------------------------

func TestIssueHappyPath(t *testing.T) {
	f := newFixture(t, []string{scopes.PatientRead, scopes.DailyNoteDraft}, nil)
	grant, err := f.issue(scopes.PatientRead, scopes.DailyNoteDraft)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if grant.TokenType != "Bearer" || grant.ExpiresIn <= 0 {
		t.Fatalf("unexpected grant: %+v", grant)
	}
	claims, err := f.svc.Signer().Validate(grant.Token)
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if claims.ExtractSubject() != "clin-1" || claims.AuthorizedParty != f.bot.ID {
		t.Fatalf("unexpected principals: %+v", claims)
	}
	if len(f.records.records) != 1 || f.records.records[0].Outcome != audit.OutcomeIssued {
		t.Fatalf("expected one issued audit record, got %+v", f.records.records)
	}
}

func TestIssueDeniedOutsideAllowedScopes(t *testing.T) {
	f := newFixture(t, []string{scopes.PatientRead}, nil)
	_, err := f.issue(scopes.PatientRead, scopes.DailyNoteDraft)
	d, ok := Denied(err)
	if !ok || d.Reason != audit.DeniedInvalidScopes {
		t.Fatalf("expected denied_invalid_scopes, got %v", err)
	}
	if len(f.records.records) != 1 {
		t.Fatalf("expected exactly one audit record, got %d", len(f.records.records))
	}
	rec := f.records.records[0]
	if len(rec.RequestedScopes) != 2 || len(rec.GrantedScopes) != 0 {
		t.Fatalf("requested/granted scopes wrong: %+v", rec)
	}
}

func TestIssueEmptyScopesIsBadRequestNotDenial(t *testing.T) {
	limiter := &countingLimiter{}
	f := newFixture(t, []string{scopes.PatientRead}, limiter)

	_, err := f.issue()
	if !errors.Is(err, ErrEmptyScopeSet) {
		t.Fatalf("expected ErrEmptyScopeSet, got %v", err)
	}
	if _, ok := Denied(err); ok {
		t.Fatal("empty scope list must not surface as a denial")
	}
	if limiter.calls != 0 {
		t.Fatalf("limiter consumed %d slots for a malformed request", limiter.calls)
	}
	if len(f.records.records) != 0 {
		t.Fatalf("expected no audit records, got %+v", f.records.records)
	}
}

func TestIssueExpiresInUsesSignerClock(t *testing.T) {
	records := &recStore{}
	recorder := audit.NewRecorder(records)

	bots := botclient.NewRegistry(&botStore{bots: map[string]*botclient.BotClient{}}, recorder)
	bot, secret, err := bots.Create(context.Background(), "Rounds Bot", []string{scopes.PatientRead}, audit.Actor{})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	clins := clinStore{
		"clin-1": {ID: "clin-1", Email: "doc@clinic.test", Role: clinician.RolePhysician, Active: true, Status: clinician.StatusActive},
	}
	binds := &bindStore{bindings: map[string]*binding.Binding{
		"@doc": {ID: "b1", ExternalID: "@doc", ClinicianID: "clin-1", Verified: true, DelegationEnabled: true},
	}}
	bindings := binding.NewRegistry(binds, clins, recorder)
	killSwitch := killswitch.New(&swStore{state: killswitch.State{DelegationEnabled: true}}, recorder, time.Minute)

	frozen := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	signer, err := NewSigner(testSecret, WithClock(func() time.Time { return frozen }))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	svc := NewService(signer, bots, bindings, killSwitch, ratelimit.NewInMemory(time.Hour), recorder)
	grant, err := svc.Issue(context.Background(), IssueRequest{
		BotID: bot.ID, BotSecret: secret, ExternalID: "@doc",
		Scopes: []string{scopes.PatientRead},
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if want := int(signer.TTLCeiling().Seconds()); grant.ExpiresIn != want {
		t.Fatalf("ExpiresIn = %d, want %d", grant.ExpiresIn, want)
	}
}

func TestIssueDeniedWhenKillSwitchOff(t *testing.T) {
	f := newFixture(t, []string{scopes.PatientRead}, nil)
	f.sw.state.DelegationEnabled = false
	_, err := f.issue(scopes.PatientRead)
	if d, ok := Denied(err); !ok || d.Reason != audit.DeniedDisabled {
		t.Fatalf("expected denied_disabled, got %v", err)
	}
}

func TestIssueDeniedForSuspendedBot(t *testing.T) {
	f := newFixture(t, []string{scopes.PatientRead}, nil)
	if err := f.svc.bots.Suspend(context.Background(), f.bot.ID, "incident", audit.Actor{}); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	f.records.records = nil
	_, err := f.issue(scopes.PatientRead)
	if d, ok := Denied(err); !ok || d.Reason != audit.DeniedBotSuspended {
		t.Fatalf("expected denied_bot_suspended, got %v", err)
	}
}

func TestIssueDeniedWithoutBinding(t *testing.T) {
	f := newFixture(t, []string{scopes.PatientRead}, nil)
	_, err := f.svc.Issue(context.Background(), IssueRequest{
		BotID:      f.bot.ID,
		BotSecret:  f.secret,
		ExternalID: "@stranger",
		Scopes:     []string{scopes.PatientRead},
	})
	if d, ok := Denied(err); !ok || d.Reason != audit.DeniedNoBinding {
		t.Fatalf("expected denied_no_binding, got %v", err)
	}
}

func TestIssueDeniedWhenRateLimited(t *testing.T) {
	f := newFixture(t, []string{scopes.PatientRead}, denyAllLimiter{})
	_, err := f.issue(scopes.PatientRead)
	if d, ok := Denied(err); !ok || d.Reason != audit.DeniedRateLimited {
		t.Fatalf("expected denied_rate_limited, got %v", err)
	}
}

func TestIssueDeniedForBadCredentials(t *testing.T) {
	f := newFixture(t, []string{scopes.PatientRead}, nil)
	_, err := f.svc.Issue(context.Background(), IssueRequest{
		BotID:      f.bot.ID,
		BotSecret:  "wrong",
		ExternalID: "@doc",
		Scopes:     []string{scopes.PatientRead},
	})
	if d, ok := Denied(err); !ok || d.Reason != audit.DeniedBadCredential {
		t.Fatalf("expected denied_bad_credential, got %v", err)
	}
}

func TestPrivilegedScopeNeedsPrivilegedRole(t *testing.T) {
	records := &recStore{}
	recorder := audit.NewRecorder(records)

	bots := botclient.NewRegistry(&botStore{bots: map[string]*botclient.BotClient{}}, recorder)
	bot, secret, err := bots.Create(context.Background(), "Rounds Bot", []string{scopes.CarePlanDraft}, audit.Actor{})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}

	clins := clinStore{
		"clin-2": {ID: "clin-2", Email: "nurse@clinic.test", Role: clinician.RoleNurse, Active: true, Status: clinician.StatusActive},
	}
	binds := &bindStore{bindings: map[string]*binding.Binding{
		"@nurse": {ID: "b2", ExternalID: "@nurse", ClinicianID: "clin-2", Verified: true, DelegationEnabled: true},
	}}
	bindings := binding.NewRegistry(binds, clins, recorder)
	killSwitch := killswitch.New(&swStore{state: killswitch.State{DelegationEnabled: true}}, recorder, time.Minute)
	signer, _ := NewSigner(testSecret)

	svc := NewService(signer, bots, bindings, killSwitch, ratelimit.NewInMemory(time.Hour), recorder)
	_, err = svc.Issue(context.Background(), IssueRequest{
		BotID: bot.ID, BotSecret: secret, ExternalID: "@nurse",
		Scopes: []string{scopes.CarePlanDraft},
	})
	if d, ok := Denied(err); !ok || d.Reason != audit.DeniedInvalidScopes {
		t.Fatalf("expected denied_invalid_scopes for unprivileged role, got %v", err)
	}
}
