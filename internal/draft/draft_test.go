package draft

import (
	"context"
	"testing"
	"time"

	"clinrelay.org/internal/audit"
	"clinrelay.org/internal/botclient"
	"clinrelay.org/internal/clinician"
	"clinrelay.org/internal/gate"
	"clinrelay.org/internal/scopes"
)

type fakeStore struct {
	drafts map[string]*Record
	order  []string // operation log, for audit-then-delete checks
}

func newFakeStore() *fakeStore {
	return &fakeStore{drafts: map[string]*Record{}}
}

func (s *fakeStore) Create(_ context.Context, rec *Record) error {
	cp := *rec
	s.drafts[rec.ID] = &cp
	return nil
}

func (s *fakeStore) Find(_ context.Context, id string) (*Record, error) {
	if rec, ok := s.drafts[id]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *fakeStore) ListExpired(_ context.Context, now time.Time) ([]*Record, error) {
	var out []*Record
	for _, rec := range s.drafts {
		if rec.Draft && !rec.DraftExpiresAt.After(now) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) Promote(_ context.Context, id, approverID string, mods Modifications, at time.Time) (*Record, error) {
	rec, ok := s.drafts[id]
	if !ok || !rec.Draft || !rec.DraftExpiresAt.After(at) {
		return nil, ErrNotADraft
	}
	rec.Draft = false
	rec.AuthorID = approverID
	rec.PromotedAt = at
	rec.PromotedBy = approverID
	if mods.Title != nil {
		rec.Title = *mods.Title
	}
	if mods.Body != nil {
		rec.Body = *mods.Body
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.order = append(s.order, "delete")
	delete(s.drafts, id)
	return nil
}

type clinStore map[string]*clinician.Clinician

func (c clinStore) Find(_ context.Context, id string) (*clinician.Clinician, error) {
	if clin, ok := c[id]; ok {
		return clin, nil
	}
	return nil, clinician.ErrNotFound
}

type recStore struct {
	records []audit.Record
	order   *[]string
}

func (s *recStore) Append(_ context.Context, rec *audit.Record) error {
	if s.order != nil {
		*s.order = append(*s.order, "audit")
	}
	s.records = append(s.records, *rec)
	return nil
}

func (s *recStore) List(context.Context, int, string) ([]audit.Record, error) { return nil, nil }

func testGrant(scopeNames ...string) *gate.Grant {
	return &gate.Grant{
		Clinician: &clinician.Clinician{ID: "clin-1", Email: "doc@clinic.test", Role: clinician.RolePhysician, Active: true, Status: clinician.StatusActive},
		Bot:       &botclient.BotClient{ID: "bot-1", DisplayName: "Rounds Bot", Active: true},
		Scopes:    scopeNames,
		TokenID:   "tok-1",
	}
}

func testClinicians() clinStore {
	return clinStore{
		"clin-1": {ID: "clin-1", Email: "doc@clinic.test", Role: clinician.RolePhysician, Active: true, Status: clinician.StatusActive},
		"chief":  {ID: "chief", Email: "chief@clinic.test", Role: clinician.RoleChiefPhysician, Active: true, Status: clinician.StatusActive},
		"nurse":  {ID: "nurse", Email: "nurse@clinic.test", Role: clinician.RoleNurse, Active: true, Status: clinician.StatusActive},
	}
}

func TestCreateRequiresDraftScope(t *testing.T) {
	store := newFakeStore()
	records := &recStore{}
	m := NewManager(store, testClinicians(), audit.NewRecorder(records))

	_, err := m.Create(context.Background(), testGrant(scopes.PatientRead), CreateInput{Kind: KindDailyNote})
	if err != ErrScopeMissing {
		t.Fatalf("expected ErrScopeMissing, got %v", err)
	}
	// The refusal itself must leave a trail.
	if len(records.records) != 1 {
		t.Fatalf("expected one denial audit record, got %d", len(records.records))
	}
	rec := records.records[0]
	if rec.Event != audit.EventDraftDenied || rec.Outcome != audit.DeniedInvalidScopes {
		t.Fatalf("denial audit wrong: event %q outcome %q", rec.Event, rec.Outcome)
	}
	if len(rec.RequestedScopes) != 1 || rec.RequestedScopes[0] != scopes.DailyNoteDraft || len(rec.GrantedScopes) != 0 {
		t.Fatalf("requested/granted scopes wrong: %+v", rec)
	}

	if _, err := m.Create(context.Background(), testGrant(scopes.DailyNoteDraft), CreateInput{Kind: "prescription"}); err != ErrUnknownKind {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if len(store.drafts) != 0 {
		t.Fatalf("no draft should have been stored")
	}
}

func TestCreateStampsDelegatingProfessionalAsAuthor(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(store, testClinicians(), audit.NewRecorder(&recStore{})).
		WithClock(func() time.Time { return now })

	rec, err := m.Create(context.Background(), testGrant(scopes.DailyNoteDraft), CreateInput{
		PatientID: "pat-9", Kind: KindDailyNote, Title: "Morning round", Body: "Stable.",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.AuthorID != "clin-1" || rec.DelegatedByID != "clin-1" || rec.CreatedByBotID != "bot-1" {
		t.Fatalf("authorship wrong: %+v", rec)
	}
	if !rec.Draft || !rec.DraftExpiresAt.Equal(now.Add(DefaultExpiryHorizon)) {
		t.Fatalf("draft flags wrong: %+v", rec)
	}
}

func TestPromoteTransfersAuthorshipAndKeepsOriginalInAudit(t *testing.T) {
	store := newFakeStore()
	records := &recStore{}
	m := NewManager(store, testClinicians(), audit.NewRecorder(records))

	rec, err := m.Create(context.Background(), testGrant(scopes.DailyNoteDraft), CreateInput{Kind: KindDailyNote, Title: "Draft"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	newTitle := "Reviewed note"
	promoted, err := m.Promote(context.Background(), rec.ID, "chief", Modifications{Title: &newTitle}, audit.RequestContext{})
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if promoted.AuthorID != "chief" || promoted.PromotedBy != "chief" || promoted.Draft {
		t.Fatalf("promotion did not transfer authorship: %+v", promoted)
	}
	if promoted.Title != newTitle {
		t.Fatalf("modifications not applied: %+v", promoted)
	}

	last := records.records[len(records.records)-1]
	if last.Event != audit.EventDraftPromoted {
		t.Fatalf("expected promoted event, got %q", last.Event)
	}
	if last.Details["original_author"] != "clin-1" || last.Details["created_by_bot"] != "bot-1" {
		t.Fatalf("audit lost the original authorship: %+v", last.Details)
	}
}

func TestPromoteTwiceFailsNotADraft(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, testClinicians(), audit.NewRecorder(&recStore{}))

	rec, _ := m.Create(context.Background(), testGrant(scopes.DailyNoteDraft), CreateInput{Kind: KindDailyNote})
	if _, err := m.Promote(context.Background(), rec.ID, "chief", Modifications{}, audit.RequestContext{}); err != nil {
		t.Fatalf("first promote: %v", err)
	}
	if _, err := m.Promote(context.Background(), rec.ID, "clin-1", Modifications{}, audit.RequestContext{}); err != ErrNotADraft {
		t.Fatalf("expected ErrNotADraft, got %v", err)
	}
}

func TestPromoteExpiredFails(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(store, testClinicians(), audit.NewRecorder(&recStore{})).
		WithClock(func() time.Time { return now })

	rec, _ := m.Create(context.Background(), testGrant(scopes.DailyNoteDraft), CreateInput{Kind: KindDailyNote})

	now = now.Add(DefaultExpiryHorizon + time.Minute)
	if _, err := m.Promote(context.Background(), rec.ID, "chief", Modifications{}, audit.RequestContext{}); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestPromoteNeedsPrivilegedActiveProfessional(t *testing.T) {
	store := newFakeStore()
	clins := testClinicians()
	m := NewManager(store, clins, audit.NewRecorder(&recStore{}))

	rec, _ := m.Create(context.Background(), testGrant(scopes.DailyNoteDraft), CreateInput{Kind: KindDailyNote})

	if _, err := m.Promote(context.Background(), rec.ID, "nurse", Modifications{}, audit.RequestContext{}); err != ErrNotAuthorized {
		t.Fatalf("nurse promote: expected ErrNotAuthorized, got %v", err)
	}
	clins["chief"].Status = clinician.StatusSuspended
	if _, err := m.Promote(context.Background(), rec.ID, "chief", Modifications{}, audit.RequestContext{}); err != ErrNotAuthorized {
		t.Fatalf("suspended chief promote: expected ErrNotAuthorized, got %v", err)
	}
}

func TestRejectAuditsBeforeDelete(t *testing.T) {
	store := newFakeStore()
	records := &recStore{order: &store.order}
	m := NewManager(store, testClinicians(), audit.NewRecorder(records))

	rec, _ := m.Create(context.Background(), testGrant(scopes.DailyNoteDraft), CreateInput{Kind: KindDailyNote})
	store.order = nil // only track the reject itself

	if err := m.Reject(context.Background(), rec.ID, "clin-1", "not accurate", audit.RequestContext{}); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if len(store.order) != 2 || store.order[0] != "audit" || store.order[1] != "delete" {
		t.Fatalf("expected audit before delete, got %v", store.order)
	}
	if _, err := store.Find(context.Background(), rec.ID); err != ErrNotFound {
		t.Fatalf("draft should be gone, got %v", err)
	}
	if err := m.Reject(context.Background(), rec.ID, "clin-1", "again", audit.RequestContext{}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on rejected draft, got %v", err)
	}
}

func TestSweepExpiresOldDrafts(t *testing.T) {
	store := newFakeStore()
	records := &recStore{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(store, testClinicians(), audit.NewRecorder(records)).
		WithClock(func() time.Time { return now })

	old, _ := m.Create(context.Background(), testGrant(scopes.DailyNoteDraft), CreateInput{Kind: KindDailyNote})

	now = now.Add(DefaultExpiryHorizon - time.Hour)
	fresh, _ := m.Create(context.Background(), testGrant(scopes.DailyNoteDraft), CreateInput{Kind: KindDailyNote})

	now = now.Add(2 * time.Hour)
	swept, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept, got %d", swept)
	}
	if _, err := store.Find(context.Background(), old.ID); err != ErrNotFound {
		t.Fatalf("expired draft should be gone")
	}
	if _, err := store.Find(context.Background(), fresh.ID); err != nil {
		t.Fatalf("fresh draft should survive: %v", err)
	}

	last := records.records[len(records.records)-1]
	if last.Event != audit.EventDraftExpired || last.Details["original_author"] != "clin-1" {
		t.Fatalf("expired audit wrong: %+v", last)
	}
}
