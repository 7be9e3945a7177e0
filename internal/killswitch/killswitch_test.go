package killswitch

import (
	"context"
	"sync"
	"testing"
	"time"

	"clinrelay.org/internal/audit"
)

type memStore struct {
	mu    sync.Mutex
	state State
	reads int
}

func (m *memStore) Get(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	return m.state, nil
}

func (m *memStore) SetDelegation(_ context.Context, enabled bool, actor, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.DelegationEnabled = enabled
	if !enabled {
		m.state.DisabledBy = actor
		m.state.DisabledReason = reason
		m.state.DisabledAt = at
	}
	m.state.UpdatedAt = at
	return nil
}

func (m *memStore) SetMaintenance(_ context.Context, on bool, message, _ string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.MaintenanceMode = on
	m.state.MaintenanceMessage = message
	m.state.UpdatedAt = at
	return nil
}

func newSwitch(store Store, ttl time.Duration) *Switch {
	return New(store, audit.NewRecorder(nil), ttl)
}

func TestDisableIsFeltImmediately(t *testing.T) {
	ctx := context.Background()
	store := &memStore{state: State{DelegationEnabled: true}}
	sw := newSwitch(store, time.Minute)

	if !sw.IsDelegationEnabled(ctx) {
		t.Fatal("expected enabled")
	}
	if err := sw.Disable(ctx, audit.Actor{ClinicianID: "admin-1"}, "incident"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	// The cache was just primed with true, but disable must win now.
	if sw.IsDelegationEnabled(ctx) {
		t.Fatal("disable not felt on the very next read")
	}
	st, err := sw.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.DisabledBy != "admin-1" || st.DisabledReason != "incident" {
		t.Fatalf("disable metadata missing: %+v", st)
	}
}

func TestEnablePropagatesOnTTL(t *testing.T) {
	ctx := context.Background()
	store := &memStore{state: State{DelegationEnabled: true}}
	sw := newSwitch(store, 50*time.Millisecond)

	if err := sw.Disable(ctx, audit.Actor{ClinicianID: "admin-1"}, "incident"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if sw.IsDelegationEnabled(ctx) {
		t.Fatal("expected disabled")
	}
	if err := sw.Enable(ctx, audit.Actor{ClinicianID: "admin-1"}); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	// Cached false may persist up to one TTL window.
	deadline := time.Now().Add(2 * time.Second)
	for !sw.IsDelegationEnabled(ctx) {
		if time.Now().After(deadline) {
			t.Fatal("enable never propagated")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCachedReadsSkipStore(t *testing.T) {
	ctx := context.Background()
	store := &memStore{state: State{DelegationEnabled: true}}
	sw := newSwitch(store, time.Minute)

	for i := 0; i < 5; i++ {
		sw.IsDelegationEnabled(ctx)
	}
	if store.reads != 1 {
		t.Fatalf("expected a single store read, got %d", store.reads)
	}
}

func TestMaintenanceModeDisablesDelegation(t *testing.T) {
	ctx := context.Background()
	store := &memStore{state: State{DelegationEnabled: true}}
	sw := newSwitch(store, time.Minute)

	if !sw.IsDelegationEnabled(ctx) {
		t.Fatal("expected enabled")
	}
	if err := sw.SetMaintenance(ctx, audit.Actor{ClinicianID: "admin-1"}, true, "upgrading"); err != nil {
		t.Fatalf("SetMaintenance: %v", err)
	}
	if sw.IsDelegationEnabled(ctx) {
		t.Fatal("maintenance mode must read as disabled")
	}
}
