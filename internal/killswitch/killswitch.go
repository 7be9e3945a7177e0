// Package killswitch holds the global fail-safe that can halt all
// delegation regardless of any other check.
package killswitch

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"clinrelay.org/internal/audit"
	"clinrelay.org/internal/obs"
)

// DefaultCacheTTL bounds how stale a cached "enabled" read may be. A
// disable is felt immediately (the cache is evicted synchronously); a
// re-enable ships on TTL expiry. Fast shutoff, slow restart.
const DefaultCacheTTL = 30 * time.Second

const cacheKey = "delegation_enabled"

var ErrNotConfigured = errors.New("killswitch: state row missing")

// State is the authoritative kill-switch record.
type State struct {
	DelegationEnabled  bool
	MaintenanceMode    bool
	MaintenanceMessage string
	DisabledBy         string
	DisabledAt         time.Time
	DisabledReason     string
	UpdatedAt          time.Time
}

// Store persists the single authoritative state row.
type Store interface {
	Get(ctx context.Context) (State, error)
	SetDelegation(ctx context.Context, enabled bool, actor, reason string, at time.Time) error
	SetMaintenance(ctx context.Context, on bool, message, actor string, at time.Time) error
}

// Switch fronts the authoritative store with a short-TTL cache so the hot
// path never blocks on durable storage.
type Switch struct {
	store    Store
	cache    *gocache.Cache
	ttl      time.Duration
	recorder *audit.Recorder
	now      func() time.Time
}

func New(store Store, recorder *audit.Recorder, ttl time.Duration) *Switch {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Switch{
		store:    store,
		cache:    gocache.New(ttl, 2*ttl),
		ttl:      ttl,
		recorder: recorder,
		now:      time.Now,
	}
}

// CacheTTL reports the configured staleness window.
func (s *Switch) CacheTTL() time.Duration { return s.ttl }

// IsDelegationEnabled answers from the cache when fresh, otherwise from
// the store. A store failure reads as disabled: the switch fails closed.
func (s *Switch) IsDelegationEnabled(ctx context.Context) bool {
	if v, ok := s.cache.Get(cacheKey); ok {
		if enabled, ok := v.(bool); ok {
			return enabled
		}
	}
	state, err := s.store.Get(ctx)
	if err != nil {
		obs.LogEvent(map[string]any{
			"ts":    s.now().UTC().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "killswitch read failed, failing closed",
			"error": err.Error(),
		})
		return false
	}
	enabled := state.DelegationEnabled && !state.MaintenanceMode
	s.cache.Set(cacheKey, enabled, s.ttl)
	obs.SetDelegationEnabled(enabled)
	return enabled
}

// Status returns the authoritative state, bypassing the cache.
func (s *Switch) Status(ctx context.Context) (State, error) {
	return s.store.Get(ctx)
}

// Disable turns delegation off and evicts the cache synchronously, so the
// very next read in this process observes the disablement.
func (s *Switch) Disable(ctx context.Context, actor audit.Actor, reason string) error {
	now := s.now().UTC()
	if err := s.store.SetDelegation(ctx, false, actor.ClinicianID, reason, now); err != nil {
		return err
	}
	s.cache.Delete(cacheKey)
	obs.SetDelegationEnabled(false)
	s.recorder.Log(ctx, audit.Record{
		Event:   audit.EventKillSwitchOff,
		Outcome: audit.OutcomeIssued,
		Actor:   actor,
		Target:  audit.Target{Type: "killswitch", ID: "global"},
		Details: map[string]any{"reason": reason},
	})
	return nil
}

// Enable turns delegation back on. The cache is deliberately not evicted:
// other processes converge within one TTL window, and so does this one.
func (s *Switch) Enable(ctx context.Context, actor audit.Actor) error {
	if err := s.store.SetDelegation(ctx, true, actor.ClinicianID, "", s.now().UTC()); err != nil {
		return err
	}
	s.recorder.Log(ctx, audit.Record{
		Event:   audit.EventKillSwitchOn,
		Outcome: audit.OutcomeIssued,
		Actor:   actor,
		Target:  audit.Target{Type: "killswitch", ID: "global"},
	})
	return nil
}

// SetMaintenance toggles maintenance mode. Entering maintenance evicts the
// cache like a disable; leaving it propagates on TTL.
func (s *Switch) SetMaintenance(ctx context.Context, actor audit.Actor, on bool, message string) error {
	if err := s.store.SetMaintenance(ctx, on, message, actor.ClinicianID, s.now().UTC()); err != nil {
		return err
	}
	if on {
		s.cache.Delete(cacheKey)
		obs.SetDelegationEnabled(false)
	}
	s.recorder.Log(ctx, audit.Record{
		Event:   audit.EventMaintenanceSet,
		Outcome: audit.OutcomeIssued,
		Actor:   actor,
		Target:  audit.Target{Type: "killswitch", ID: "global"},
		Details: map[string]any{"maintenance": on, "message": message},
	})
	return nil
}
