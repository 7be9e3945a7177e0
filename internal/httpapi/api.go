// Package httpapi is the HTTP surface over the delegation subsystem:
// token issuance, the gated bot endpoints, binding management, and the
// operator/admin controls.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinrelay.org/internal/audit"
	"clinrelay.org/internal/binding"
	"clinrelay.org/internal/botclient"
	"clinrelay.org/internal/clinician"
	"clinrelay.org/internal/delegation"
	"clinrelay.org/internal/draft"
	"clinrelay.org/internal/gate"
	"clinrelay.org/internal/killswitch"
	"clinrelay.org/internal/obs"
)

// ReadyProbe is the readiness check (DB ping when configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the wired subsystem services the API exposes.
type Deps struct {
	Delegations *delegation.Service
	Gate        *gate.Checker
	Drafts      *draft.Manager
	Bindings    *binding.Registry
	Bots        *botclient.Registry
	Switch      *killswitch.Switch
	Clinicians  clinician.Store
	Audits      audit.Store
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	deps       Deps
	readyProbe ReadyProbe
	version    string

	rateBurst  int
	ratePerSec int
}

func New(deps Deps, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		deps:       deps,
		readyProbe: rp,
		version:    version,
		rateBurst:  20,
		ratePerSec: 10,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// delegation
	a.mux.HandleFunc("/v1/delegation/token", a.handleDelegationToken)

	// bot-facing, gated
	a.mux.HandleFunc("/v1/drafts", a.handleDraftsCollection)
	a.mux.HandleFunc("/v1/drafts/", a.handleDraftResource)

	// bindings (human side)
	a.mux.HandleFunc("/v1/bindings", a.handleBindingsCollection)
	a.mux.HandleFunc("/v1/bindings/verify", a.handleBindingVerify)
	a.mux.HandleFunc("/v1/bindings/", a.handleBindingResource)

	// operator surface
	a.mux.HandleFunc("/v1/admin/bots", a.handleBotsCollection)
	a.mux.HandleFunc("/v1/admin/bots/", a.handleBotResource)
	a.mux.HandleFunc("/v1/admin/killswitch", a.handleKillSwitch)
	a.mux.HandleFunc("/v1/admin/killswitch/maintenance", a.handleMaintenance)
	a.mux.HandleFunc("/v1/admin/audit", a.handleAuditList)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the mux wrapped with the ambient middleware chain.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- shared handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "clinrelay-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "clinrelay-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// requestContext captures the caller context stamped onto audit records.
func requestContext(r *http.Request) audit.RequestContext {
	return audit.RequestContext{
		Origin:    clientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: RequestIDFromContext(r.Context()),
	}
}

// clinicianID is the acting professional on human endpoints. Session
// authentication happens upstream (hospital SSO terminates before this
// service); the proxy forwards the resolved account id.
func clinicianID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Clinician-ID"))
}

// actingClinician resolves the X-Clinician-ID header to an active account.
func (a *API) actingClinician(r *http.Request) (*clinician.Clinician, error) {
	id := clinicianID(r)
	if id == "" {
		return nil, errors.New("X-Clinician-ID header is required")
	}
	clin, err := a.deps.Clinicians.Find(r.Context(), id)
	if err != nil {
		return nil, errors.New("unknown professional account")
	}
	return clin, nil
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}
