package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"clinrelay.org/internal/audit"
	"clinrelay.org/internal/botclient"
	"clinrelay.org/internal/scopes"
)

type createBotRequest struct {
	DisplayName string   `json:"display_name"`
	Scopes      []string `json:"scopes"`
}

type botResponse struct {
	ID                    string     `json:"id"`
	DisplayName           string     `json:"display_name"`
	AllowedScopes         []string   `json:"allowed_scopes"`
	Active                bool       `json:"active"`
	SuspendedReason       string     `json:"suspended_reason,omitempty"`
	MaxDelegationsPerHour int        `json:"max_delegations_per_hour"`
	MaxCallsPerMinute     int        `json:"max_calls_per_minute"`
	DelegationCount       int64      `json:"delegation_count"`
	LastDelegationAt      *time.Time `json:"last_delegation_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

func botPayload(bot *botclient.BotClient) botResponse {
	resp := botResponse{
		ID:                    bot.ID,
		DisplayName:           bot.DisplayName,
		AllowedScopes:         bot.AllowedScopes,
		Active:                bot.Active,
		SuspendedReason:       bot.SuspendedReason,
		MaxDelegationsPerHour: bot.MaxDelegationsPerHour,
		MaxCallsPerMinute:     bot.MaxCallsPerMinute,
		DelegationCount:       bot.DelegationCount,
		CreatedAt:             bot.CreatedAt,
	}
	if !bot.LastDelegationAt.IsZero() {
		at := bot.LastDelegationAt
		resp.LastDelegationAt = &at
	}
	return resp
}

func (a *API) adminActor(r *http.Request) audit.Actor {
	// Operator identity comes from the same session layer as clinicians.
	return audit.Actor{ClinicianID: clinicianID(r)}
}

func (a *API) handleBotsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createBot(w, r)
	case http.MethodGet:
		a.listBots(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		writeError(w, r, http.StatusBadRequest, "display_name is required")
		return
	}

	bot, secret, err := a.deps.Bots.Create(r.Context(), strings.TrimSpace(req.DisplayName), req.Scopes, a.adminActor(r))
	if err != nil {
		handleBotError(w, r, err)
		return
	}

	// The secret appears exactly once, in this response. Only its bcrypt
	// hash is stored.
	payload := map[string]any{
		"bot":    botPayload(bot),
		"secret": secret,
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (a *API) listBots(w http.ResponseWriter, r *http.Request) {
	bots, err := a.deps.Bots.List(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]botResponse, 0, len(bots))
	for _, bot := range bots {
		items = append(items, botPayload(bot))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
	})
}

func (a *API) handleBotResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/bots/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch {
	case strings.HasSuffix(path, "/suspend"):
		a.suspendBot(w, r, strings.TrimSuffix(path, "/suspend"))
	case strings.HasSuffix(path, "/reactivate"):
		a.reactivateBot(w, r, strings.TrimSuffix(path, "/reactivate"))
	case strings.HasSuffix(path, "/rotate-secret"):
		a.rotateBotSecret(w, r, strings.TrimSuffix(path, "/rotate-secret"))
	case strings.HasSuffix(path, "/scopes"):
		a.updateBotScopes(w, r, strings.TrimSuffix(path, "/scopes"))
	case !strings.Contains(path, "/"):
		a.getBot(w, r, path)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getBot(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	bot, err := a.deps.Bots.Find(r.Context(), id)
	if err != nil {
		handleBotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, botPayload(bot))
}

func (a *API) suspendBot(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Bots.Suspend(r.Context(), id, req.Reason, a.adminActor(r)); err != nil {
		handleBotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "suspended", "id": id})
}

func (a *API) reactivateBot(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.deps.Bots.Reactivate(r.Context(), id, a.adminActor(r)); err != nil {
		handleBotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "active", "id": id})
}

func (a *API) rotateBotSecret(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	secret, err := a.deps.Bots.RotateSecret(r.Context(), id, a.adminActor(r))
	if err != nil {
		handleBotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"secret": secret,
	})
}

func (a *API) updateBotScopes(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	var req struct {
		Scopes []string `json:"scopes"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Bots.UpdateScopes(r.Context(), id, req.Scopes, a.adminActor(r)); err != nil {
		handleBotError(w, r, err)
		return
	}
	bot, err := a.deps.Bots.Find(r.Context(), id)
	if err != nil {
		handleBotError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, botPayload(bot))
}

func handleBotError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, botclient.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, botclient.ErrForbiddenScope), errors.Is(err, scopes.ErrUnknownScope):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// --- kill switch ---

type killSwitchRequest struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

type maintenanceRequest struct {
	On      bool   `json:"on"`
	Message string `json:"message"`
}

func (a *API) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.killSwitchStatus(w, r)
	case http.MethodPut:
		a.setKillSwitch(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) killSwitchStatus(w http.ResponseWriter, r *http.Request) {
	state, err := a.deps.Switch.Status(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	payload := map[string]any{
		"delegation_enabled": state.DelegationEnabled,
		"maintenance_mode":   state.MaintenanceMode,
		// How stale an "enabled" read may be on other instances: disable
		// propagates synchronously here, enable within this window.
		"cache_ttl_seconds": int(a.deps.Switch.CacheTTL().Seconds()),
	}
	if state.MaintenanceMessage != "" {
		payload["maintenance_message"] = state.MaintenanceMessage
	}
	if !state.DelegationEnabled {
		payload["disabled_by"] = state.DisabledBy
		payload["disabled_reason"] = state.DisabledReason
		if !state.DisabledAt.IsZero() {
			payload["disabled_at"] = state.DisabledAt.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *API) setKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	actor := a.adminActor(r)
	var err error
	if req.Enabled {
		err = a.deps.Switch.Enable(r.Context(), actor)
	} else {
		if strings.TrimSpace(req.Reason) == "" {
			writeError(w, r, http.StatusBadRequest, "reason is required to disable delegation")
			return
		}
		err = a.deps.Switch.Disable(r.Context(), actor, req.Reason)
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.killSwitchStatus(w, r)
}

func (a *API) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	var req maintenanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Switch.SetMaintenance(r.Context(), a.adminActor(r), req.On, req.Message); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.killSwitchStatus(w, r)
}

// --- audit ---

func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	after := strings.TrimSpace(r.URL.Query().Get("after"))

	records, err := a.deps.Audits.List(r.Context(), limit, after)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": records,
	})
}
