package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"clinrelay.org/internal/audit"
	"clinrelay.org/internal/delegation"
	"clinrelay.org/internal/gate"
)

var errMissingBearer = errors.New("bearer token is required")

type tokenRequest struct {
	BotID      string   `json:"bot_id"`
	BotSecret  string   `json:"bot_secret"`
	ExternalID string   `json:"external_id"`
	Scopes     []string `json:"scopes"`
	TTLSeconds int      `json:"ttl_seconds"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

func (a *API) handleDelegationToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.BotID) == "" || req.BotSecret == "" {
		writeError(w, r, http.StatusBadRequest, "bot_id and bot_secret are required")
		return
	}
	if strings.TrimSpace(req.ExternalID) == "" {
		writeError(w, r, http.StatusBadRequest, "external_id is required")
		return
	}
	if len(req.Scopes) == 0 {
		writeError(w, r, http.StatusBadRequest, "scopes are required")
		return
	}

	grant, err := a.deps.Delegations.Issue(r.Context(), delegation.IssueRequest{
		BotID:      strings.TrimSpace(req.BotID),
		BotSecret:  req.BotSecret,
		ExternalID: strings.TrimSpace(req.ExternalID),
		Scopes:     req.Scopes,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
		Request:    requestContext(r),
	})
	if err != nil {
		if d, ok := delegation.Denied(err); ok {
			a.writeDenial(w, r, d.Reason)
			return
		}
		if errors.Is(err, delegation.ErrEmptyScopeSet) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: grant.Token,
		TokenType:   grant.TokenType,
		ExpiresIn:   grant.ExpiresIn,
		Scope:       grant.ScopeString(),
	})
}

// writeDenial maps a stable denial reason to its HTTP status. The reason
// string itself is always returned so clients can act on it without
// parsing prose.
func (a *API) writeDenial(w http.ResponseWriter, r *http.Request, reason string) {
	code := http.StatusForbidden
	switch reason {
	case audit.DeniedDisabled:
		code = http.StatusServiceUnavailable
	case audit.DeniedBadCredential, audit.DeniedInvalidToken:
		code = http.StatusUnauthorized
	case audit.DeniedRateLimited:
		code = http.StatusTooManyRequests
	}

	payload := map[string]any{
		"error":  "delegation_denied",
		"reason": reason,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	if reason == audit.DeniedDisabled {
		if state, err := a.deps.Switch.Status(r.Context()); err == nil && state.MaintenanceMode && state.MaintenanceMessage != "" {
			payload["message"] = state.MaintenanceMessage
		}
	}
	writeJSON(w, code, payload)
}

// authorize runs the gate on a bot-facing request and returns the grant,
// or writes the denial response itself and returns nil.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, required ...string) *gate.Grant {
	token, err := extractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return nil
	}
	grant, err := a.deps.Gate.Check(r.Context(), token, required, requestContext(r))
	if err != nil {
		if d, ok := gate.Denied(err); ok {
			a.writeDenial(w, r, d.Reason)
			return nil
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return nil
	}
	return grant
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingBearer
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errMissingBearer
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}
