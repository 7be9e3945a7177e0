package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"clinrelay.org/internal/audit"
	"clinrelay.org/internal/binding"
)

type createBindingRequest struct {
	ExternalID string `json:"external_id"`
}

type verifyBindingRequest struct {
	Token string `json:"token"`
}

type setDelegationRequest struct {
	Enabled bool `json:"enabled"`
}

type revokeBindingRequest struct {
	Reason string `json:"reason"`
}

type bindingResponse struct {
	ID                string     `json:"id"`
	ExternalID        string     `json:"external_id"`
	ClinicianID       string     `json:"clinician_id"`
	Verified          bool       `json:"verified"`
	DelegationEnabled bool       `json:"delegation_enabled"`
	VerificationToken string     `json:"verification_token,omitempty"`
	VerifyBy          *time.Time `json:"verify_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func bindingPayload(b *binding.Binding, includeToken bool) bindingResponse {
	resp := bindingResponse{
		ID:                b.ID,
		ExternalID:        b.ExternalID,
		ClinicianID:       b.ClinicianID,
		Verified:          b.Verified,
		DelegationEnabled: b.DelegationEnabled,
		CreatedAt:         b.CreatedAt,
	}
	// The verification token is shown once, at creation, to the owning
	// professional only.
	if includeToken && !b.Verified {
		resp.VerificationToken = b.VerificationToken
		expires := b.VerificationExpiresAt
		resp.VerifyBy = &expires
	}
	return resp
}

func (a *API) handleBindingsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	clin, err := a.actingClinician(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}

	var req createBindingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ExternalID) == "" {
		writeError(w, r, http.StatusBadRequest, "external_id is required")
		return
	}

	b, err := a.deps.Bindings.Create(r.Context(), clin, strings.TrimSpace(req.ExternalID))
	if err != nil {
		handleBindingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bindingPayload(b, true))
}

func (a *API) handleBindingVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req verifyBindingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	b, err := a.deps.Bindings.Verify(r.Context(), strings.TrimSpace(req.Token))
	if err != nil {
		handleBindingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bindingPayload(b, false))
}

// handleBindingResource routes /v1/bindings/{externalID}/delegation and
// DELETE /v1/bindings/{externalID}.
func (a *API) handleBindingResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/bindings/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/delegation") {
		externalID := strings.TrimSuffix(path, "/delegation")
		a.setBindingDelegation(w, r, externalID)
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodDelete:
		a.revokeBinding(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodDelete)
	}
}

func (a *API) setBindingDelegation(w http.ResponseWriter, r *http.Request, externalID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if _, err := a.actingClinician(r); err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}

	var req setDelegationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Bindings.SetDelegationEnabled(r.Context(), externalID, req.Enabled); err != nil {
		handleBindingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"external_id":        externalID,
		"delegation_enabled": req.Enabled,
	})
}

func (a *API) revokeBinding(w http.ResponseWriter, r *http.Request, externalID string) {
	clin, err := a.actingClinician(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}

	var req revokeBindingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	actor := audit.Actor{ClinicianID: clin.ID, ClinicianEmail: clin.Email}
	if err := a.deps.Bindings.Revoke(r.Context(), externalID, req.Reason, actor); err != nil {
		handleBindingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "revoked",
		"external_id": externalID,
	})
}

func handleBindingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, binding.ErrDuplicateIdentity):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, binding.ErrInvalidOrExpired):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, binding.ErrNotFound), errors.Is(err, binding.ErrNoBinding):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
