package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"clinrelay.org/internal/draft"
)

type createDraftRequest struct {
	PatientID string `json:"patient_id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

type promoteDraftRequest struct {
	Title *string `json:"title,omitempty"`
	Body  *string `json:"body,omitempty"`
}

type rejectDraftRequest struct {
	Reason string `json:"reason"`
}

type draftResponse struct {
	ID             string     `json:"id"`
	PatientID      string     `json:"patient_id"`
	Kind           string     `json:"kind"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	AuthorID       string     `json:"author_id"`
	DelegatedBy    string     `json:"delegated_by"`
	CreatedByBot   string     `json:"created_by_bot"`
	IsDraft        bool       `json:"is_draft"`
	DraftExpiresAt time.Time  `json:"draft_expires_at"`
	PromotedAt     *time.Time `json:"promoted_at,omitempty"`
	PromotedBy     string     `json:"promoted_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func draftPayload(rec *draft.Record) draftResponse {
	resp := draftResponse{
		ID:             rec.ID,
		PatientID:      rec.PatientID,
		Kind:           rec.Kind,
		Title:          rec.Title,
		Body:           rec.Body,
		AuthorID:       rec.AuthorID,
		DelegatedBy:    rec.DelegatedByID,
		CreatedByBot:   rec.CreatedByBotID,
		IsDraft:        rec.Draft,
		DraftExpiresAt: rec.DraftExpiresAt,
		PromotedBy:     rec.PromotedBy,
		CreatedAt:      rec.CreatedAt,
	}
	if !rec.PromotedAt.IsZero() {
		at := rec.PromotedAt
		resp.PromotedAt = &at
	}
	return resp
}

// handleDraftsCollection is the bot entry point: the only write a bot may
// perform, and only through a grant carrying the matching draft scope.
func (a *API) handleDraftsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req createDraftRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.Kind = strings.TrimSpace(req.Kind)
	if req.PatientID == "" {
		writeError(w, r, http.StatusBadRequest, "patient_id is required")
		return
	}
	required, err := draft.ScopeForKind(req.Kind)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// The gate enforces the kind's draft scope, so a short grant is
	// denied and audited there.
	grant := a.authorize(w, r, required)
	if grant == nil {
		return
	}

	rec, err := a.deps.Drafts.Create(r.Context(), grant, draft.CreateInput{
		PatientID: req.PatientID,
		Kind:      req.Kind,
		Title:     req.Title,
		Body:      req.Body,
		Request:   requestContext(r),
	})
	if err != nil {
		handleDraftError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, draftPayload(rec))
}

// handleDraftResource routes /v1/drafts/{id}/promote and .../reject.
// These are human endpoints: the acting professional comes from the
// session layer, not from a delegation token.
func (a *API) handleDraftResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/drafts/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch {
	case strings.HasSuffix(path, "/promote"):
		a.promoteDraft(w, r, strings.TrimSuffix(path, "/promote"))
	case strings.HasSuffix(path, "/reject"):
		a.rejectDraft(w, r, strings.TrimSuffix(path, "/reject"))
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) promoteDraft(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	clin, err := a.actingClinician(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}

	var req promoteDraftRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := a.deps.Drafts.Promote(r.Context(), id, clin.ID, draft.Modifications{
		Title: req.Title,
		Body:  req.Body,
	}, requestContext(r))
	if err != nil {
		handleDraftError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draftPayload(rec))
}

func (a *API) rejectDraft(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	clin, err := a.actingClinician(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}

	var req rejectDraftRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, "reason is required")
		return
	}

	if err := a.deps.Drafts.Reject(r.Context(), id, clin.ID, req.Reason, requestContext(r)); err != nil {
		handleDraftError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "rejected",
		"id":     id,
	})
}

func handleDraftError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, draft.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, draft.ErrNotADraft), errors.Is(err, draft.ErrExpired):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, draft.ErrNotAuthorized), errors.Is(err, draft.ErrScopeMissing):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, draft.ErrUnknownKind):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
