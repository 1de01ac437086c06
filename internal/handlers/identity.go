package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/models"
)

// RequestSlotRequest asks for an action slot for one identity.
type RequestSlotRequest struct {
	ActionClass string `json:"action_class"`
}

// RequestSlotResponse carries the granted token.
type RequestSlotResponse struct {
	Success bool                `json:"success"`
	Token   *models.ActionToken `json:"token"`
}

// ReportOutcomeRequest reports what happened with a granted token.
type ReportOutcomeRequest struct {
	TokenID           string  `json:"token_id"`
	Outcome           string  `json:"outcome"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
}

// QuarantineOverrideRequest is the operator's manual quarantine.
type QuarantineOverrideRequest struct {
	UntilUnix int64 `json:"until_unix"`
}

// identityParam parses the {id} path parameter.
func identityParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid identity id"})
		return uuid.Nil, false
	}
	return id, true
}

// BeginWarmup transitions a provisioned identity into Warming.
func BeginWarmup(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}

	if err := core.BeginWarmup(id); err != nil {
		writeDenial(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// RequestActionSlot is the driver-facing gate before any outbound action.
func RequestActionSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}

	var req RequestSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "Invalid request body"})
		return
	}

	token, err := core.RequestActionSlot(r.Context(), id, models.ActionClass(req.ActionClass))
	if err != nil {
		writeDenial(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RequestSlotResponse{Success: true, Token: token})
}

// ReportOutcome files the result of an action attempt against its token.
func ReportOutcome(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}

	var req ReportOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "Invalid request body"})
		return
	}
	tokenID, err := uuid.Parse(req.TokenID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid token id"})
		return
	}

	outcome := models.Outcome{
		Kind:       models.OutcomeKind(req.Outcome),
		RetryAfter: time.Duration(req.RetryAfterSeconds * float64(time.Second)),
	}
	if err := core.ReportOutcome(id, tokenID, outcome); err != nil {
		writeDenial(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// GetIdentityState returns the identity's record with a live risk score.
func GetIdentityState(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}

	ident, err := core.GetIdentityState(id)
	if err != nil {
		writeDenial(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "identity": ident})
}

// ReleaseIdentity retires an identity, releasing any held proxy.
func ReleaseIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}

	if err := core.Release(id); err != nil {
		writeDenial(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// QuarantineOverride forces an identity into quarantine until the given time.
func QuarantineOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}

	var req QuarantineOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "Invalid request body"})
		return
	}
	until := time.Unix(req.UntilUnix, 0)
	if until.Before(time.Now()) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "until_unix must be in the future"})
		return
	}

	if err := core.QuarantineOverride(id, until); err != nil {
		writeDenial(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// GetRiskSignals returns the identity's recent archived risk signals.
func GetRiskSignals(w http.ResponseWriter, r *http.Request) {
	id, ok := identityParam(w, r)
	if !ok {
		return
	}

	signals, err := archiver.ListSignals(r.Context(), id, 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "failed to load risk signals"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "signals": signals})
}
