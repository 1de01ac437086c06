package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/lifecycle"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/proxypool"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/risk"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/services"
)

// Package-level collaborators, wired once at startup.
var (
	core     *lifecycle.Controller
	pool     *proxypool.Pool
	hub      *services.EventHub
	archiver *risk.MongoArchiver
)

// Init wires the handler package to the core. Must be called before the
// router is set up.
func Init(c *lifecycle.Controller, p *proxypool.Pool, h *services.EventHub, a *risk.MongoArchiver) {
	core = c
	pool = p
	hub = h
	archiver = a
}

// errorResponse is the uniform denial/error payload.
type errorResponse struct {
	Success    bool    `json:"success"`
	Denial     string  `json:"denial,omitempty"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDenial maps a lifecycle denial to an HTTP response. Retryable
// denials carry a retry hint; the core never retries on its own.
func writeDenial(w http.ResponseWriter, err error) {
	var rateLimited *lifecycle.RateLimitedError
	if errors.As(err, &rateLimited) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Denial:     "rate_limited",
			Message:    err.Error(),
			RetryAfter: rateLimited.RetryAfter.Seconds(),
		})
		return
	}

	switch {
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Denial: "invalid_transition", Message: err.Error()})
	case errors.Is(err, lifecycle.ErrUnknownIdentity), errors.Is(err, lifecycle.ErrUnknownToken):
		writeJSON(w, http.StatusNotFound, errorResponse{Denial: "not_found", Message: err.Error()})
	case errors.Is(err, lifecycle.ErrNoProxyAvailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Denial: "no_proxy_available", Message: err.Error()})
	case errors.Is(err, lifecycle.ErrBlackout):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Denial: "blackout", Message: err.Error()})
	case errors.Is(err, lifecycle.ErrStageBudgetExhausted):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Denial: "stage_budget_exhausted", Message: err.Error()})
	case errors.Is(err, lifecycle.ErrQuarantined):
		writeJSON(w, http.StatusForbidden, errorResponse{Denial: "quarantined", Message: err.Error()})
	case errors.Is(err, lifecycle.ErrBanned):
		writeJSON(w, http.StatusForbidden, errorResponse{Denial: "banned", Message: err.Error()})
	case errors.Is(err, lifecycle.ErrRetired):
		writeJSON(w, http.StatusForbidden, errorResponse{Denial: "retired", Message: err.Error()})
	case errors.Is(err, lifecycle.ErrTokenExpired):
		writeJSON(w, http.StatusGone, errorResponse{Denial: "token_expired", Message: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: err.Error()})
	}
}
