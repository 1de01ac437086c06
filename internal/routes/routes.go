package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/handlers"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/middleware"
)

func SetupRoutes(r *chi.Mux, operatorKeyHash string) {
	// Driver routes (campaign workers)
	r.Post("/api/identities/{id}/warmup", handlers.BeginWarmup)
	r.Post("/api/identities/{id}/slot", handlers.RequestActionSlot)
	r.Post("/api/identities/{id}/outcome", handlers.ReportOutcome)

	// Read-only views (desktop UI dashboards)
	r.Get("/api/identities/{id}", handlers.GetIdentityState)
	r.Get("/api/identities/{id}/signals", handlers.GetRiskSignals)
	r.Get("/api/proxies", handlers.GetProxyPoolSnapshot)

	// Operator routes (mutating pool/lifecycle controls, key-gated)
	r.Group(func(op chi.Router) {
		op.Use(middleware.OperatorAuth(operatorKeyHash))
		op.Post("/api/proxies", handlers.AddProxy)
		op.Delete("/api/proxies", handlers.RemoveProxy)
		op.Post("/api/identities/{id}/release", handlers.ReleaseIdentity)
		op.Post("/api/identities/{id}/quarantine", handlers.QuarantineOverride)
	})

	// WebSocket endpoint for the live lifecycle/risk event feed
	r.Get("/api/events/ws", handlers.EventsWebSocket)
}
