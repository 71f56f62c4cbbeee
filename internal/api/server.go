// Package api exposes the HTTP surface: conversational turns (JSON and SSE
// streaming), history management, persona CRUD wired to the autonomous
// scheduler, notifications, and push-subscription registration.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/minhngo/banthan/internal/chat"
	"github.com/minhngo/banthan/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// TriggerScheduler is the slice of the scheduler the API needs: persona
// configuration changes must re-derive that persona's timers.
type TriggerScheduler interface {
	Reschedule(p storage.Persona)
	Cancel(personaID string)
}

type Deps struct {
	Store        *storage.Store
	Orchestrator *chat.Orchestrator
	Scheduler    TriggerScheduler
	DefaultModel string
}

// NewHandler builds the full API router. Everything under /api except the
// health check requires a valid user token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/api/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(TokenAuth(deps.Store))

		r.Post("/api/chat/{personaID}", handleChat(deps))
		r.Post("/api/chat/stream/{personaID}", handleChatStream(deps))
		r.Get("/api/chat/last-messages", handleLastMessages(deps))
		r.Get("/api/chat/{personaID}/history", handleHistory(deps))
		r.Delete("/api/chat/{personaID}/history", handleDeleteHistory(deps))
		r.Post("/api/chat/{personaID}/delete", handleDeleteFromMessage(deps))

		r.Get("/api/personas", handleListPersonas(deps))
		r.Post("/api/personas", handleCreatePersona(deps))
		r.Put("/api/personas/{id}", handleUpdatePersona(deps))
		r.Delete("/api/personas/{id}", handleDeletePersona(deps))

		r.Get("/api/notifications", handleListNotifications(deps))
		r.Get("/api/notifications/count", handleCountNotifications(deps))
		r.Delete("/api/notifications/{category}", handleDeleteNotifications(deps))

		r.Post("/api/subscriptions", handleSaveSubscription(deps))
		r.Delete("/api/subscriptions", handleDeleteSubscription(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
