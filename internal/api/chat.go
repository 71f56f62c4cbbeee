package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/minhngo/banthan/internal/chat"
	"github.com/minhngo/banthan/internal/gemini"
	"github.com/minhngo/banthan/internal/persona"
	"github.com/minhngo/banthan/internal/storage"
)

const (
	defaultTemperature     = 0.7
	defaultMaxOutputTokens = 1024
	defaultHistoryLimit    = 200
)

type turnBody struct {
	Messages        []persona.ChatMessage  `json:"messages"`
	Model           string                 `json:"model"`
	Temperature     *float64               `json:"temperature"`
	MaxOutputTokens *int                   `json:"maxOutputTokens"`
	SafetySettings  []gemini.SafetySetting `json:"safetySettings"`
	Regenerate      bool                   `json:"regenerate"`
}

// decodeTurn parses and bounds-checks a turn request body, applying
// defaults. Parameter errors are reported before any message is written.
func decodeTurn(r *http.Request, deps Deps) (chat.TurnRequest, error) {
	var body turnBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return chat.TurnRequest{}, fmt.Errorf("invalid request body: %w", err)
	}

	req := chat.TurnRequest{
		UserID:          requestUserID(r),
		PersonaID:       chi.URLParam(r, "personaID"),
		Messages:        body.Messages,
		Model:           body.Model,
		Temperature:     defaultTemperature,
		MaxOutputTokens: defaultMaxOutputTokens,
		Safety:          body.SafetySettings,
		Regenerate:      body.Regenerate,
	}
	if req.Model == "" {
		req.Model = deps.DefaultModel
	}
	if body.Temperature != nil {
		req.Temperature = *body.Temperature
	}
	if body.MaxOutputTokens != nil {
		req.MaxOutputTokens = *body.MaxOutputTokens
	}

	if req.Temperature < gemini.MinTemperature || req.Temperature > gemini.MaxTemperature {
		return chat.TurnRequest{}, fmt.Errorf("temperature must be within [%v, %v]", gemini.MinTemperature, gemini.MaxTemperature)
	}
	if req.MaxOutputTokens < gemini.MinOutputTokens || req.MaxOutputTokens > gemini.MaxOutputTokens {
		return chat.TurnRequest{}, fmt.Errorf("maxOutputTokens must be within [%d, %d]", gemini.MinOutputTokens, gemini.MaxOutputTokens)
	}
	return req, nil
}

func turnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "persona not found")
	case errors.Is(err, chat.ErrValidation):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, gemini.ErrBlocked):
		httpError(w, http.StatusBadGateway, "generation_error", "the model reply was blocked or empty; try again later")
	default:
		httpError(w, http.StatusBadGateway, "api_error", "generating reply: %v", err)
	}
}

// handleChat runs a non-streaming turn.
func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		req, err := decodeTurn(r, deps)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		res, err := deps.Orchestrator.Complete(r.Context(), req)
		if err != nil {
			turnError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"reply":        res.Reply,
			"userMsg":      res.UserMsg,
			"assistantMsg": res.AssistantMsg,
		})
	}
}

// handleChatStream runs a streaming turn over server-sent events. Frames:
// zero or more {"delta"}, then exactly one of {"done", ...} or {"error"}.
func handleChatStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		req, err := decodeTurn(r, deps)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		// Resolve the persona and validate the message shape before
		// switching the response to SSE so a missing persona or malformed
		// turn is still a plain 404/400.
		if _, err := deps.Store.PersonaByID(req.PersonaID, req.UserID); err != nil {
			turnError(w, err)
			return
		}
		if err := req.Validate(); err != nil {
			turnError(w, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache, no-transform")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		sink := func(delta string) error {
			return writeSSE(w, flusher, map[string]any{"delta": delta})
		}

		res, err := deps.Orchestrator.Stream(r.Context(), req, sink)
		if err != nil {
			// Best effort: the client may already be gone.
			writeSSE(w, flusher, map[string]any{"error": userFacingError(err)})
			return
		}

		writeSSE(w, flusher, map[string]any{
			"done":         true,
			"reply":        res.Reply,
			"userMsg":      res.UserMsg,
			"assistantMsg": res.AssistantMsg,
		})
	}
}

func userFacingError(err error) string {
	if errors.Is(err, gemini.ErrBlocked) {
		return "the model reply was blocked or empty; try again later"
	}
	return err.Error()
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleHistory returns a page of a persona's history, oldest to newest.
func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		personaID := chi.URLParam(r, "personaID")
		if _, err := deps.Store.PersonaByID(personaID, requestUserID(r)); err != nil {
			turnError(w, err)
			return
		}

		limit := defaultHistoryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", v)
				return
			}
		}

		var before time.Time
		if v := r.URL.Query().Get("before"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid before timestamp %q", v)
				return
			}
			before = t
		}

		msgs, err := deps.Store.Messages(personaID, limit, before)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading history: %v", err)
			return
		}
		if msgs == nil {
			msgs = []storage.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

// handleLastMessages returns each persona's newest message, keyed by
// persona id.
func handleLastMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := deps.Store.LastMessageByPersona(requestUserID(r))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading last messages: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleDeleteHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		personaID := chi.URLParam(r, "personaID")
		if _, err := deps.Store.PersonaByID(personaID, requestUserID(r)); err != nil {
			turnError(w, err)
			return
		}
		if err := deps.Store.DeleteAllMessages(personaID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// handleDeleteFromMessage truncates history from a chosen message onward.
func handleDeleteFromMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		personaID := chi.URLParam(r, "personaID")
		if _, err := deps.Store.PersonaByID(personaID, requestUserID(r)); err != nil {
			turnError(w, err)
			return
		}

		var body struct {
			MessageID string `json:"messageId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.MessageID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messageId is required")
			return
		}

		msg, err := deps.Store.MessageByID(body.MessageID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "message not found")
			} else {
				httpError(w, http.StatusInternalServerError, "api_error", "loading message: %v", err)
			}
			return
		}
		if msg.PersonaID != personaID {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message does not belong to the given persona")
			return
		}

		if err := deps.Store.DeleteMessagesFrom(personaID, msg.CreatedAt); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting messages: %v", err)
			return
		}

		remaining, err := deps.Store.Messages(personaID, defaultHistoryLimit, time.Time{})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading remaining messages: %v", err)
			return
		}
		if remaining == nil {
			remaining = []storage.Message{}
		}
		writeJSON(w, http.StatusOK, remaining)
	}
}
