package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"

	"github.com/minhngo/banthan/internal/storage"
)

var dailyTimeRe = regexp.MustCompile(`^\d{2}:\d{2}$`)

// triggerParser mirrors the scheduler's cron configuration so a trigger
// rejected here is exactly one the scheduler could not register.
var triggerParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type personaBody struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Tone             string   `json:"tone"`
	Style            string   `json:"style"`
	Language         string   `json:"language"`
	Rules            []string `json:"rules"`
	AvatarURL        string   `json:"avatarUrl"`
	AutoMessageTimes []string `json:"autoMessageTimes"`
}

func (b personaBody) validate() error {
	if b.Name == "" {
		return errors.New("name is required")
	}
	for _, t := range b.AutoMessageTimes {
		if dailyTimeRe.MatchString(t) {
			continue
		}
		if _, err := triggerParser.Parse(t); err != nil {
			return fmt.Errorf("invalid trigger %q: must be HH:mm or a cron expression (%v)", t, err)
		}
	}
	return nil
}

func handleListPersonas(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		personas, err := deps.Store.ListPersonas(requestUserID(r))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading personas: %v", err)
			return
		}
		if personas == nil {
			personas = []storage.Persona{}
		}
		writeJSON(w, http.StatusOK, personas)
	}
}

func handleCreatePersona(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body personaBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := body.validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		p, err := deps.Store.CreatePersona(storage.Persona{
			UserID:           requestUserID(r),
			Name:             body.Name,
			Description:      body.Description,
			Tone:             body.Tone,
			Style:            body.Style,
			Language:         body.Language,
			Rules:            body.Rules,
			AvatarURL:        body.AvatarURL,
			AutoMessageTimes: body.AutoMessageTimes,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating persona: %v", err)
			return
		}

		deps.Scheduler.Reschedule(p)
		writeJSON(w, http.StatusCreated, p)
	}
}

func handleUpdatePersona(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body personaBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := body.validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		p, err := deps.Store.UpdatePersona(storage.Persona{
			ID:               chi.URLParam(r, "id"),
			UserID:           requestUserID(r),
			Name:             body.Name,
			Description:      body.Description,
			Tone:             body.Tone,
			Style:            body.Style,
			Language:         body.Language,
			Rules:            body.Rules,
			AvatarURL:        body.AvatarURL,
			AutoMessageTimes: body.AutoMessageTimes,
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "persona not found")
			} else {
				httpError(w, http.StatusInternalServerError, "api_error", "updating persona: %v", err)
			}
			return
		}

		deps.Scheduler.Reschedule(p)
		writeJSON(w, http.StatusOK, p)
	}
}

func handleDeletePersona(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Store.DeletePersona(id, requestUserID(r)); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "persona not found")
			} else {
				httpError(w, http.StatusInternalServerError, "api_error", "deleting persona: %v", err)
			}
			return
		}

		deps.Scheduler.Cancel(id)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}
