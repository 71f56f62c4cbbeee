package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/minhngo/banthan/internal/storage"
)

func handleListNotifications(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		notifications, err := deps.Store.Notifications(requestUserID(r))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading notifications: %v", err)
			return
		}
		if notifications == nil {
			notifications = []storage.Notification{}
		}
		writeJSON(w, http.StatusOK, notifications)
	}
}

func handleCountNotifications(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := deps.Store.CountNotifications(requestUserID(r))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting notifications: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": count})
	}
}

func handleDeleteNotifications(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		category := chi.URLParam(r, "category")
		if category != storage.CategorySuccess && category != storage.CategoryFailure {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown category %q", category)
			return
		}
		deleted, err := deps.Store.DeleteNotificationsByCategory(requestUserID(r), category)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting notifications: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
	}
}

type subscriptionBody struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func handleSaveSubscription(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body subscriptionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if body.Endpoint == "" || body.Keys.P256dh == "" || body.Keys.Auth == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "endpoint and keys are required")
			return
		}

		sub, err := deps.Store.SaveSubscription(storage.Subscription{
			UserID:   requestUserID(r),
			Endpoint: body.Endpoint,
			P256dh:   body.Keys.P256dh,
			Auth:     body.Keys.Auth,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving subscription: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	}
}

func handleDeleteSubscription(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Endpoint string `json:"endpoint"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Endpoint == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "endpoint is required")
			return
		}
		if err := deps.Store.DeleteSubscription(requestUserID(r), body.Endpoint); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "subscription not found")
			} else {
				httpError(w, http.StatusInternalServerError, "api_error", "deleting subscription: %v", err)
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}
