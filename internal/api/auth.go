package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/minhngo/banthan/internal/storage"
)

type contextKey string

const userIDKey contextKey = "userID"

// TokenAuth resolves the bearer token to a user and stores the user id in
// the request context.
func TokenAuth(store *storage.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			user, err := store.UserByToken(auth[len(prefix):])
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				} else {
					httpError(w, http.StatusInternalServerError, "api_error", "resolving token: %v", err)
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, user.ID)))
		})
	}
}

// requestUserID returns the authenticated user id placed by TokenAuth.
func requestUserID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}
