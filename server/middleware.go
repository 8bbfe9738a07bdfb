package server

import (
	"context"
	"errors"
	"net/http"

	"escrowd/faults"
	"escrowd/models"
	"escrowd/store"
)

type contextKey string

const apiKeyContextKey contextKey = "escrowd/api-key"

// authenticate resolves the `token` header into an API key. Missing or
// revoked tokens never reach a handler.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("token")
		if token == "" {
			writeError(w, faults.New(faults.Unauthenticated, "missing token header"))
			return
		}
		key, err := s.store.APIKeyByToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, faults.New(faults.Unauthenticated, "invalid api key"))
				return
			}
			writeError(w, faults.Wrap(faults.Internal, err, "authenticate"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKeyContextKey, key)))
	})
}

// callerKey returns the authenticated key placed by the middleware.
func callerKey(r *http.Request) *models.APIKey {
	key, _ := r.Context().Value(apiKeyContextKey).(*models.APIKey)
	return key
}

func permissionRank(p models.APIKeyPermission) int {
	switch p {
	case models.PermissionRead:
		return 1
	case models.PermissionReadAndPay:
		return 2
	case models.PermissionAdmin:
		return 3
	}
	return 0
}

// requirePermission gates a route on the caller's permission tier.
func (s *Server) requirePermission(minimum models.APIKeyPermission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := callerKey(r)
			if key == nil {
				writeError(w, faults.New(faults.Unauthenticated, "missing token header"))
				return
			}
			if permissionRank(key.Permission) < permissionRank(minimum) {
				writeError(w, faults.New(faults.Forbidden, "permission %s required", minimum))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
