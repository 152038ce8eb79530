package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"centinela/internal/model"
	"centinela/internal/store"
)

// authMissDelay slows down key guessing without meaningfully delaying
// legitimate misconfiguration feedback.
const authMissDelay = 100 * time.Millisecond

// KeyStore is the subset of the store the auth middleware needs.
type KeyStore interface {
	GetActiveKeyByHash(ctx context.Context, keyHash string) (model.APIKey, error)
	TouchLastUsed(ctx context.Context, keyID string) error
	GetTenant(ctx context.Context, id string) (model.Tenant, error)
}

// requireAuth resolves the bearer token to an active API key and attaches
// the key and its tenant to the request context. Misses get a fixed delay
// and a 401; auth failures are never logged at error level.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		key, err := s.keys.GetActiveKeyByHash(r.Context(), store.HashKey(token))
		if errors.Is(err, store.ErrKeyNotFound) {
			time.Sleep(authMissDelay)
			s.logger.Debug("rejected unknown api key", "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		if err != nil {
			s.logger.Error("api key lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error", nil)
			return
		}

		tenant, err := s.keys.GetTenant(r.Context(), key.TenantID)
		if err != nil {
			s.logger.Error("tenant lookup failed", "tenant", key.TenantID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error", nil)
			return
		}
		if tenant.Status != "active" {
			writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		// last_used_at is advisory; never block the request on it.
		go func(keyID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.keys.TouchLastUsed(ctx, keyID); err != nil {
				s.logger.Debug("touch last_used_at failed", "key", keyID, "error", err)
			}
		}(key.ID)

		next.ServeHTTP(w, r.WithContext(withAuth(r.Context(), tenant, key)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
