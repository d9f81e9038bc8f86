package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/t0ken-ai/memoryx/internal/crypto"
	"github.com/t0ken-ai/memoryx/store"
)

const (
	apiKeyHeader   = "X-API-Key"
	userContextKey = "memoryx/user"
)

// apiKeyAuth resolves the X-API-Key header to an owner. Only the SHA-256
// digest of the key ever touches the store.
func (s *Server) apiKeyAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := c.Request().Header.Get(apiKeyHeader)
		if raw == "" {
			return fail(c, http.StatusUnauthorized, "missing API key")
		}

		ctx := c.Request().Context()
		hash := crypto.HashAPIKey(raw)
		key, err := s.store.GetAPIKey(ctx, &store.FindAPIKey{KeyHash: &hash})
		if err != nil {
			return failFrom(c, err)
		}
		if key == nil {
			return fail(c, http.StatusUnauthorized, "invalid API key")
		}

		user, err := s.store.GetUser(ctx, &store.FindUser{ID: &key.UserID})
		if err != nil {
			return failFrom(c, err)
		}
		if user == nil {
			return fail(c, http.StatusUnauthorized, "invalid API key")
		}

		if err := s.store.TouchAPIKey(ctx, key.ID, time.Now().Unix()); err != nil {
			slog.Warn("api key touch failed", "key_id", key.ID, "error", err)
		}

		c.Set(userContextKey, user)
		return next(c)
	}
}

// currentUser returns the authenticated owner attached by apiKeyAuth.
func currentUser(c echo.Context) *store.User {
	user, _ := c.Get(userContextKey).(*store.User)
	return user
}
