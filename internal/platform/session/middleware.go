package session

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// UserIDHeader names the subject of an opaque bearer token.
const UserIDHeader = "X-User-ID"

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	Parse ParseOptions
	// DevToken is used when a request carries no Authorization header.
	// Only set in development.
	DevToken string
}

// Middleware extracts the bearer credential, rejects missing or expired
// credentials through the manager, and stores the credential in the request
// context for downstream components.
func Middleware(m *Manager, cfg MiddlewareConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := bearer(c.Request().Header.Get("Authorization"))
			if raw == "" {
				raw = c.QueryParam("access_token") // browsers cannot set headers on WebSocket upgrades
			}
			if raw == "" && cfg.DevToken != "" {
				raw = cfg.DevToken
			}
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			opts := cfg.Parse
			if sub := c.Request().Header.Get(UserIDHeader); sub != "" {
				opts.FallbackSubject = sub
			}
			cred, err := ParseCredential(raw, opts)
			if err != nil {
				return err
			}
			if cred.Expired(m.now()) {
				return m.Unauthorized(cred, nil)
			}

			c.SetRequest(c.Request().WithContext(NewContext(c.Request().Context(), cred)))
			return next(c)
		}
	}
}

// RequireRole allows the request only when the credential carries one of roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cred, _ := FromContext(c.Request().Context())
			for _, r := range roles {
				if cred.HasRole(r) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

func bearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
