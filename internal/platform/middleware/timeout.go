package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/opsdesk/internal/platform/apperr"
)

// RequestTimeout gives each request a deadline that every remote call made
// on its behalf inherits. Upgraded websocket connections are long-lived and
// are left alone. A non-positive d disables the deadline.
func RequestTimeout(d time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(c echo.Context) error {
			if c.IsWebSocket() || c.Path() == "/ws" || c.Request().URL.Path == "/ws" {
				return next(c)
			}

			parent := c.Request().Context()
			ctx, cancel := context.WithTimeout(parent, d)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err == nil || c.Response().Committed {
				return err
			}
			// Only our deadline becomes a retry notice; a client that went
			// away is not told to retry.
			if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
				return apperr.ErrTransient.With("request timed out, please retry", err)
			}
			return err
		}
	}
}
