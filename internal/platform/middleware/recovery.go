package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/opsdesk/internal/platform/apperr"
	"github.com/ehr/opsdesk/internal/platform/session"
)

// Recovery turns a panicking handler into an internal error notice. The
// workspace of the operator stays open; only the request fails.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				evt := logger.Error().
					Str("panic", fmt.Sprint(r)).
					Str("method", c.Request().Method).
					Str("path", c.Request().URL.Path).
					Bytes("stack", debug.Stack())
				if rid, ok := c.Get("request_id").(string); ok {
					evt = evt.Str("request_id", rid)
				}
				if cred, ok := session.FromContext(c.Request().Context()); ok {
					evt = evt.Str("subject", cred.Subject)
				}
				evt.Msg("panic recovered")

				err = &apperr.Error{
					Kind:    apperr.KindInternal,
					Code:    "internal",
					Message: "internal server error",
					Err:     fmt.Errorf("panic: %v", r),
				}
			}()
			return next(c)
		}
	}
}
