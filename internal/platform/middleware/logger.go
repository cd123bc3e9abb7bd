package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/opsdesk/internal/platform/apperr"
	"github.com/ehr/opsdesk/internal/platform/session"
)

// Logger writes one access log line per request. Probe and scrape traffic
// (/health, /metrics) is logged at debug level. Failed requests carry the
// error kind and code so notices shown to operators can be traced.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			began := time.Now()
			err := next(c)
			status := responseStatus(c, err)

			var evt *zerolog.Event
			switch {
			case err != nil && status >= 500:
				evt = logger.Error().Err(err)
			case err != nil:
				evt = logger.Warn().Err(err).
					Str("kind", string(apperr.KindOf(err))).
					Str("code", apperr.CodeOf(err))
			case isProbe(c.Request().URL.Path):
				evt = logger.Debug()
			default:
				evt = logger.Info()
			}

			r := c.Request()
			if rid, ok := c.Get("request_id").(string); ok {
				evt.Str("request_id", rid)
			}
			if cred, ok := session.FromContext(r.Context()); ok {
				evt.Str("subject", cred.Subject)
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("route", c.Path()).
				Int("status", status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(began)).
				Str("remote_ip", c.RealIP()).
				Msg("request")
			return err
		}
	}
}

func isProbe(path string) bool {
	return path == "/metrics" || strings.HasPrefix(path, "/health")
}
