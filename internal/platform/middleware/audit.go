package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/opsdesk/internal/platform/apperr"
	"github.com/ehr/opsdesk/internal/platform/session"
)

// AuditEntry is one operator action seen by the middleware.
type AuditEntry struct {
	Subject    string
	Roles      []string
	Resource   string
	EntityID   string
	Action     string // create, update, delete, command
	IPAddress  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
	ErrorCode  string
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAction(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAction(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every state-changing request under /api/v1/ together with the
// operator that issued it. Reads are not audited.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !isAuditable(req.Method, path) {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				StatusCode: responseStatus(c, err),
				Action:     methodToAction(req.Method, path),
				Resource:   resourceOf(path),
				EntityID:   c.Param("id"),
			}
			if cred, ok := session.FromContext(req.Context()); ok {
				entry.Subject = cred.Subject
				entry.Roles = cred.Roles
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}
			if err != nil {
				entry.ErrorCode = apperr.CodeOf(err)
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAction(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.StatusCode >= 400 {
				evt = logger.Warn()
			}
			evt.
				Str("type", "operator_audit").
				Str("request_id", entry.RequestID).
				Str("subject", entry.Subject).
				Strs("roles", entry.Roles).
				Str("resource", entry.Resource).
				Str("entity_id", entry.EntityID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Str("error_code", entry.ErrorCode).
				Msg("operator_action")

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	if !strings.HasPrefix(path, "/api/v1/") {
		return false
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// methodToAction names the action. POSTs to a verb sub-path such as
// /bills/:id/settle are commands rather than creates.
func methodToAction(method, path string) string {
	switch method {
	case http.MethodPost:
		segs := segments(path)
		if len(segs) > 1 {
			return "command"
		}
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	return "read"
}

func segments(path string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// resourceOf returns the first path segment below /api/v1.
//
//   - /api/v1/beds/b1/release -> beds
//   - /api/v1/bills           -> bills
func resourceOf(path string) string {
	if segs := segments(path); len(segs) > 0 {
		return segs[0]
	}
	return "unknown"
}

// responseStatus is the status the client will see. A handler error has not
// been rendered yet, so it is mapped the way the error handler maps it.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return apperr.HTTPStatus(apperr.KindOf(err))
}
