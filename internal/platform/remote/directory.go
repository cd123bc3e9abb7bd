package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ehr/opsdesk/internal/domain/feed"
	"github.com/ehr/opsdesk/internal/domain/lookup"
	"github.com/ehr/opsdesk/internal/domain/systemhealth"
)

// ---------------------------------------------------------------------------
// Notifications and audit log
// ---------------------------------------------------------------------------

type notificationRecord struct {
	docID
	UserID    string   `json:"user_id"`
	Message   string   `json:"message"`
	Type      string   `json:"type"`
	Read      bool     `json:"read"`
	CreatedAt wireTime `json:"created_at"`
}

type feedGateway struct{ c *Client }

// Notifications returns the notification collection.
func (c *Client) Notifications() feed.Gateway { return feedGateway{c} }

func (g feedGateway) List(ctx context.Context, userID string) ([]feed.Notification, error) {
	var records []notificationRecord
	err := g.c.do(ctx, call{
		method: http.MethodGet,
		route:  "/frontdesk/notifications/:user_id",
		path:   "/frontdesk/notifications/" + url.PathEscape(userID),
		out:    &records,
	})
	if err != nil {
		return nil, err
	}
	out := make([]feed.Notification, 0, len(records))
	for _, r := range records {
		out = append(out, feed.Notification{
			ID:        r.docID.String(),
			UserID:    r.UserID,
			Category:  r.Type,
			Message:   r.Message,
			Timestamp: r.CreatedAt.Time,
			Read:      r.Read,
			Origin:    feed.OriginRemote,
		})
	}
	return out, nil
}

func (g feedGateway) MarkRead(ctx context.Context, id string) error {
	return g.c.do(ctx, call{
		method: http.MethodPut,
		route:  "/frontdesk/notifications/:id/read",
		path:   "/frontdesk/notifications/" + url.PathEscape(id) + "/read",
	})
}

type auditRecord struct {
	docID
	User       string   `json:"user"`
	Method     string   `json:"method"`
	Endpoint   string   `json:"endpoint"`
	StatusCode int      `json:"status_code"`
	DurationMs float64  `json:"duration_ms"`
	IPAddress  string   `json:"ip_address"`
	Timestamp  wireTime `json:"timestamp"`
}

type auditPage struct {
	Total int           `json:"total"`
	Logs  []auditRecord `json:"logs"`
}

type auditSource struct{ c *Client }

// Audit returns the audit log reader.
func (c *Client) Audit() feed.AuditSource { return auditSource{c} }

func (s auditSource) AuditLogs(ctx context.Context, q feed.AuditQuery) ([]feed.AuditEntry, error) {
	v := url.Values{}
	if q.User != "" {
		v.Set("user", q.User)
	}
	if q.Endpoint != "" {
		v.Set("endpoint", q.Endpoint)
	}
	if !q.Since.IsZero() {
		v.Set("start_date", q.Since.UTC().Format("2006-01-02T15:04:05"))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var page auditPage
	err := s.c.do(ctx, call{
		method: http.MethodGet,
		route:  "/admin/audit/logs",
		path:   "/admin/audit/logs",
		query:  v,
		out:    &page,
	})
	if err != nil {
		return nil, err
	}
	out := make([]feed.AuditEntry, 0, len(page.Logs))
	for _, r := range page.Logs {
		out = append(out, feed.AuditEntry{
			ID:         r.docID.String(),
			User:       r.User,
			Method:     strings.ToUpper(r.Method),
			Endpoint:   r.Endpoint,
			StatusCode: r.StatusCode,
			DurationMs: r.DurationMs,
			IPAddress:  r.IPAddress,
			Timestamp:  r.Timestamp.Time,
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

type patientRecord struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Username string `json:"username"`
	DBID     int    `json:"db_id"`
}

type userRecord struct {
	ID             int     `json:"id"`
	Username       string  `json:"username"`
	Email          string  `json:"email"`
	Role           string  `json:"role"`
	Specialization *string `json:"specialization"`
	IsActive       bool    `json:"is_active"`
}

type searcher struct{ c *Client }

// Lookup returns the search backend for the debounced resolvers.
func (c *Client) Lookup() lookup.Searcher { return searcher{c} }

func (s searcher) Search(ctx context.Context, kind lookup.Kind, text string) ([]lookup.Candidate, error) {
	switch kind {
	case lookup.KindPatient:
		return s.patients(ctx, text)
	case lookup.KindMedicine:
		return s.medicines(ctx, text)
	case lookup.KindDoctor:
		return s.doctors(ctx, text)
	}
	return nil, fmt.Errorf("unsupported lookup kind %q", kind)
}

func (s searcher) patients(ctx context.Context, text string) ([]lookup.Candidate, error) {
	var records []patientRecord
	err := s.c.do(ctx, call{
		method: http.MethodGet,
		route:  "/frontdesk/search_patients",
		path:   "/frontdesk/search_patients",
		query:  url.Values{"q": {text}},
		out:    &records,
	})
	if err != nil {
		return nil, err
	}
	out := make([]lookup.Candidate, 0, len(records))
	for _, r := range records {
		label := r.Label
		if label == "" {
			label = r.Username
		}
		c := lookup.Candidate{ID: r.ID, Label: label}
		if r.DBID != 0 {
			c.Detail = "ID " + strconv.Itoa(r.DBID)
		}
		out = append(out, c)
	}
	return out, nil
}

func (s searcher) medicines(ctx context.Context, text string) ([]lookup.Candidate, error) {
	var names []string
	err := s.c.do(ctx, call{
		method: http.MethodGet,
		route:  "/doctor/search_medicines",
		path:   "/doctor/search_medicines",
		query:  url.Values{"q": {text}},
		out:    &names,
	})
	if err != nil {
		return nil, err
	}
	out := make([]lookup.Candidate, 0, len(names))
	for _, n := range names {
		out = append(out, lookup.Candidate{ID: n, Label: n})
	}
	return out, nil
}

func (s searcher) doctors(ctx context.Context, text string) ([]lookup.Candidate, error) {
	var users []userRecord
	err := s.c.do(ctx, call{
		method: http.MethodGet,
		route:  "/admin/users",
		path:   "/admin/users",
		query:  url.Values{"role": {"doctor"}, "q": {text}},
		out:    &users,
	})
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(text)
	var out []lookup.Candidate
	for _, u := range users {
		if !strings.EqualFold(u.Role, "doctor") || !u.IsActive {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(u.Username), needle) {
			continue
		}
		c := lookup.Candidate{ID: u.Username, Label: u.Username}
		if u.Specialization != nil {
			c.Detail = *u.Specialization
		}
		out = append(out, c)
	}
	if out == nil {
		out = []lookup.Candidate{}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// System health
// ---------------------------------------------------------------------------

type healthRecord struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	DB     string  `json:"db"`
	Uptime string  `json:"uptime"`
}

type healthSource struct{ c *Client }

// Health returns the system health reader.
func (c *Client) Health() systemhealth.Source { return healthSource{c} }

func (s healthSource) Health(ctx context.Context) (systemhealth.Snapshot, error) {
	var r healthRecord
	err := s.c.do(ctx, call{
		method: http.MethodGet,
		route:  "/admin/system/health",
		path:   "/admin/system/health",
		out:    &r,
	})
	if err != nil {
		return systemhealth.Snapshot{}, err
	}
	return systemhealth.Snapshot{CPU: r.CPU, Memory: r.Memory, DB: r.DB, Uptime: r.Uptime}, nil
}
