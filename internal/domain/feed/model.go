package feed

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ehr/opsdesk/internal/domain/appointment"
)

// Origin tells whether a notification exists in the system of record or was
// derived locally.
type Origin string

const (
	OriginRemote  Origin = "remote"
	OriginDerived Origin = "derived"
)

// CategoryAppointmentRequest is the category of notifications derived from
// pending appointments.
const CategoryAppointmentRequest = "appointment_request"

// Notification is one item in an operator's feed.
type Notification struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Category      string    `json:"category"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
	Read          bool      `json:"read"`
	Origin        Origin    `json:"origin"`
	PendingSync   bool      `json:"pending_sync,omitempty"`
	AppointmentID string    `json:"appointment_id,omitempty"`
}

// DerivedID is the stable id of the notification derived from an
// appointment request.
func DerivedID(appointmentID string) string {
	return "appointment-request:" + appointmentID
}

// FromAppointment derives the request notification for a Requested
// appointment.
func FromAppointment(a appointment.Appointment, userID string) Notification {
	ts := a.CreatedAt
	if ts.IsZero() {
		ts = a.DateTime
	}
	return Notification{
		ID:            DerivedID(a.ID),
		UserID:        userID,
		Category:      CategoryAppointmentRequest,
		Message:       "New appointment request from " + a.PatientLabel(),
		Timestamp:     ts,
		Origin:        OriginDerived,
		AppointmentID: a.ID,
	}
}

// SortFeed orders notifications newest first, breaking ties by id.
func SortFeed(ns []Notification) {
	sort.SliceStable(ns, func(i, j int) bool {
		if !ns[i].Timestamp.Equal(ns[j].Timestamp) {
			return ns[i].Timestamp.After(ns[j].Timestamp)
		}
		return ns[i].ID < ns[j].ID
	})
}

// TimeAgo renders the age of ts relative to now.
func TimeAgo(ts, now time.Time) string {
	d := now.Sub(ts)
	switch {
	case d < time.Minute:
		return "Just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}

// AuditEntry is one request recorded by the system of record.
type AuditEntry struct {
	ID         string    `json:"id"`
	User       string    `json:"user"`
	Method     string    `json:"method"`
	Endpoint   string    `json:"endpoint"`
	StatusCode int       `json:"status_code"`
	DurationMs float64   `json:"duration_ms"`
	IPAddress  string    `json:"ip_address,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

var importantEndpoint = regexp.MustCompile(`(?i)login|logout|auth|admin`)

// Important reports whether the entry is a mutation, an auth or admin call,
// or a failed request.
func (e AuditEntry) Important() bool {
	switch strings.ToUpper(e.Method) {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	}
	return importantEndpoint.MatchString(e.Endpoint) || e.StatusCode >= 400
}

// AuditQuery narrows the audit log. A zero query asks for important entries
// only.
type AuditQuery struct {
	User     string    `query:"user"`
	Endpoint string    `query:"endpoint"`
	Since    time.Time `query:"-"`
	Limit    int       `query:"-"`
}

// Explicit reports whether any filter was requested.
func (q AuditQuery) Explicit() bool {
	return q.User != "" || q.Endpoint != "" || !q.Since.IsZero()
}

// Privileged reports whether user is a configured privileged account or an
// administrative one. Entries without a user are not attributable and so are
// never privileged.
func Privileged(user string, accounts []string) bool {
	if user == "" {
		return false
	}
	for _, a := range accounts {
		if strings.EqualFold(user, a) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(user), "admin")
}

// FilterAudit drops privileged entries, and unimportant ones unless the
// query is explicit. The result is newest first.
func FilterAudit(entries []AuditEntry, q AuditQuery, privileged []string) []AuditEntry {
	out := make([]AuditEntry, 0, len(entries))
	for _, e := range entries {
		if Privileged(e.User, privileged) {
			continue
		}
		if !q.Explicit() && !e.Important() {
			continue
		}
		if q.User != "" && !strings.Contains(strings.ToLower(e.User), strings.ToLower(q.User)) {
			continue
		}
		if q.Endpoint != "" && !strings.Contains(strings.ToLower(e.Endpoint), strings.ToLower(q.Endpoint)) {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// EndpointCount is one row of the busiest-endpoints table.
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int    `json:"count"`
}

// AuditStats summarizes recent traffic.
type AuditStats struct {
	Total        int             `json:"total_requests"`
	Errors       int             `json:"errors"`
	TopEndpoints []EndpointCount `json:"top_endpoints"`
}

// Summarize counts entries at or after since, with the ten busiest
// endpoints.
func Summarize(entries []AuditEntry, since time.Time) AuditStats {
	counts := make(map[string]int)
	var s AuditStats
	for _, e := range entries {
		if e.Timestamp.Before(since) {
			continue
		}
		s.Total++
		if e.StatusCode >= 400 {
			s.Errors++
		}
		counts[e.Endpoint]++
	}
	s.TopEndpoints = make([]EndpointCount, 0, len(counts))
	for ep, n := range counts {
		s.TopEndpoints = append(s.TopEndpoints, EndpointCount{Endpoint: ep, Count: n})
	}
	sort.Slice(s.TopEndpoints, func(i, j int) bool {
		if s.TopEndpoints[i].Count != s.TopEndpoints[j].Count {
			return s.TopEndpoints[i].Count > s.TopEndpoints[j].Count
		}
		return s.TopEndpoints[i].Endpoint < s.TopEndpoints[j].Endpoint
	})
	if len(s.TopEndpoints) > 10 {
		s.TopEndpoints = s.TopEndpoints[:10]
	}
	return s
}
