package feed

import (
	"testing"
	"time"

	"github.com/ehr/opsdesk/internal/domain/appointment"
)

func TestTimeAgo(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{0, "Just now"},
		{59 * time.Second, "Just now"},
		{time.Minute, "1m ago"},
		{59 * time.Minute, "59m ago"},
		{time.Hour, "1h ago"},
		{23*time.Hour + 59*time.Minute, "23h ago"},
		{24 * time.Hour, "1d ago"},
		{75 * time.Hour, "3d ago"},
	}
	for _, tt := range tests {
		if got := TimeAgo(now.Add(-tt.ago), now); got != tt.want {
			t.Errorf("TimeAgo(-%s) = %q, want %q", tt.ago, got, tt.want)
		}
	}
}

func TestFromAppointment(t *testing.T) {
	created := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	a := appointment.Appointment{ID: "a-1", PatientID: "P-1", PatientName: "John Doe", CreatedAt: created, Status: appointment.StatusRequested}
	n := FromAppointment(a, "doc-1")
	if n.ID != "appointment-request:a-1" {
		t.Errorf("unexpected id %q", n.ID)
	}
	if n.Message != "New appointment request from John Doe" {
		t.Errorf("unexpected message %q", n.Message)
	}
	if n.Origin != OriginDerived || !n.Timestamp.Equal(created) || n.UserID != "doc-1" {
		t.Errorf("unexpected notification: %+v", n)
	}

	a.PatientName = ""
	if got := FromAppointment(a, "doc-1").Message; got != "New appointment request from P-1" {
		t.Errorf("expected patient id fallback, got %q", got)
	}
}

func TestSortFeed_TieBreak(t *testing.T) {
	ts := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	ns := []Notification{
		{ID: "b", Timestamp: ts},
		{ID: "c", Timestamp: ts.Add(time.Minute)},
		{ID: "a", Timestamp: ts},
	}
	SortFeed(ns)
	got := []string{ns[0].ID, ns[1].ID, ns[2].ID}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestPrivileged(t *testing.T) {
	accounts := []string{"system", "ops-bot"}
	tests := []struct {
		user string
		want bool
	}{
		{"", false},
		{"alice", false},
		{"admin", true},
		{"SuperAdmin", true},
		{"System", true},
		{"ops-bot", true},
		{"ops-bot-2", false},
	}
	for _, tt := range tests {
		if got := Privileged(tt.user, accounts); got != tt.want {
			t.Errorf("Privileged(%q) = %v, want %v", tt.user, got, tt.want)
		}
	}
}

func TestAuditEntry_Important(t *testing.T) {
	tests := []struct {
		e    AuditEntry
		want bool
	}{
		{AuditEntry{Method: "GET", Endpoint: "/beds", StatusCode: 200}, false},
		{AuditEntry{Method: "POST", Endpoint: "/beds/allocate", StatusCode: 200}, true},
		{AuditEntry{Method: "delete", Endpoint: "/x", StatusCode: 200}, true},
		{AuditEntry{Method: "GET", Endpoint: "/auth/login", StatusCode: 200}, true},
		{AuditEntry{Method: "GET", Endpoint: "/Admin/users", StatusCode: 200}, true},
		{AuditEntry{Method: "GET", Endpoint: "/billing", StatusCode: 500}, true},
	}
	for _, tt := range tests {
		if got := tt.e.Important(); got != tt.want {
			t.Errorf("%s %s %d: Important() = %v, want %v", tt.e.Method, tt.e.Endpoint, tt.e.StatusCode, got, tt.want)
		}
	}
}

func TestFilterAudit(t *testing.T) {
	ts := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	entries := []AuditEntry{
		{ID: "1", User: "admin", Method: "POST", Endpoint: "/beds/release", Timestamp: ts},
		{ID: "2", User: "frontdesk1", Method: "POST", Endpoint: "/beds/release", Timestamp: ts.Add(time.Minute)},
		{ID: "3", User: "frontdesk1", Method: "GET", Endpoint: "/beds", StatusCode: 200, Timestamp: ts.Add(2 * time.Minute)},
		{ID: "4", User: "", Method: "POST", Endpoint: "/auth/login", Timestamp: ts.Add(3 * time.Minute)},
	}

	got := FilterAudit(entries, AuditQuery{}, nil)
	if len(got) != 2 || got[0].ID != "4" || got[1].ID != "2" {
		t.Errorf("default filter: %+v", got)
	}

	got = FilterAudit(entries, AuditQuery{User: "front"}, nil)
	if len(got) != 2 || got[0].ID != "3" {
		t.Errorf("explicit filter should include routine reads: %+v", got)
	}

	got = FilterAudit(entries, AuditQuery{Endpoint: "release"}, []string{"frontdesk1"})
	if len(got) != 0 {
		t.Errorf("privileged account should be hidden: %+v", got)
	}
}

func TestSummarize(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	entries := []AuditEntry{
		{Endpoint: "/beds", StatusCode: 200, Timestamp: now.Add(-time.Hour)},
		{Endpoint: "/beds", StatusCode: 500, Timestamp: now.Add(-2 * time.Hour)},
		{Endpoint: "/billing", StatusCode: 200, Timestamp: now.Add(-3 * time.Hour)},
		{Endpoint: "/old", StatusCode: 200, Timestamp: now.Add(-48 * time.Hour)},
	}
	s := Summarize(entries, now.Add(-24*time.Hour))
	if s.Total != 3 || s.Errors != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if len(s.TopEndpoints) != 2 || s.TopEndpoints[0].Endpoint != "/beds" || s.TopEndpoints[0].Count != 2 {
		t.Errorf("unexpected top endpoints: %+v", s.TopEndpoints)
	}
}
