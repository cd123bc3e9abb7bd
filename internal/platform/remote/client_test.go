package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/opsdesk/internal/domain/appointment"
	"github.com/ehr/opsdesk/internal/domain/bed"
	"github.com/ehr/opsdesk/internal/domain/billing"
	"github.com/ehr/opsdesk/internal/domain/feed"
	"github.com/ehr/opsdesk/internal/domain/lookup"
	"github.com/ehr/opsdesk/internal/platform/apperr"
	"github.com/ehr/opsdesk/internal/platform/session"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *session.Manager) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	sessions := session.NewManager(zerolog.Nop())
	c, err := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, sessions, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, sessions
}

func operatorCtx() context.Context {
	return session.NewContext(context.Background(), session.Credential{
		Token:   "tok-1",
		Subject: "frontdesk-1",
		Roles:   []string{session.RoleFrontDesk},
	})
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}, session.NewManager(zerolog.Nop()), zerolog.Nop()); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestAppointments_List(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("expected bearer header, got %q", got)
		}
		if r.URL.Path != "/frontdesk/appointments" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("doctor_id") != "dr-1" {
			t.Errorf("expected doctor_id filter, got %q", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `[
			{"_id":"a1","patient_id":"P-001","doctor_id":"dr-1","date":"2024-03-10T09:00:00","reason":"Checkup","type":"online","status":"Requested","created_at":"2024-03-09T08:30:00.123456"},
			{"_id":"a2","patient_id":"P-002","doctor_id":"dr-2","date":"2024-03-10T10:00:00","reason":"Other","type":"in-person","status":"Scheduled"}
		]`)
	})

	appts, err := c.Appointments().List(operatorCtx(), appointment.Filter{DoctorID: "dr-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(appts) != 1 {
		t.Fatalf("expected 1 appointment after filtering, got %d", len(appts))
	}
	a := appts[0]
	if a.ID != "a1" || a.Modality != appointment.ModalityVirtual || a.Status != appointment.StatusRequested {
		t.Errorf("unexpected appointment %+v", a)
	}
	want := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	if !a.DateTime.Equal(want) {
		t.Errorf("expected %v, got %v", want, a.DateTime)
	}
}

func TestAppointments_CreateSendsRemoteModality(t *testing.T) {
	var body map[string]string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"message":"Appointment created","id":"a9"}`)
	})

	d := appointment.Draft{
		PatientID: "P-001",
		DoctorID:  "dr-1",
		DateTime:  time.Date(2030, 1, 2, 15, 0, 0, 0, time.UTC),
		Reason:    "Follow-up",
		Modality:  appointment.ModalityVirtual,
	}
	a, err := c.Appointments().Create(operatorCtx(), d, appointment.StatusScheduled)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID != "a9" || a.Status != appointment.StatusScheduled {
		t.Errorf("unexpected appointment %+v", a)
	}
	if body["type"] != "online" || body["date"] != "2030-01-02T15:00:00Z" {
		t.Errorf("unexpected request body %v", body)
	}
}

func TestDo_Unauthorized(t *testing.T) {
	c, sessions := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"Could not validate credentials"}`)
	})
	var evicted string
	sessions.OnUnauthorized(func(cred session.Credential) { evicted = cred.Subject })

	_, err := c.Beds().List(operatorCtx())
	if !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if evicted != "frontdesk-1" {
		t.Errorf("expected unauthorized handler for frontdesk-1, got %q", evicted)
	}
}

func TestDo_MissingCredentialSkipsNetwork(t *testing.T) {
	called := false
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	_, err := c.Beds().List(context.Background())
	if !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if called {
		t.Error("no request should be sent without a credential")
	}
}

func TestDo_ServiceTokenFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer svc" {
			t.Errorf("expected service token, got %q", got)
		}
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()
	c, err := New(Config{BaseURL: srv.URL, ServiceToken: "svc"}, session.NewManager(zerolog.Nop()), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Beds().List(context.Background()); err != nil {
		t.Fatalf("List: %v", err)
	}
}

func TestDo_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"bed taken", http.StatusBadRequest, `{"detail":"Bed not available"}`, apperr.ErrConflict},
		{"slot taken", http.StatusBadRequest, `{"detail":"Slot taken"}`, apperr.ErrConflict},
		{"bad input", http.StatusBadRequest, `{"detail":"Invalid date format"}`, apperr.ErrValidation},
		{"unprocessable", http.StatusUnprocessableEntity, `{"detail":[{"msg":"field required"}]}`, apperr.ErrValidation},
		{"forbidden", http.StatusForbidden, `{"detail":"Admin access required"}`, apperr.ErrForbidden},
		{"not found", http.StatusNotFound, `{"detail":"Bed not found"}`, apperr.ErrNotFound},
		{"conflict", http.StatusConflict, `{}`, apperr.ErrConflict},
		{"server error", http.StatusInternalServerError, `oops`, apperr.ErrTransient},
		{"wrapped 400 as 500", http.StatusInternalServerError, `{"detail":"400: Bed is not available"}`, apperr.ErrConflict},
		{"wrapped 404 as 500", http.StatusInternalServerError, `{"detail":"404: Bed not found"}`, apperr.ErrNotFound},
		{"conflict phrase on 500", http.StatusInternalServerError, `{"detail":"Bed already occupied"}`, apperr.ErrConflict},
		{"rate limited", http.StatusTooManyRequests, `{}`, apperr.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.Beds().Allocate(operatorCtx(), "b1", "P-001")
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDo_TransientIsRetryable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.Beds().Release(operatorCtx(), "b1")
	if !apperr.Retryable(err) {
		t.Errorf("expected retryable error, got %v", err)
	}
}

func TestBeds_List(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[
			{"_id":"b1","bed_number":"B-12","type":"General","status":"Occupied","patient_id":"P-004","last_updated":"2024-03-10T09:00:00"},
			{"_id":"b2","bed_number":"B-13","type":"ICU","status":"Available","patient_id":null}
		]`)
	})
	beds, err := c.Beds().List(operatorCtx())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(beds) != 2 {
		t.Fatalf("expected 2 beds, got %d", len(beds))
	}
	if beds[0].Status != bed.StatusOccupied || beds[0].OccupantID != "P-004" || beds[0].OccupiedSince == nil {
		t.Errorf("unexpected occupied bed %+v", beds[0])
	}
	if beds[1].OccupantID != "" || beds[1].OccupiedSince != nil {
		t.Errorf("unexpected available bed %+v", beds[1])
	}
}

func TestBills_CreateAndGet(t *testing.T) {
	var sent billCreate
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/frontdesk/bills":
			_ = json.NewDecoder(r.Body).Decode(&sent)
			_, _ = io.WriteString(w, `{"message":"Bill created","id":"bill-1"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/billing":
			_, _ = io.WriteString(w, `[{"_id":"bill-1","patient_id":"P-010","items":[{"description":"Consultation","cost":300},{"description":"Lab","cost":150.5}],"amount":450.5,"status":"Pending","date":"2024-03-10T09:00:00"}]`)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})

	items := []billing.LineItem{{Description: "Consultation", Cost: 30000}, {Description: "Lab", Cost: 15050}}
	b, err := c.Bills().Create(operatorCtx(), billing.Draft{PatientID: "P-010", Items: items, Amount: 45050})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.ID != "bill-1" || b.Status != billing.StatusPending {
		t.Errorf("unexpected bill %+v", b)
	}
	if sent.Amount != 450.5 || len(sent.Items) != 2 || sent.Items[1].Cost != 150.5 {
		t.Errorf("unexpected request %+v", sent)
	}

	got, err := c.Bills().Get(operatorCtx(), "bill-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Amount != 45050 || !got.Consistent() {
		t.Errorf("unexpected bill %+v", got)
	}

	if _, err := c.Bills().Get(operatorCtx(), "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestBills_CreateWithoutIDIsUnconfirmed(t *testing.T) {
	for name, body := range map[string]string{
		"no id":      `{"message":"Bill created"}`,
		"unreadable": `<html>ok</html>`,
	} {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, body)
			})
			items := []billing.LineItem{{Description: "Consultation", Cost: 30000}}
			_, err := c.Bills().Create(operatorCtx(), billing.Draft{PatientID: "P-010", Items: items, Amount: 30000})
			if !errors.Is(err, apperr.ErrUnconfirmed) {
				t.Fatalf("expected unconfirmed, got %v", err)
			}
			if apperr.Retryable(err) {
				t.Error("a create the server accepted must not be reported as retryable")
			}
		})
	}
}

func TestAudit_Query(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("user") != "alice" || q.Get("start_date") != "2024-03-01T00:00:00" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"total":1,"logs":[{"id":"l1","user":"alice","method":"post","endpoint":"/billing","status_code":200,"duration_ms":12.5,"timestamp":"2024-03-02T10:00:00"}]}`)
	})
	entries, err := c.Audit().AuditLogs(operatorCtx(), feed.AuditQuery{
		User:  "alice",
		Since: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("AuditLogs: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "l1" || entries[0].Method != "POST" {
		t.Errorf("unexpected entries %+v", entries)
	}
}

func TestLookup_Kinds(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/frontdesk/search_patients":
			_, _ = io.WriteString(w, `[{"id":"john","label":"john (ID: 7)","username":"john","db_id":7}]`)
		case "/doctor/search_medicines":
			_, _ = io.WriteString(w, `["Paracetamol","Panadol"]`)
		case "/admin/users":
			_, _ = io.WriteString(w, `[
				{"id":1,"username":"dr_house","role":"doctor","specialization":"Diagnostics","is_active":true},
				{"id":2,"username":"dr_gone","role":"doctor","is_active":false},
				{"id":3,"username":"dr_admin","role":"admin","is_active":true}
			]`)
		}
	})
	s := c.Lookup()

	patients, err := s.Search(operatorCtx(), lookup.KindPatient, "jo")
	if err != nil || len(patients) != 1 || patients[0].ID != "john" || patients[0].Detail != "ID 7" {
		t.Errorf("unexpected patients %+v (%v)", patients, err)
	}
	meds, err := s.Search(operatorCtx(), lookup.KindMedicine, "pa")
	if err != nil || len(meds) != 2 || meds[0].Label != "Paracetamol" {
		t.Errorf("unexpected medicines %+v (%v)", meds, err)
	}
	doctors, err := s.Search(operatorCtx(), lookup.KindDoctor, "dr")
	if err != nil || len(doctors) != 1 || doctors[0].Detail != "Diagnostics" {
		t.Errorf("unexpected doctors %+v (%v)", doctors, err)
	}
}

func TestHealth(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"cpu":12.5,"memory":48.1,"db":"Connected","uptime":"3 days, 1:02:03"}`)
	})
	snap, err := c.Health().Health(operatorCtx())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if snap.CPU != 12.5 || snap.DB != "Connected" || snap.Uptime != "3 days, 1:02:03" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestWireTime(t *testing.T) {
	for _, in := range []string{`"2024-03-10T09:00:00"`, `"2024-03-10T09:00:00.000000"`, `"2024-03-10T09:00:00Z"`, `"2024-03-10 09:00:00"`} {
		var wt wireTime
		if err := json.Unmarshal([]byte(in), &wt); err != nil {
			t.Errorf("%s: %v", in, err)
			continue
		}
		if !wt.Equal(time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)) {
			t.Errorf("%s: got %v", in, wt.Time)
		}
	}
	var wt wireTime
	if err := json.Unmarshal([]byte(`null`), &wt); err != nil || !wt.IsZero() {
		t.Errorf("null should decode to zero time")
	}
	if err := json.Unmarshal([]byte(`"yesterday"`), &wt); err == nil {
		t.Error("expected error for unparseable time")
	}
}
