package remote

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ehr/opsdesk/internal/domain/appointment"
	"github.com/ehr/opsdesk/internal/domain/bed"
	"github.com/ehr/opsdesk/internal/domain/billing"
	"github.com/ehr/opsdesk/internal/platform/apperr"
)

// ---------------------------------------------------------------------------
// Appointments
// ---------------------------------------------------------------------------

type appointmentRecord struct {
	docID
	PatientID   string   `json:"patient_id"`
	PatientName string   `json:"patient_name"`
	DoctorID    string   `json:"doctor_id"`
	DoctorName  string   `json:"doctor_name"`
	Date        wireTime `json:"date"`
	Reason      string   `json:"reason"`
	Type        string   `json:"type"`
	Status      string   `json:"status"`
	CreatedAt   wireTime `json:"created_at"`
}

func (r appointmentRecord) toDomain() appointment.Appointment {
	modality, ok := appointment.ParseModality(r.Type)
	if !ok {
		modality = appointment.ModalityInPerson
	}
	status := appointment.ParseStatus(r.Status)
	if status == "" {
		status = appointment.StatusRequested
	}
	return appointment.Appointment{
		ID:          r.docID.String(),
		PatientID:   r.PatientID,
		PatientName: r.PatientName,
		DoctorID:    r.DoctorID,
		DoctorName:  r.DoctorName,
		DateTime:    r.Date.Time,
		Reason:      r.Reason,
		Modality:    modality,
		Status:      status,
		CreatedAt:   r.CreatedAt.Time,
	}
}

func wireModality(m appointment.Modality) string {
	if m == appointment.ModalityVirtual {
		return "online"
	}
	return string(appointment.ModalityInPerson)
}

type appointmentGateway struct{ c *Client }

// Appointments returns the appointment collection.
func (c *Client) Appointments() appointment.Gateway { return appointmentGateway{c} }

func (g appointmentGateway) List(ctx context.Context, f appointment.Filter) ([]appointment.Appointment, error) {
	q := url.Values{}
	if f.DoctorID != "" {
		q.Set("doctor_id", f.DoctorID)
	}
	if f.PatientID != "" {
		q.Set("patient_id", f.PatientID)
	}
	var records []appointmentRecord
	err := g.c.do(ctx, call{
		method: http.MethodGet,
		route:  "/frontdesk/appointments",
		path:   "/frontdesk/appointments",
		query:  q,
		out:    &records,
	})
	if err != nil {
		return nil, err
	}
	out := make([]appointment.Appointment, 0, len(records))
	for _, r := range records {
		a := r.toDomain()
		if f.DoctorID != "" && a.DoctorID != f.DoctorID {
			continue
		}
		if f.PatientID != "" && a.PatientID != f.PatientID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

type appointmentCreate struct {
	PatientID string `json:"patient_id"`
	DoctorID  string `json:"doctor_id"`
	Date      string `json:"date"`
	Reason    string `json:"reason"`
	Type      string `json:"type"`
	Status    string `json:"status"`
}

func (g appointmentGateway) Create(ctx context.Context, d appointment.Draft, status appointment.Status) (*appointment.Appointment, error) {
	var resp created
	err := g.c.do(ctx, call{
		method: http.MethodPost,
		route:  "/frontdesk/appointments",
		path:   "/frontdesk/appointments",
		body: appointmentCreate{
			PatientID: d.PatientID,
			DoctorID:  d.DoctorID,
			Date:      d.DateTime.UTC().Format(time.RFC3339),
			Reason:    d.Reason,
			Type:      wireModality(d.Modality),
			Status:    string(status),
		},
		out: &resp,
	})
	if err != nil {
		return nil, err
	}
	id := resp.docID.String()
	if id == "" {
		return nil, apperr.ErrUnconfirmed.With("the appointment was accepted without an id", errMissingID("appointment"))
	}
	return &appointment.Appointment{
		ID:        id,
		PatientID: d.PatientID,
		DoctorID:  d.DoctorID,
		DateTime:  d.DateTime,
		Reason:    d.Reason,
		Modality:  d.Modality,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// UpdateStatus returns nil: the system of record only acknowledges the
// change, so the caller resyncs to read it back.
func (g appointmentGateway) UpdateStatus(ctx context.Context, id string, status appointment.Status) (*appointment.Appointment, error) {
	err := g.c.do(ctx, call{
		method: http.MethodPut,
		route:  "/frontdesk/appointments/:id",
		path:   "/frontdesk/appointments/" + url.PathEscape(id),
		body:   map[string]string{"status": string(status)},
	})
	return nil, err
}

// ---------------------------------------------------------------------------
// Beds
// ---------------------------------------------------------------------------

type bedRecord struct {
	docID
	BedNumber   string   `json:"bed_number"`
	Ward        string   `json:"ward"`
	Type        string   `json:"type"`
	Status      string   `json:"status"`
	PatientID   *string  `json:"patient_id"`
	LastUpdated wireTime `json:"last_updated"`
}

func (r bedRecord) toDomain() bed.Bed {
	b := bed.Bed{
		ID:     r.docID.String(),
		Number: r.BedNumber,
		Ward:   r.Ward,
		Kind:   r.Type,
		Status: bed.ParseStatus(r.Status),
	}
	if r.PatientID != nil {
		b.OccupantID = *r.PatientID
	}
	if b.Status == bed.StatusOccupied && !r.LastUpdated.IsZero() {
		since := r.LastUpdated.Time
		b.OccupiedSince = &since
	}
	return b
}

type bedGateway struct{ c *Client }

// Beds returns the bed collection.
func (c *Client) Beds() bed.Gateway { return bedGateway{c} }

func (g bedGateway) List(ctx context.Context) ([]bed.Bed, error) {
	var records []bedRecord
	if err := g.c.do(ctx, call{method: http.MethodGet, route: "/beds", path: "/beds", out: &records}); err != nil {
		return nil, err
	}
	out := make([]bed.Bed, 0, len(records))
	for _, r := range records {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// Allocate and Release return nil; the coordinator resyncs afterwards.
func (g bedGateway) Allocate(ctx context.Context, bedID, patientID string) (*bed.Bed, error) {
	return nil, g.c.do(ctx, call{
		method: http.MethodPost,
		route:  "/beds/allocate",
		path:   "/beds/allocate",
		body:   map[string]string{"bed_id": bedID, "patient_id": patientID},
	})
}

func (g bedGateway) Release(ctx context.Context, bedID string) (*bed.Bed, error) {
	return nil, g.c.do(ctx, call{
		method: http.MethodPost,
		route:  "/beds/release",
		path:   "/beds/release",
		body:   map[string]string{"bed_id": bedID},
	})
}

// ---------------------------------------------------------------------------
// Bills
// ---------------------------------------------------------------------------

type itemRecord struct {
	Description string  `json:"description"`
	Cost        float64 `json:"cost"`
}

type billRecord struct {
	docID
	PatientID     string       `json:"patient_id"`
	AppointmentID string       `json:"appointment_id"`
	Items         []itemRecord `json:"items"`
	Amount        float64      `json:"amount"`
	Status        string       `json:"status"`
	Date          wireTime     `json:"date"`
	Source        string       `json:"source"`
}

func (r billRecord) toDomain() billing.Bill {
	items := make([]billing.LineItem, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, billing.LineItem{Description: it.Description, Cost: billing.FromFloat(it.Cost)})
	}
	return billing.Bill{
		ID:        r.docID.String(),
		PatientID: r.PatientID,
		Items:     items,
		Amount:    billing.FromFloat(r.Amount),
		Status:    billing.ParseStatus(r.Status),
		Source:    billing.Source(r.Source),
		CreatedAt: r.Date.Time,
	}
}

func wireItems(items []billing.LineItem) []itemRecord {
	out := make([]itemRecord, 0, len(items))
	for _, it := range items {
		out = append(out, itemRecord{Description: it.Description, Cost: it.Cost.Float()})
	}
	return out
}

type billGateway struct{ c *Client }

// Bills returns the bill collection.
func (c *Client) Bills() billing.Gateway { return billGateway{c} }

func (g billGateway) list(ctx context.Context, route, path string) ([]billing.Bill, error) {
	var records []billRecord
	if err := g.c.do(ctx, call{method: http.MethodGet, route: route, path: path, out: &records}); err != nil {
		return nil, err
	}
	out := make([]billing.Bill, 0, len(records))
	for _, r := range records {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (g billGateway) List(ctx context.Context) ([]billing.Bill, error) {
	return g.list(ctx, "/billing", "/billing")
}

func (g billGateway) ListByPatient(ctx context.Context, patientID string) ([]billing.Bill, error) {
	return g.list(ctx, "/frontdesk/bills/:patient_id", "/frontdesk/bills/"+url.PathEscape(patientID))
}

// Get filters the full listing; the system of record has no single-bill
// read.
func (g billGateway) Get(ctx context.Context, id string) (*billing.Bill, error) {
	bills, err := g.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range bills {
		if bills[i].ID == id {
			return &bills[i], nil
		}
	}
	return nil, apperr.NotFound("bill", id)
}

type billCreate struct {
	PatientID string       `json:"patient_id"`
	Items     []itemRecord `json:"items"`
	Amount    float64      `json:"amount"`
	Status    string       `json:"status"`
	Source    string       `json:"source,omitempty"`
}

func (g billGateway) Create(ctx context.Context, d billing.Draft) (*billing.Bill, error) {
	var resp created
	err := g.c.do(ctx, call{
		method: http.MethodPost,
		route:  "/frontdesk/bills",
		path:   "/frontdesk/bills",
		body: billCreate{
			PatientID: d.PatientID,
			Items:     wireItems(d.Items),
			Amount:    d.Amount.Float(),
			Status:    string(billing.StatusPending),
			Source:    string(d.Source),
		},
		out: &resp,
	})
	if err != nil {
		return nil, err
	}
	id := resp.docID.String()
	if id == "" {
		return nil, apperr.ErrUnconfirmed.With("the bill was accepted without an id", errMissingID("bill"))
	}
	return &billing.Bill{
		ID:        id,
		PatientID: d.PatientID,
		Items:     d.Items,
		Amount:    d.Amount,
		Status:    billing.StatusPending,
		Source:    d.Source,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (g billGateway) Update(ctx context.Context, id string, items []billing.LineItem, amount billing.Amount) (*billing.Bill, error) {
	err := g.c.do(ctx, call{
		method: http.MethodPut,
		route:  "/billing/:id",
		path:   "/billing/" + url.PathEscape(id),
		body:   map[string]interface{}{"items": wireItems(items), "amount": amount.Float()},
	})
	if err != nil {
		return nil, err
	}
	return g.Get(ctx, id)
}

func (g billGateway) Settle(ctx context.Context, id string) (*billing.Bill, error) {
	err := g.c.do(ctx, call{
		method: http.MethodPost,
		route:  "/billing/:id/pay",
		path:   "/billing/" + url.PathEscape(id) + "/pay",
	})
	if err != nil {
		return nil, err
	}
	return g.Get(ctx, id)
}

type errMissingID string

func (e errMissingID) Error() string {
	return "system of record returned no id for the new " + strings.TrimSpace(string(e))
}
