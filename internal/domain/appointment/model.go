package appointment

import (
	"sort"
	"strings"
	"time"

	"github.com/ehr/opsdesk/internal/platform/apperr"
)

// Status of an appointment.
type Status string

const (
	StatusRequested Status = "Requested"
	StatusScheduled Status = "Scheduled"
	StatusCompleted Status = "Completed"
	StatusCancelled Status = "Cancelled"
)

// ParseStatus normalizes a status string; unknown values yield "".
func ParseStatus(s string) Status {
	for _, st := range []Status{StatusRequested, StatusScheduled, StatusCompleted, StatusCancelled} {
		if strings.EqualFold(strings.TrimSpace(s), string(st)) {
			return st
		}
	}
	return ""
}

// Modality is how the visit takes place.
type Modality string

const (
	ModalityInPerson Modality = "in-person"
	ModalityVirtual  Modality = "virtual"
)

// ParseModality accepts the spellings used by the screens and the remote
// API ("online" is the remote's name for virtual visits).
func ParseModality(s string) (Modality, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in-person", "inperson", "in_person", "offline":
		return ModalityInPerson, true
	case "virtual", "online", "video":
		return ModalityVirtual, true
	}
	return "", false
}

// Action is a user-facing lifecycle command.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

// transitions is the only place legal status changes are defined.
var transitions = map[Status]map[Action]Status{
	StatusRequested: {
		ActionApprove: StatusScheduled,
		ActionReject:  StatusCancelled,
	},
	StatusScheduled: {
		ActionComplete: StatusCompleted,
		ActionCancel:   StatusCancelled,
	},
}

// Next returns the status reached by applying a to from.
func Next(from Status, a Action) (Status, error) {
	if to, ok := transitions[from][a]; ok {
		return to, nil
	}
	return "", apperr.ErrInvalidTransition.With("cannot "+string(a)+" a "+strings.ToLower(string(from))+" appointment", nil)
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Appointment is a visit between a patient and a doctor.
type Appointment struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patient_id"`
	PatientName string    `json:"patient_name,omitempty"`
	DoctorID    string    `json:"doctor_id"`
	DoctorName  string    `json:"doctor_name,omitempty"`
	DateTime    time.Time `json:"date_time"`
	Reason      string    `json:"reason"`
	Modality    Modality  `json:"modality"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// PatientLabel is the patient's name when known, otherwise the id.
func (a Appointment) PatientLabel() string {
	if a.PatientName != "" {
		return a.PatientName
	}
	return a.PatientID
}

// AnyDoctor asks the system of record to assign any available doctor.
const AnyDoctor = "any"

// Draft is a new appointment request.
type Draft struct {
	PatientID string    `json:"patient_id"`
	DoctorID  string    `json:"doctor_id"`
	DateTime  time.Time `json:"date_time"`
	Reason    string    `json:"reason"`
	Modality  Modality  `json:"modality"`
}

// Validate checks the draft before any network call.
func (d Draft) Validate(now time.Time) error {
	if strings.TrimSpace(d.PatientID) == "" {
		return apperr.Validation("patient_id is required")
	}
	if strings.TrimSpace(d.DoctorID) == "" {
		return apperr.Validation("doctor_id is required (use %q for any available doctor)", AnyDoctor)
	}
	if d.DateTime.IsZero() || !d.DateTime.After(now) {
		return apperr.Validation("date_time must be in the future")
	}
	if strings.TrimSpace(d.Reason) == "" {
		return apperr.Validation("reason is required")
	}
	if d.Modality != ModalityInPerson && d.Modality != ModalityVirtual {
		return apperr.Validation("unknown modality %q", d.Modality)
	}
	return nil
}

// Filter narrows the synced collection to one doctor or patient.
type Filter struct {
	DoctorID  string
	PatientID string
}

// DayStats are the doctor dashboard counters.
type DayStats struct {
	Today    int `json:"today"`
	Virtual  int `json:"today_virtual"`
	InPerson int `json:"today_in_person"`
	Pending  int `json:"pending"`
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}

// Today returns the appointments on now's calendar day, earliest first.
func Today(appts []Appointment, now time.Time) []Appointment {
	var out []Appointment
	for _, a := range appts {
		if sameDay(now, a.DateTime) {
			out = append(out, a)
		}
	}
	sortByTime(out)
	return out
}

// Upcoming returns at most limit appointments strictly after now, earliest
// first. A limit of zero or less means no cap.
func Upcoming(appts []Appointment, now time.Time, limit int) []Appointment {
	var out []Appointment
	for _, a := range appts {
		if a.DateTime.After(now) {
			out = append(out, a)
		}
	}
	sortByTime(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Pending returns the appointments awaiting approval, earliest first.
func Pending(appts []Appointment) []Appointment {
	var out []Appointment
	for _, a := range appts {
		if a.Status == StatusRequested {
			out = append(out, a)
		}
	}
	sortByTime(out)
	return out
}

// Stats computes the day counters for now.
func Stats(appts []Appointment, now time.Time) DayStats {
	var s DayStats
	for _, a := range Today(appts, now) {
		s.Today++
		if a.Modality == ModalityVirtual {
			s.Virtual++
		} else {
			s.InPerson++
		}
	}
	s.Pending = len(Pending(appts))
	return s
}

func sortByTime(appts []Appointment) {
	sort.SliceStable(appts, func(i, j int) bool {
		if appts[i].DateTime.Equal(appts[j].DateTime) {
			return appts[i].ID < appts[j].ID
		}
		return appts[i].DateTime.Before(appts[j].DateTime)
	})
}
