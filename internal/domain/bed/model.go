package bed

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/opsdesk/internal/domain/billing"
	"github.com/ehr/opsdesk/internal/platform/apperr"
)

// Status of a bed.
type Status string

const (
	StatusAvailable Status = "Available"
	StatusOccupied  Status = "Occupied"
)

// ParseStatus normalizes the status strings seen on the wire.
func ParseStatus(s string) Status {
	if strings.EqualFold(strings.TrimSpace(s), string(StatusOccupied)) {
		return StatusOccupied
	}
	return StatusAvailable
}

// Bed is a physical bed. The occupant is set exactly when the bed is
// Occupied.
type Bed struct {
	ID            string     `json:"id"`
	Number        string     `json:"number"`
	Ward          string     `json:"ward,omitempty"`
	Kind          string     `json:"kind"`
	Status        Status     `json:"status"`
	OccupantID    string     `json:"occupant_patient_id,omitempty"`
	OccupiedSince *time.Time `json:"occupied_since,omitempty"`
}

// Validate checks the occupancy invariant.
func (b Bed) Validate() error {
	switch b.Status {
	case StatusOccupied:
		if b.OccupantID == "" {
			return fmt.Errorf("bed %s is occupied without an occupant", b.Number)
		}
	case StatusAvailable:
		if b.OccupantID != "" {
			return fmt.Errorf("bed %s is available but has occupant %s", b.Number, b.OccupantID)
		}
	default:
		return fmt.Errorf("bed %s has unknown status %q", b.Number, b.Status)
	}
	return nil
}

// Normalize repairs a remote record that breaks the occupancy invariant.
// An occupied bed without an occupant cannot be billed, so it is reported
// as Available; an available bed drops any stale occupant.
func (b Bed) Normalize() Bed {
	if b.Status == StatusOccupied && b.OccupantID == "" {
		b.Status = StatusAvailable
	}
	if b.Status != StatusOccupied {
		b.OccupantID = ""
		b.OccupiedSince = nil
	}
	return b
}

// Allocate returns b occupied by patientID from at.
func Allocate(b Bed, patientID string, at time.Time) (Bed, error) {
	if strings.TrimSpace(patientID) == "" {
		return b, apperr.Validation("patient_id is required")
	}
	if b.Status != StatusAvailable {
		return b, apperr.ErrBedUnavailable.With("bed "+b.Number+" is not available", nil)
	}
	b.Status = StatusOccupied
	b.OccupantID = patientID
	b.OccupiedSince = &at
	return b, nil
}

// Release returns b freed.
func Release(b Bed) (Bed, error) {
	if b.Status != StatusOccupied {
		return b, apperr.ErrBedNotOccupied.With("bed "+b.Number+" is not occupied", nil)
	}
	b.Status = StatusAvailable
	b.OccupantID = ""
	b.OccupiedSince = nil
	return b, nil
}

// Stay is the occupancy record of an occupied bed, ending at until.
func (b Bed) Stay(until time.Time) billing.Stay {
	s := billing.Stay{
		BedID:     b.ID,
		BedNumber: b.Number,
		Kind:      b.Kind,
		PatientID: b.OccupantID,
		Until:     until,
	}
	if b.OccupiedSince != nil {
		s.Since = *b.OccupiedSince
	}
	return s
}

// Occupancy summarizes a snapshot for the bed grid header.
type Occupancy struct {
	Total     int            `json:"total"`
	Occupied  int            `json:"occupied"`
	Available int            `json:"available"`
	ByKind    map[string]int `json:"available_by_kind"`
}

// Summarize counts beds by status.
func Summarize(beds []Bed) Occupancy {
	o := Occupancy{Total: len(beds), ByKind: make(map[string]int)}
	for _, b := range beds {
		if b.Status == StatusOccupied {
			o.Occupied++
			continue
		}
		o.Available++
		o.ByKind[b.Kind]++
	}
	return o
}

// Reconciliation records a release that stopped halfway: the bill was
// persisted but the bed could not be freed, or the bill's creation has an
// unknown outcome and BillID is empty. It stays open until the bed is
// confirmed Available.
type Reconciliation struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	BedID      string     `json:"bed_id"`
	BedNumber  string     `json:"bed_number"`
	BillID     string     `json:"bill_id"`
	PatientID  string     `json:"patient_id"`
	Cause      string     `json:"cause"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Open reports whether the entry still needs attention.
func (r Reconciliation) Open() bool { return r.ResolvedAt == nil }
