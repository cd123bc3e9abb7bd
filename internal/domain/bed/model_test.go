package bed

import (
	"errors"
	"testing"
	"time"

	"github.com/ehr/opsdesk/internal/platform/apperr"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
	}{
		{"Occupied", StatusOccupied},
		{"occupied", StatusOccupied},
		{" OCCUPIED ", StatusOccupied},
		{"Available", StatusAvailable},
		{"", StatusAvailable},
		{"maintenance", StatusAvailable},
	}
	for _, tt := range tests {
		if got := ParseStatus(tt.in); got != tt.want {
			t.Errorf("ParseStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAllocateAndRelease(t *testing.T) {
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	b := Bed{ID: "1", Number: "B-1", Kind: "ICU", Status: StatusAvailable}

	occ, err := Allocate(b, "P-1", at)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if occ.Status != StatusOccupied || occ.OccupantID != "P-1" || !occ.OccupiedSince.Equal(at) {
		t.Errorf("unexpected bed: %+v", occ)
	}
	if err := occ.Validate(); err != nil {
		t.Errorf("allocated bed invalid: %v", err)
	}

	if _, err := Allocate(occ, "P-2", at); !errors.Is(err, apperr.ErrBedUnavailable) {
		t.Errorf("expected ErrBedUnavailable, got %v", err)
	}

	free, err := Release(occ)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if free.Status != StatusAvailable || free.OccupantID != "" || free.OccupiedSince != nil {
		t.Errorf("unexpected bed: %+v", free)
	}
	if _, err := Release(free); !errors.Is(err, apperr.ErrBedNotOccupied) {
		t.Errorf("expected ErrBedNotOccupied, got %v", err)
	}
}

func TestAllocate_RequiresPatient(t *testing.T) {
	b := Bed{Number: "B-1", Status: StatusAvailable}
	if _, err := Allocate(b, " ", time.Now()); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	since := time.Now()
	orphan := Bed{Number: "B-1", Status: StatusOccupied}
	if got := orphan.Normalize(); got.Status != StatusAvailable {
		t.Errorf("occupied bed without occupant should normalize to Available, got %s", got.Status)
	}
	stale := Bed{Number: "B-2", Status: StatusAvailable, OccupantID: "P-1", OccupiedSince: &since}
	got := stale.Normalize()
	if got.OccupantID != "" || got.OccupiedSince != nil {
		t.Errorf("available bed kept occupant: %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("normalized bed invalid: %v", err)
	}
}

func TestStay(t *testing.T) {
	since := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	until := since.Add(50 * time.Hour)
	b := Bed{ID: "1", Number: "B-12", Kind: "ICU", Status: StatusOccupied, OccupantID: "P-004", OccupiedSince: &since}

	s := b.Stay(until)
	if s.PatientID != "P-004" || s.BedNumber != "B-12" || s.Kind != "ICU" {
		t.Errorf("unexpected stay: %+v", s)
	}
	if s.Nights() != 3 {
		t.Errorf("expected 3 nights, got %d", s.Nights())
	}
}

func TestSummarize(t *testing.T) {
	beds := []Bed{
		{Kind: "ICU", Status: StatusAvailable},
		{Kind: "ICU", Status: StatusOccupied, OccupantID: "P-1"},
		{Kind: "General", Status: StatusAvailable},
		{Kind: "General", Status: StatusAvailable},
	}
	o := Summarize(beds)
	if o.Total != 4 || o.Occupied != 1 || o.Available != 3 {
		t.Errorf("unexpected occupancy: %+v", o)
	}
	if o.ByKind["General"] != 2 || o.ByKind["ICU"] != 1 {
		t.Errorf("unexpected by-kind: %v", o.ByKind)
	}
}
