package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/opsdesk/internal/platform/apperr"
)

// Amount is a money value in minor units (paise or cents). Sums are exact;
// the wire carries decimal numbers.
type Amount int64

// MaxAmount bounds a single cost and a bill total: one billion in major
// units. Sums of bounded costs are checked against it, so they never wrap.
const MaxAmount Amount = 1_000_000_000_00

// ParseAmount parses a decimal string such as "1200" or "150.50".
func ParseAmount(s string) (Amount, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if math.IsNaN(f) || math.Abs(f*100) > float64(MaxAmount) {
		return 0, fmt.Errorf("amount %q is out of range", s)
	}
	return FromFloat(f), nil
}

// FromFloat rounds a decimal value to the nearest minor unit. Values past
// MaxAmount, and NaN, come back as MaxAmount+1 (negated for negative
// input) so that Total rejects them.
func FromFloat(f float64) Amount {
	switch {
	case math.IsNaN(f) || f*100 > float64(MaxAmount):
		return MaxAmount + 1
	case f*100 < -float64(MaxAmount):
		return -MaxAmount - 1
	}
	return Amount(math.Round(f * 100))
}

// Float returns the decimal value.
func (a Amount) Float() float64 { return float64(a) / 100 }

func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	if v%100 == 0 {
		return fmt.Sprintf("%s%d", sign, v/100)
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a JSON number or a numeric string.
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*a = 0
		return nil
	}
	v, err := ParseAmount(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Status of a bill.
type Status string

const (
	StatusPending Status = "Pending"
	StatusPaid    Status = "Paid"
)

// ParseStatus normalizes the status strings seen on the wire.
func ParseStatus(s string) Status {
	if strings.EqualFold(strings.TrimSpace(s), string(StatusPaid)) {
		return StatusPaid
	}
	return StatusPending
}

// Source records which workflow produced a bill.
type Source string

const (
	SourceInvoice Source = "invoice"
	SourceBedStay Source = "bed-stay"
)

// LineItem is one charge on a bill.
type LineItem struct {
	Description string `json:"description"`
	Cost        Amount `json:"cost"`
}

// Bill is an itemized charge for a patient. Amount always equals the sum of
// the item costs and a Paid bill never changes.
type Bill struct {
	ID        string     `json:"id"`
	PatientID string     `json:"patient_id"`
	Items     []LineItem `json:"items"`
	Amount    Amount     `json:"amount"`
	Status    Status     `json:"status"`
	Source    Source     `json:"source,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Consistent reports whether the stored amount matches the stored items.
func (b *Bill) Consistent() bool {
	total, err := Total(b.Items)
	return err == nil && total == b.Amount
}

// Draft is a bill not yet persisted.
type Draft struct {
	PatientID string
	Items     []LineItem
	Amount    Amount
	Source    Source
}

// Total returns the sum of item costs. Blank descriptions, negative costs
// and costs or totals above MaxAmount are rejected.
func Total(items []LineItem) (Amount, error) {
	var sum Amount
	for i, it := range items {
		if strings.TrimSpace(it.Description) == "" {
			return 0, apperr.Validation("item %d: description is required", i+1)
		}
		if it.Cost < 0 {
			return 0, apperr.Validation("item %d: cost must not be negative", i+1)
		}
		if it.Cost > MaxAmount {
			return 0, apperr.Validation("item %d: cost exceeds %s", i+1, MaxAmount)
		}
		if sum > MaxAmount-it.Cost {
			return 0, apperr.Validation("bill total exceeds %s", MaxAmount)
		}
		sum += it.Cost
	}
	return sum, nil
}

// Categories are the display labels offered when itemizing a bill.
var Categories = []string{
	"Consultation",
	"Room/Bed Charges",
	"Nursing",
	"Medicines",
	"Lab Tests",
	"Operation Theatre",
	"Medical Supplies",
	"Equipment",
	"Diet",
	"Ambulance",
	"Miscellaneous",
}

// Stay is the occupancy record a stay bill is computed from.
type Stay struct {
	BedID     string
	BedNumber string
	Kind      string
	PatientID string
	Since     time.Time
	Until     time.Time
}

// Nights is the number of started nights in the stay, at least one.
func (s Stay) Nights() int {
	if s.Since.IsZero() || !s.Until.After(s.Since) {
		return 1
	}
	n := int(math.Ceil(s.Until.Sub(s.Since).Hours() / 24))
	if n < 1 {
		n = 1
	}
	return n
}

// Rates maps a bed kind to its nightly rate. Kinds match case-insensitively.
type Rates map[string]Amount

const defaultKind = "General"

// DefaultRates are the nightly rates used when none are configured.
func DefaultRates() Rates {
	return Rates{
		"General":   120000,
		"ICU":       150000,
		"Private":   200000,
		"Emergency": 50000,
	}
}

// ParseRates parses "General=1200,ICU=1500" on top of the defaults.
func ParseRates(s string) (Rates, error) {
	rates := DefaultRates()
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kind, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(kind) == "" {
			return nil, fmt.Errorf("invalid bed rate %q", pair)
		}
		amt, err := ParseAmount(value)
		if err != nil {
			return nil, err
		}
		if amt < 0 {
			return nil, fmt.Errorf("bed rate for %s must not be negative", kind)
		}
		// "icu=1600" overrides the default "ICU"; the last spelling wins.
		kind = strings.TrimSpace(kind)
		for k := range rates {
			if strings.EqualFold(k, kind) {
				delete(rates, k)
			}
		}
		rates[kind] = amt
	}
	return rates, nil
}

// Rate returns the nightly rate for kind; unknown kinds bill at the General
// rate. An exact key wins over a case-insensitive one, and among several
// case variants the lexically smallest key is used.
func (r Rates) Rate(kind string) Amount {
	if v, ok := r[kind]; ok {
		return v
	}
	match := ""
	for k := range r {
		if strings.EqualFold(k, kind) && (match == "" || k < match) {
			match = k
		}
	}
	if match != "" {
		return r[match]
	}
	return r[defaultKind]
}

// StayItems returns the line items for a bed stay.
func (r Rates) StayItems(stay Stay) []LineItem {
	kind := stay.Kind
	if kind == "" {
		kind = defaultKind
	}
	nights := stay.Nights()
	unit := "nights"
	if nights == 1 {
		unit = "night"
	}
	return []LineItem{{
		Description: fmt.Sprintf("%s (%d %s)", stay.label(), nights, unit),
		Cost:        r.Rate(kind) * Amount(nights),
	}}
}

func (s Stay) label() string {
	kind := s.Kind
	if kind == "" {
		kind = defaultKind
	}
	return fmt.Sprintf("Hospital Stay - %s Bed %s", kind, s.BedNumber)
}

// BillsStay reports whether b is the Pending bill of stay: the stay's
// patient, a stay line item for the same bed, and not created before the
// stay began. Bills without a creation time are matched on items alone.
func (b *Bill) BillsStay(stay Stay) bool {
	if b.Status != StatusPending || b.PatientID != stay.PatientID {
		return false
	}
	if !stay.Since.IsZero() && !b.CreatedAt.IsZero() && b.CreatedAt.Before(stay.Since) {
		return false
	}
	prefix := stay.label() + " ("
	for _, it := range b.Items {
		if strings.HasPrefix(it.Description, prefix) {
			return true
		}
	}
	return false
}

// Revenue is the total of Paid bills created on the calendar day of day, in
// day's location.
func Revenue(bills []Bill, day time.Time) Amount {
	y, m, d := day.Date()
	var sum Amount
	for _, b := range bills {
		if b.Status != StatusPaid {
			continue
		}
		by, bm, bd := b.CreatedAt.In(day.Location()).Date()
		if by == y && bm == m && bd == d {
			sum += b.Amount
		}
	}
	return sum
}

// SortNewestFirst orders bills by creation time, newest first.
func SortNewestFirst(bills []Bill) {
	sort.SliceStable(bills, func(i, j int) bool {
		if bills[i].CreatedAt.Equal(bills[j].CreatedAt) {
			return bills[i].ID > bills[j].ID
		}
		return bills[i].CreatedAt.After(bills[j].CreatedAt)
	})
}

var (
	_ json.Marshaler   = Amount(0)
	_ json.Unmarshaler = (*Amount)(nil)
)
