package lookup

import (
	"strings"
	"sync/atomic"
	"time"
)

// Kind is the entity a resolver searches for.
type Kind string

const (
	KindPatient  Kind = "patient"
	KindMedicine Kind = "medicine"
	KindDoctor   Kind = "doctor"
)

// Kinds lists every searchable kind.
var Kinds = []Kind{KindPatient, KindMedicine, KindDoctor}

// ParseKind accepts singular and plural kind names.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "s")) {
	case "patient":
		return KindPatient, true
	case "medicine":
		return KindMedicine, true
	case "doctor":
		return KindDoctor, true
	}
	return "", false
}

// Candidate is one ranked search result.
type Candidate struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
}

// Selection is the resolved identifier handed to the calling form.
type Selection struct {
	Kind  Kind   `json:"kind"`
	ID    string `json:"id"`
	Label string `json:"label"`
}

// State is what the search box shows.
type State struct {
	Kind      Kind        `json:"kind"`
	Text      string      `json:"text"`
	Loading   bool        `json:"loading"`
	Results   []Candidate `json:"results"`
	Error     string      `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Arena hands out request tokens. Only the most recently issued token may
// apply its response.
type Arena struct {
	latest atomic.Uint64
}

// Issue returns a token newer than every token issued before.
func (a *Arena) Issue() uint64 { return a.latest.Add(1) }

// IsLatest reports whether token is still the newest.
func (a *Arena) IsLatest(token uint64) bool { return a.latest.Load() == token }

// Invalidate makes every issued token stale.
func (a *Arena) Invalidate() { a.latest.Add(1) }
