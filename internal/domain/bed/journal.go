package bed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/opsdesk/internal/platform/apperr"
)

// MemoryJournal keeps reconciliation entries for the life of the process.
// It is used when no database is configured.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string]*Reconciliation
	now     func() time.Time
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]*Reconciliation), now: time.Now}
}

func (j *MemoryJournal) Record(_ context.Context, r *Reconciliation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.entries {
		if e.Open() && e.BedID == r.BedID {
			e.Attempts++
			e.Cause = r.Cause
			if r.BillID != "" {
				e.BillID = r.BillID
			}
			e.UpdatedAt = j.now()
			*r = *e
			return nil
		}
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := j.now()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	j.entries[r.ID] = &cp
	return nil
}

func (j *MemoryJournal) Get(_ context.Context, id string) (*Reconciliation, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.entries[id]
	if !ok {
		return nil, apperr.NotFound("reconciliation", id)
	}
	cp := *e
	return &cp, nil
}

func (j *MemoryJournal) List(_ context.Context, includeResolved bool) ([]Reconciliation, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Reconciliation, 0, len(j.entries))
	for _, e := range j.entries {
		if includeResolved || e.Open() {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (j *MemoryJournal) Attempted(_ context.Context, id, cause string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[id]
	if !ok {
		return apperr.NotFound("reconciliation", id)
	}
	e.Attempts++
	e.Cause = cause
	e.UpdatedAt = j.now()
	return nil
}

func (j *MemoryJournal) AttachBill(_ context.Context, id, billID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[id]
	if !ok {
		return apperr.NotFound("reconciliation", id)
	}
	e.BillID = billID
	e.UpdatedAt = j.now()
	return nil
}

func (j *MemoryJournal) Resolve(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[id]
	if !ok {
		return apperr.NotFound("reconciliation", id)
	}
	if e.ResolvedAt == nil {
		now := j.now()
		e.ResolvedAt = &now
		e.UpdatedAt = now
	}
	return nil
}
