package appointment

import "context"

// Gateway is the system of record's appointment collection.
type Gateway interface {
	List(ctx context.Context, f Filter) ([]Appointment, error)
	Create(ctx context.Context, d Draft, status Status) (*Appointment, error)
	UpdateStatus(ctx context.Context, id string, status Status) (*Appointment, error)
}
