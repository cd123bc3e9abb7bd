package bed

import (
	"context"

	"github.com/ehr/opsdesk/internal/domain/billing"
)

// Gateway is the system of record's bed collection. Release only flips the
// bed state; billing is done by the coordinator beforehand.
type Gateway interface {
	List(ctx context.Context) ([]Bed, error)
	Allocate(ctx context.Context, bedID, patientID string) (*Bed, error)
	Release(ctx context.Context, bedID string) (*Bed, error)
}

// BillCreator persists the stay bill of a released bed. FindStayBill
// returns nil when the system of record holds no Pending bill for stay.
type BillCreator interface {
	CreateStayBill(ctx context.Context, stay billing.Stay) (*billing.Bill, error)
	FindStayBill(ctx context.Context, stay billing.Stay) (*billing.Bill, error)
}

// Journal stores reconciliation entries. There is at most one open entry
// per bed; Record on a bed with an open entry updates that entry.
type Journal interface {
	Record(ctx context.Context, r *Reconciliation) error
	Get(ctx context.Context, id string) (*Reconciliation, error)
	List(ctx context.Context, includeResolved bool) ([]Reconciliation, error)
	Attempted(ctx context.Context, id, cause string) error
	AttachBill(ctx context.Context, id, billID string) error
	Resolve(ctx context.Context, id string) error
}
