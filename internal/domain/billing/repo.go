package billing

import "context"

// Gateway is the system of record's bill collection.
type Gateway interface {
	List(ctx context.Context) ([]Bill, error)
	ListByPatient(ctx context.Context, patientID string) ([]Bill, error)
	Get(ctx context.Context, id string) (*Bill, error)
	Create(ctx context.Context, d Draft) (*Bill, error)
	Update(ctx context.Context, id string, items []LineItem, amount Amount) (*Bill, error)
	Settle(ctx context.Context, id string) (*Bill, error)
}
