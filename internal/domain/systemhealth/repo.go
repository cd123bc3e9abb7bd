package systemhealth

import "context"

// Source reads the system of record's health endpoint.
type Source interface {
	Health(ctx context.Context) (Snapshot, error)
}
