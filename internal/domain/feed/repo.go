package feed

import "context"

// Gateway is the system of record's notification collection.
type Gateway interface {
	List(ctx context.Context, userID string) ([]Notification, error)
	MarkRead(ctx context.Context, id string) error
}

// AuditSource reads the system of record's audit log.
type AuditSource interface {
	AuditLogs(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
}
