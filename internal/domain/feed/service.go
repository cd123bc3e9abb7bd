package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/opsdesk/internal/domain/appointment"
	"github.com/ehr/opsdesk/internal/platform/apperr"
)

// ChangeFunc observes the feed after every change.
type ChangeFunc func(feed []Notification)

// Aggregator merges the remote notification feed with notifications derived
// from pending appointments, and exposes the filtered audit log.
type Aggregator struct {
	gw         Gateway
	audit      AuditSource
	userID     string
	privileged []string
	logger     zerolog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	items     map[string]*Notification
	entries   []AuditEntry
	synced    time.Time
	listeners []ChangeFunc
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithAudit enables the audit log for administrative workspaces.
func WithAudit(src AuditSource, privileged []string) Option {
	return func(a *Aggregator) {
		a.audit = src
		a.privileged = privileged
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func NewAggregator(gw Gateway, userID string, logger zerolog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		gw:     gw,
		userID: userID,
		logger: logger.With().Str("component", "feed").Logger(),
		now:    time.Now,
		items:  make(map[string]*Notification),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// OnChange registers fn to run after every change to the feed.
func (a *Aggregator) OnChange(fn ChangeFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

func (a *Aggregator) notify() {
	a.mu.RLock()
	listeners := append([]ChangeFunc(nil), a.listeners...)
	a.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	feed := a.Feed()
	for _, fn := range listeners {
		fn(feed)
	}
}

// Sync fetches the remote feed, and the audit log when enabled, in parallel.
func (a *Aggregator) Sync(ctx context.Context) error {
	var (
		remote  []Notification
		entries []AuditEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		remote, err = a.gw.List(gctx, a.userID)
		return err
	})
	if a.audit != nil {
		g.Go(func() error {
			var err error
			entries, err = a.audit.AuditLogs(gctx, AuditQuery{})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	a.Ingest(remote)
	if a.audit != nil {
		a.mu.Lock()
		a.entries = entries
		a.mu.Unlock()
	}
	return nil
}

// Ingest merges a remote listing. Known items keep their local read state;
// a remote read flag upgrades it but never clears it. Remote items absent
// from the listing are dropped.
func (a *Aggregator) Ingest(remote []Notification) {
	a.mu.Lock()
	seen := make(map[string]bool, len(remote))
	for _, n := range remote {
		if n.ID == "" {
			continue
		}
		n.Origin = OriginRemote
		seen[n.ID] = true
		n.PendingSync = false
		if cur, ok := a.items[n.ID]; ok && cur.Read && !n.Read {
			n.Read = true
			n.PendingSync = cur.PendingSync
		}
		cp := n
		a.items[n.ID] = &cp
	}
	for id, n := range a.items {
		if n.Origin == OriginRemote && !seen[id] {
			delete(a.items, id)
		}
	}
	a.synced = a.now()
	a.mu.Unlock()
	a.notify()
}

// Derive replaces the derived notifications with one per Requested
// appointment. Requests that are no longer pending disappear.
func (a *Aggregator) Derive(appts []appointment.Appointment) {
	a.mu.Lock()
	want := make(map[string]bool)
	for _, ap := range appointment.Pending(appts) {
		n := FromAppointment(ap, a.userID)
		want[n.ID] = true
		if cur, ok := a.items[n.ID]; ok {
			n.Read = cur.Read
		}
		a.items[n.ID] = &n
	}
	for id, n := range a.items {
		if n.Origin == OriginDerived && !want[id] {
			delete(a.items, id)
		}
	}
	a.mu.Unlock()
	a.notify()
}

// MarkRead marks id read. The local state changes immediately. Only remote
// notifications are reported to the system of record, and a failed report
// is flagged for RetryPending instead of being returned, unless the session
// has expired.
func (a *Aggregator) MarkRead(ctx context.Context, id string) (*Notification, error) {
	a.mu.Lock()
	n, ok := a.items[id]
	if !ok {
		a.mu.Unlock()
		return nil, apperr.NotFound("notification", id)
	}
	if n.Read && !n.PendingSync {
		cp := *n
		a.mu.Unlock()
		return &cp, nil
	}
	n.Read = true
	remote := n.Origin == OriginRemote
	a.mu.Unlock()

	var err error
	if remote {
		err = a.gw.MarkRead(ctx, id)
	}

	a.mu.Lock()
	if n, ok = a.items[id]; ok {
		n.PendingSync = err != nil
	}
	var cp Notification
	if ok {
		cp = *n
	}
	a.mu.Unlock()
	a.notify()

	if err != nil {
		if errors.Is(err, apperr.ErrUnauthorized) {
			return nil, err
		}
		a.logger.Warn().Err(err).Str("notification_id", id).Msg("mark read deferred")
	}
	if !ok {
		return nil, apperr.NotFound("notification", id)
	}
	return &cp, nil
}

// RetryPending re-sends read marks that previously failed and returns how
// many were delivered.
func (a *Aggregator) RetryPending(ctx context.Context) (int, error) {
	a.mu.RLock()
	var ids []string
	for id, n := range a.items {
		if n.PendingSync {
			ids = append(ids, id)
		}
	}
	a.mu.RUnlock()

	sent := 0
	for _, id := range ids {
		if err := a.gw.MarkRead(ctx, id); err != nil {
			if errors.Is(err, apperr.ErrUnauthorized) {
				return sent, err
			}
			a.logger.Warn().Err(err).Str("notification_id", id).Msg("mark read retry failed")
			continue
		}
		a.mu.Lock()
		if n, ok := a.items[id]; ok {
			n.PendingSync = false
		}
		a.mu.Unlock()
		sent++
	}
	if sent > 0 {
		a.notify()
	}
	return sent, nil
}

// Feed returns the notifications newest first.
func (a *Aggregator) Feed() []Notification {
	a.mu.RLock()
	out := make([]Notification, 0, len(a.items))
	for _, n := range a.items {
		out = append(out, *n)
	}
	a.mu.RUnlock()
	SortFeed(out)
	return out
}

// Unread counts unread notifications.
func (a *Aggregator) Unread() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c := 0
	for _, n := range a.items {
		if !n.Read {
			c++
		}
	}
	return c
}

// Audit returns the filtered audit log. A query with filters is sent to the
// system of record; the default view is served from the last sync.
func (a *Aggregator) Audit(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	if a.audit == nil {
		return nil, apperr.ErrForbidden.With("audit log requires an administrator", nil)
	}
	var entries []AuditEntry
	if q.Explicit() {
		var err error
		if entries, err = a.audit.AuditLogs(ctx, q); err != nil {
			return nil, err
		}
	} else {
		a.mu.RLock()
		entries = append([]AuditEntry(nil), a.entries...)
		a.mu.RUnlock()
	}

	filtered := FilterAudit(entries, q, a.privileged)
	if dropped := len(entries) - len(filtered); dropped > 0 {
		a.logger.Debug().Int("dropped", dropped).Msg("audit entries filtered")
	}
	return filtered, nil
}

// AuditStats summarizes the last day of the synced audit log.
func (a *Aggregator) AuditStats() (AuditStats, error) {
	if a.audit == nil {
		return AuditStats{}, apperr.ErrForbidden.With("audit log requires an administrator", nil)
	}
	a.mu.RLock()
	entries := append([]AuditEntry(nil), a.entries...)
	a.mu.RUnlock()

	visible := entries[:0]
	for _, e := range entries {
		if !Privileged(e.User, a.privileged) {
			visible = append(visible, e)
		}
	}
	return Summarize(visible, a.now().Add(-24*time.Hour)), nil
}

// SyncedAt is the time of the last successful remote sync.
func (a *Aggregator) SyncedAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.synced
}
