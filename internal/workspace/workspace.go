// Package workspace holds the per-operator state: one Workspace per subject
// with its coordinators, lifecycle scope and polling loops.
package workspace

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/opsdesk/internal/domain/appointment"
	"github.com/ehr/opsdesk/internal/domain/bed"
	"github.com/ehr/opsdesk/internal/domain/billing"
	"github.com/ehr/opsdesk/internal/domain/feed"
	"github.com/ehr/opsdesk/internal/domain/lookup"
	"github.com/ehr/opsdesk/internal/domain/systemhealth"
	"github.com/ehr/opsdesk/internal/platform/apperr"
	"github.com/ehr/opsdesk/internal/platform/lifecycle"
	"github.com/ehr/opsdesk/internal/platform/session"
	"github.com/ehr/opsdesk/internal/platform/websocket"
)

// Workspace is the state of one signed-in operator.
type Workspace struct {
	Subject string
	Roles   []string

	Appointments *appointment.Manager
	Billing      *billing.Engine
	Beds         *bed.Coordinator
	Feed         *feed.Aggregator
	// Health is set for admin workspaces only.
	Health *systemhealth.Monitor

	scope    *lifecycle.Scope
	pub      websocket.EventPublisher
	search   lookup.Searcher
	debounce time.Duration
	logger   zerolog.Logger

	mu        sync.Mutex
	cred      session.Credential
	resolvers map[lookup.Kind]*lookup.Resolver
	lastSeen  time.Time
}

func (w *Workspace) isAdmin() bool   { return w.has(session.RoleAdmin) }
func (w *Workspace) isPatient() bool { return w.only(session.RolePatient) }
func (w *Workspace) isDoctor() bool  { return w.only(session.RoleDoctor) }

func (w *Workspace) has(role string) bool {
	return session.Credential{Roles: w.Roles}.HasRole(role)
}

// only reports whether role is the operator's sole role.
func (w *Workspace) only(role string) bool {
	if w.isAdmin() {
		return false
	}
	for _, r := range w.Roles {
		if r != role {
			return false
		}
	}
	return len(w.Roles) > 0
}

// Credential returns the latest credential presented by the operator.
func (w *Workspace) Credential() session.Credential {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cred
}

func (w *Workspace) touch(cred session.Credential, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cred = cred
	w.lastSeen = now
}

func (w *Workspace) idleSince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen
}

// bind returns ctx carrying the operator's latest credential, for work that
// runs outside a request.
func (w *Workspace) bind(ctx context.Context) context.Context {
	return session.NewContext(ctx, w.Credential())
}

// Context is the workspace scope's context carrying the operator's
// credential. It is cancelled when the workspace closes.
func (w *Workspace) Context() context.Context {
	return w.bind(w.scope.Context())
}

// Refresh syncs every collection the operator can see, concurrently.
func (w *Workspace) Refresh(ctx context.Context) error {
	ctx = w.bind(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Appointments.Sync(gctx) })
	g.Go(func() error { return w.Billing.Refresh(gctx) })
	g.Go(func() error { return w.Feed.Sync(gctx) })
	if !w.isPatient() {
		g.Go(func() error { return w.Beds.Sync(gctx) })
	}
	if w.Health != nil {
		g.Go(func() error {
			_, err := w.Health.Poll(gctx)
			return err
		})
	}
	return g.Wait()
}

// Resolver returns the operator's resolver for kind, creating it on first
// use inside a child scope.
func (w *Workspace) Resolver(kind lookup.Kind) (*lookup.Resolver, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.scope.Relevant() {
		return nil, apperr.ErrUnauthorized.With("workspace closed", nil)
	}
	if r, ok := w.resolvers[kind]; ok {
		return r, nil
	}
	r := lookup.NewResolver(kind, credentialSearcher{w: w}, w.scope.Child(), w.logger, lookup.WithQuiet(w.debounce))
	topic := websocket.LookupTopic(w.Subject, string(kind))
	r.OnChange(func(st lookup.State) { w.publish(topic, "lookup.state", st) })
	w.resolvers[kind] = r
	return r, nil
}

func (w *Workspace) publish(topic, eventType string, data interface{}) {
	if w.pub == nil {
		return
	}
	if err := w.pub.Publish(w.scope.Context(), topic, eventType, data); err != nil {
		w.logger.Debug().Err(err).Str("topic", topic).Msg("publish failed")
	}
}

// poll runs one iteration of a polling loop. Unauthorized outcomes have
// already been routed to the session manager by the remote client.
func (w *Workspace) poll(ctx context.Context, what string, fn func(ctx context.Context) error) {
	err := fn(w.bind(ctx))
	if err == nil || ctx.Err() != nil || errors.Is(err, apperr.ErrUnauthorized) {
		return
	}
	w.logger.Warn().Err(err).Str("loop", what).Msg("poll failed")
}

// Close stops the pollers and resolvers and waits for them.
func (w *Workspace) Close() error {
	w.mu.Lock()
	for _, r := range w.resolvers {
		r.Close()
	}
	w.mu.Unlock()
	return w.scope.Close()
}

// credentialSearcher runs resolver searches with the operator's current
// credential; resolver goroutines start from the scope context.
type credentialSearcher struct {
	w *Workspace
}

func (s credentialSearcher) Search(ctx context.Context, kind lookup.Kind, text string) ([]lookup.Candidate, error) {
	return s.w.search.Search(s.w.bind(ctx), kind, text)
}
