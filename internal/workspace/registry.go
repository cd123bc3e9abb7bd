package workspace

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/opsdesk/internal/domain/appointment"
	"github.com/ehr/opsdesk/internal/domain/bed"
	"github.com/ehr/opsdesk/internal/domain/billing"
	"github.com/ehr/opsdesk/internal/domain/feed"
	"github.com/ehr/opsdesk/internal/domain/lookup"
	"github.com/ehr/opsdesk/internal/domain/systemhealth"
	"github.com/ehr/opsdesk/internal/platform/apperr"
	"github.com/ehr/opsdesk/internal/platform/lifecycle"
	"github.com/ehr/opsdesk/internal/platform/session"
	"github.com/ehr/opsdesk/internal/platform/telemetry"
	"github.com/ehr/opsdesk/internal/platform/websocket"
)

// Remote is the system of record as seen by the workspaces.
type Remote interface {
	Appointments() appointment.Gateway
	Beds() bed.Gateway
	Bills() billing.Gateway
	Notifications() feed.Gateway
	Audit() feed.AuditSource
	Lookup() lookup.Searcher
	Health() systemhealth.Source
}

// Settings tune the components of every workspace.
type Settings struct {
	AppointmentPoll    time.Duration
	FeedPoll           time.Duration
	HealthPoll         time.Duration
	SearchDebounce     time.Duration
	ReleaseAttempts    int
	ReleaseBackoff     time.Duration
	Rates              billing.Rates
	PrivilegedAccounts []string
	// IdleTimeout closes workspaces not used for this long. Zero disables.
	IdleTimeout time.Duration
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		AppointmentPoll:    30 * time.Second,
		FeedPoll:           30 * time.Second,
		HealthPoll:         systemhealth.DefaultInterval,
		SearchDebounce:     lookup.DefaultQuiet,
		ReleaseAttempts:    bed.DefaultReleaseAttempts,
		ReleaseBackoff:     bed.DefaultReleaseBackoff,
		Rates:              billing.DefaultRates(),
		PrivilegedAccounts: []string{"admin"},
		IdleTimeout:        2 * time.Hour,
	}
}

// Registry opens and evicts workspaces. It resolves the caller's components
// for every HTTP handler.
type Registry struct {
	remote   Remote
	journal  bed.Journal
	pub      websocket.EventPublisher
	settings Settings
	logger   zerolog.Logger
	now      func() time.Time

	// bedLocks is shared so a stay is never billed twice.
	bedLocks *lifecycle.KeyedMutex
	// billLocks keeps one settle or edit per bill across sessions.
	billLocks *lifecycle.KeyedMutex
	root      *lifecycle.Scope

	mu     sync.Mutex
	spaces map[string]*Workspace
}

// NewRegistry creates a Registry and routes unauthorized outcomes reported
// to sessions into workspace eviction. journal may be nil.
func NewRegistry(ctx context.Context, remote Remote, journal bed.Journal, sessions *session.Manager, pub websocket.EventPublisher, settings Settings, logger zerolog.Logger) *Registry {
	if journal == nil {
		journal = bed.NewMemoryJournal()
	}
	r := &Registry{
		remote:    remote,
		journal:   journal,
		pub:       pub,
		settings:  settings,
		logger:    logger.With().Str("component", "workspace").Logger(),
		now:       time.Now,
		bedLocks:  &lifecycle.KeyedMutex{},
		billLocks: &lifecycle.KeyedMutex{},
		root:      lifecycle.NewScope(ctx),
		spaces:    make(map[string]*Workspace),
	}
	if sessions != nil {
		sessions.OnUnauthorized(func(cred session.Credential) { r.Evict(cred.Subject) })
	}
	if settings.IdleTimeout > 0 {
		r.root.Every(settings.IdleTimeout/4, false, func(context.Context) { r.evictIdle() })
	}
	return r
}

// Journal is the reconciliation journal shared by every workspace.
func (r *Registry) Journal() bed.Journal { return r.journal }

// Open returns the caller's workspace, creating it on first use.
func (r *Registry) Open(ctx context.Context) (*Workspace, error) {
	cred, ok := session.FromContext(ctx)
	if !ok || cred.Subject == "" {
		return nil, apperr.ErrUnauthorized.With("missing credential", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.root.Relevant() {
		return nil, apperr.Transient(context.Canceled)
	}
	if w, ok := r.spaces[cred.Subject]; ok {
		w.touch(cred, r.now())
		return w, nil
	}

	w := r.build(cred)
	r.spaces[cred.Subject] = w
	telemetry.WorkspaceOpened()
	r.logger.Info().
		Str("subject", cred.Subject).
		Strs("roles", cred.Roles).
		Msg("workspace opened")
	return w, nil
}

func (r *Registry) build(cred session.Credential) *Workspace {
	s := r.settings
	w := &Workspace{
		Subject:   cred.Subject,
		Roles:     cred.Roles,
		scope:     lifecycle.NewScope(r.root.Context()),
		pub:       r.pub,
		search:    r.remote.Lookup(),
		debounce:  s.SearchDebounce,
		logger:    r.logger.With().Str("subject", cred.Subject).Logger(),
		cred:      cred,
		resolvers: make(map[lookup.Kind]*lookup.Resolver),
		lastSeen:  r.now(),
	}

	var apptOpts []appointment.Option
	billOpts := []billing.Option{billing.WithLocks(r.billLocks)}
	switch {
	case w.isPatient():
		apptOpts = append(apptOpts, appointment.WithFilter(appointment.Filter{PatientID: cred.Subject}))
		billOpts = append(billOpts, billing.WithPatientScope(cred.Subject))
	case w.isDoctor():
		apptOpts = append(apptOpts, appointment.WithFilter(appointment.Filter{DoctorID: cred.Subject}))
	}

	w.Appointments = appointment.NewManager(r.remote.Appointments(), w.logger, apptOpts...)
	w.Billing = billing.NewEngine(r.remote.Bills(), s.Rates, w.logger, billOpts...)
	w.Beds = bed.NewCoordinator(r.remote.Beds(), w.Billing, r.journal, w.logger,
		bed.WithRetry(s.ReleaseAttempts, s.ReleaseBackoff),
		bed.WithLocks(r.bedLocks),
	)

	var feedOpts []feed.Option
	if w.isAdmin() {
		feedOpts = append(feedOpts, feed.WithAudit(r.remote.Audit(), s.PrivilegedAccounts))
		w.Health = systemhealth.NewMonitor(r.remote.Health(), w.logger)
	}
	w.Feed = feed.NewAggregator(r.remote.Notifications(), cred.Subject, w.logger, feedOpts...)

	r.wire(w)
	r.start(w)
	return w
}

// wire connects the components of w to each other and to the push hub.
func (r *Registry) wire(w *Workspace) {
	w.Appointments.OnChange(func(appts []appointment.Appointment) {
		if !w.isPatient() {
			w.Feed.Derive(appts)
		}
		w.publish(websocket.AppointmentsTopic(w.Subject), "appointments.synced", appts)
	})
	w.Feed.OnChange(func(items []feed.Notification) {
		w.publish(websocket.FeedTopic(w.Subject), "feed.changed", items)
	})
	w.Beds.OnChange(func(beds []bed.Bed) {
		w.publish(websocket.TopicBeds, "beds.changed", bed.Summarize(beds))
	})
	if w.Health != nil {
		w.Health.OnChange(func(s systemhealth.Snapshot) {
			w.publish(websocket.TopicHealth, "health.changed", s)
		})
	}
}

// start launches the polling loops of w.
func (r *Registry) start(w *Workspace) {
	s := r.settings
	w.scope.Every(s.AppointmentPoll, true, func(ctx context.Context) {
		w.poll(ctx, "appointments", w.Appointments.Sync)
	})
	w.scope.Every(s.FeedPoll, true, func(ctx context.Context) {
		w.poll(ctx, "feed", func(ctx context.Context) error {
			if err := w.Feed.Sync(ctx); err != nil {
				return err
			}
			_, err := w.Feed.RetryPending(ctx)
			return err
		})
	})
	if w.Health != nil {
		w.scope.Every(s.HealthPoll, true, func(ctx context.Context) {
			w.poll(ctx, "health", func(ctx context.Context) error {
				_, err := w.Health.Poll(ctx)
				return err
			})
		})
	}
	w.scope.Go(func(ctx context.Context) error {
		w.poll(ctx, "billing", w.Billing.Refresh)
		if !w.isPatient() {
			w.poll(ctx, "beds", w.Beds.Sync)
		}
		return nil
	})
}

// Evict closes the workspace of subject. It returns immediately; the
// workspace's loops are awaited in the background since eviction is often
// triggered from inside one of them.
func (r *Registry) Evict(subject string) {
	r.mu.Lock()
	w, ok := r.spaces[subject]
	if ok {
		delete(r.spaces, subject)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	telemetry.WorkspaceClosed()
	r.logger.Info().Str("subject", subject).Msg("workspace evicted")
	go func() {
		if err := w.Close(); err != nil {
			r.logger.Warn().Err(err).Str("subject", subject).Msg("workspace close")
		}
	}()
}

func (r *Registry) evictIdle() {
	cutoff := r.now().Add(-r.settings.IdleTimeout)
	r.mu.Lock()
	var idle []string
	for subject, w := range r.spaces {
		if w.idleSince().Before(cutoff) {
			idle = append(idle, subject)
		}
	}
	r.mu.Unlock()
	for _, subject := range idle {
		r.Evict(subject)
	}
}

// Len returns the number of open workspaces.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spaces)
}

// Shutdown closes every workspace and waits for their loops.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	spaces := r.spaces
	r.spaces = make(map[string]*Workspace)
	r.mu.Unlock()

	for _, w := range spaces {
		_ = w.Close()
		telemetry.WorkspaceClosed()
	}
	return r.root.Close()
}

// ---------------------------------------------------------------------------
// Providers for the HTTP handlers
// ---------------------------------------------------------------------------

func (r *Registry) Appointments(ctx context.Context) (*appointment.Manager, error) {
	w, err := r.Open(ctx)
	if err != nil {
		return nil, err
	}
	return w.Appointments, nil
}

func (r *Registry) Billing(ctx context.Context) (*billing.Engine, error) {
	w, err := r.Open(ctx)
	if err != nil {
		return nil, err
	}
	return w.Billing, nil
}

func (r *Registry) Beds(ctx context.Context) (*bed.Coordinator, error) {
	w, err := r.Open(ctx)
	if err != nil {
		return nil, err
	}
	return w.Beds, nil
}

func (r *Registry) Feed(ctx context.Context) (*feed.Aggregator, error) {
	w, err := r.Open(ctx)
	if err != nil {
		return nil, err
	}
	return w.Feed, nil
}

func (r *Registry) Resolver(ctx context.Context, kind lookup.Kind) (*lookup.Resolver, error) {
	w, err := r.Open(ctx)
	if err != nil {
		return nil, err
	}
	return w.Resolver(kind)
}

func (r *Registry) Health(ctx context.Context) (*systemhealth.Monitor, error) {
	w, err := r.Open(ctx)
	if err != nil {
		return nil, err
	}
	if w.Health == nil {
		return nil, apperr.ErrForbidden.With("system health is available to administrators only", nil)
	}
	return w.Health, nil
}
