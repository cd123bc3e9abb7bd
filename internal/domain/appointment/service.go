package appointment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/opsdesk/internal/platform/apperr"
	"github.com/ehr/opsdesk/internal/platform/telemetry"
)

// ChangeFunc observes every successful sync.
type ChangeFunc func(appts []Appointment)

// Manager holds the last-synced appointment collection and is the only
// path through which appointment status changes.
type Manager struct {
	gw     Gateway
	filter Filter
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	snapshot  []Appointment
	synced    time.Time
	listeners []ChangeFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithFilter restricts the synced collection.
func WithFilter(f Filter) Option {
	return func(m *Manager) { m.filter = f }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(gw Gateway, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		gw:     gw,
		logger: logger.With().Str("component", "appointments").Logger(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnChange registers fn to run after every successful sync.
func (m *Manager) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Sync replaces the snapshot with the system of record's collection.
func (m *Manager) Sync(ctx context.Context) error {
	appts, err := m.gw.List(ctx, m.filter)
	if err != nil {
		return err
	}
	sortByTime(appts)

	m.mu.Lock()
	m.snapshot = appts
	m.synced = m.now()
	listeners := append([]ChangeFunc(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(copyOf(appts))
	}
	return nil
}

func (m *Manager) resyncQuietly(ctx context.Context) {
	if err := m.Sync(ctx); err != nil && !errors.Is(err, apperr.ErrUnauthorized) {
		m.logger.Warn().Err(err).Msg("appointment resync failed")
	}
}

// Transition applies action to the appointment with id. Illegal actions
// fail with ErrInvalidTransition without touching the snapshot; a resync
// still follows since a stale snapshot may have prompted the attempt.
func (m *Manager) Transition(ctx context.Context, id string, action Action) (*Appointment, error) {
	current, ok := m.Get(id)
	if !ok {
		if err := m.Sync(ctx); err != nil {
			return nil, err
		}
		if current, ok = m.Get(id); !ok {
			return nil, apperr.NotFound("appointment", id)
		}
	}

	next, err := Next(current.Status, action)
	if err != nil {
		telemetry.RecordConflict(apperr.ErrInvalidTransition.Code)
		m.logger.Info().
			Str("appointment_id", id).
			Str("status", string(current.Status)).
			Str("action", string(action)).
			Msg("rejected illegal transition")
		m.resyncQuietly(ctx)
		return nil, err
	}

	updated, err := m.gw.UpdateStatus(ctx, id, next)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			telemetry.RecordConflict(apperr.ErrInvalidTransition.Code)
			m.resyncQuietly(ctx)
			return nil, apperr.ErrInvalidTransition.With("appointment changed on the server", err)
		}
		return nil, err
	}

	telemetry.RecordTransition("appointment", string(current.Status), string(next))
	m.logger.Info().
		Str("appointment_id", id).
		Str("from", string(current.Status)).
		Str("to", string(next)).
		Msg("appointment transitioned")
	m.resyncQuietly(ctx)
	if updated == nil {
		current.Status = next
		if fresh, ok := m.Get(id); ok {
			current = fresh
		}
		updated = &current
	}
	return updated, nil
}

func (m *Manager) Approve(ctx context.Context, id string) (*Appointment, error) {
	return m.Transition(ctx, id, ActionApprove)
}

func (m *Manager) Reject(ctx context.Context, id string) (*Appointment, error) {
	return m.Transition(ctx, id, ActionReject)
}

func (m *Manager) Complete(ctx context.Context, id string) (*Appointment, error) {
	return m.Transition(ctx, id, ActionComplete)
}

func (m *Manager) Cancel(ctx context.Context, id string) (*Appointment, error) {
	return m.Transition(ctx, id, ActionCancel)
}

// Create books an appointment. Requests made by the patient start as
// Requested; staff bookings start as Scheduled.
func (m *Manager) Create(ctx context.Context, d Draft, byPatient bool) (*Appointment, error) {
	if err := d.Validate(m.now()); err != nil {
		return nil, err
	}
	status := StatusScheduled
	if byPatient {
		status = StatusRequested
	}

	appt, err := m.gw.Create(ctx, d, status)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			telemetry.RecordConflict(apperr.ErrAppointmentConflict.Code)
			return nil, apperr.ErrAppointmentConflict.With("doctor is not available at this time", err)
		}
		if errors.Is(err, apperr.ErrUnconfirmed) {
			// The request may have landed; show what the system of record holds.
			m.resyncQuietly(ctx)
		}
		return nil, err
	}
	m.logger.Info().
		Str("appointment_id", appt.ID).
		Str("doctor_id", d.DoctorID).
		Str("status", string(status)).
		Msg("appointment created")
	m.resyncQuietly(ctx)
	return appt, nil
}

// Get returns the appointment with id from the snapshot.
func (m *Manager) Get(id string) (Appointment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.snapshot {
		if a.ID == id {
			return a, true
		}
	}
	return Appointment{}, false
}

// Snapshot returns a copy of the last-synced collection.
func (m *Manager) Snapshot() []Appointment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyOf(m.snapshot)
}

// SyncedAt is the time of the last successful sync.
func (m *Manager) SyncedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.synced
}

func (m *Manager) Today() []Appointment { return Today(m.Snapshot(), m.now()) }

func (m *Manager) Upcoming(limit int) []Appointment {
	return Upcoming(m.Snapshot(), m.now(), limit)
}

func (m *Manager) Pending() []Appointment { return Pending(m.Snapshot()) }

func (m *Manager) Stats() DayStats { return Stats(m.Snapshot(), m.now()) }

func copyOf(appts []Appointment) []Appointment {
	out := make([]Appointment, len(appts))
	copy(out, appts)
	return out
}
