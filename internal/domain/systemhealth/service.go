package systemhealth

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/opsdesk/internal/platform/apperr"
)

// DefaultInterval is how often admin workspaces poll.
const DefaultInterval = 5 * time.Second

// ChangeFunc observes every new snapshot.
type ChangeFunc func(Snapshot)

// Monitor keeps the latest health snapshot of the system of record.
type Monitor struct {
	src    Source
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeFunc
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(src Source, logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		src:    src,
		logger: logger.With().Str("component", "systemhealth").Logger(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnChange registers fn to run after every poll.
func (m *Monitor) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Poll reads the remote health once. A transient failure is recorded in the
// snapshot rather than returned; unauthorized and forbidden are returned.
func (m *Monitor) Poll(ctx context.Context) (Snapshot, error) {
	snap, err := m.src.Health(ctx)
	now := m.now()
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindUnauthorized, apperr.KindForbidden:
			return m.Snapshot(), err
		}
		if ctx.Err() != nil {
			return m.Snapshot(), ctx.Err()
		}
		snap = m.Snapshot()
		snap.Reachable = false
		snap.Error = apperr.NoticeFor(err).Error
	} else {
		snap.Reachable = true
		snap.Error = ""
	}
	snap.CheckedAt = now

	m.mu.Lock()
	prev := m.snapshot
	m.snapshot = snap
	listeners := append([]ChangeFunc(nil), m.listeners...)
	m.mu.Unlock()

	if prev.Status() != snap.Status() {
		ev := m.logger.Info()
		if snap.Status() == "degraded" {
			ev = m.logger.Warn().Strs("reasons", snap.Degraded())
		}
		ev.Str("status", snap.Status()).Msg("system health changed")
	}
	for _, fn := range listeners {
		fn(snap)
	}
	return snap, nil
}

// Snapshot returns the latest observation.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
