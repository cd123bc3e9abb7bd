package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/opsdesk/internal/platform/apperr"
)

// UnauthorizedFunc reacts to a rejected credential, typically by dropping
// the local state that belonged to it.
type UnauthorizedFunc func(cred Credential)

// Manager is the single place where an unauthorized outcome is handled.
// Every network-calling component reports rejections here instead of
// checking for them ad hoc.
type Manager struct {
	mu       sync.RWMutex
	handlers []UnauthorizedFunc
	logger   zerolog.Logger
	now      func() time.Time
}

// NewManager creates a Manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		logger: logger.With().Str("component", "session").Logger(),
		now:    time.Now,
	}
}

// OnUnauthorized registers fn to run whenever a credential is rejected.
func (m *Manager) OnUnauthorized(fn UnauthorizedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Unauthorized runs every registered handler for cred and returns the error
// the caller should surface.
func (m *Manager) Unauthorized(cred Credential, cause error) error {
	m.mu.RLock()
	handlers := make([]UnauthorizedFunc, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	m.logger.Warn().
		Str("subject", cred.Subject).
		AnErr("cause", cause).
		Msg("credential rejected; clearing session state")

	for _, h := range handlers {
		h(cred)
	}
	return apperr.ErrUnauthorized.With("session expired, please sign in again", cause)
}

// Authorize returns the credential carried by ctx, or handles the missing or
// expired credential before any network call is attempted.
func (m *Manager) Authorize(ctx context.Context) (Credential, error) {
	cred, ok := FromContext(ctx)
	if !ok || cred.Token == "" {
		return Credential{}, apperr.ErrUnauthorized.With("missing credential", nil)
	}
	if cred.Expired(m.now()) {
		return Credential{}, m.Unauthorized(cred, nil)
	}
	return cred, nil
}
