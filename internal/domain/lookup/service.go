package lookup

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/opsdesk/internal/platform/apperr"
	"github.com/ehr/opsdesk/internal/platform/lifecycle"
	"github.com/ehr/opsdesk/internal/platform/telemetry"
)

// DefaultQuiet is the debounce window.
const DefaultQuiet = 300 * time.Millisecond

// ChangeFunc observes every state change.
type ChangeFunc func(State)

// Resolver debounces query text for one kind and applies only the response
// to the most recently issued request.
type Resolver struct {
	kind   Kind
	search Searcher
	quiet  time.Duration
	scope  *lifecycle.Scope
	logger zerolog.Logger
	now    func() time.Time

	arena Arena

	mu        sync.Mutex
	timer     *time.Timer
	pending   uint64
	state     State
	listeners []ChangeFunc
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithQuiet overrides the debounce window.
func WithQuiet(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.quiet = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver returns a resolver whose requests run in scope. Closing the
// scope discards any response still in flight.
func NewResolver(kind Kind, search Searcher, scope *lifecycle.Scope, logger zerolog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		kind:   kind,
		search: search,
		quiet:  DefaultQuiet,
		scope:  scope,
		logger: logger.With().Str("component", "lookup").Str("kind", string(kind)).Logger(),
		now:    time.Now,
	}
	r.state = State{Kind: kind, Results: []Candidate{}}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Kind returns the searched kind.
func (r *Resolver) Kind() Kind { return r.kind }

// OnChange registers fn to run after every state change.
func (r *Resolver) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Query records new text. A request is issued once the text has been stable
// for the quiet period. Changed text makes every in-flight request stale,
// and empty text also clears the results at once.
func (r *Resolver) Query(text string) State {
	text = strings.TrimSpace(text)

	r.mu.Lock()
	r.stopLocked()
	if text == "" {
		r.arena.Invalidate()
		r.state = State{Kind: r.kind, Results: []Candidate{}, UpdatedAt: r.now()}
		st := r.state
		r.mu.Unlock()
		r.publish(st)
		return st
	}
	if text != r.state.Text {
		r.arena.Invalidate()
	}
	r.state.Text = text
	r.state.Loading = true
	r.state.Error = ""
	gen := r.pending
	r.timer = time.AfterFunc(r.quiet, func() { r.fire(gen) })
	st := r.snapshotLocked()
	r.mu.Unlock()
	return st
}

// fire issues the request for the current text, unless the timer of
// generation gen was superseded while it was firing.
func (r *Resolver) fire(gen uint64) {
	if !r.scope.Relevant() {
		return
	}
	r.mu.Lock()
	if gen != r.pending || r.state.Text == "" {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	text := r.state.Text
	token := r.arena.Issue()
	r.mu.Unlock()

	r.scope.Go(func(ctx context.Context) error {
		results, err := r.search.Search(ctx, r.kind, text)
		r.apply(token, text, results, err)
		return nil
	})
}

func (r *Resolver) apply(token uint64, text string, results []Candidate, err error) {
	if !r.scope.Relevant() {
		telemetry.RecordStaleResponse("lookup_closed")
		return
	}
	r.mu.Lock()
	if !r.arena.IsLatest(token) {
		r.mu.Unlock()
		telemetry.RecordStaleResponse("lookup_" + string(r.kind))
		r.logger.Debug().Str("text", text).Uint64("token", token).Msg("stale lookup response dropped")
		return
	}
	r.state.Loading = false
	r.state.UpdatedAt = r.now()
	if err != nil {
		r.state.Results = []Candidate{}
		r.state.Error = apperr.NoticeFor(err).Error
		r.logger.Warn().Err(err).Str("text", text).Msg("lookup failed")
	} else {
		if results == nil {
			results = []Candidate{}
		}
		r.state.Results = results
		r.state.Error = ""
	}
	st := r.snapshotLocked()
	r.mu.Unlock()
	r.publish(st)
}

// Select resolves id against the displayed results and clears the query.
// Only a displayed candidate can be selected.
func (r *Resolver) Select(id string) (Selection, error) {
	r.mu.Lock()
	var found *Candidate
	for i := range r.state.Results {
		if r.state.Results[i].ID == id {
			found = &r.state.Results[i]
			break
		}
	}
	if found == nil {
		r.mu.Unlock()
		return Selection{}, apperr.NotFound(string(r.kind), id)
	}
	sel := Selection{Kind: r.kind, ID: found.ID, Label: found.Label}
	r.stopLocked()
	r.arena.Invalidate()
	r.state = State{Kind: r.kind, Results: []Candidate{}, UpdatedAt: r.now()}
	st := r.state
	r.mu.Unlock()
	r.publish(st)
	return sel, nil
}

// Clear drops the query and any in-flight request.
func (r *Resolver) Clear() State {
	return r.Query("")
}

// State returns the current search state.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Close stops the pending timer and discards in-flight responses.
func (r *Resolver) Close() {
	r.mu.Lock()
	r.stopLocked()
	r.arena.Invalidate()
	r.mu.Unlock()
}

// stopLocked cancels the pending timer. A timer already firing sees the new
// generation and does nothing.
func (r *Resolver) stopLocked() {
	r.pending++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Resolver) snapshotLocked() State {
	st := r.state
	st.Results = append([]Candidate{}, r.state.Results...)
	return st
}

func (r *Resolver) publish(st State) {
	r.mu.Lock()
	listeners := append([]ChangeFunc(nil), r.listeners...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}
