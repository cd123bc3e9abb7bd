package lookup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/opsdesk/internal/platform/apperr"
	"github.com/ehr/opsdesk/internal/platform/lifecycle"
)

// -- Mock Searcher --

type mockSearcher struct {
	mu    sync.Mutex
	calls []string
	gates map[string]chan struct{}
	err   error
}

func newMockSearcher() *mockSearcher {
	return &mockSearcher{gates: make(map[string]chan struct{})}
}

// hold makes searches for text block until release is called.
func (m *mockSearcher) hold(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gates[text] = make(chan struct{})
}

func (m *mockSearcher) release(text string) {
	m.mu.Lock()
	ch := m.gates[text]
	m.mu.Unlock()
	close(ch)
}

func (m *mockSearcher) Search(ctx context.Context, _ Kind, text string) ([]Candidate, error) {
	m.mu.Lock()
	m.calls = append(m.calls, text)
	gate := m.gates[text]
	err := m.err
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return []Candidate{{ID: "id-" + text, Label: "Result " + text}}, nil
}

func (m *mockSearcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockSearcher) lastCall() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return ""
	}
	return m.calls[len(m.calls)-1]
}

func newTestResolver(t *testing.T, s Searcher, quiet time.Duration) (*Resolver, *lifecycle.Scope) {
	t.Helper()
	scope := lifecycle.NewScope(context.Background())
	t.Cleanup(func() { _ = scope.Close() })
	return NewResolver(KindPatient, s, scope, zerolog.Nop(), WithQuiet(quiet)), scope
}

func TestResolver_DebouncesBurst(t *testing.T) {
	s := newMockSearcher()
	r, _ := newTestResolver(t, s, 50*time.Millisecond)

	r.Query("j")
	r.Query("jo")
	st := r.Query("joh")
	assert.True(t, st.Loading)

	require.Eventually(t, func() bool {
		st := r.State()
		return !st.Loading && len(st.Results) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, s.callCount())
	assert.Equal(t, "joh", s.lastCall())
	assert.Equal(t, "id-joh", r.State().Results[0].ID)
}

func TestResolver_LateStaleResponseDiscarded(t *testing.T) {
	s := newMockSearcher()
	s.hold("jo")
	s.hold("john")
	r, _ := newTestResolver(t, s, 10*time.Millisecond)

	r.Query("jo")
	require.Eventually(t, func() bool { return s.callCount() == 1 }, time.Second, 2*time.Millisecond)

	r.Query("john")
	require.Eventually(t, func() bool { return s.callCount() == 2 }, time.Second, 2*time.Millisecond)

	// newer response first, then the older one
	s.release("john")
	require.Eventually(t, func() bool { return !r.State().Loading }, time.Second, 2*time.Millisecond)
	s.release("jo")
	time.Sleep(20 * time.Millisecond)

	st := r.State()
	assert.Equal(t, "john", st.Text)
	require.Len(t, st.Results, 1)
	assert.Equal(t, "id-john", st.Results[0].ID)
}

func TestResolver_EmptyShortCircuits(t *testing.T) {
	s := newMockSearcher()
	s.hold("jo")
	r, _ := newTestResolver(t, s, 10*time.Millisecond)

	r.Query("jo")
	require.Eventually(t, func() bool { return s.callCount() == 1 }, time.Second, 2*time.Millisecond)

	st := r.Query("   ")
	assert.False(t, st.Loading)
	assert.Empty(t, st.Results)

	s.release("jo")
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.State().Results, "in-flight response must not resurrect results")
	assert.Equal(t, 1, s.callCount())
}

func TestResolver_Select(t *testing.T) {
	s := newMockSearcher()
	r, _ := newTestResolver(t, s, 5*time.Millisecond)

	r.Query("ann")
	require.Eventually(t, func() bool { return len(r.State().Results) == 1 }, time.Second, 2*time.Millisecond)

	_, err := r.Select("ann")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "free text is never a selection")

	sel, err := r.Select("id-ann")
	require.NoError(t, err)
	assert.Equal(t, Selection{Kind: KindPatient, ID: "id-ann", Label: "Result ann"}, sel)

	st := r.State()
	assert.Empty(t, st.Text)
	assert.Empty(t, st.Results)
}

func TestResolver_ClosedScopeDropsResponse(t *testing.T) {
	s := newMockSearcher()
	s.hold("bob")
	r, scope := newTestResolver(t, s, 5*time.Millisecond)

	r.Query("bob")
	require.Eventually(t, func() bool { return s.callCount() == 1 }, time.Second, 2*time.Millisecond)

	require.NoError(t, scope.Close())

	st := r.State()
	assert.True(t, st.Loading)
	assert.Empty(t, st.Results)
}

func TestResolver_ErrorBecomesNotice(t *testing.T) {
	s := newMockSearcher()
	s.err = apperr.Transient(fmt.Errorf("dial tcp: refused"))
	r, _ := newTestResolver(t, s, 5*time.Millisecond)

	var seen []State
	var mu sync.Mutex
	r.OnChange(func(st State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	r.Query("x")
	require.Eventually(t, func() bool { return r.State().Error != "" }, time.Second, 2*time.Millisecond)
	assert.Empty(t, r.State().Results)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, seen)
}

func TestArena(t *testing.T) {
	var a Arena
	t1 := a.Issue()
	t2 := a.Issue()
	assert.Greater(t, t2, t1)
	assert.False(t, a.IsLatest(t1))
	assert.True(t, a.IsLatest(t2))
	a.Invalidate()
	assert.False(t, a.IsLatest(t2))
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"patient": KindPatient, "patients": KindPatient, "Medicines": KindMedicine, "doctor": KindDoctor} {
		got, ok := ParseKind(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseKind("nurse")
	assert.False(t, ok)
}
