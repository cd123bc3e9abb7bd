package appointment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/opsdesk/internal/platform/apperr"
)

// -- Mock Gateway --

type mockGateway struct {
	mu        sync.Mutex
	items     map[string]*Appointment
	lists     int
	updates   int
	createErr error
	updateErr error
}

func newMockGateway(appts ...Appointment) *mockGateway {
	m := &mockGateway{items: make(map[string]*Appointment)}
	for i := range appts {
		a := appts[i]
		m.items[a.ID] = &a
	}
	return m
}

func (m *mockGateway) List(_ context.Context, f Filter) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	var out []Appointment
	for _, a := range m.items {
		if f.DoctorID != "" && a.DoctorID != f.DoctorID {
			continue
		}
		if f.PatientID != "" && a.PatientID != f.PatientID {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (m *mockGateway) Create(_ context.Context, d Draft, status Status) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	a := &Appointment{
		ID: uuid.New().String(), PatientID: d.PatientID, DoctorID: d.DoctorID,
		DateTime: d.DateTime, Reason: d.Reason, Modality: d.Modality, Status: status,
		CreatedAt: time.Now(),
	}
	m.items[a.ID] = a
	cp := *a
	return &cp, nil
}

func (m *mockGateway) UpdateStatus(_ context.Context, id string, status Status) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	a, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("appointment", id)
	}
	a.Status = status
	cp := *a
	return &cp, nil
}

func (m *mockGateway) set(id string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id].Status = status
}

var testNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(appts ...Appointment) (*Manager, *mockGateway) {
	gw := newMockGateway(appts...)
	m := NewManager(gw, zerolog.Nop(), WithClock(func() time.Time { return testNow }))
	return m, gw
}

func TestManager_ApproveResyncs(t *testing.T) {
	m, gw := newTestManager(Appointment{ID: "a1", PatientID: "P-1", Status: StatusRequested, DateTime: testNow.Add(time.Hour)})
	require.NoError(t, m.Sync(context.Background()))
	listsBefore := gw.lists

	appt, err := m.Approve(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, listsBefore+1, gw.lists, "every successful transition is followed by a full resync")

	snap, ok := m.Get("a1")
	require.True(t, ok)
	assert.Equal(t, StatusScheduled, snap.Status)
}

func TestManager_IllegalTransitionDoesNotMutate(t *testing.T) {
	m, gw := newTestManager(Appointment{ID: "a1", Status: StatusCompleted})
	require.NoError(t, m.Sync(context.Background()))
	listsBefore := gw.lists

	_, err := m.Transition(context.Background(), "a1", ActionApprove)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Zero(t, gw.updates, "illegal transitions never reach the remote")
	assert.Equal(t, listsBefore+1, gw.lists, "a resync still follows")

	snap, _ := m.Get("a1")
	assert.Equal(t, StatusCompleted, snap.Status)
}

func TestManager_StaleSnapshotResolvedByResync(t *testing.T) {
	m, gw := newTestManager(Appointment{ID: "a1", Status: StatusRequested})
	require.NoError(t, m.Sync(context.Background()))

	// Another operator rejected it meanwhile; the remote refuses.
	gw.set("a1", StatusCancelled)
	gw.updateErr = apperr.ErrConflict

	_, err := m.Approve(context.Background(), "a1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	snap, _ := m.Get("a1")
	assert.Equal(t, StatusCancelled, snap.Status, "resync pulls the canonical status")
}

func TestManager_TransitionUnknownIDSyncsFirst(t *testing.T) {
	m, _ := newTestManager(Appointment{ID: "a1", Status: StatusScheduled})

	appt, err := m.Complete(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, appt.Status)

	_, err = m.Cancel(context.Background(), "nope")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestManager_TransitionSurfacesTransient(t *testing.T) {
	m, gw := newTestManager(Appointment{ID: "a1", Status: StatusScheduled})
	require.NoError(t, m.Sync(context.Background()))
	gw.updateErr = apperr.Transient(assert.AnError)

	_, err := m.Cancel(context.Background(), "a1")
	assert.True(t, apperr.Retryable(err))
}

func TestManager_CreateStatusByCreator(t *testing.T) {
	m, _ := newTestManager()
	d := Draft{PatientID: "P-1", DoctorID: "D-1", DateTime: testNow.Add(24 * time.Hour), Reason: "Checkup", Modality: ModalityInPerson}

	byPatient, err := m.Create(context.Background(), d, true)
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, byPatient.Status)

	byStaff, err := m.Create(context.Background(), d, false)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, byStaff.Status)

	assert.Len(t, m.Pending(), 1)
}

func TestManager_CreateConflict(t *testing.T) {
	m, gw := newTestManager()
	gw.createErr = apperr.ErrConflict.With("slot taken", nil)
	d := Draft{PatientID: "P-1", DoctorID: "D-1", DateTime: testNow.Add(time.Hour), Reason: "Checkup", Modality: ModalityVirtual}

	_, err := m.Create(context.Background(), d, false)
	assert.ErrorIs(t, err, apperr.ErrAppointmentConflict)
}

func TestManager_CreateUnconfirmedResyncs(t *testing.T) {
	m, gw := newTestManager()
	gw.createErr = apperr.ErrUnconfirmed.With("the appointment was accepted without an id", nil)
	d := Draft{PatientID: "P-1", DoctorID: "D-1", DateTime: testNow.Add(time.Hour), Reason: "Checkup", Modality: ModalityVirtual}

	_, err := m.Create(context.Background(), d, true)
	assert.ErrorIs(t, err, apperr.ErrUnconfirmed)
	assert.Equal(t, 1, gw.lists)
}

func TestManager_CreateValidatesLocally(t *testing.T) {
	m, gw := newTestManager()
	_, err := m.Create(context.Background(), Draft{PatientID: "P-1"}, true)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Empty(t, gw.items)
}

func TestManager_OnChangeReceivesSnapshot(t *testing.T) {
	m, _ := newTestManager(
		Appointment{ID: "a1", Status: StatusRequested},
		Appointment{ID: "a2", Status: StatusScheduled},
	)
	var got []Appointment
	m.OnChange(func(appts []Appointment) { got = appts })

	require.NoError(t, m.Sync(context.Background()))
	assert.Len(t, got, 2)
	assert.Equal(t, testNow, m.SyncedAt())
}

func TestManager_FilterApplied(t *testing.T) {
	gw := newMockGateway(
		Appointment{ID: "a1", DoctorID: "D-1"},
		Appointment{ID: "a2", DoctorID: "D-2"},
	)
	m := NewManager(gw, zerolog.Nop(), WithFilter(Filter{DoctorID: "D-2"}))
	require.NoError(t, m.Sync(context.Background()))
	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "a2", snap[0].ID)
}
