package billing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/opsdesk/internal/platform/apperr"
	"github.com/ehr/opsdesk/internal/platform/lifecycle"
	"github.com/ehr/opsdesk/internal/platform/telemetry"
)

// Engine computes itemized totals and drives bills through Pending and Paid.
// It keeps the last-synced bill collection for projections.
type Engine struct {
	gw     Gateway
	rates  Rates
	logger zerolog.Logger
	now    func() time.Time

	// patientID restricts Refresh to one patient's bills.
	patientID string

	// locks serializes Edit and Settle per bill id.
	locks *lifecycle.KeyedMutex

	mu       sync.RWMutex
	snapshot []Bill
	synced   time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPatientScope limits the synced collection to one patient.
func WithPatientScope(patientID string) Option {
	return func(e *Engine) { e.patientID = patientID }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocks shares the per-bill locks between engines of different
// workspaces, so one bill is never paid twice.
func WithLocks(locks *lifecycle.KeyedMutex) Option {
	return func(e *Engine) {
		if locks != nil {
			e.locks = locks
		}
	}
}

func NewEngine(gw Gateway, rates Rates, logger zerolog.Logger, opts ...Option) *Engine {
	if rates == nil {
		rates = DefaultRates()
	}
	e := &Engine{
		gw:     gw,
		rates:  rates,
		logger: logger.With().Str("component", "billing").Logger(),
		now:    time.Now,
		locks:  &lifecycle.KeyedMutex{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// CreateInvoice persists a Pending bill for patientID.
func (e *Engine) CreateInvoice(ctx context.Context, patientID string, items []LineItem) (*Bill, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, apperr.Validation("patient_id is required")
	}
	if len(items) == 0 {
		return nil, apperr.Validation("at least one item is required")
	}
	total, err := Total(items)
	if err != nil {
		return nil, err
	}

	bill, err := e.gw.Create(ctx, Draft{PatientID: patientID, Items: items, Amount: total, Source: SourceInvoice})
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("bill_id", bill.ID).Str("patient_id", patientID).Str("amount", total.String()).Msg("invoice created")
	e.refreshQuietly(ctx)
	return bill, nil
}

// Edit replaces the items of a Pending bill and re-derives its amount.
func (e *Engine) Edit(ctx context.Context, id string, items []LineItem) (*Bill, error) {
	if len(items) == 0 {
		return nil, apperr.Validation("at least one item is required")
	}
	total, err := Total(items)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	current, err := e.gw.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusPaid {
		telemetry.RecordConflict(apperr.ErrBillImmutable.Code)
		return nil, apperr.ErrBillImmutable.With("bill "+id+" is already paid", nil)
	}

	bill, err := e.gw.Update(ctx, id, items, total)
	if err != nil {
		return nil, err
	}
	e.refreshQuietly(ctx)
	return bill, nil
}

// Settle marks a bill Paid. The current bill is read from the system of
// record first: an already Paid bill is returned unchanged without a remote
// call, and a bill whose amount disagrees with its items is refused.
func (e *Engine) Settle(ctx context.Context, id string) (*Bill, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	current, err := e.gw.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusPaid {
		e.logger.Debug().Str("bill_id", id).Msg("bill already paid")
		return current, nil
	}
	if !current.Consistent() {
		telemetry.RecordConflict(apperr.ErrAmountMismatch.Code)
		return nil, apperr.ErrAmountMismatch.With("bill "+id+" amount does not match its items", nil)
	}

	bill, err := e.gw.Settle(ctx, id)
	if err != nil {
		return nil, err
	}
	telemetry.RecordTransition("bill", string(StatusPending), string(StatusPaid))
	e.logger.Info().Str("bill_id", id).Str("amount", current.Amount.String()).Msg("bill settled")
	e.refreshQuietly(ctx)
	return bill, nil
}

// Proceed edits a Pending bill and settles it, the front desk's single
// "proceed to payment" action.
func (e *Engine) Proceed(ctx context.Context, id string, items []LineItem) (*Bill, error) {
	if _, err := e.Edit(ctx, id, items); err != nil {
		return nil, err
	}
	return e.Settle(ctx, id)
}

// StayBill returns the items and total for a bed stay.
func (e *Engine) StayBill(stay Stay) ([]LineItem, Amount) {
	items := e.rates.StayItems(stay)
	total, _ := Total(items)
	return items, total
}

// CreateStayBill persists a Pending bill for a bed stay.
func (e *Engine) CreateStayBill(ctx context.Context, stay Stay) (*Bill, error) {
	if stay.PatientID == "" {
		return nil, apperr.Validation("stay has no patient")
	}
	if stay.Until.IsZero() {
		stay.Until = e.now()
	}
	items := e.rates.StayItems(stay)
	total, err := Total(items)
	if err != nil {
		return nil, err
	}
	bill, err := e.gw.Create(ctx, Draft{PatientID: stay.PatientID, Items: items, Amount: total, Source: SourceBedStay})
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("bill_id", bill.ID).
		Str("bed_id", stay.BedID).
		Str("patient_id", stay.PatientID).
		Str("amount", total.String()).
		Msg("stay bill created")
	return bill, nil
}

// FindStayBill asks the system of record for the Pending bill of stay. It
// returns nil when there is none. With several candidates the newest wins.
func (e *Engine) FindStayBill(ctx context.Context, stay Stay) (*Bill, error) {
	if stay.PatientID == "" {
		return nil, apperr.Validation("stay has no patient")
	}
	bills, err := e.gw.ListByPatient(ctx, stay.PatientID)
	if err != nil {
		return nil, err
	}
	var found *Bill
	for i := range bills {
		b := &bills[i]
		if !b.BillsStay(stay) {
			continue
		}
		if found == nil || b.CreatedAt.After(found.CreatedAt) {
			found = b
		}
	}
	return found, nil
}

// Refresh replaces the snapshot with the system of record's bills.
func (e *Engine) Refresh(ctx context.Context) error {
	var (
		bills []Bill
		err   error
	)
	if e.patientID != "" {
		bills, err = e.gw.ListByPatient(ctx, e.patientID)
	} else {
		bills, err = e.gw.List(ctx)
	}
	if err != nil {
		return err
	}
	SortNewestFirst(bills)

	e.mu.Lock()
	e.snapshot = bills
	e.synced = e.now()
	e.mu.Unlock()
	return nil
}

// refreshQuietly resyncs after a successful mutation. The mutation already
// succeeded, so a failed refresh is logged rather than returned.
func (e *Engine) refreshQuietly(ctx context.Context) {
	if err := e.Refresh(ctx); err != nil && !errors.Is(err, apperr.ErrUnauthorized) {
		e.logger.Warn().Err(err).Msg("bill refresh failed")
	}
}

// Bills returns a copy of the last-synced bills, newest first.
func (e *Engine) Bills() []Bill {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Bill, len(e.snapshot))
	copy(out, e.snapshot)
	return out
}

// Bill reads the current bill from the system of record.
func (e *Engine) Bill(ctx context.Context, id string) (*Bill, error) {
	return e.gw.Get(ctx, id)
}

// ForPatient returns the last-synced bills for patientID.
func (e *Engine) ForPatient(patientID string) []Bill {
	var out []Bill
	for _, b := range e.Bills() {
		if b.PatientID == patientID {
			out = append(out, b)
		}
	}
	return out
}

// Revenue totals the Paid bills created on day.
func (e *Engine) Revenue(day time.Time) Amount {
	return Revenue(e.Bills(), day)
}

// Pending returns the last-synced bills still awaiting payment.
func (e *Engine) Pending() []Bill {
	var out []Bill
	for _, b := range e.Bills() {
		if b.Status == StatusPending {
			out = append(out, b)
		}
	}
	return out
}

// SyncedAt is the time of the last successful Refresh.
func (e *Engine) SyncedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.synced
}
