package bed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/opsdesk/internal/domain/billing"
	"github.com/ehr/opsdesk/internal/platform/apperr"
	"github.com/ehr/opsdesk/internal/platform/lifecycle"
	"github.com/ehr/opsdesk/internal/platform/session"
	"github.com/ehr/opsdesk/internal/platform/telemetry"
)

const (
	DefaultReleaseAttempts = 3
	DefaultReleaseBackoff  = 500 * time.Millisecond

	// confirmTimeout bounds the read-back after a request whose outcome is
	// unknown. It runs even when the caller has gone away.
	confirmTimeout = 10 * time.Second
)

// ChangeFunc observes every successful sync.
type ChangeFunc func(beds []Bed)

// ReleaseResult is the outcome of a release. Reconciliation is set when the
// release stopped halfway; Bill is nil when the bill's outcome is unknown.
type ReleaseResult struct {
	Bed            Bed             `json:"bed"`
	Bill           *billing.Bill   `json:"bill"`
	Reconciliation *Reconciliation `json:"reconciliation,omitempty"`
}

// Coordinator allocates and releases beds. A release always bills the stay
// before the bed is freed.
type Coordinator struct {
	gw      Gateway
	bills   BillCreator
	journal Journal
	logger  zerolog.Logger
	now     func() time.Time

	attempts int
	backoff  time.Duration

	locks *lifecycle.KeyedMutex

	mu        sync.RWMutex
	snapshot  []Bed
	synced    time.Time
	listeners []ChangeFunc
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRetry sets how often the bed flip is attempted after billing, and the
// linear backoff between attempts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if backoff >= 0 {
			c.backoff = backoff
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLocks shares the per-bed locks between coordinators of different
// workspaces, so two operators cannot bill the same stay twice.
func WithLocks(locks *lifecycle.KeyedMutex) Option {
	return func(c *Coordinator) {
		if locks != nil {
			c.locks = locks
		}
	}
}

func NewCoordinator(gw Gateway, bills BillCreator, journal Journal, logger zerolog.Logger, opts ...Option) *Coordinator {
	if journal == nil {
		journal = NewMemoryJournal()
	}
	c := &Coordinator{
		gw:       gw,
		bills:    bills,
		journal:  journal,
		logger:   logger.With().Str("component", "beds").Logger(),
		now:      time.Now,
		attempts: DefaultReleaseAttempts,
		backoff:  DefaultReleaseBackoff,
		locks:    &lifecycle.KeyedMutex{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnChange registers fn to run after every successful sync.
func (c *Coordinator) OnChange(fn ChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Sync replaces the snapshot with the system of record's beds. Records that
// break the occupancy invariant are normalized and logged.
func (c *Coordinator) Sync(ctx context.Context) error {
	beds, err := c.gw.List(ctx)
	if err != nil {
		return err
	}
	for i, b := range beds {
		if err := b.Validate(); err != nil {
			c.logger.Warn().Err(err).Str("bed_id", b.ID).Msg("normalizing bed record")
			beds[i] = b.Normalize()
		}
	}
	sort.SliceStable(beds, func(i, j int) bool { return beds[i].Number < beds[j].Number })

	c.mu.Lock()
	c.snapshot = beds
	c.synced = c.now()
	listeners := append([]ChangeFunc(nil), c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(c.Beds())
	}
	return nil
}

func (c *Coordinator) resyncQuietly(ctx context.Context) {
	if err := c.Sync(ctx); err != nil && !errors.Is(err, apperr.ErrUnauthorized) {
		c.logger.Warn().Err(err).Msg("bed resync failed")
	}
}

// lookup resyncs and returns the current record of bedID.
func (c *Coordinator) lookup(ctx context.Context, bedID string) (Bed, error) {
	if err := c.Sync(ctx); err != nil {
		return Bed{}, err
	}
	b, ok := c.Bed(bedID)
	if !ok {
		return Bed{}, apperr.NotFound("bed", bedID)
	}
	return b, nil
}

// Allocate assigns an Available bed to patientID.
func (c *Coordinator) Allocate(ctx context.Context, bedID, patientID string) (*Bed, error) {
	if bedID == "" {
		return nil, apperr.Validation("bed_id is required")
	}
	if patientID == "" {
		return nil, apperr.Validation("patient_id is required")
	}

	unlock := c.locks.Lock(bedID)
	defer unlock()

	current, err := c.lookup(ctx, bedID)
	if err != nil {
		return nil, err
	}
	next, err := Allocate(current, patientID, c.now())
	if err != nil {
		telemetry.RecordConflict(apperr.CodeOf(err))
		return nil, err
	}

	updated, err := c.gw.Allocate(ctx, bedID, patientID)
	if err != nil {
		// The request may have landed; the resynced record decides.
		cctx, cancel := detached(ctx)
		after, lerr := c.lookup(cctx, bedID)
		cancel()
		switch {
		case lerr == nil && after.Status == StatusOccupied && after.OccupantID == patientID:
			c.logger.Warn().Err(err).Str("bed_id", bedID).Str("patient_id", patientID).
				Msg("bed allocation failed but the bed is held by the patient")
			updated = &after
		case apperr.KindOf(err) == apperr.KindConflict || (lerr == nil && after.Status == StatusOccupied):
			telemetry.RecordConflict(apperr.ErrBedUnavailable.Code)
			return nil, apperr.ErrBedUnavailable.With("bed "+current.Number+" was taken", err)
		default:
			return nil, err
		}
		telemetry.RecordTransition("bed", string(StatusAvailable), string(StatusOccupied))
		return updated, nil
	}
	if updated == nil {
		updated = &next
	}

	telemetry.RecordTransition("bed", string(StatusAvailable), string(StatusOccupied))
	c.logger.Info().Str("bed_id", bedID).Str("patient_id", patientID).Msg("bed allocated")
	c.resyncQuietly(ctx)
	return updated, nil
}

// detached returns a context that outlives ctx's cancellation but keeps its
// values, bounded by confirmTimeout.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), confirmTimeout)
}

// outcomeUnknown reports whether err leaves open whether the remote write
// was applied.
func outcomeUnknown(err error) bool {
	return apperr.Retryable(err) ||
		errors.Is(err, apperr.ErrUnconfirmed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Release discharges the occupant of bedID. The stay bill is created first;
// if that fails the bed stays Occupied. A failed create whose outcome is
// unknown is checked against the patient's Pending bills: a matching bill
// lets the release go on, otherwise the bed is journaled for reconciliation.
// Once the bill exists the flip to Available is retried, and a flip that
// never succeeds is journaled and reported as ErrReconciliationRequired
// together with the persisted bill. A bed with an open entry is not
// released again until the entry is retried.
func (c *Coordinator) Release(ctx context.Context, bedID string) (*ReleaseResult, error) {
	if bedID == "" {
		return nil, apperr.Validation("bed_id is required")
	}

	unlock := c.locks.Lock(bedID)
	defer unlock()

	current, err := c.lookup(ctx, bedID)
	if err != nil {
		return nil, err
	}
	if _, err := Release(current); err != nil {
		telemetry.RecordConflict(apperr.ErrBedNotOccupied.Code)
		return nil, err
	}

	open, err := c.openEntry(ctx, current)
	if err != nil {
		return nil, err
	}
	if open != nil {
		telemetry.RecordConflict(apperr.ErrReconciliationRequired.Code)
		return &ReleaseResult{Bed: current, Reconciliation: open},
			apperr.ErrReconciliationRequired.With("bed "+current.Number+" has an open reconciliation "+open.ID, nil)
	}

	stay := current.Stay(c.now())
	bill, err := c.bills.CreateStayBill(ctx, stay)
	if err != nil {
		if !outcomeUnknown(err) {
			telemetry.RecordBedRelease("failed")
			c.logger.Warn().Err(err).Str("bed_id", bedID).Msg("stay bill failed, bed left occupied")
			return nil, err
		}
		found, ferr := c.confirmStayBill(ctx, stay)
		if found == nil {
			cause := "bill outcome unknown: " + err.Error()
			if ferr != nil {
				cause += "; lookup failed: " + ferr.Error()
			}
			entry := c.record(ctx, current, "", cause, 0)
			telemetry.RecordBedRelease("reconciliation")
			c.logger.Error().
				Err(err).
				Str("bed_id", bedID).
				Str("reconciliation_id", entry.ID).
				Msg("stay bill outcome unknown, bed left occupied")
			return &ReleaseResult{Bed: current, Reconciliation: entry},
				apperr.ErrReconciliationRequired.With("the stay bill for bed "+current.Number+" may or may not exist", err)
		}
		c.logger.Warn().Err(err).Str("bed_id", bedID).Str("bill_id", found.ID).Msg("stay bill found after failed create")
		bill = found
	}

	freed, attempts, err := c.flip(ctx, bedID)
	if err != nil {
		entry := c.record(ctx, current, bill.ID, err.Error(), attempts)
		telemetry.RecordBedRelease("reconciliation")
		c.logger.Error().
			Err(err).
			Str("bed_id", bedID).
			Str("bill_id", bill.ID).
			Str("reconciliation_id", entry.ID).
			Msg("bed billed but not released")
		c.resyncQuietly(ctx)
		return &ReleaseResult{Bed: current, Bill: bill, Reconciliation: entry},
			apperr.ErrReconciliationRequired.With("bill "+bill.ID+" was created but bed "+current.Number+" is still occupied", err)
	}

	telemetry.RecordBedRelease("released")
	telemetry.RecordTransition("bed", string(StatusOccupied), string(StatusAvailable))
	c.logger.Info().
		Str("bed_id", bedID).
		Str("patient_id", current.OccupantID).
		Str("bill_id", bill.ID).
		Msg("bed released")
	c.resyncQuietly(ctx)
	return &ReleaseResult{Bed: freed, Bill: bill}, nil
}

// openEntry returns the open journal entry for the current stay of b.
func (c *Coordinator) openEntry(ctx context.Context, b Bed) (*Reconciliation, error) {
	entries, err := c.journal.List(ctx, false)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].BedID == b.ID && entries[i].PatientID == b.OccupantID {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func (c *Coordinator) confirmStayBill(ctx context.Context, stay billing.Stay) (*billing.Bill, error) {
	cctx, cancel := detached(ctx)
	defer cancel()
	return c.bills.FindStayBill(cctx, stay)
}

// record journals a release that stopped halfway. A journal failure is
// logged; the returned entry then has no id.
func (c *Coordinator) record(ctx context.Context, b Bed, billID, cause string, attempts int) *Reconciliation {
	entry := &Reconciliation{
		BedID:     b.ID,
		BedNumber: b.Number,
		BillID:    billID,
		PatientID: b.OccupantID,
		Cause:     cause,
		Attempts:  attempts,
	}
	if cred, ok := session.FromContext(ctx); ok {
		entry.Subject = cred.Subject
	}
	if err := c.journal.Record(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.Error().Err(err).Str("bed_id", b.ID).Str("bill_id", billID).Msg("reconciliation journal write failed")
	}
	return entry
}

// flip frees the bed, retrying transient failures with linear backoff. It
// returns the number of attempts made.
func (c *Coordinator) flip(ctx context.Context, bedID string) (Bed, int, error) {
	var lastErr error
	attempt := 0
	for attempt < c.attempts {
		attempt++
		b, err := c.gw.Release(ctx, bedID)
		if err == nil {
			if b == nil {
				return Bed{ID: bedID, Status: StatusAvailable}, attempt, nil
			}
			return *b, attempt, nil
		}
		lastErr = err
		switch apperr.KindOf(err) {
		case apperr.KindUnauthorized, apperr.KindForbidden, apperr.KindValidation:
			return Bed{}, attempt, err
		}
		c.logger.Warn().Err(err).Str("bed_id", bedID).Int("attempt", attempt).Msg("bed release attempt failed")
		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return Bed{}, attempt, errors.Join(lastErr, ctx.Err())
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
	return Bed{}, attempt, lastErr
}

// RetryReconciliation attempts the bed flip of an open journal entry again.
// An entry without a bill first looks for the stay bill and creates it when
// none exists. The entry is resolved when the bed is found Available, or
// occupied by someone else, or the flip succeeds.
func (c *Coordinator) RetryReconciliation(ctx context.Context, id string) (*Reconciliation, error) {
	entry, err := c.journal.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !entry.Open() {
		return entry, nil
	}

	unlock := c.locks.Lock(entry.BedID)
	defer unlock()

	current, err := c.lookup(ctx, entry.BedID)
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}
	if err == nil && current.Status == StatusOccupied && current.OccupantID == entry.PatientID {
		if entry.BillID == "" {
			bill, berr := c.billStay(ctx, current.Stay(c.now()))
			if berr != nil {
				return nil, c.retryFailed(ctx, entry, "stay bill: "+berr.Error(), berr)
			}
			if aerr := c.journal.AttachBill(context.WithoutCancel(ctx), id, bill.ID); aerr != nil {
				return nil, aerr
			}
			c.logger.Info().Str("reconciliation_id", id).Str("bill_id", bill.ID).Msg("stay bill attached")
		}
		if _, _, ferr := c.flip(ctx, entry.BedID); ferr != nil {
			return nil, c.retryFailed(ctx, entry, ferr.Error(), ferr)
		}
		telemetry.RecordBedRelease("released")
		telemetry.RecordTransition("bed", string(StatusOccupied), string(StatusAvailable))
		c.resyncQuietly(ctx)
	} else if entry.BillID == "" {
		c.logger.Warn().Str("reconciliation_id", id).Str("bed_id", entry.BedID).Msg("bed moved on without a confirmed stay bill")
	}

	if err := c.journal.Resolve(ctx, id); err != nil {
		return nil, err
	}
	c.logger.Info().Str("reconciliation_id", id).Str("bed_id", entry.BedID).Msg("reconciliation resolved")
	return c.journal.Get(ctx, id)
}

// billStay returns the Pending bill of stay, creating it when the system of
// record has none. A create with an unknown outcome is read back once.
func (c *Coordinator) billStay(ctx context.Context, stay billing.Stay) (*billing.Bill, error) {
	found, err := c.bills.FindStayBill(ctx, stay)
	if err != nil {
		return nil, err
	}
	if found != nil {
		return found, nil
	}
	bill, err := c.bills.CreateStayBill(ctx, stay)
	if err == nil || !outcomeUnknown(err) {
		return bill, err
	}
	found, ferr := c.confirmStayBill(ctx, stay)
	if found != nil {
		return found, nil
	}
	return nil, errors.Join(err, ferr)
}

func (c *Coordinator) retryFailed(ctx context.Context, entry *Reconciliation, cause string, err error) error {
	if aerr := c.journal.Attempted(context.WithoutCancel(ctx), entry.ID, cause); aerr != nil {
		return aerr
	}
	telemetry.RecordBedRelease("reconciliation")
	return apperr.ErrReconciliationRequired.With("bed "+entry.BedNumber+" is still occupied", err)
}

// Reconciliations lists journal entries.
func (c *Coordinator) Reconciliations(ctx context.Context, includeResolved bool) ([]Reconciliation, error) {
	return c.journal.List(ctx, includeResolved)
}

// Beds returns a copy of the last-synced beds ordered by number.
func (c *Coordinator) Beds() []Bed {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Bed, len(c.snapshot))
	copy(out, c.snapshot)
	return out
}

// Bed returns the last-synced record of id.
func (c *Coordinator) Bed(id string) (Bed, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, b := range c.snapshot {
		if b.ID == id {
			return b, true
		}
	}
	return Bed{}, false
}

// Occupancy summarizes the last-synced beds.
func (c *Coordinator) Occupancy() Occupancy {
	return Summarize(c.Beds())
}

// SyncedAt is the time of the last successful Sync.
func (c *Coordinator) SyncedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.synced
}
