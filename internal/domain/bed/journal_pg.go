package bed

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/opsdesk/internal/platform/apperr"
)

type journalPG struct {
	pool *pgxpool.Pool
}

// NewPGJournal stores reconciliation entries in the bed_reconciliations
// table.
func NewPGJournal(pool *pgxpool.Pool) Journal {
	return &journalPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (j *journalPG) conn() querier { return j.pool }

const reconCols = `id, subject, bed_id, bed_number, bill_id, patient_id, cause, attempts,
	created_at, updated_at, resolved_at`

func (j *journalPG) scan(row pgx.Row) (*Reconciliation, error) {
	var r Reconciliation
	var id uuid.UUID
	err := row.Scan(&id, &r.Subject, &r.BedID, &r.BedNumber, &r.BillID, &r.PatientID, &r.Cause, &r.Attempts,
		&r.CreatedAt, &r.UpdatedAt, &r.ResolvedAt)
	if err != nil {
		return nil, err
	}
	r.ID = id.String()
	return &r, nil
}

// Record inserts r, or bumps the attempt count of the open entry for the
// same bed. A known bill id replaces an empty one.
func (j *journalPG) Record(ctx context.Context, r *Reconciliation) error {
	id := uuid.New()
	row := j.conn().QueryRow(ctx, `
		INSERT INTO bed_reconciliations (id, subject, bed_id, bed_number, bill_id, patient_id, cause, attempts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (bed_id) WHERE resolved_at IS NULL
		DO UPDATE SET attempts = bed_reconciliations.attempts + 1,
		              bill_id = COALESCE(NULLIF(EXCLUDED.bill_id, ''), bed_reconciliations.bill_id),
		              cause = EXCLUDED.cause,
		              updated_at = NOW()
		RETURNING `+reconCols,
		id, r.Subject, r.BedID, r.BedNumber, r.BillID, r.PatientID, r.Cause, r.Attempts,
	)
	saved, err := j.scan(row)
	if err != nil {
		return err
	}
	*r = *saved
	return nil
}

func (j *journalPG) Get(ctx context.Context, id string) (*Reconciliation, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, apperr.NotFound("reconciliation", id)
	}
	r, err := j.scan(j.conn().QueryRow(ctx, `SELECT `+reconCols+` FROM bed_reconciliations WHERE id = $1`, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("reconciliation", id)
	}
	return r, err
}

func (j *journalPG) List(ctx context.Context, includeResolved bool) ([]Reconciliation, error) {
	query := `SELECT ` + reconCols + ` FROM bed_reconciliations`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at`

	rows, err := j.conn().Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reconciliation
	for rows.Next() {
		r, err := j.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (j *journalPG) Attempted(ctx context.Context, id, cause string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return apperr.NotFound("reconciliation", id)
	}
	tag, err := j.conn().Exec(ctx, `
		UPDATE bed_reconciliations SET attempts = attempts + 1, cause = $2, updated_at = NOW()
		WHERE id = $1`, uid, cause)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("reconciliation", id)
	}
	return nil
}

func (j *journalPG) AttachBill(ctx context.Context, id, billID string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return apperr.NotFound("reconciliation", id)
	}
	tag, err := j.conn().Exec(ctx, `
		UPDATE bed_reconciliations SET bill_id = $2, updated_at = NOW()
		WHERE id = $1`, uid, billID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("reconciliation", id)
	}
	return nil
}

func (j *journalPG) Resolve(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return apperr.NotFound("reconciliation", id)
	}
	tag, err := j.conn().Exec(ctx, `
		UPDATE bed_reconciliations SET resolved_at = COALESCE(resolved_at, NOW()), updated_at = NOW()
		WHERE id = $1`, uid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("reconciliation", id)
	}
	return nil
}
