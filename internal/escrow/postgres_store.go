package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, external_ref, milestone_id, amount_cents, status,
	       pending_action, pending_cents, pending_actor, intent_ref, failure_reason, flagged_at,
	       created_at, funded_at, released_at, refunded_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, external_ref, milestone_id, amount_cents, status,
			pending_action, pending_cents, pending_actor, intent_ref, failure_reason, flagged_at,
			created_at, funded_at, released_at, refunded_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16
		)`,
		e.ID, e.ExternalRef, e.MilestoneID, e.AmountCents, string(e.Status),
		string(e.PendingAction), e.PendingCents, e.PendingActor, nullString(e.IntentRef),
		nullString(e.FailureReason), nullTime(e.FlaggedAt),
		e.CreatedAt, nullTime(e.FundedAt), nullTime(e.ReleasedAt), nullTime(e.RefundedAt), e.UpdatedAt,
	)
	// The partial unique index on milestone_id (non-terminal statuses only)
	// enforces at most one active escrow per milestone.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrMilestoneBusy
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByExternalRef(ctx context.Context, ref string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE external_ref = $1`, ref)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, fields StatusFields) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE escrows SET
			status = $3,
			funded_at = COALESCE($4, funded_at),
			released_at = COALESCE($5, released_at),
			refunded_at = COALESCE($6, refunded_at),
			failure_reason = COALESCE(NULLIF($7, ''), failure_reason),
			pending_action = CASE WHEN $8 THEN '' ELSE pending_action END,
			pending_cents = CASE WHEN $8 THEN 0 ELSE pending_cents END,
			pending_actor = CASE WHEN $8 THEN '' ELSE pending_actor END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+escrowColumns,
		id, string(from), string(to),
		nullTime(fields.FundedAt), nullTime(fields.ReleasedAt), nullTime(fields.RefundedAt),
		fields.FailureReason, fields.ClearPending,
	)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, p.conflictOrMissing(ctx, id)
	}
	return e, err
}

func (p *PostgresStore) SetPayinIntent(ctx context.Context, id, intentRef string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE escrows SET intent_ref = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'created'
		RETURNING `+escrowColumns,
		id, intentRef,
	)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, p.conflictOrMissing(ctx, id)
	}
	return e, err
}

func (p *PostgresStore) SetPendingAction(ctx context.Context, id string, action PendingAction, amountCents int64, intentRef, actorID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE escrows SET
			pending_action = $2, pending_cents = $3, pending_actor = $4, intent_ref = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'funded' AND pending_action = ''
		RETURNING `+escrowColumns,
		id, string(action), amountCents, actorID, intentRef,
	)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, p.conflictOrMissing(ctx, id)
	}
	return e, err
}

func (p *PostgresStore) ClearPendingAction(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET pending_action = '', pending_cents = 0, pending_actor = '', updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) SetIntentRef(ctx context.Context, id, intentRef string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET intent_ref = $2, updated_at = NOW()
		WHERE id = $1`, id, intentRef)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByMilestone(ctx context.Context, milestoneID string) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE milestone_id = $1
		ORDER BY created_at DESC`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListStuck(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE flagged_at IS NULL
		  AND ((status = 'created' AND created_at < $1)
		    OR (status = 'funded' AND pending_action <> '' AND updated_at < $1))
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) FlagForReview(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET flagged_at = $2, updated_at = NOW()
		WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

// conflictOrMissing distinguishes a CAS miss from a missing record.
func (p *PostgresStore) conflictOrMissing(ctx context.Context, id string) error {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrEscrowNotFound
	}
	return ErrStateConflict
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status        string
		pendingAction string
		intentRef     sql.NullString
		failureReason sql.NullString
		flaggedAt     sql.NullTime
		fundedAt      sql.NullTime
		releasedAt    sql.NullTime
		refundedAt    sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.ExternalRef, &e.MilestoneID, &e.AmountCents, &status,
		&pendingAction, &e.PendingCents, &e.PendingActor, &intentRef, &failureReason, &flaggedAt,
		&e.CreatedAt, &fundedAt, &releasedAt, &refundedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.PendingAction = PendingAction(pendingAction)
	e.IntentRef = intentRef.String
	e.FailureReason = failureReason.String
	if flaggedAt.Valid {
		e.FlaggedAt = &flaggedAt.Time
	}
	if fundedAt.Valid {
		e.FundedAt = &fundedAt.Time
	}
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		e.RefundedAt = &refundedAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
