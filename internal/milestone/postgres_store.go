package milestone

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists milestones and disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed milestone store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, milestone_id, raised_by, reason, status, resolved_by, resolved_at, created_at`

func (p *PostgresStore) Ensure(ctx context.Context, id string) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO milestones (id, status, created_at, updated_at)
		VALUES ($1, 'pending', NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET updated_at = milestones.updated_at
		RETURNING id, status, created_at, updated_at`, id)
	return scanMilestone(row)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, status, created_at, updated_at FROM milestones WHERE id = $1`, id)
	m, err := scanMilestone(row)
	if err == sql.ErrNoRows {
		return nil, ErrMilestoneNotFound
	}
	return m, err
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status Status) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE milestones SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id, status, created_at, updated_at`, id, string(status))
	m, err := scanMilestone(row)
	if err == sql.ErrNoRows {
		return nil, ErrMilestoneNotFound
	}
	return m, err
}

func (p *PostgresStore) AdvanceStatus(ctx context.Context, id string, from, to Status) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE milestones SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING id, status, created_at, updated_at`,
		id, string(from), string(to))

	m, err := scanMilestone(row)
	if err == sql.ErrNoRows {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM milestones WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrMilestoneNotFound
		}
		return nil, ErrMilestoneState
	}
	return m, err
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, milestone_id, raised_by, reason, status, resolved_by, resolved_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.MilestoneID, d.RaisedBy, d.Reason, string(d.Status),
		nullString(d.ResolvedBy), nullTime(d.ResolvedAt), d.CreatedAt,
	)
	// Partial unique index on milestone_id WHERE status = 'open'.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDisputeOpen
	}
	return err
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetOpenDispute(ctx context.Context, milestoneID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE milestone_id = $1 AND status = 'open'`, milestoneID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDisputes(ctx context.Context, milestoneID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE milestone_id = $1
		ORDER BY created_at DESC`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SetDisputeResolver(ctx context.Context, id, resolvedBy string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET resolved_by = $2
		WHERE id = $1 AND status = 'open'`, id, resolvedBy)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM disputes WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDisputeNotFound
		}
		return ErrDisputeResolved
	}
	return nil
}

func (p *PostgresStore) ResolveOpenDispute(ctx context.Context, milestoneID string, status DisputeStatus, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET status = $2, resolved_at = $3
		WHERE milestone_id = $1 AND status = 'open'`,
		milestoneID, string(status), at)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMilestone(s scanner) (*Milestone, error) {
	m := &Milestone{}
	var status string
	if err := s.Scan(&m.ID, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = Status(status)
	return m, nil
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)
	err := s.Scan(&d.ID, &d.MilestoneID, &d.RaisedBy, &d.Reason, &status,
		&resolvedBy, &resolvedAt, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = DisputeStatus(status)
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
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
