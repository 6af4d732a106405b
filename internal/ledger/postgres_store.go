package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists ledger entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, escrow_id, milestone_id, entry_type,
			amount_cents, fee_cents, payee_cents,
			external_txn_id, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.EscrowID, e.MilestoneID, string(e.Type),
		e.AmountCents, e.FeeCents, e.PayeeCents,
		e.ExternalTxnID, nullString(e.ActorID), e.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateEntry
	}
	return err
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, milestone_id, entry_type,
		       amount_cents, fee_cents, payee_cents,
		       external_txn_id, actor_id, created_at
		FROM ledger_entries
		WHERE escrow_id = $1
		ORDER BY created_at ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var typ string
		var actorID sql.NullString
		if err := rows.Scan(
			&e.ID, &e.EscrowID, &e.MilestoneID, &typ,
			&e.AmountCents, &e.FeeCents, &e.PayeeCents,
			&e.ExternalTxnID, &actorID, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		e.ActorID = actorID.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) HasExternalTxn(ctx context.Context, externalTxnID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE external_txn_id = $1)`,
		externalTxnID).Scan(&exists)
	return exists, err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresAuditStore persists audit records in PostgreSQL.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore creates a new PostgreSQL-backed audit store.
func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (p *PostgresAuditStore) Append(ctx context.Context, r *AuditRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_records (
			id, event_type, escrow_ref, milestone_id,
			amount_cents, actor_id, external_txn_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.EventType, r.EscrowRef, r.MilestoneID,
		r.AmountCents, nullString(r.ActorID), nullString(r.ExternalTxnID), r.CreatedAt,
	)
	return err
}

func (p *PostgresAuditStore) ListByEscrow(ctx context.Context, escrowRef string) ([]*AuditRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, event_type, escrow_ref, milestone_id,
		       amount_cents, actor_id, external_txn_id, created_at
		FROM audit_records
		WHERE escrow_ref = $1
		ORDER BY created_at ASC`, escrowRef)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*AuditRecord
	for rows.Next() {
		r := &AuditRecord{}
		var actorID, txnID sql.NullString
		if err := rows.Scan(
			&r.ID, &r.EventType, &r.EscrowRef, &r.MilestoneID,
			&r.AmountCents, &actorID, &txnID, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		r.ActorID = actorID.String
		r.ExternalTxnID = txnID.String
		result = append(result, r)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresAuditStore implements AuditStore.
var _ AuditStore = (*PostgresAuditStore)(nil)
