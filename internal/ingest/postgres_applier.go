package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lancepay/escrowd/internal/escrow"
	"github.com/lancepay/escrowd/internal/ledger"
	"github.com/lancepay/escrowd/internal/metrics"
	"github.com/lancepay/escrowd/internal/milestone"
)

// PostgresApplier applies events inside one database transaction. It writes
// its own SQL rather than composing the per-package stores because the
// processed mark, the escrow compare-and-swap, the ledger and audit appends,
// and the milestone reaction must commit atomically.
type PostgresApplier struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresApplier creates a transactional applier.
func NewPostgresApplier(db *sql.DB, logger *slog.Logger) *PostgresApplier {
	return &PostgresApplier{db: db, logger: logger}
}

func (a *PostgresApplier) Apply(ctx context.Context, ev Event) (Result, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin apply tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Claim the dedup key first. A concurrent duplicate blocks here until the
	// winner commits, then sees the conflict.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO processed_events (dedup_key, event_type, escrow_ref, event_at, processed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (dedup_key) DO NOTHING`,
		ev.DedupKey, ev.RawType, ev.EscrowRef, ev.Timestamp)
	if err != nil {
		return "", err
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", err
	} else if n == 0 {
		return ResultAlreadyProcessed, nil
	}

	// Lock the escrow row for the rest of the apply.
	var (
		escrowID     string
		milestoneID  string
		amountCents  int64
		pendingCents int64
		pendingActor string
		status       string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, milestone_id, amount_cents, pending_cents, pending_actor, status
		FROM escrows WHERE external_ref = $1
		FOR UPDATE`, ev.EscrowRef).
		Scan(&escrowID, &milestoneID, &amountCents, &pendingCents, &pendingActor, &status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrUnknownEscrow, ev.EscrowRef)
	}
	if err != nil {
		return "", err
	}

	if ev.Kind == KindEscrowCreated {
		if err := a.insertAudit(ctx, tx, ev, milestoneID, amountCents, ""); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return ResultProcessed, nil
	}

	tr, ok := transitionFor(ev.Kind)
	if !ok {
		return "", fmt.Errorf("%w: no transition for %s", ErrBadPayload, ev.RawType)
	}
	e := &escrow.Escrow{ID: escrowID, MilestoneID: milestoneID, AmountCents: amountCents, PendingCents: pendingCents}
	amount := settledAmount(ev, e)

	applied, err := a.casUpdate(ctx, tx, ev, escrowID)
	if err != nil {
		return "", err
	}
	if !applied {
		if statusRank(escrow.Status(status)) < statusRank(tr.from) {
			// Out of order: the escrow has not reached the prior state yet.
			// Roll back so the dedup claim is released and the provider's
			// redelivery can apply once the earlier confirmation lands.
			return "", fmt.Errorf("%w: %s arrived while escrow %s is still %s",
				escrow.ErrStateConflict, ev.RawType, escrowID, status)
		}
		// State already advanced under a different key. Keep the processed
		// mark so this key short-circuits from now on.
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return ResultAlreadyProcessed, nil
	}

	ledgerRecorded := false
	if tr.entryType != "" {
		entry := buildEntry(ev, e, tr.entryType, amount, pendingActor)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, escrow_id, milestone_id, entry_type, amount_cents, fee_cents, payee_cents, external_txn_id, actor_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (external_txn_id) DO NOTHING`,
			entry.ID, entry.EscrowID, entry.MilestoneID, string(entry.Type),
			entry.AmountCents, entry.FeeCents, entry.PayeeCents,
			entry.ExternalTxnID, nullString(entry.ActorID), entry.CreatedAt)
		if err != nil {
			return "", err
		}
		if n, err := res.RowsAffected(); err != nil {
			return "", err
		} else if n > 0 {
			ledgerRecorded = true
		}
	}

	if err := a.insertAudit(ctx, tx, ev, milestoneID, amount, pendingActor); err != nil {
		return "", err
	}

	disputesResolved := int64(0)
	if reaction, ok := milestone.ReactionFor(tr.to); ok {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO milestones (id, status, created_at, updated_at)
			VALUES ($1, $2, NOW(), NOW())
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()`,
			milestoneID, string(reaction.MilestoneStatus))
		if err != nil {
			return "", err
		}
		if reaction.ResolveDispute != "" {
			res, err := tx.ExecContext(ctx, `
				UPDATE disputes SET status = $2, resolved_at = $3
				WHERE milestone_id = $1 AND status = 'open'`,
				milestoneID, string(reaction.ResolveDispute), ev.Timestamp)
			if err != nil {
				return "", err
			}
			if disputesResolved, err = res.RowsAffected(); err != nil {
				return "", err
			}
			if disputesResolved > 0 {
				metrics.DisputesResolvedTotal.WithLabelValues(string(reaction.ResolveDispute)).Add(float64(disputesResolved))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	metrics.TransitionsTotal.WithLabelValues(string(tr.to)).Inc()
	if ledgerRecorded {
		metrics.LedgerEntriesTotal.WithLabelValues(string(tr.entryType)).Inc()
	}
	a.logger.Info("event applied",
		"event", ev.RawType, "escrowId", escrowID, "to", string(tr.to), "amountCents", amount)
	return ResultProcessed, nil
}

// casUpdate performs the status compare-and-swap for the event's transition.
// Returns false when the guard did not match (state already advanced).
func (a *PostgresApplier) casUpdate(ctx context.Context, tx *sql.Tx, ev Event, escrowID string) (bool, error) {
	var res sql.Result
	var err error

	switch ev.Kind {
	case KindPayinSuccess:
		res, err = tx.ExecContext(ctx, `
			UPDATE escrows SET status = 'funded', funded_at = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'created'`, escrowID, ev.Timestamp)
	case KindPayinFailed:
		res, err = tx.ExecContext(ctx, `
			UPDATE escrows SET status = 'failed', failure_reason = NULLIF($2, ''), updated_at = NOW()
			WHERE id = $1 AND status = 'created'`, escrowID, ev.Reason)
	case KindPayoutSuccess:
		res, err = tx.ExecContext(ctx, `
			UPDATE escrows SET status = 'released', released_at = $2,
				pending_action = '', pending_cents = 0, pending_actor = '', updated_at = NOW()
			WHERE id = $1 AND status = 'funded'`, escrowID, ev.Timestamp)
	case KindRefundSuccess:
		res, err = tx.ExecContext(ctx, `
			UPDATE escrows SET status = 'refunded', refunded_at = $2,
				pending_action = '', pending_cents = 0, pending_actor = '', updated_at = NOW()
			WHERE id = $1 AND status = 'funded'`, escrowID, ev.Timestamp)
	default:
		return false, fmt.Errorf("%w: no transition for %s", ErrBadPayload, ev.RawType)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (a *PostgresApplier) insertAudit(ctx context.Context, tx *sql.Tx, ev Event, milestoneID string, amount int64, actorID string) error {
	rec := ledger.NewAuditRecord(ev.RawType, ev.EscrowRef, milestoneID, amount, actorID, ev.Token)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_records (id, event_type, escrow_ref, milestone_id, amount_cents, actor_id, external_txn_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.EventType, rec.EscrowRef, rec.MilestoneID, rec.AmountCents,
		nullString(rec.ActorID), nullString(rec.ExternalTxnID), rec.CreatedAt)
	return err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresApplier implements Applier.
var _ Applier = (*PostgresApplier)(nil)
