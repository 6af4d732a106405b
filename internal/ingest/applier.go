package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lancepay/escrowd/internal/escrow"
	"github.com/lancepay/escrowd/internal/ledger"
	"github.com/lancepay/escrowd/internal/metrics"
	"github.com/lancepay/escrowd/internal/milestone"
	"github.com/lancepay/escrowd/internal/settlement"
)

// Applier applies one verified event to durable state, exactly once. All
// writes for an event commit together: escrow status, ledger entry, audit
// record, milestone/dispute reaction, and the processed-event mark.
type Applier interface {
	Apply(ctx context.Context, ev Event) (Result, error)
}

// transition maps an event kind to its escrow status change and the ledger
// entry it records. Kinds without a money movement have no entry type.
type transition struct {
	from      escrow.Status
	to        escrow.Status
	entryType ledger.EntryType
}

// statusRank orders statuses along the lifecycle so a CAS miss can be
// classified. A current status ranked below the transition's from state means
// the confirmation arrived out of order; the terminal effect does not hold
// yet and the event must stay unprocessed for the provider's redelivery.
func statusRank(s escrow.Status) int {
	switch s {
	case escrow.StatusCreated:
		return 0
	case escrow.StatusFunded:
		return 1
	default: // released, refunded, failed
		return 2
	}
}

func transitionFor(k Kind) (transition, bool) {
	switch k {
	case KindPayinSuccess:
		return transition{escrow.StatusCreated, escrow.StatusFunded, ledger.EntryPayin}, true
	case KindPayinFailed:
		return transition{escrow.StatusCreated, escrow.StatusFailed, ""}, true
	case KindPayoutSuccess:
		return transition{escrow.StatusFunded, escrow.StatusReleased, ledger.EntryPayout}, true
	case KindRefundSuccess:
		return transition{escrow.StatusFunded, escrow.StatusRefunded, ledger.EntryRefund}, true
	}
	return transition{}, false
}

// settledAmount picks the amount a confirmation settles: the event's amount
// when the provider states one, otherwise the claimed pending amount,
// otherwise the full escrow amount.
func settledAmount(ev Event, e *escrow.Escrow) int64 {
	if ev.Amount > 0 {
		return ev.Amount
	}
	if e.PendingCents > 0 {
		return e.PendingCents
	}
	return e.AmountCents
}

// statusFields builds the timestamp/reason columns for a confirmed transition.
func statusFields(ev Event, to escrow.Status) escrow.StatusFields {
	switch to {
	case escrow.StatusFunded:
		return settlement.FundedFields(ev.Timestamp)
	case escrow.StatusReleased:
		return settlement.ReleasedFields(ev.Timestamp)
	case escrow.StatusRefunded:
		return settlement.RefundedFields(ev.Timestamp)
	case escrow.StatusFailed:
		return escrow.StatusFields{FailureReason: ev.Reason}
	}
	return escrow.StatusFields{}
}

// buildEntry builds the ledger entry for a settled money movement. actorID is
// whoever claimed the pending intent; empty for provider-driven pay-ins.
func buildEntry(ev Event, e *escrow.Escrow, typ ledger.EntryType, amount int64, actorID string) *ledger.Entry {
	var fee, payee int64
	if typ == ledger.EntryPayout {
		fee, payee = settlement.SplitFee(amount)
	}
	externalTxn := ev.Token
	if externalTxn == "" {
		// Rare provider omission; the dedup key is still unique per movement.
		externalTxn = ev.DedupKey
	}
	return ledger.NewEntry(e.ID, e.MilestoneID, typ, amount, fee, payee, externalTxn, actorID)
}

// MemoryApplier applies events against in-memory stores for demo/development
// mode. A single mutex stands in for the database transaction.
type MemoryApplier struct {
	escrows    escrow.Store
	entries    ledger.Store
	audits     ledger.AuditStore
	milestones milestone.Store
	logger     *slog.Logger

	mu        sync.Mutex
	processed map[string]bool
}

// NewMemoryApplier creates an in-memory applier.
func NewMemoryApplier(escrows escrow.Store, entries ledger.Store, audits ledger.AuditStore, milestones milestone.Store, logger *slog.Logger) *MemoryApplier {
	return &MemoryApplier{
		escrows:    escrows,
		entries:    entries,
		audits:     audits,
		milestones: milestones,
		logger:     logger,
		processed:  make(map[string]bool),
	}
}

func (a *MemoryApplier) Apply(ctx context.Context, ev Event) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.processed[ev.DedupKey] {
		return ResultAlreadyProcessed, nil
	}

	e, err := a.escrows.GetByExternalRef(ctx, ev.EscrowRef)
	if err != nil {
		if errors.Is(err, escrow.ErrEscrowNotFound) {
			return "", fmt.Errorf("%w: %s", ErrUnknownEscrow, ev.EscrowRef)
		}
		return "", err
	}

	// escrow.created is an acknowledgment of our own create; audit it and stop.
	if ev.Kind == KindEscrowCreated {
		if err := a.audits.Append(ctx, ledger.NewAuditRecord(ev.RawType, ev.EscrowRef, e.MilestoneID, e.AmountCents, "", ev.Token)); err != nil {
			return "", err
		}
		a.processed[ev.DedupKey] = true
		return ResultProcessed, nil
	}

	tr, ok := transitionFor(ev.Kind)
	if !ok {
		return "", fmt.Errorf("%w: no transition for %s", ErrBadPayload, ev.RawType)
	}
	amount := settledAmount(ev, e)
	actor := e.PendingActor

	if _, err := a.escrows.UpdateStatus(ctx, e.ID, tr.from, tr.to, statusFields(ev, tr.to)); err != nil {
		if errors.Is(err, escrow.ErrStateConflict) {
			if statusRank(e.Status) < statusRank(tr.from) {
				// Out of order: the escrow has not reached the prior state yet.
				// Leave the key unclaimed so the redelivery can apply later.
				return "", fmt.Errorf("%w: %s arrived while escrow %s is still %s",
					escrow.ErrStateConflict, ev.RawType, e.ID, e.Status)
			}
			// The terminal effect already holds (applied under a different
			// key); remember this key so the replay short-circuits next time.
			a.processed[ev.DedupKey] = true
			return ResultAlreadyProcessed, nil
		}
		return "", err
	}

	if tr.entryType != "" {
		err := a.entries.Append(ctx, buildEntry(ev, e, tr.entryType, amount, actor))
		if err != nil && !errors.Is(err, ledger.ErrDuplicateEntry) {
			return "", err
		}
		if err == nil {
			metrics.LedgerEntriesTotal.WithLabelValues(string(tr.entryType)).Inc()
		}
	}

	if err := a.audits.Append(ctx, ledger.NewAuditRecord(ev.RawType, ev.EscrowRef, e.MilestoneID, amount, actor, ev.Token)); err != nil {
		return "", err
	}

	if reaction, ok := milestone.ReactionFor(tr.to); ok {
		if _, err := a.milestones.Ensure(ctx, e.MilestoneID); err != nil {
			return "", err
		}
		if _, err := a.milestones.SetStatus(ctx, e.MilestoneID, reaction.MilestoneStatus); err != nil {
			return "", err
		}
		if reaction.ResolveDispute != "" {
			if _, err := a.milestones.GetOpenDispute(ctx, e.MilestoneID); err == nil {
				if err := a.milestones.ResolveOpenDispute(ctx, e.MilestoneID, reaction.ResolveDispute, ev.Timestamp); err != nil {
					return "", err
				}
				metrics.DisputesResolvedTotal.WithLabelValues(string(reaction.ResolveDispute)).Inc()
			}
		}
	}

	a.processed[ev.DedupKey] = true
	metrics.TransitionsTotal.WithLabelValues(string(tr.to)).Inc()
	a.logger.Info("event applied",
		"event", ev.RawType, "escrowId", e.ID, "to", string(tr.to), "amountCents", amount)
	return ResultProcessed, nil
}

// Compile-time assertion that MemoryApplier implements Applier.
var _ Applier = (*MemoryApplier)(nil)
