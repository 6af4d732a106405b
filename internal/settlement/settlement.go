// Package settlement drives the escrow lifecycle state machine.
//
// Caller operations (fund, release, refund) only issue provider intents and
// claim the escrow; the actual status transition happens when the provider's
// confirmation event is ingested. The engine therefore never blocks on the
// provider — it records the in-flight claim and returns.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lancepay/escrowd/internal/escrow"
	"github.com/lancepay/escrowd/internal/metrics"
	"github.com/lancepay/escrowd/internal/provider"
	"github.com/lancepay/escrowd/internal/traces"
)

// PlatformFeePercent is the fixed platform fee taken from every release.
const PlatformFeePercent = 5

// SplitFee computes the platform fee and payee amount for a release.
// Integer truncation on the fee keeps fee + payee == amount exact.
func SplitFee(amountCents int64) (feeCents, payeeCents int64) {
	feeCents = amountCents * PlatformFeePercent / 100
	return feeCents, amountCents - feeCents
}

// Service implements the settlement operations.
type Service struct {
	store    escrow.Store
	provider provider.Client
	logger   *slog.Logger
}

// NewService creates a new settlement service.
func NewService(store escrow.Store, client provider.Client, logger *slog.Logger) *Service {
	return &Service{store: store, provider: client, logger: logger}
}

// CreateEscrow creates the escrow record for a milestone.
// At most one non-terminal escrow may exist per milestone.
func (s *Service) CreateEscrow(ctx context.Context, milestoneID string, amountCents int64) (*escrow.Escrow, error) {
	if amountCents <= 0 {
		return nil, escrow.ErrInvalidAmount
	}

	e := escrow.New(milestoneID, amountCents)
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}

	s.logger.Info("escrow created",
		"escrowId", e.ID, "milestoneId", milestoneID, "amountCents", amountCents)
	return e, nil
}

// Fund issues a pay-in intent for an escrow in created status.
// The transition to funded happens only when the payin.success event arrives.
func (s *Service) Fund(ctx context.Context, escrowID string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.fund", traces.EscrowID(escrowID))
	defer span.End()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return "", err
	}
	if e.Status != escrow.StatusCreated {
		return "", escrow.ErrStateConflict
	}

	intentRef, err := s.provider.CreatePayinIntent(ctx, e.ExternalRef, e.AmountCents)
	if err != nil {
		return "", fmt.Errorf("create pay-in intent: %w", err)
	}

	if _, err := s.store.SetPayinIntent(ctx, escrowID, intentRef); err != nil {
		// Status advanced between the read and the write; the dangling intent
		// is surfaced by reconciliation if the provider ever confirms it.
		return "", err
	}

	metrics.IntentsIssuedTotal.WithLabelValues("payin").Inc()
	s.logger.Info("pay-in intent issued", "escrowId", escrowID, "intentRef", intentRef)
	return intentRef, nil
}

// Release issues a payout intent for a funded escrow. amountCents of 0 means
// the full escrow amount. Exactly one of a concurrent release/refund pair wins
// the claim; the loser gets escrow.ErrStateConflict and must re-read.
func (s *Service) Release(ctx context.Context, escrowID string, amountCents int64, actorID string) (string, error) {
	return s.claimAndIntend(ctx, escrowID, escrow.PendingRelease, amountCents, "", actorID)
}

// Refund issues a refund intent for a funded escrow. Same claim semantics as
// Release.
func (s *Service) Refund(ctx context.Context, escrowID string, amountCents int64, reason, actorID string) (string, error) {
	return s.claimAndIntend(ctx, escrowID, escrow.PendingRefund, amountCents, reason, actorID)
}

func (s *Service) claimAndIntend(ctx context.Context, escrowID string, action escrow.PendingAction, amountCents int64, reason, actorID string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "settlement."+string(action),
		traces.EscrowID(escrowID), traces.AmountCents(amountCents))
	defer span.End()

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return "", err
	}
	if e.Status != escrow.StatusFunded {
		return "", escrow.ErrStateConflict
	}

	if amountCents == 0 {
		amountCents = e.AmountCents
	}
	if amountCents < 0 || amountCents > e.AmountCents {
		return "", escrow.ErrInvalidAmount
	}

	// Claim before calling out so the tie-break loser never issues an intent.
	// The actor rides on the claim and lands in the ledger and audit trail when
	// the confirmation event is applied.
	if _, err := s.store.SetPendingAction(ctx, escrowID, action, amountCents, "", actorID); err != nil {
		return "", err
	}

	var intentRef string
	switch action {
	case escrow.PendingRelease:
		intentRef, err = s.provider.CreatePayoutIntent(ctx, e.ExternalRef, amountCents)
	case escrow.PendingRefund:
		intentRef, err = s.provider.CreateRefundIntent(ctx, e.ExternalRef, e.IntentRef, amountCents, reason)
	}
	if err != nil {
		// Roll the claim back; no state change survives a failed intent.
		if clearErr := s.store.ClearPendingAction(ctx, escrowID); clearErr != nil {
			s.logger.Error("failed to clear pending action after intent failure",
				"escrowId", escrowID, "error", clearErr)
		}
		return "", fmt.Errorf("create %s intent: %w", action, err)
	}

	if err := s.store.SetIntentRef(ctx, escrowID, intentRef); err != nil {
		s.logger.Error("failed to store intent reference",
			"escrowId", escrowID, "intentRef", intentRef, "error", err)
	}

	metrics.IntentsIssuedTotal.WithLabelValues(string(action)).Inc()
	s.logger.Info("intent issued",
		"escrowId", escrowID, "action", string(action),
		"amountCents", amountCents, "intentRef", intentRef, "actor", actorID)
	return intentRef, nil
}

// MarkFailed moves an escrow from created to failed (pay-in failed before any
// funds were held).
func (s *Service) MarkFailed(ctx context.Context, escrowID, reason string) (*escrow.Escrow, error) {
	e, err := s.store.UpdateStatus(ctx, escrowID, escrow.StatusCreated, escrow.StatusFailed,
		escrow.StatusFields{FailureReason: reason})
	if err != nil {
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(escrow.StatusFailed)).Inc()
	s.logger.Info("escrow marked failed", "escrowId", escrowID, "reason", reason)
	return e, nil
}

// Get returns an escrow by id.
func (s *Service) Get(ctx context.Context, escrowID string) (*escrow.Escrow, error) {
	return s.store.Get(ctx, escrowID)
}

// ListByMilestone returns all escrows for a milestone, newest first.
func (s *Service) ListByMilestone(ctx context.Context, milestoneID string) ([]*escrow.Escrow, error) {
	return s.store.ListByMilestone(ctx, milestoneID)
}

// Timestamp helpers used when transitions are applied by the ingest layer.

// FundedFields builds the status fields for a confirmed pay-in.
func FundedFields(at time.Time) escrow.StatusFields {
	return escrow.StatusFields{FundedAt: &at}
}

// ReleasedFields builds the status fields for a confirmed payout.
func ReleasedFields(at time.Time) escrow.StatusFields {
	return escrow.StatusFields{ReleasedAt: &at, ClearPending: true}
}

// RefundedFields builds the status fields for a confirmed refund.
func RefundedFields(at time.Time) escrow.StatusFields {
	return escrow.StatusFields{RefundedAt: &at, ClearPending: true}
}
