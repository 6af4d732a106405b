// Package escrow holds the durable record for funds committed to a milestone.
//
// Lifecycle:
//  1. Escrow created alongside its milestone → status created
//  2. Client pay-in confirmed by the provider → status funded
//  3. Payout or refund confirmed by the provider → status released/refunded
//  4. Pay-in failure before any funds were held → status failed
//
// Released, refunded, and failed are terminal. Every status change goes
// through a compare-and-swap on the stored status so concurrent or duplicate
// event application has at most one winner per transition.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/lancepay/escrowd/internal/idgen"
)

var (
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrStateConflict  = errors.New("escrow status changed since last read")
	ErrMilestoneBusy  = errors.New("milestone already has an active escrow")
	ErrInvalidAmount  = errors.New("invalid amount")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated  Status = "created"  // Record exists, no funds held yet
	StatusFunded   Status = "funded"   // Pay-in confirmed, funds held
	StatusReleased Status = "released" // Payout confirmed, funds sent to freelancer
	StatusRefunded Status = "refunded" // Refund confirmed, funds returned to client
	StatusFailed   Status = "failed"   // Pay-in failed before funds were held
)

// PendingAction marks an outstanding provider intent on a funded escrow.
type PendingAction string

const (
	PendingNone    PendingAction = ""
	PendingRelease PendingAction = "release"
	PendingRefund  PendingAction = "refund"
)

// transitions is the legal status graph. No transition leaves a terminal state.
var transitions = map[Status][]Status{
	StatusCreated: {StatusFunded, StatusFailed},
	StatusFunded:  {StatusReleased, StatusRefunded},
}

// CanTransition reports whether from → to is a legal status transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Escrow represents funds held against exactly one milestone.
type Escrow struct {
	ID            string        `json:"id"`
	ExternalRef   string        `json:"externalRef"` // Provider-facing reference
	MilestoneID   string        `json:"milestoneId"`
	AmountCents   int64         `json:"amountCents"` // Fixed at creation
	Status        Status        `json:"status"`
	PendingAction PendingAction `json:"pendingAction,omitempty"`
	PendingCents  int64         `json:"pendingCents,omitempty"` // Amount on the outstanding intent
	PendingActor  string        `json:"pendingActor,omitempty"` // Who requested the outstanding intent
	IntentRef     string        `json:"intentRef,omitempty"`    // Latest provider intent reference
	FailureReason string        `json:"failureReason,omitempty"`
	FlaggedAt     *time.Time    `json:"flaggedAt,omitempty"` // Stamped by reconciliation when stuck
	CreatedAt     time.Time     `json:"createdAt"`
	FundedAt      *time.Time    `json:"fundedAt,omitempty"`
	ReleasedAt    *time.Time    `json:"releasedAt,omitempty"`
	RefundedAt    *time.Time    `json:"refundedAt,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// New builds a fresh escrow record for a milestone.
func New(milestoneID string, amountCents int64) *Escrow {
	now := time.Now().UTC()
	return &Escrow{
		ID:          idgen.WithPrefix("esc_"),
		ExternalRef: idgen.WithPrefix("ext_"),
		MilestoneID: milestoneID,
		AmountCents: amountCents,
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// StatusFields carries the columns set alongside a status transition.
type StatusFields struct {
	FundedAt      *time.Time
	ReleasedAt    *time.Time
	RefundedAt    *time.Time
	FailureReason string
	ClearPending  bool
}

// Store persists escrow records.
//
// UpdateStatus, SetPayinIntent, and SetPendingAction are compare-and-swap
// writes: they succeed only if the record's current state matches the
// expected prior state, and return ErrStateConflict otherwise. Callers must
// re-read on conflict rather than retrying blindly.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByExternalRef(ctx context.Context, ref string) (*Escrow, error)

	// UpdateStatus transitions id from → to and applies fields atomically.
	UpdateStatus(ctx context.Context, id string, from, to Status, fields StatusFields) (*Escrow, error)

	// SetPayinIntent stores the pay-in intent reference while status is still created.
	SetPayinIntent(ctx context.Context, id, intentRef string) (*Escrow, error)

	// SetPendingAction claims the funded escrow for a release or refund intent,
	// recording who requested it. Only one claim can win; the loser gets
	// ErrStateConflict.
	SetPendingAction(ctx context.Context, id string, action PendingAction, amountCents int64, intentRef, actorID string) (*Escrow, error)

	// ClearPendingAction releases a claim after a failed intent creation.
	ClearPendingAction(ctx context.Context, id string) error

	// SetIntentRef stores the provider reference for an already-claimed intent.
	SetIntentRef(ctx context.Context, id, intentRef string) error

	ListByMilestone(ctx context.Context, milestoneID string) ([]*Escrow, error)

	// ListStuck returns unflagged escrows that have sat in created, or held a
	// pending action, since before the cutoff.
	ListStuck(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)

	// FlagForReview stamps an escrow for manual reconciliation.
	FlagForReview(ctx context.Context, id string, at time.Time) error
}
