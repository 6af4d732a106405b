// Package milestone tracks the work item an escrow pays for, and the disputes
// raised against it.
//
// Milestone status is driven from two sides: workflow operations (submit,
// approve) called by the API, and coordinator reactions applied when a
// confirmed escrow transition is ingested. Reactions are authoritative; they
// run in the same transaction as the escrow status change.
package milestone

import (
	"context"
	"errors"
	"time"

	"github.com/lancepay/escrowd/internal/escrow"
	"github.com/lancepay/escrowd/internal/idgen"
)

var (
	ErrMilestoneNotFound = errors.New("milestone not found")
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrDisputeOpen       = errors.New("milestone already has an open dispute")
	ErrDisputeResolved   = errors.New("dispute already resolved")
	ErrMilestoneState    = errors.New("milestone status does not allow this operation")
	ErrNoActiveEscrow    = errors.New("milestone has no active escrow")
)

// Status represents the state of a milestone.
type Status string

const (
	StatusPending    Status = "pending"     // No funds held yet
	StatusInProgress Status = "in_progress" // Escrow funded, work underway
	StatusSubmitted  Status = "submitted"   // Freelancer submitted deliverables
	StatusApproved   Status = "approved"    // Client approved, awaiting payout
	StatusPaid       Status = "paid"        // Payout confirmed
	StatusDisputed   Status = "disputed"    // Open dispute blocks the normal flow
	StatusCancelled  Status = "cancelled"   // Refund confirmed
)

// Milestone is the local record for a work item under escrow. The id is
// assigned by the marketplace; this service only tracks settlement-relevant
// state.
type Milestone struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DisputeStatus represents the state of a dispute.
type DisputeStatus string

const (
	DisputeOpen            DisputeStatus = "open"
	DisputeResolvedRelease DisputeStatus = "resolved_release"
	DisputeResolvedRefund  DisputeStatus = "resolved_refund"
)

// Dispute is a disagreement over a milestone. At most one dispute per
// milestone may be open at a time. The status flips from open only when the
// provider confirms the resolving payout or refund.
type Dispute struct {
	ID          string        `json:"id"`
	MilestoneID string        `json:"milestoneId"`
	RaisedBy    string        `json:"raisedBy"`
	Reason      string        `json:"reason"`
	Status      DisputeStatus `json:"status"`
	ResolvedBy  string        `json:"resolvedBy,omitempty"` // Stamped when resolution is requested
	ResolvedAt  *time.Time    `json:"resolvedAt,omitempty"` // Stamped when resolution is confirmed
	CreatedAt   time.Time     `json:"createdAt"`
}

// NewDispute builds an open dispute against a milestone.
func NewDispute(milestoneID, raisedBy, reason string) *Dispute {
	return &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		MilestoneID: milestoneID,
		RaisedBy:    raisedBy,
		Reason:      reason,
		Status:      DisputeOpen,
		CreatedAt:   time.Now().UTC(),
	}
}

// Reaction is the coordinator's response to a confirmed escrow transition.
// ResolveDispute names the status an open dispute on the milestone moves to;
// empty means disputes are untouched.
type Reaction struct {
	MilestoneStatus Status
	ResolveDispute  DisputeStatus
}

// ReactionFor maps a confirmed escrow status to the coordinator reaction.
// The second return is false for escrow statuses with no milestone effect.
func ReactionFor(to escrow.Status) (Reaction, bool) {
	switch to {
	case escrow.StatusFunded:
		return Reaction{MilestoneStatus: StatusInProgress}, true
	case escrow.StatusFailed:
		// Pay-in never landed; the milestone goes back to waiting for funds.
		return Reaction{MilestoneStatus: StatusPending}, true
	case escrow.StatusReleased:
		return Reaction{MilestoneStatus: StatusPaid, ResolveDispute: DisputeResolvedRelease}, true
	case escrow.StatusRefunded:
		return Reaction{MilestoneStatus: StatusCancelled, ResolveDispute: DisputeResolvedRefund}, true
	}
	return Reaction{}, false
}

// workflow is the graph for caller-driven milestone operations. Coordinator
// reactions bypass it.
var workflow = map[Status][]Status{
	StatusInProgress: {StatusSubmitted},
	StatusSubmitted:  {StatusApproved},
}

// CanAdvance reports whether a caller-driven from → to move is allowed.
func CanAdvance(from, to Status) bool {
	for _, next := range workflow[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Store persists milestones and disputes.
type Store interface {
	// Ensure returns the milestone, creating a pending record if none exists.
	Ensure(ctx context.Context, id string) (*Milestone, error)
	Get(ctx context.Context, id string) (*Milestone, error)

	// SetStatus unconditionally moves the milestone to status.
	SetStatus(ctx context.Context, id string, status Status) (*Milestone, error)

	// AdvanceStatus moves the milestone from → to, returning ErrMilestoneState
	// if the current status is not from.
	AdvanceStatus(ctx context.Context, id string, from, to Status) (*Milestone, error)

	// CreateDispute opens a dispute. Returns ErrDisputeOpen when the milestone
	// already has one open.
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	GetOpenDispute(ctx context.Context, milestoneID string) (*Dispute, error)
	ListDisputes(ctx context.Context, milestoneID string) ([]*Dispute, error)

	// SetDisputeResolver stamps who requested the resolution on an open dispute.
	SetDisputeResolver(ctx context.Context, id, resolvedBy string) error

	// ResolveOpenDispute flips the open dispute on a milestone to status.
	// Missing open disputes are not an error; reactions fire for every
	// terminal transition whether or not a dispute exists.
	ResolveOpenDispute(ctx context.Context, milestoneID string, status DisputeStatus, at time.Time) error
}
