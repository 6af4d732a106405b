package milestone

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lancepay/escrowd/internal/escrow"
)

// Resolution values accepted by dispute resolution.
const (
	ResolutionReleaseFreelancer = "release_freelancer"
	ResolutionRefundClient      = "refund_client"
)

var ErrInvalidResolution = errors.New("resolution must be release_freelancer or refund_client")

// Settler is the slice of the settlement service the coordinator needs.
type Settler interface {
	Release(ctx context.Context, escrowID string, amountCents int64, actorID string) (string, error)
	Refund(ctx context.Context, escrowID string, amountCents int64, reason, actorID string) (string, error)
	ListByMilestone(ctx context.Context, milestoneID string) ([]*escrow.Escrow, error)
}

// Service implements milestone workflow and dispute operations.
type Service struct {
	store   Store
	settler Settler
	logger  *slog.Logger
}

// NewService creates a new milestone service.
func NewService(store Store, settler Settler, logger *slog.Logger) *Service {
	return &Service{store: store, settler: settler, logger: logger}
}

// Get returns a milestone by id.
func (s *Service) Get(ctx context.Context, id string) (*Milestone, error) {
	return s.store.Get(ctx, id)
}

// Ensure returns the milestone record, creating a pending one if needed.
// Called when an escrow is opened against a milestone this service has not
// seen before.
func (s *Service) Ensure(ctx context.Context, id string) (*Milestone, error) {
	return s.store.Ensure(ctx, id)
}

// Submit marks an in-progress milestone's work as delivered.
func (s *Service) Submit(ctx context.Context, id string) (*Milestone, error) {
	return s.store.AdvanceStatus(ctx, id, StatusInProgress, StatusSubmitted)
}

// Approve marks submitted work as accepted by the client. The payout itself
// still goes through the escrow release flow.
func (s *Service) Approve(ctx context.Context, id string) (*Milestone, error) {
	return s.store.AdvanceStatus(ctx, id, StatusSubmitted, StatusApproved)
}

// OpenDispute raises a dispute against a milestone and parks it in disputed
// status. Only one dispute per milestone may be open.
func (s *Service) OpenDispute(ctx context.Context, milestoneID, raisedBy, reason string) (*Dispute, error) {
	m, err := s.store.Get(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case StatusPaid, StatusCancelled:
		return nil, ErrMilestoneState
	}

	d := NewDispute(milestoneID, raisedBy, reason)
	if err := s.store.CreateDispute(ctx, d); err != nil {
		return nil, err
	}
	if _, err := s.store.SetStatus(ctx, milestoneID, StatusDisputed); err != nil {
		return nil, err
	}

	s.logger.Info("dispute opened",
		"disputeId", d.ID, "milestoneId", milestoneID, "raisedBy", raisedBy)
	return d, nil
}

// ResolveDispute requests settlement of an open dispute. resolution picks the
// direction; amountCents of 0 means the full escrow amount. The dispute stays
// open, with the resolver stamped, until the provider confirms the payout or
// refund; the ingestion of that confirmation flips the dispute status.
func (s *Service) ResolveDispute(ctx context.Context, disputeID, resolution string, amountCents int64, resolvedBy string) (string, error) {
	if resolution != ResolutionReleaseFreelancer && resolution != ResolutionRefundClient {
		return "", ErrInvalidResolution
	}

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return "", err
	}
	if d.Status != DisputeOpen {
		return "", ErrDisputeResolved
	}

	active, err := s.activeEscrow(ctx, d.MilestoneID)
	if err != nil {
		return "", err
	}

	if err := s.store.SetDisputeResolver(ctx, disputeID, resolvedBy); err != nil {
		return "", err
	}

	var intentRef string
	if resolution == ResolutionReleaseFreelancer {
		intentRef, err = s.settler.Release(ctx, active.ID, amountCents, resolvedBy)
	} else {
		intentRef, err = s.settler.Refund(ctx, active.ID, amountCents, d.Reason, resolvedBy)
	}
	if err != nil {
		return "", err
	}

	s.logger.Info("dispute resolution requested",
		"disputeId", disputeID, "resolution", resolution,
		"escrowId", active.ID, "resolvedBy", resolvedBy, "intentRef", intentRef)
	return intentRef, nil
}

// ListDisputes returns a milestone's disputes, newest first.
func (s *Service) ListDisputes(ctx context.Context, milestoneID string) ([]*Dispute, error) {
	return s.store.ListDisputes(ctx, milestoneID)
}

// activeEscrow finds the single non-terminal escrow for a milestone.
func (s *Service) activeEscrow(ctx context.Context, milestoneID string) (*escrow.Escrow, error) {
	escrows, err := s.settler.ListByMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	for _, e := range escrows {
		if !e.IsTerminal() {
			return e, nil
		}
	}
	return nil, ErrNoActiveEscrow
}
