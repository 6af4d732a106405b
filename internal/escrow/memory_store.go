package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	byRef   map[string]string // externalRef -> id
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byRef:   make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.escrows {
		if existing.MilestoneID == e.MilestoneID && !existing.IsTerminal() {
			return ErrMilestoneBusy
		}
	}

	cp := *e
	m.escrows[e.ID] = &cp
	m.byRef[e.ExternalRef] = e.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(id)
}

func (m *MemoryStore) GetByExternalRef(ctx context.Context, ref string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[ref]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.get(id)
}

// get returns a copy; callers must hold at least a read lock.
func (m *MemoryStore) get(id string) (*Escrow, error) {
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status, fields StatusFields) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if e.Status != from {
		return nil, ErrStateConflict
	}

	e.Status = to
	if fields.FundedAt != nil {
		e.FundedAt = fields.FundedAt
	}
	if fields.ReleasedAt != nil {
		e.ReleasedAt = fields.ReleasedAt
	}
	if fields.RefundedAt != nil {
		e.RefundedAt = fields.RefundedAt
	}
	if fields.FailureReason != "" {
		e.FailureReason = fields.FailureReason
	}
	if fields.ClearPending {
		e.PendingAction = PendingNone
		e.PendingCents = 0
		e.PendingActor = ""
	}
	e.UpdatedAt = time.Now().UTC()

	cp := *e
	return &cp, nil
}

func (m *MemoryStore) SetPayinIntent(ctx context.Context, id, intentRef string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if e.Status != StatusCreated {
		return nil, ErrStateConflict
	}

	e.IntentRef = intentRef
	e.UpdatedAt = time.Now().UTC()
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) SetPendingAction(ctx context.Context, id string, action PendingAction, amountCents int64, intentRef, actorID string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if e.Status != StatusFunded || e.PendingAction != PendingNone {
		return nil, ErrStateConflict
	}

	e.PendingAction = action
	e.PendingCents = amountCents
	e.PendingActor = actorID
	e.IntentRef = intentRef
	e.UpdatedAt = time.Now().UTC()
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ClearPendingAction(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	e.PendingAction = PendingNone
	e.PendingCents = 0
	e.PendingActor = ""
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetIntentRef(ctx context.Context, id, intentRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	e.IntentRef = intentRef
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListByMilestone(ctx context.Context, milestoneID string) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.MilestoneID == milestoneID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListStuck(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.FlaggedAt != nil || e.IsTerminal() {
			continue
		}
		stuckCreated := e.Status == StatusCreated && e.CreatedAt.Before(before)
		stuckPending := e.PendingAction != PendingNone && e.UpdatedAt.Before(before)
		if stuckCreated || stuckPending {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) FlagForReview(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	e.FlaggedAt = &at
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
