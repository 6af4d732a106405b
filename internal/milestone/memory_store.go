package milestone

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory milestone store for demo/development mode.
type MemoryStore struct {
	milestones map[string]*Milestone
	disputes   map[string]*Dispute
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory milestone store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		milestones: make(map[string]*Milestone),
		disputes:   make(map[string]*Dispute),
	}
}

func (m *MemoryStore) Ensure(ctx context.Context, id string) (*Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ms, ok := m.milestones[id]; ok {
		cp := *ms
		return &cp, nil
	}

	now := time.Now().UTC()
	ms := &Milestone{ID: id, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	m.milestones[id] = ms
	cp := *ms
	return &cp, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.milestones[id]
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	cp := *ms
	return &cp, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status Status) (*Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.milestones[id]
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	ms.Status = status
	ms.UpdatedAt = time.Now().UTC()
	cp := *ms
	return &cp, nil
}

func (m *MemoryStore) AdvanceStatus(ctx context.Context, id string, from, to Status) (*Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.milestones[id]
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	if ms.Status != from {
		return nil, ErrMilestoneState
	}
	ms.Status = to
	ms.UpdatedAt = time.Now().UTC()
	cp := *ms
	return &cp, nil
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.MilestoneID == d.MilestoneID && existing.Status == DisputeOpen {
			return ErrDisputeOpen
		}
	}

	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetOpenDispute(ctx context.Context, milestoneID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.MilestoneID == milestoneID && d.Status == DisputeOpen {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) ListDisputes(ctx context.Context, milestoneID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.MilestoneID == milestoneID {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) SetDisputeResolver(ctx context.Context, id, resolvedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return ErrDisputeNotFound
	}
	if d.Status != DisputeOpen {
		return ErrDisputeResolved
	}
	d.ResolvedBy = resolvedBy
	return nil
}

func (m *MemoryStore) ResolveOpenDispute(ctx context.Context, milestoneID string, status DisputeStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.disputes {
		if d.MilestoneID == milestoneID && d.Status == DisputeOpen {
			d.Status = status
			d.ResolvedAt = &at
			return nil
		}
	}
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
