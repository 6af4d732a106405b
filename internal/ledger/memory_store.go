package ledger

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	entries []*Entry
	byTxn   map[string]bool
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTxn: make(map[string]bool)}
}

func (m *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.byTxn[entry.ExternalTxnID] {
		return ErrDuplicateEntry
	}
	cp := *entry
	m.entries = append(m.entries, &cp)
	m.byTxn[entry.ExternalTxnID] = true
	return nil
}

func (m *MemoryStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.EscrowID == escrowID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) HasExternalTxn(ctx context.Context, externalTxnID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTxn[externalTxnID], nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryAuditStore is an in-memory audit store for demo/development mode.
type MemoryAuditStore struct {
	records []*AuditRecord
	mu      sync.RWMutex
}

// NewMemoryAuditStore creates a new in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (m *MemoryAuditStore) Append(ctx context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryAuditStore) ListByEscrow(ctx context.Context, escrowRef string) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*AuditRecord
	for _, r := range m.records {
		if r.EscrowRef == escrowRef {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryAuditStore implements AuditStore.
var _ AuditStore = (*MemoryAuditStore)(nil)
