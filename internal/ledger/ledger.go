// Package ledger records completed money movements.
//
// Entries are immutable and keyed by the provider's external transaction or
// refund id, which makes replayed confirmations a no-op at the storage layer.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/lancepay/escrowd/internal/idgen"
)

var (
	ErrDuplicateEntry = errors.New("ledger entry with this external transaction id already exists")
)

// EntryType classifies a money movement.
type EntryType string

const (
	EntryPayin  EntryType = "payin"  // Client funds captured into escrow
	EntryPayout EntryType = "payout" // Escrowed funds released to the freelancer
	EntryRefund EntryType = "refund" // Escrowed funds returned to the client
)

// Entry is an immutable record of a completed money movement.
type Entry struct {
	ID            string    `json:"id"`
	EscrowID      string    `json:"escrowId"`
	MilestoneID   string    `json:"milestoneId"`
	Type          EntryType `json:"type"`
	AmountCents   int64     `json:"amountCents"`
	FeeCents      int64     `json:"feeCents"`   // Platform fee (payouts only)
	PayeeCents    int64     `json:"payeeCents"` // Amount after fee (payouts only)
	ExternalTxnID string    `json:"externalTxnId"`
	ActorID       string    `json:"actorId,omitempty"` // Who initiated the movement, when known
	CreatedAt     time.Time `json:"createdAt"`
}

// NewEntry builds a ledger entry with a fresh id and timestamp.
func NewEntry(escrowID, milestoneID string, typ EntryType, amountCents, feeCents, payeeCents int64, externalTxnID, actorID string) *Entry {
	return &Entry{
		ID:            idgen.WithPrefix("led_"),
		EscrowID:      escrowID,
		MilestoneID:   milestoneID,
		Type:          typ,
		AmountCents:   amountCents,
		FeeCents:      feeCents,
		PayeeCents:    payeeCents,
		ExternalTxnID: externalTxnID,
		ActorID:       actorID,
		CreatedAt:     time.Now().UTC(),
	}
}

// Store persists ledger entries. Append-only.
type Store interface {
	// Append inserts an entry; ErrDuplicateEntry if the external transaction
	// id has already been recorded.
	Append(ctx context.Context, entry *Entry) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*Entry, error)
	HasExternalTxn(ctx context.Context, externalTxnID string) (bool, error)
}

// AuditRecord captures every applied settlement event for downstream consumers.
type AuditRecord struct {
	ID            string    `json:"id"`
	EventType     string    `json:"eventType"`
	EscrowRef     string    `json:"escrowRef"`
	MilestoneID   string    `json:"milestoneId"`
	AmountCents   int64     `json:"amountCents"`
	ActorID       string    `json:"actorId,omitempty"`
	ExternalTxnID string    `json:"externalTxnId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NewAuditRecord builds an audit record with a fresh id and timestamp.
func NewAuditRecord(eventType, escrowRef, milestoneID string, amountCents int64, actorID, externalTxnID string) *AuditRecord {
	return &AuditRecord{
		ID:            idgen.WithPrefix("aud_"),
		EventType:     eventType,
		EscrowRef:     escrowRef,
		MilestoneID:   milestoneID,
		AmountCents:   amountCents,
		ActorID:       actorID,
		ExternalTxnID: externalTxnID,
		CreatedAt:     time.Now().UTC(),
	}
}

// AuditStore persists audit records. Append-only.
type AuditStore interface {
	Append(ctx context.Context, rec *AuditRecord) error
	ListByEscrow(ctx context.Context, escrowRef string) ([]*AuditRecord, error)
}
