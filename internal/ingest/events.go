// Package ingest receives the payment provider's webhook events and applies
// them to escrow state exactly once.
//
// Delivery is at-least-once, so every event carries a dedup key derived from
// the event type, the escrow's external reference, and the provider's
// idempotency token (transaction or refund id, falling back to the event
// timestamp). An event whose key is already marked processed is acknowledged
// without side effects. The apply itself runs in a single transaction: escrow
// compare-and-swap, ledger append, audit append, milestone/dispute reaction,
// and the processed mark all commit together.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrBadPayload    = errors.New("malformed event payload")
	ErrBadSignature  = errors.New("event signature verification failed")
	ErrUnknownEscrow = errors.New("event references an unknown escrow")
)

// Result is the outcome of ingesting one provider event.
type Result string

const (
	ResultProcessed        Result = "processed"
	ResultAlreadyProcessed Result = "already_processed"
	ResultRejected         Result = "rejected"
)

// Kind is the closed set of provider event types this service understands.
type Kind string

const (
	KindEscrowCreated Kind = "escrow.created"
	KindPayinSuccess  Kind = "payin.success"
	KindPayinFailed   Kind = "payin.failed"
	KindPayoutSuccess Kind = "payout.success"
	KindRefundSuccess Kind = "refund.success"
	KindUnknown       Kind = "unknown"
)

// KindOf maps a wire event type to a Kind. Unrecognized types map to
// KindUnknown so provider schema additions never break ingestion.
func KindOf(event string) Kind {
	switch Kind(event) {
	case KindEscrowCreated, KindPayinSuccess, KindPayinFailed, KindPayoutSuccess, KindRefundSuccess:
		return Kind(event)
	}
	return KindUnknown
}

// Payload is the provider's wire format. The shape is a compatibility
// contract; fields are only ever added.
type Payload struct {
	Event     string      `json:"event"`
	Data      PayloadData `json:"data"`
	Timestamp string      `json:"timestamp"` // ISO8601; kept raw because it is signed verbatim
	Signature string      `json:"signature"`
}

// PayloadData is the event-specific body.
type PayloadData struct {
	EscrowID      string `json:"escrowId"` // The escrow's external reference
	Amount        int64  `json:"amount,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	RefundID      string `json:"refundId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Event is a parsed, signature-verified provider event ready to apply.
type Event struct {
	Kind      Kind
	RawType   string
	EscrowRef string
	Amount    int64
	Token     string // Provider idempotency token; empty when only the timestamp dedups
	Reason    string
	Timestamp time.Time
	DedupKey  string
}

// ParsePayload decodes and validates the wire payload. Signature verification
// is the caller's job; this only checks shape.
func ParsePayload(raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.Event == "" || p.Data.EscrowID == "" || p.Timestamp == "" {
		return nil, fmt.Errorf("%w: event, data.escrowId, and timestamp are required", ErrBadPayload)
	}
	return &p, nil
}

// ToEvent converts a payload into an applyable Event.
func (p *Payload) ToEvent() (Event, error) {
	ts, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("%w: bad timestamp %q", ErrBadPayload, p.Timestamp)
	}

	token := p.Data.TransactionID
	if token == "" {
		token = p.Data.RefundID
	}

	return Event{
		Kind:      KindOf(p.Event),
		RawType:   p.Event,
		EscrowRef: p.Data.EscrowID,
		Amount:    p.Data.Amount,
		Token:     token,
		Reason:    p.Data.Reason,
		Timestamp: ts.UTC(),
		DedupKey:  DedupKey(p.Event, p.Data.EscrowID, token, p.Timestamp),
	}, nil
}

// DedupKey builds the composite idempotency key for an event. The provider
// token wins when present; replays that only differ in timestamp then share a
// key and are dropped before touching state.
func DedupKey(event, escrowRef, token, timestamp string) string {
	if token == "" {
		token = timestamp
	}
	return event + "|" + escrowRef + "|" + token
}

// Sign computes the hex HMAC-SHA256 signature for a payload under the shared
// webhook secret. Every data field is folded into the MAC, quoted to keep the
// framing unambiguous, so a captured delivery cannot be replayed with an
// altered amount, transaction id, or reason.
func Sign(secret string, p *Payload) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%q.%q.%d.%q.%q.%q.%q",
		p.Event, p.Data.EscrowID, p.Data.Amount,
		p.Data.TransactionID, p.Data.RefundID, p.Data.Reason, p.Timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a payload's signature. Failures are a hard reject;
// an unsigned or tampered event must never reach the settlement engine.
func VerifySignature(secret string, p *Payload) bool {
	expected := Sign(secret, p)
	return hmac.Equal([]byte(expected), []byte(p.Signature))
}
