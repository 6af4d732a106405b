package provider

import (
	"context"
	"sync"

	"github.com/lancepay/escrowd/internal/idgen"
)

// MockClient is an in-process provider for demo/development mode and tests.
// It hands out references immediately; confirmation events must be injected
// through the webhook endpoint, same as with the real provider.
type MockClient struct {
	mu      sync.Mutex
	intents []MockIntent

	// FailNext, when set, makes the next intent request fail once.
	FailNext bool
}

// MockIntent records one intent request for inspection in tests.
type MockIntent struct {
	Kind        string // payin, payout, refund
	EscrowRef   string
	AmountCents int64
	Reason      string
}

// NewMockClient creates a mock provider client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Intents returns a copy of all recorded intent requests.
func (m *MockClient) Intents() []MockIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockIntent, len(m.intents))
	copy(out, m.intents)
	return out
}

func (m *MockClient) record(kind, escrowRef string, amountCents int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext {
		m.FailNext = false
		return ErrIntentFailed
	}
	m.intents = append(m.intents, MockIntent{Kind: kind, EscrowRef: escrowRef, AmountCents: amountCents, Reason: reason})
	return nil
}

func (m *MockClient) CreatePayinIntent(ctx context.Context, escrowRef string, amountCents int64) (string, error) {
	if err := m.record("payin", escrowRef, amountCents, ""); err != nil {
		return "", err
	}
	return idgen.WithPrefix("pi_"), nil
}

func (m *MockClient) CreatePayoutIntent(ctx context.Context, escrowRef string, amountCents int64) (string, error) {
	if err := m.record("payout", escrowRef, amountCents, ""); err != nil {
		return "", err
	}
	return idgen.WithPrefix("po_"), nil
}

func (m *MockClient) CreateRefundIntent(ctx context.Context, escrowRef, payinRef string, amountCents int64, reason string) (string, error) {
	if err := m.record("refund", escrowRef, amountCents, reason); err != nil {
		return "", err
	}
	return idgen.WithPrefix("re_"), nil
}

// Compile-time assertion that MockClient implements Client.
var _ Client = (*MockClient)(nil)
