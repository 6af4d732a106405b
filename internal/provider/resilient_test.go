package provider

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

// flakyClient fails a configurable number of times before succeeding.
type flakyClient struct {
	failures int
	calls    int
}

func (f *flakyClient) attempt() (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", ErrIntentFailed
	}
	return "pi_ok", nil
}

func (f *flakyClient) CreatePayinIntent(ctx context.Context, escrowRef string, amountCents int64) (string, error) {
	return f.attempt()
}

func (f *flakyClient) CreatePayoutIntent(ctx context.Context, escrowRef string, amountCents int64) (string, error) {
	return f.attempt()
}

func (f *flakyClient) CreateRefundIntent(ctx context.Context, escrowRef, payinRef string, amountCents int64, reason string) (string, error) {
	return f.attempt()
}

func newResilient(inner Client) *ResilientClient {
	r := WithResilience(inner, slog.Default())
	r.baseDelay = time.Millisecond
	return r
}

func TestResilient_RetriesTransientFailures(t *testing.T) {
	inner := &flakyClient{failures: 2}
	r := newResilient(inner)

	ref, err := r.CreatePayinIntent(context.Background(), "ext_1", 1000)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if ref != "pi_ok" {
		t.Errorf("ref = %s, want pi_ok", ref)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestResilient_ExhaustedRetriesSurfaceError(t *testing.T) {
	inner := &flakyClient{failures: 10}
	r := newResilient(inner)

	_, err := r.CreatePayinIntent(context.Background(), "ext_1", 1000)
	if !errors.Is(err, ErrIntentFailed) {
		t.Fatalf("expected ErrIntentFailed, got %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3 (maxAttempts)", inner.calls)
	}
}

func TestResilient_BreakerOpensPerKind(t *testing.T) {
	inner := &flakyClient{failures: 1000}
	r := newResilient(inner)

	ctx := context.Background()

	// Five failed payout calls trip the payout circuit
	for i := 0; i < 5; i++ {
		if _, err := r.CreatePayoutIntent(ctx, "ext_1", 1000); !errors.Is(err, ErrIntentFailed) {
			t.Fatalf("call %d: expected ErrIntentFailed, got %v", i, err)
		}
	}

	if _, err := r.CreatePayoutIntent(ctx, "ext_1", 1000); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable with open circuit, got %v", err)
	}

	// Pay-in circuit is independent and still closed
	if _, err := r.CreatePayinIntent(ctx, "ext_1", 1000); !errors.Is(err, ErrIntentFailed) {
		t.Errorf("expected ErrIntentFailed on payin (closed circuit), got %v", err)
	}
}
