package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lancepay/escrowd/internal/circuitbreaker"
	"github.com/lancepay/escrowd/internal/retry"
)

// ErrProviderUnavailable indicates the circuit for this intent kind is open;
// the provider has been failing and calls are rejected until the probe window.
var ErrProviderUnavailable = errors.New("payment provider temporarily unavailable")

// ResilientClient wraps a Client with bounded retries and a per-intent-kind
// circuit breaker. A payout outage then never blocks pay-ins and vice versa.
type ResilientClient struct {
	inner       Client
	breaker     *circuitbreaker.Breaker
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
}

// WithResilience wraps a provider client with retry and circuit breaking.
func WithResilience(inner Client, logger *slog.Logger) *ResilientClient {
	return &ResilientClient{
		inner:       inner,
		breaker:     circuitbreaker.New(5, 30*time.Second),
		logger:      logger,
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
	}
}

func (r *ResilientClient) CreatePayinIntent(ctx context.Context, escrowRef string, amountCents int64) (string, error) {
	return r.call(ctx, "payin", func() (string, error) {
		return r.inner.CreatePayinIntent(ctx, escrowRef, amountCents)
	})
}

func (r *ResilientClient) CreatePayoutIntent(ctx context.Context, escrowRef string, amountCents int64) (string, error) {
	return r.call(ctx, "payout", func() (string, error) {
		return r.inner.CreatePayoutIntent(ctx, escrowRef, amountCents)
	})
}

func (r *ResilientClient) CreateRefundIntent(ctx context.Context, escrowRef, payinRef string, amountCents int64, reason string) (string, error) {
	return r.call(ctx, "refund", func() (string, error) {
		return r.inner.CreateRefundIntent(ctx, escrowRef, payinRef, amountCents, reason)
	})
}

func (r *ResilientClient) call(ctx context.Context, kind string, fn func() (string, error)) (string, error) {
	if !r.breaker.Allow(kind) {
		return "", fmt.Errorf("%w: %s circuit open", ErrProviderUnavailable, kind)
	}

	var ref string
	err := retry.Do(ctx, r.maxAttempts, r.baseDelay, func() error {
		var callErr error
		ref, callErr = fn()
		return callErr
	})
	if err != nil {
		r.breaker.RecordFailure(kind)
		r.logger.Warn("provider intent failed after retries", "kind", kind, "error", err)
		return "", err
	}

	r.breaker.RecordSuccess(kind)
	return ref, nil
}

// Compile-time assertion that ResilientClient implements Client.
var _ Client = (*ResilientClient)(nil)
