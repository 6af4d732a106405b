// Package provider abstracts the external payment provider.
//
// The settlement engine only ever creates intents here; it never waits on
// them. Confirmation arrives later through webhook events handled by the
// ingest package.
package provider

import (
	"context"
	"errors"
)

// ErrIntentFailed indicates the outbound intent request was rejected or the
// provider was unreachable. No state change occurred; the caller may retry.
var ErrIntentFailed = errors.New("provider rejected the intent request")

// Client creates provider-facing payment intents.
type Client interface {
	// CreatePayinIntent asks the provider to capture the client's payment
	// into escrow. Returns the provider intent reference.
	CreatePayinIntent(ctx context.Context, escrowRef string, amountCents int64) (string, error)

	// CreatePayoutIntent asks the provider to pay escrowed funds out to the
	// freelancer. Returns the provider intent reference.
	CreatePayoutIntent(ctx context.Context, escrowRef string, amountCents int64) (string, error)

	// CreateRefundIntent asks the provider to return escrowed funds to the
	// client. payinRef is the original pay-in intent being reversed.
	CreateRefundIntent(ctx context.Context, escrowRef, payinRef string, amountCents int64, reason string) (string, error)
}
