package provider

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeClient creates intents against the Stripe API.
//
// Pay-ins are PaymentIntents, payouts are Transfers to the platform's
// connected payout account, refunds reverse the original PaymentIntent.
type StripeClient struct {
	api           *client.API
	payoutAccount string
}

// NewStripeClient creates a Stripe-backed provider client.
func NewStripeClient(apiKey string) *StripeClient {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeClient{api: api}
}

// WithPayoutAccount sets the connected account receiving payouts.
func (s *StripeClient) WithPayoutAccount(account string) *StripeClient {
	s.payoutAccount = account
	return s
}

func (s *StripeClient) CreatePayinIntent(ctx context.Context, escrowRef string, amountCents int64) (string, error) {
	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
	}
	params.AddMetadata("escrow_ref", escrowRef)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIntentFailed, err)
	}
	return pi.ID, nil
}

func (s *StripeClient) CreatePayoutIntent(ctx context.Context, escrowRef string, amountCents int64) (string, error) {
	params := &stripe.TransferParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
	}
	if s.payoutAccount != "" {
		params.Destination = stripe.String(s.payoutAccount)
	}
	params.AddMetadata("escrow_ref", escrowRef)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIntentFailed, err)
	}
	return tr.ID, nil
}

func (s *StripeClient) CreateRefundIntent(ctx context.Context, escrowRef, payinRef string, amountCents int64, reason string) (string, error) {
	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(payinRef),
		Amount:        stripe.Int64(amountCents),
	}
	params.AddMetadata("escrow_ref", escrowRef)
	// Stripe's reason field is enum-restricted; free text travels as metadata.
	if reason != "" {
		params.AddMetadata("reason", reason)
	}

	re, err := s.api.Refunds.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIntentFailed, err)
	}
	return re.ID, nil
}

// Compile-time assertion that StripeClient implements Client.
var _ Client = (*StripeClient)(nil)
