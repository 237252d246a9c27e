package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeGateway is a thin wrapper around stripe-go for the
// PaymentIntent hold/capture/cancel flow.
type StripeGateway struct{}

// NewStripeGateway initializes the stripe client with the given API
// key.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

// CreateIntent creates a PaymentIntent with capture_method=manual to
// hold funds. The idempotency key keeps gateway-side retries from
// producing duplicate intents.
func (s *StripeGateway) CreateIntent(ctx context.Context, amountCents int64, currency, idempotencyKey string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.SetIdempotencyKey(idempotencyKey)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeGateway) Capture(ctx context.Context, gatewayRef string) error {
	_, err := paymentintent.Capture(gatewayRef, nil)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeGateway) Cancel(ctx context.Context, gatewayRef string) error {
	_, err := paymentintent.Cancel(gatewayRef, nil)
	return err
}
