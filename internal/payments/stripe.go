package payments

import (
	"context"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
)

// minorUnits converts whole currency units to the processor's smallest unit.
const minorUnits = 100

// StripeGateway holds card funds with a manual-capture PaymentIntent.
type StripeGateway struct{}

// NewStripeGateway configures stripe-go with apiKey.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
func (s *StripeGateway) Hold(ctx context.Context, req HoldRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Total * minorUnits),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("hold-" + req.PaymentID)
	params.AddMetadata("request_id", req.RequestID)
	params.AddMetadata("payment_id", req.PaymentID)
	params.AddMetadata("owner_id", req.OwnerID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes part or all of a held PaymentIntent; the uncaptured rest
// is released by Stripe. Capturing nothing cancels the intent.
func (s *StripeGateway) Capture(ctx context.Context, c Charge) error {
	if c.Amount == 0 {
		params := &stripe.PaymentIntentCancelParams{}
		params.Context = ctx
		_, err := paymentintent.Cancel(c.Ref, params)
		return err
	}
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(c.Amount * minorUnits)}
	params.Context = ctx
	params.SetIdempotencyKey("capture-" + c.PaymentID)
	_, err := paymentintent.Capture(c.Ref, params)
	return err
}

func (s *StripeGateway) Refund(ctx context.Context, c Charge) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(c.Ref),
		Amount:        stripe.Int64(c.Amount * minorUnits),
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + c.PaymentID)
	_, err := refund.New(params)
	return err
}
