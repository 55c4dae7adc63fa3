package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// Stripe creates and confirms one PaymentIntent per charge.
type Stripe struct {
	api    *client.API
	logger zerolog.Logger
}

func NewStripe(secretKey string, logger zerolog.Logger) *Stripe {
	return &Stripe{api: client.New(secretKey, nil), logger: logger}
}

// NewStripeWithBackends is used to point the client at a non-default endpoint.
func NewStripeWithBackends(secretKey string, backends *stripe.Backends, logger zerolog.Logger) *Stripe {
	return &Stripe{api: client.New(secretKey, backends), logger: logger}
}

func (s *Stripe) Execute(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(req.Currency),
		Confirm:  stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	if req.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethod)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.ChargeID)
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("charge_id", req.ChargeID)
	params.AddMetadata("seller_id", req.SellerID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			return ChargeResult{}, fmt.Errorf("%w: %s", ErrDeclined, stripeErr.Msg)
		}
		return ChargeResult{}, fmt.Errorf("create payment intent: %w", err)
	}

	s.logger.Info().
		Str("charge_id", req.ChargeID).
		Str("payment_intent", pi.ID).
		Str("status", string(pi.Status)).
		Msg("stripe: payment intent confirmed")

	if pi.Status != stripe.PaymentIntentStatusSucceeded && pi.Status != stripe.PaymentIntentStatusProcessing {
		return ChargeResult{ProcessorID: pi.ID}, fmt.Errorf("%w: payment intent %s is %s", ErrDeclined, pi.ID, pi.Status)
	}
	return ChargeResult{ProcessorID: pi.ID}, nil
}
