package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/plazashare/escrow/internal/escrow"
	"github.com/plazashare/escrow/internal/money"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// Stripe charges stored payment methods with an off-session PaymentIntent
// that is created and confirmed in one call. The platform keeps the funds
// until release, so the intent is captured immediately.
type Stripe struct {
	api *client.API
}

// NewStripe creates a Stripe gateway using the default API backends.
func NewStripe(secretKey string) *Stripe {
	return NewStripeWithBackends(secretKey, nil)
}

// NewStripeWithBackends creates a Stripe gateway with explicit backends.
// Tests point these at a local server.
func NewStripeWithBackends(secretKey string, backends *stripe.Backends) *Stripe {
	return &Stripe{api: client.New(secretKey, backends)}
}

// Charge implements escrow.Gateway. The payment ID doubles as the Stripe
// idempotency key so a retried capture never charges twice.
func (s *Stripe) Charge(ctx context.Context, ch escrow.Charge) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(money.MinorUnits(ch.Amount)),
		Currency:           stripe.String(strings.ToLower(ch.Currency)),
		PaymentMethod:      stripe.String(ch.GatewayToken),
		Confirm:            stripe.Bool(true),
		OffSession:         stripe.Bool(true),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	params.SetIdempotencyKey(ch.PaymentID)
	params.AddMetadata("payment_id", ch.PaymentID)
	params.AddMetadata("owner_id", fmt.Sprint(ch.OwnerID))

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Type == stripe.ErrorTypeCard {
			return "", fmt.Errorf("%w: %s (%s)", ErrDeclined, serr.Msg, serr.Code)
		}
		return "", fmt.Errorf("stripe: create payment intent: %w", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return "", fmt.Errorf("%w: payment intent %s is %s", ErrDeclined, pi.ID, pi.Status)
	}
	return pi.ID, nil
}

var _ escrow.Gateway = (*Stripe)(nil)
