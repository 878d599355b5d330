// Package capture implements the payment gateways the escrow service charges
// through: a manual gateway for development and a Stripe gateway that
// confirms an off-session PaymentIntent against a stored payment method.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/plazashare/escrow/internal/circuitbreaker"
	"github.com/plazashare/escrow/internal/escrow"
	"github.com/plazashare/escrow/internal/idgen"
	"github.com/plazashare/escrow/internal/logging"
	"github.com/plazashare/escrow/internal/money"
)

const manualPrefix = "man_"

// ErrDeclined is returned when the provider refuses the charge.
var ErrDeclined = errors.New("charge declined")

// Manual accepts every charge and returns a generated reference. It moves
// no money and is refused by config validation in production.
type Manual struct {
	logger *slog.Logger
}

// NewManual creates a manual gateway.
func NewManual(logger *slog.Logger) *Manual {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manual{logger: logger}
}

// Charge implements escrow.Gateway.
func (m *Manual) Charge(_ context.Context, ch escrow.Charge) (string, error) {
	if !ch.Amount.IsPositive() {
		return "", fmt.Errorf("%w: non-positive amount %s", ErrDeclined, ch.Amount)
	}
	ref := idgen.WithPrefix(manualPrefix)
	m.logger.Info("manual capture",
		"paymentId", ch.PaymentID, "ownerId", ch.OwnerID,
		"amount", money.Format(ch.Amount), "currency", ch.Currency, "ref", ref)
	return ref, nil
}

// Guarded wraps a gateway with a circuit breaker so a provider outage fails
// captures fast instead of holding requests open.
type Guarded struct {
	next    escrow.Gateway
	breaker *circuitbreaker.Breaker
}

// NewGuarded creates a breaker-wrapped gateway. Declines do not count as
// provider failures.
func NewGuarded(next escrow.Gateway, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

// DefaultBreaker returns the breaker settings used in production wiring.
func DefaultBreaker(name string) *circuitbreaker.Breaker {
	return circuitbreaker.New("capture_"+strings.ToLower(name), 5, 30*time.Second)
}

// Charge implements escrow.Gateway.
func (g *Guarded) Charge(ctx context.Context, ch escrow.Charge) (string, error) {
	var ref string
	var declined error
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		r, err := g.next.Charge(ctx, ch)
		if errors.Is(err, ErrDeclined) {
			declined = err
			return nil
		}
		ref = r
		return err
	})
	if declined != nil {
		return "", declined
	}
	return ref, err
}

var (
	_ escrow.Gateway = (*Manual)(nil)
	_ escrow.Gateway = (*Guarded)(nil)
)
