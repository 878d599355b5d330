package escrow

import (
	"context"
	"time"

	"github.com/plazashare/escrow/internal/money"
	"github.com/plazashare/escrow/internal/notify"
	"github.com/plazashare/escrow/internal/traces"
)

// RefundRequest contains the parameters for a direct refund.
type RefundRequest struct {
	PaymentID string `json:"-"`
	Amount    string `json:"amount" binding:"required"`
}

// Refund returns part or all of the remaining balance outside a dispute.
// Allowed from RETENIDO, LIBERADO, and REEMBOLSO_PARCIAL. Refunding a
// released payment claws the release back, so ReleasedAt is cleared. A
// disputed payment must be refunded through ResolveDispute.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (_ *Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.PaymentID(req.PaymentID), traces.Amount(req.Amount))
	defer func() { traces.End(span, err); observe("refund", err) }()

	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		return nil, invalid("amount: %v", err)
	}

	p, err := s.mutate(ctx, req.PaymentID, func(p *Payment, now time.Time) (*Mutation, error) {
		switch p.Status {
		case StatusHeld, StatusReleased, StatusPartiallyRefunded:
		default:
			return nil, badState("refund", p.Status)
		}
		if remaining := p.Remaining(); amount.GreaterThan(remaining) {
			return nil, invalid("refund %s exceeds the remaining balance %s",
				money.Format(amount), money.Format(remaining))
		}

		p.AmountRefunded = p.AmountRefunded.Add(amount)
		if p.AmountRefunded.Equal(p.Amount) {
			p.Status = StatusRefunded
		} else {
			p.Status = StatusPartiallyRefunded
		}
		if p.ReleasedAt != nil {
			p.ReleaseReversed = true
		}
		p.ReleasedAt = nil
		p.RefundedAt = &now
		p.UpdatedAt = now
		return &Mutation{Payment: p}, nil
	})
	if err != nil {
		return nil, err
	}

	params := paymentParams(p)
	params["refunded"] = money.Format(amount)
	s.send(ctx, p.OwnerID, notify.KindPaymentRefunded, params)
	return p, nil
}
