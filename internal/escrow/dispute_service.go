package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/plazashare/escrow/internal/idgen"
	"github.com/plazashare/escrow/internal/money"
	"github.com/plazashare/escrow/internal/notify"
	"github.com/plazashare/escrow/internal/traces"
	"github.com/plazashare/escrow/internal/validation"
	"github.com/shopspring/decimal"
)

// OpenDisputeRequest contains the parameters for opening a dispute.
type OpenDisputeRequest struct {
	PaymentID   string   `json:"-"`
	ClaimantID  int64    `json:"-"`
	Reason      Reason   `json:"reason" binding:"required"`
	Description string   `json:"description" binding:"required"`
	Evidence    []string `json:"evidence"`
}

// ResolveRequest contains an agent's decision on a dispute.
type ResolveRequest struct {
	DisputeID string  `json:"-"`
	AgentID   int64   `json:"-"`
	Outcome   Outcome `json:"outcome" binding:"required"`
	Amount    string  `json:"amount"`
	Notes     string  `json:"notes"`
}

// CloseRequest archives or withdraws a dispute.
type CloseRequest struct {
	DisputeID string `json:"-"`
	ActorID   int64  `json:"-"`
	Agent     bool   `json:"-"`
	Notes     string `json:"notes"`
}

// OpenDispute freezes a held payment under a new claim. Only the payment
// owner may open one, and only while the payment is RETENIDO or
// REEMBOLSO_PARCIAL.
func (s *Service) OpenDispute(ctx context.Context, req OpenDisputeRequest) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenDispute", traces.PaymentID(req.PaymentID))
	defer func() { traces.End(span, err); observe("open_dispute", err) }()

	req.Description = validation.SanitizeText(req.Description)
	if errs := validation.Validate(
		validation.OneOf("reason", string(req.Reason),
			string(ReasonNoAccess), string(ReasonInvalidCredentials), string(ReasonServiceCancelled),
			string(ReasonIncorrectCharge), string(ReasonOther)),
		validation.Required("description", req.Description),
		validation.MaxLength("description", req.Description, validation.MaxTextLength),
		validation.EvidenceURLs("evidence", req.Evidence, MaxEvidence),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrValidation, errs.Error())
	}

	var d *Dispute
	p, err := s.mutate(ctx, req.PaymentID, func(p *Payment, now time.Time) (*Mutation, error) {
		if p.OwnerID != req.ClaimantID {
			return nil, fmt.Errorf("%w: only the payer can dispute a payment", ErrUnauthorized)
		}
		if p.ReleaseReversed {
			return nil, ErrDisputeAfterRelease
		}
		switch p.Status {
		case StatusHeld, StatusPartiallyRefunded:
		case StatusDisputed:
			return nil, ErrDuplicateDispute
		case StatusReleased:
			return nil, ErrDisputeAfterRelease
		default:
			return nil, badState("dispute", p.Status)
		}
		if _, err := s.store.ActiveDispute(ctx, p.ID); err == nil {
			return nil, ErrDuplicateDispute
		}

		d = &Dispute{
			ID:                  idgen.WithPrefix(idgen.DisputePrefix),
			PaymentID:           p.ID,
			ClaimantID:          req.ClaimantID,
			Reason:              req.Reason,
			Description:         req.Description,
			Evidence:            req.Evidence,
			OpenedAt:            now,
			Status:              DisputeOpen,
			PaymentStatusAtOpen: p.Status,
			UpdatedAt:           now,
		}
		p.Status = StatusDisputed
		p.UpdatedAt = now
		return &Mutation{Payment: p, Dispute: d, InsertDispute: true}, nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(traces.DisputeID(d.ID))
	params := paymentParams(p)
	params["disputeId"] = d.ID
	params["reason"] = string(d.Reason)
	s.send(ctx, p.OwnerID, notify.KindDisputeOpened, params)
	s.sendToHost(ctx, p, notify.KindDisputeOpened, params)
	return d, nil
}

// StartReview marks an OPEN dispute as taken by an agent.
func (s *Service) StartReview(ctx context.Context, disputeID string, agentID int64) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.StartReview", traces.DisputeID(disputeID))
	defer func() { traces.End(span, err); observe("start_review", err) }()

	return s.mutateDispute(ctx, disputeID, func(p *Payment, d *Dispute, now time.Time) error {
		if d.Status != DisputeOpen {
			return badDisputeState("review", d.Status)
		}
		d.Status = DisputeInReview
		d.AgentID = &agentID
		d.UpdatedAt = now
		return nil
	})
}

// ResolveDispute applies an agent's decision. The dispute becomes RESOLVED
// and the payment leaves DISPUTADO:
//   - DENIED releases the remaining funds (LIBERADO)
//   - REFUND_FULL refunds the remaining balance (REEMBOLSADO)
//   - REFUND_PARTIAL refunds 0 < amount < remaining (REEMBOLSO_PARCIAL)
//   - OTHER puts the payment back in the state the dispute interrupted
func (s *Service) ResolveDispute(ctx context.Context, req ResolveRequest) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.DisputeID(req.DisputeID))
	defer func() { traces.End(span, err); observe("resolve_dispute", err) }()

	if !req.Outcome.Resolvable() {
		return nil, invalid("outcome must be one of %s, %s, %s, %s",
			OutcomeRefundFull, OutcomeRefundPartial, OutcomeDenied, OutcomeOther)
	}
	var amount *decimal.Decimal
	if req.Amount != "" {
		a, err := money.Parse(req.Amount)
		if err != nil {
			return nil, invalid("amount: %v", err)
		}
		amount = &a
	}
	notes := validation.SanitizeText(req.Notes)
	if len(notes) > validation.MaxTextLength {
		return nil, invalid("notes exceed maximum length")
	}

	var released bool
	d, err := s.mutateDispute(ctx, req.DisputeID, func(p *Payment, d *Dispute, now time.Time) error {
		if !d.IsActive() {
			return badDisputeState("resolve", d.Status)
		}
		if p.Status != StatusDisputed {
			return badState("resolve a dispute on", p.Status)
		}

		remaining := p.Remaining()
		var resolved decimal.Decimal
		switch req.Outcome {
		case OutcomeRefundFull:
			if amount != nil && !amount.Equal(remaining) {
				return invalid("full refund must equal the remaining balance %s", money.Format(remaining))
			}
			resolved = remaining
			p.AmountRefunded = p.Amount
			p.Status = StatusRefunded
			p.RefundedAt = &now
		case OutcomeRefundPartial:
			if amount == nil {
				return invalid("amount is required for a partial refund")
			}
			if !amount.IsPositive() || !amount.LessThan(remaining) {
				return invalid("partial refund must be greater than 0 and less than %s", money.Format(remaining))
			}
			resolved = *amount
			p.AmountRefunded = p.AmountRefunded.Add(resolved)
			p.Status = StatusPartiallyRefunded
			p.RefundedAt = &now
		case OutcomeDenied:
			if amount != nil && !amount.IsZero() {
				return invalid("a denied dispute carries no refund amount")
			}
			p.Status = StatusReleased
			p.ReleasedAt = &now
			released = true
		case OutcomeOther:
			if amount != nil && !amount.IsZero() {
				return invalid("outcome OTHER carries no refund amount")
			}
			p.Status = d.PaymentStatusAtOpen
		}
		p.UpdatedAt = now

		d.Status = DisputeResolved
		d.ResolvedAt = &now
		d.Outcome = req.Outcome
		d.AgentID = &req.AgentID
		d.ResolutionNotes = notes
		if req.Outcome == OutcomeRefundFull || req.Outcome == OutcomeRefundPartial {
			d.ResolvedAmount = &resolved
		}
		d.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if p, err := s.store.GetPayment(ctx, d.PaymentID); err == nil {
		params := paymentParams(p)
		params["disputeId"] = d.ID
		params["outcome"] = string(d.Outcome)
		s.send(ctx, p.OwnerID, notify.KindDisputeResolved, params)
		if released {
			s.sendToHost(ctx, p, notify.KindPaymentReleased, params)
		}
	}
	return d, nil
}

// CloseDispute ends a dispute's life. A RESOLVED dispute is archived by an
// agent. An active dispute is withdrawn by its claimant or an agent; the
// payment goes back to the state the dispute interrupted.
func (s *Service) CloseDispute(ctx context.Context, req CloseRequest) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CloseDispute", traces.DisputeID(req.DisputeID))
	defer func() { traces.End(span, err); observe("close_dispute", err) }()

	notes := validation.SanitizeText(req.Notes)
	if len(notes) > validation.MaxTextLength {
		return nil, invalid("notes exceed maximum length")
	}

	return s.mutateDispute(ctx, req.DisputeID, func(p *Payment, d *Dispute, now time.Time) error {
		switch {
		case d.Status == DisputeResolved:
			if !req.Agent {
				return fmt.Errorf("%w: only an agent can archive a resolved dispute", ErrUnauthorized)
			}
		case d.IsActive():
			if !req.Agent && req.ActorID != d.ClaimantID {
				return fmt.Errorf("%w: only the claimant or an agent can withdraw a dispute", ErrUnauthorized)
			}
			if p.Status != StatusDisputed {
				return badState("withdraw a dispute on", p.Status)
			}
			p.Status = d.PaymentStatusAtOpen
			p.UpdatedAt = now
			d.Outcome = OutcomeWithdrawn
			d.ResolvedAt = &now
			if req.Agent {
				d.AgentID = &req.ActorID
			}
		default:
			return badDisputeState("close", d.Status)
		}
		d.Status = DisputeClosed
		if notes != "" {
			d.ResolutionNotes = notes
		}
		d.UpdatedAt = now
		return nil
	})
}

// mutateDispute locks the payment a dispute belongs to, re-reads both, and
// persists them together after fn has modified them.
func (s *Service) mutateDispute(ctx context.Context, disputeID string, fn func(p *Payment, d *Dispute, now time.Time) error) (*Dispute, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	_, err = s.mutate(ctx, d.PaymentID, func(p *Payment, now time.Time) (*Mutation, error) {
		d, err = s.store.GetDispute(ctx, disputeID)
		if err != nil {
			return nil, err
		}
		if err := fn(p, d, now); err != nil {
			return nil, err
		}
		return &Mutation{Payment: p, Dispute: d}, nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}
