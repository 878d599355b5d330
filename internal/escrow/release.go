package escrow

import (
	"context"
	"time"

	"github.com/plazashare/escrow/internal/logging"
	"github.com/plazashare/escrow/internal/notify"
	"github.com/plazashare/escrow/internal/traces"
)

// Release pays a held payment out to the host. The hold window must have
// elapsed and no dispute may be active. Releasing an already LIBERADO
// payment is a successful no-op.
func (s *Service) Release(ctx context.Context, id string) (*Payment, error) {
	p, _, err := s.release(ctx, id)
	return p, err
}

func (s *Service) release(ctx context.Context, id string) (_ *Payment, released bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.PaymentID(id))
	defer func() { traces.End(span, err); observe("release", err) }()

	p, err := s.mutate(ctx, id, func(p *Payment, now time.Time) (*Mutation, error) {
		switch p.Status {
		case StatusReleased:
			return nil, nil
		case StatusDisputed:
			return nil, ErrActiveDisputeBlocksRelease
		case StatusHeld:
		default:
			return nil, badState("release", p.Status)
		}
		if !p.ReleaseDue(now) {
			return nil, ErrReleaseWindowNotReached
		}
		// The eligibility query already excludes disputed payments; this
		// re-check runs under the lock, after the query.
		if _, err := s.store.ActiveDispute(ctx, p.ID); err == nil {
			return nil, ErrActiveDisputeBlocksRelease
		}

		p.Status = StatusReleased
		p.ReleasedAt = &now
		p.UpdatedAt = now
		released = true
		return &Mutation{Payment: p}, nil
	})
	if err != nil {
		return nil, false, err
	}

	if released {
		params := paymentParams(p)
		s.send(ctx, p.OwnerID, notify.KindPaymentReleased, params)
		s.sendToHost(ctx, p, notify.KindPaymentReleased, params)
	}
	return p, released, nil
}

// FindReleaseEligible lists payments the scheduler should release at asOf:
// RETENIDO, hold elapsed, no active dispute. Ordered by RetentionUntil then
// ID, capped at the release batch size.
func (s *Service) FindReleaseEligible(ctx context.Context, asOf time.Time) ([]*Payment, error) {
	return s.store.ListReleaseEligible(ctx, asOf, s.batchSize)
}

// ReleaseResult is the outcome of one scheduled release attempt.
type ReleaseResult struct {
	PaymentID string
	Released  bool // false with a nil Err means it was already released
	Err       error
}

// ReleaseOne attempts a single release and reports the outcome in the
// result rather than as a return error.
func (s *Service) ReleaseOne(ctx context.Context, id string) ReleaseResult {
	_, released, err := s.release(ctx, id)
	return ReleaseResult{PaymentID: id, Released: released, Err: err}
}

// ReleaseReport summarizes one release run.
type ReleaseReport struct {
	Eligible        int           `json:"eligible"`
	Released        int           `json:"released"`
	AlreadyReleased int           `json:"alreadyReleased"`
	Errors          int           `json:"errors"`
	Duration        time.Duration `json:"duration"`
}

// RunRelease releases every eligible payment as of now. Each payment is
// independent: failures are logged and counted and the run moves on. A
// payment that failed stays RETENIDO and is picked up by the next run.
// The only returned error is a failure to list eligible payments.
func (s *Service) RunRelease(ctx context.Context) (ReleaseReport, error) {
	start := time.Now()
	logger := logging.ForJob(s.logger, "release")
	ctx, span := traces.StartSpan(ctx, "escrow.RunRelease", traces.Job("release"))
	defer span.End()

	eligible, err := s.FindReleaseEligible(ctx, s.now())
	if err != nil {
		logger.Error("failed to list release-eligible payments", "error", err)
		return ReleaseReport{}, err
	}

	report := ReleaseReport{Eligible: len(eligible)}
	for _, p := range eligible {
		res := s.ReleaseOne(ctx, p.ID)
		switch {
		case res.Err != nil:
			report.Errors++
			releaseItemsTotal.WithLabelValues("error").Inc()
			logger.Warn("failed to release payment", "paymentId", res.PaymentID, "error", res.Err)
		case res.Released:
			report.Released++
			releaseItemsTotal.WithLabelValues("released").Inc()
			logger.Info("released payment",
				"paymentId", p.ID, "ownerId", p.OwnerID, "amount", p.Amount.StringFixed(2), "currency", p.Currency)
		default:
			report.AlreadyReleased++
			releaseItemsTotal.WithLabelValues("already_released").Inc()
		}
	}
	report.Duration = time.Since(start)

	logger.Info("release run complete",
		"eligible", report.Eligible,
		"released", report.Released,
		"alreadyReleased", report.AlreadyReleased,
		"errors", report.Errors,
		"duration", report.Duration,
	)
	return report, nil
}
