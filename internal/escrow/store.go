package escrow

import (
	"context"
	"time"

	"github.com/plazashare/escrow/internal/pagination"
)

// Mutation is the write half of one transition. Payment is required and
// carries the version that was read; Apply persists it only if the stored
// version still matches, then bumps Payment.Version. Dispute, when set, is
// written in the same atomic unit: inserted if InsertDispute, else updated.
type Mutation struct {
	Payment       *Payment
	Dispute       *Dispute
	InsertDispute bool
}

// Store persists payments and disputes. Neither is ever deleted.
type Store interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	// ListPaymentsByOwner returns up to limit payments, newest first
	// (CreatedAt desc, ID desc), strictly after the cursor when one is given.
	ListPaymentsByOwner(ctx context.Context, ownerID int64, after *pagination.Cursor, limit int) ([]*Payment, error)
	// ListReleaseEligible returns RETENIDO payments with RetentionUntil <= asOf
	// and no active dispute, ordered by RetentionUntil then ID.
	ListReleaseEligible(ctx context.Context, asOf time.Time, limit int) ([]*Payment, error)

	// Apply persists a transition atomically. A stale payment version yields
	// ErrConcurrencyConflict; inserting a second active dispute for a payment
	// yields ErrDuplicateDispute.
	Apply(ctx context.Context, m Mutation) error

	GetDispute(ctx context.Context, id string) (*Dispute, error)
	// ActiveDispute returns the OPEN or IN_REVIEW dispute of a payment, or
	// ErrDisputeNotFound.
	ActiveDispute(ctx context.Context, paymentID string) (*Dispute, error)
	// ListDisputesByPayment returns every dispute of a payment, oldest first.
	ListDisputesByPayment(ctx context.Context, paymentID string) ([]*Dispute, error)
}
