// Package escrow holds seat payments between capture and settlement.
//
// Flow:
//  1. Capture → PENDIENTE, the gateway charges the stored method → RETENIDO
//  2. Hold window elapses with no open dispute → LIBERADO (host is paid)
//  3. Claimant opens a dispute → DISPUTADO; an agent resolves it by release,
//     full refund, partial refund, or returning the payment to its hold
//  4. Direct refunds settle to REEMBOLSADO or REEMBOLSO_PARCIAL
//
// Service is the only writer of payment and dispute state. Every transition
// re-reads the pair under a per-payment lock and persists through Store.Apply,
// which rejects writes against a stale version.
package escrow

import (
	"encoding/json"
	"time"

	"github.com/plazashare/escrow/internal/money"
	"github.com/shopspring/decimal"
)

// Status is the escrow state of a payment.
type Status string

const (
	StatusPending           Status = "PENDIENTE"         // awaiting capture confirmation
	StatusHeld              Status = "RETENIDO"          // captured, funds retained
	StatusReleased          Status = "LIBERADO"          // paid out to the host
	StatusRefunded          Status = "REEMBOLSADO"       // fully refunded
	StatusPartiallyRefunded Status = "REEMBOLSO_PARCIAL" // part of the amount returned
	StatusDisputed          Status = "DISPUTADO"         // frozen by an active dispute
	StatusFailed            Status = "FALLIDO"           // capture failed
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusHeld, StatusReleased, StatusRefunded,
		StatusPartiallyRefunded, StatusDisputed, StatusFailed:
		return true
	}
	return false
}

// DefaultHoldWindow is how long a captured payment is retained before it
// becomes eligible for release.
const DefaultHoldWindow = 7 * 24 * time.Hour

// Payment is the escrow record of one seat charge.
type Payment struct {
	ID              string          `json:"id"`
	OwnerID         int64           `json:"ownerId"`
	SeatID          int64           `json:"seatId"`
	SubscriptionID  int64           `json:"subscriptionId"`
	PaymentMethodID int64           `json:"paymentMethodId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	AmountRefunded  decimal.Decimal `json:"amountRefunded"`
	PaidAt          time.Time       `json:"paidAt"`
	RetentionUntil  time.Time       `json:"retentionUntil"`
	ReleasedAt      *time.Time      `json:"releasedAt,omitempty"`
	RefundedAt      *time.Time      `json:"refundedAt,omitempty"`
	ReleaseReversed bool            `json:"releaseReversed,omitempty"` // a refund clawed back a release
	ExternalRef     string          `json:"externalRef,omitempty"`
	Status          Status          `json:"status"`
	CycleStart      time.Time       `json:"cycleStart"`
	CycleEnd        time.Time       `json:"cycleEnd"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Remaining is the part of the amount not yet refunded.
func (p *Payment) Remaining() decimal.Decimal {
	return p.Amount.Sub(p.AmountRefunded)
}

// IsTerminal reports whether no further transition is possible.
func (p *Payment) IsTerminal() bool {
	return p.Status == StatusRefunded || p.Status == StatusFailed
}

// ReleaseDue reports whether the hold window has elapsed at now.
func (p *Payment) ReleaseDue(now time.Time) bool {
	return !now.Before(p.RetentionUntil)
}

func (p *Payment) clone() *Payment {
	cp := *p
	if p.ReleasedAt != nil {
		t := *p.ReleasedAt
		cp.ReleasedAt = &t
	}
	if p.RefundedAt != nil {
		t := *p.RefundedAt
		cp.RefundedAt = &t
	}
	return &cp
}

// MarshalJSON renders money with exactly two fraction digits.
func (p Payment) MarshalJSON() ([]byte, error) {
	type plain Payment
	return json.Marshal(struct {
		plain
		Amount         string `json:"amount"`
		AmountRefunded string `json:"amountRefunded"`
	}{plain(p), money.Format(p.Amount), money.Format(p.AmountRefunded)})
}
