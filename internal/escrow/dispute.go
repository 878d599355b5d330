package escrow

import (
	"encoding/json"
	"time"

	"github.com/plazashare/escrow/internal/money"
	"github.com/shopspring/decimal"
)

// DisputeStatus is the lifecycle of a dispute.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "OPEN"
	DisputeInReview DisputeStatus = "IN_REVIEW"
	DisputeResolved DisputeStatus = "RESOLVED"
	DisputeClosed   DisputeStatus = "CLOSED"
)

// Reason classifies a claim.
type Reason string

const (
	ReasonNoAccess           Reason = "NO_ACCESS"
	ReasonInvalidCredentials Reason = "INVALID_CREDENTIALS"
	ReasonServiceCancelled   Reason = "SERVICE_CANCELLED"
	ReasonIncorrectCharge    Reason = "INCORRECT_CHARGE"
	ReasonOther              Reason = "OTHER"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonNoAccess, ReasonInvalidCredentials, ReasonServiceCancelled,
		ReasonIncorrectCharge, ReasonOther:
		return true
	}
	return false
}

// Outcome is how a dispute ended.
type Outcome string

const (
	OutcomeRefundFull    Outcome = "REFUND_FULL"
	OutcomeRefundPartial Outcome = "REFUND_PARTIAL"
	OutcomeDenied        Outcome = "DENIED" // claim rejected, funds released to the host
	OutcomeOther         Outcome = "OTHER"  // payment goes back on hold
	OutcomeWithdrawn     Outcome = "WITHDRAWN"
)

// Resolvable reports whether an agent may pick o in ResolveDispute.
// WITHDRAWN is reserved for CloseDispute.
func (o Outcome) Resolvable() bool {
	switch o {
	case OutcomeRefundFull, OutcomeRefundPartial, OutcomeDenied, OutcomeOther:
		return true
	}
	return false
}

// MaxEvidence caps the number of evidence links on a dispute.
const MaxEvidence = 10

// Dispute is a claim against a payment. While active it blocks release.
type Dispute struct {
	ID                  string           `json:"id"`
	PaymentID           string           `json:"paymentId"`
	ClaimantID          int64            `json:"claimantId"`
	Reason              Reason           `json:"reason"`
	Description         string           `json:"description"`
	Evidence            []string         `json:"evidence,omitempty"`
	OpenedAt            time.Time        `json:"openedAt"`
	ResolvedAt          *time.Time       `json:"resolvedAt,omitempty"`
	Outcome             Outcome          `json:"outcome,omitempty"`
	ResolvedAmount      *decimal.Decimal `json:"resolvedAmount,omitempty"`
	ResolutionNotes     string           `json:"resolutionNotes,omitempty"`
	AgentID             *int64           `json:"agentId,omitempty"`
	Status              DisputeStatus    `json:"status"`
	PaymentStatusAtOpen Status           `json:"paymentStatusAtOpen"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// IsActive reports whether the dispute still blocks its payment.
func (d *Dispute) IsActive() bool {
	return d.Status == DisputeOpen || d.Status == DisputeInReview
}

func (d *Dispute) clone() *Dispute {
	cp := *d
	if d.Evidence != nil {
		cp.Evidence = append([]string(nil), d.Evidence...)
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	if d.ResolvedAmount != nil {
		a := *d.ResolvedAmount
		cp.ResolvedAmount = &a
	}
	if d.AgentID != nil {
		a := *d.AgentID
		cp.AgentID = &a
	}
	return &cp
}

// MarshalJSON renders the resolved amount with two fraction digits.
func (d Dispute) MarshalJSON() ([]byte, error) {
	type plain Dispute
	var amount *string
	if d.ResolvedAmount != nil {
		s := money.Format(*d.ResolvedAmount)
		amount = &s
	}
	return json.Marshal(struct {
		plain
		ResolvedAmount *string `json:"resolvedAmount,omitempty"`
	}{plain(d), amount})
}
