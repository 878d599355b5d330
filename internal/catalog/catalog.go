// Package catalog exposes the reference data the escrow core reads but does
// not own: shared subscriptions, their seats (plazas), and users' stored
// payment methods. Membership management writes these rows elsewhere; here
// they are read-only and keyed by numeric id.
//
// Soft deletion is an explicit status column. Every list query filters on
// it; single-row lookups return the row whatever its status so callers can
// report a precise reason.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrSubscriptionNotFound  = fmt.Errorf("subscription %w", ErrNotFound)
	ErrSeatNotFound          = fmt.Errorf("seat %w", ErrNotFound)
	ErrPaymentMethodNotFound = fmt.Errorf("payment method %w", ErrNotFound)
)

// SubscriptionStatus is the lifecycle of a shared subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
)

// SeatStatus is the lifecycle of a seat.
type SeatStatus string

const (
	SeatActive  SeatStatus = "ACTIVE"
	SeatRemoved SeatStatus = "REMOVED"
)

// Subscription is a shared service plan hosted by one user.
type Subscription struct {
	ID          int64              `json:"id"`
	HostID      int64              `json:"hostId"`
	ServiceName string             `json:"serviceName"`
	CycleStart  time.Time          `json:"cycleStart"`
	RenewalDate time.Time          `json:"renewalDate"` // end of the current billing cycle
	Status      SubscriptionStatus `json:"status"`
}

// Seat is one slot in a subscription. OccupantID is nil for a free seat.
type Seat struct {
	ID             int64      `json:"id"`
	SubscriptionID int64      `json:"subscriptionId"`
	OccupantID     *int64     `json:"occupantId,omitempty"`
	IsHost         bool       `json:"isHost"`
	Status         SeatStatus `json:"status"`
}

// Occupied reports whether a user holds the seat.
func (s *Seat) Occupied() bool {
	return s.OccupantID != nil && s.Status == SeatActive
}

// PaymentMethod is a user's stored method. GatewayToken is an opaque
// provider token; card data never reaches this service.
type PaymentMethod struct {
	ID           int64  `json:"id"`
	UserID       int64  `json:"userId"`
	GatewayToken string `json:"-"`
	Label        string `json:"label,omitempty"`
	Active       bool   `json:"active"`
}

// Store reads catalog reference data.
type Store interface {
	GetSubscription(ctx context.Context, id int64) (*Subscription, error)
	GetSeat(ctx context.Context, id int64) (*Seat, error)
	GetPaymentMethod(ctx context.Context, id int64) (*PaymentMethod, error)
	// ListSeats returns the ACTIVE seats of a subscription ordered by id.
	ListSeats(ctx context.Context, subscriptionID int64) ([]*Seat, error)
	// ListRenewingBetween returns ACTIVE subscriptions whose renewal date
	// falls in [from, to], ordered by renewal date then id.
	ListRenewingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error)
}

// Recipients returns the user ids to notify about a subscription: the host
// first, then every occupant of an active non-host seat, without duplicates.
func Recipients(sub *Subscription, seats []*Seat) []int64 {
	out := []int64{sub.HostID}
	seen := map[int64]bool{sub.HostID: true}
	for _, seat := range seats {
		if seat.IsHost || !seat.Occupied() {
			continue
		}
		if seen[*seat.OccupantID] {
			continue
		}
		seen[*seat.OccupantID] = true
		out = append(out, *seat.OccupantID)
	}
	return out
}
