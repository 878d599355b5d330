package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory catalog for demo/development mode and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	subscriptions map[int64]*Subscription
	seats         map[int64]*Seat
	methods       map[int64]*PaymentMethod
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[int64]*Subscription),
		seats:         make(map[int64]*Seat),
		methods:       make(map[int64]*PaymentMethod),
	}
}

// PutSubscription inserts or replaces a subscription.
func (m *MemoryStore) PutSubscription(sub Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.ID] = &sub
}

// PutSeat inserts or replaces a seat.
func (m *MemoryStore) PutSeat(seat Seat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seat.OccupantID != nil {
		occ := *seat.OccupantID
		seat.OccupantID = &occ
	}
	m.seats[seat.ID] = &seat
}

// PutPaymentMethod inserts or replaces a payment method.
func (m *MemoryStore) PutPaymentMethod(pm PaymentMethod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[pm.ID] = &pm
}

func (m *MemoryStore) GetSubscription(_ context.Context, id int64) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) GetSeat(_ context.Context, id int64) (*Seat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seat, ok := m.seats[id]
	if !ok {
		return nil, ErrSeatNotFound
	}
	return copySeat(seat), nil
}

func (m *MemoryStore) GetPaymentMethod(_ context.Context, id int64) (*PaymentMethod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pm, ok := m.methods[id]
	if !ok {
		return nil, ErrPaymentMethodNotFound
	}
	cp := *pm
	return &cp, nil
}

func (m *MemoryStore) ListSeats(_ context.Context, subscriptionID int64) ([]*Seat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Seat
	for _, seat := range m.seats {
		if seat.SubscriptionID == subscriptionID && seat.Status == SeatActive {
			result = append(result, copySeat(seat))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) ListRenewingBetween(_ context.Context, from, to time.Time) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Subscription
	for _, sub := range m.subscriptions {
		if sub.Status != SubscriptionActive {
			continue
		}
		if sub.RenewalDate.Before(from) || sub.RenewalDate.After(to) {
			continue
		}
		cp := *sub
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].RenewalDate.Equal(result[j].RenewalDate) {
			return result[i].RenewalDate.Before(result[j].RenewalDate)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func copySeat(s *Seat) *Seat {
	cp := *s
	if s.OccupantID != nil {
		occ := *s.OccupantID
		cp.OccupantID = &occ
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
