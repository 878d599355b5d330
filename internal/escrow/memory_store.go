package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/plazashare/escrow/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode and
// tests. Apply holds the write lock for the whole mutation, which gives it
// the same all-or-nothing behavior as the Postgres transaction.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Payment
	disputes map[string]*Dispute
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		disputes: make(map[string]*Dispute),
	}
}

func (m *MemoryStore) CreatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = p.clone()
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return p.clone(), nil
}

func (m *MemoryStore) ListPaymentsByOwner(_ context.Context, ownerID int64, after *pagination.Cursor, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.OwnerID != ownerID {
			continue
		}
		if after != nil && !after.After(p.CreatedAt, p.ID) {
			continue
		}
		result = append(result, p.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListReleaseEligible(_ context.Context, asOf time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.Status != StatusHeld || p.RetentionUntil.After(asOf) {
			continue
		}
		if m.activeDisputeLocked(p.ID) != nil {
			continue
		}
		result = append(result, p.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].RetentionUntil.Equal(result[j].RetentionUntil) {
			return result[i].RetentionUntil.Before(result[j].RetentionUntil)
		}
		return result[i].ID < result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Apply(_ context.Context, mut Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.payments[mut.Payment.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	if current.Version != mut.Payment.Version {
		return ErrConcurrencyConflict
	}

	if d := mut.Dispute; d != nil {
		if mut.InsertDispute {
			if d.IsActive() && m.activeDisputeLocked(d.PaymentID) != nil {
				return ErrDuplicateDispute
			}
		} else if _, ok := m.disputes[d.ID]; !ok {
			return ErrDisputeNotFound
		}
		m.disputes[d.ID] = d.clone()
	}

	mut.Payment.Version++
	m.payments[mut.Payment.ID] = mut.Payment.clone()
	return nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) ActiveDispute(_ context.Context, paymentID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d := m.activeDisputeLocked(paymentID); d != nil {
		return d.clone(), nil
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) ListDisputesByPayment(_ context.Context, paymentID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.PaymentID == paymentID {
			result = append(result, d.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OpenedAt.Equal(result[j].OpenedAt) {
			return result[i].OpenedAt.Before(result[j].OpenedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Caller must hold m.mu.
func (m *MemoryStore) activeDisputeLocked(paymentID string) *Dispute {
	for _, d := range m.disputes {
		if d.PaymentID == paymentID && d.IsActive() {
			return d
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
