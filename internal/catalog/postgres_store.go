package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore reads catalog rows from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed catalog reader.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, host_id, service_name, cycle_start, renewal_date, status`

func (p *PostgresStore) GetSubscription(ctx context.Context, id int64) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *PostgresStore) GetSeat(ctx context.Context, id int64) (*Seat, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, subscription_id, occupant_id, is_host, status
		FROM seats WHERE id = $1`, id)
	seat, err := scanSeat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSeatNotFound
	}
	return seat, err
}

func (p *PostgresStore) GetPaymentMethod(ctx context.Context, id int64) (*PaymentMethod, error) {
	pm := &PaymentMethod{}
	var label sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, gateway_token, label, active
		FROM payment_methods WHERE id = $1`, id).
		Scan(&pm.ID, &pm.UserID, &pm.GatewayToken, &label, &pm.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentMethodNotFound
	}
	if err != nil {
		return nil, err
	}
	pm.Label = label.String
	return pm, nil
}

func (p *PostgresStore) ListSeats(ctx context.Context, subscriptionID int64) ([]*Seat, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, subscription_id, occupant_id, is_host, status
		FROM seats
		WHERE subscription_id = $1 AND status = $2
		ORDER BY id`, subscriptionID, string(SeatActive))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Seat
	for rows.Next() {
		seat, err := scanSeat(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, seat)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListRenewingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = $1
		  AND renewal_date BETWEEN $2 AND $3
		ORDER BY renewal_date, id`, string(SubscriptionActive), from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	sub := &Subscription{}
	var status string
	if err := s.Scan(&sub.ID, &sub.HostID, &sub.ServiceName, &sub.CycleStart, &sub.RenewalDate, &status); err != nil {
		return nil, err
	}
	sub.Status = SubscriptionStatus(status)
	return sub, nil
}

func scanSeat(s scanner) (*Seat, error) {
	seat := &Seat{}
	var (
		occupant sql.NullInt64
		status   string
	)
	if err := s.Scan(&seat.ID, &seat.SubscriptionID, &occupant, &seat.IsHost, &status); err != nil {
		return nil, err
	}
	if occupant.Valid {
		seat.OccupantID = &occupant.Int64
	}
	seat.Status = SeatStatus(status)
	return seat, nil
}

var _ Store = (*PostgresStore)(nil)
