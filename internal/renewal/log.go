package renewal

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Log records which renewal cycles were already announced.
type Log interface {
	IsMarked(ctx context.Context, subscriptionID int64, renewalDate time.Time) (bool, error)
	Mark(ctx context.Context, subscriptionID int64, renewalDate time.Time, recipients int, at time.Time) error
	// PurgeBefore deletes marks written before cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// NopLog never marks anything, so every run re-sends.
type NopLog struct{}

func (NopLog) IsMarked(context.Context, int64, time.Time) (bool, error)     { return false, nil }
func (NopLog) Mark(context.Context, int64, time.Time, int, time.Time) error { return nil }
func (NopLog) PurgeBefore(context.Context, time.Time) (int64, error)        { return 0, nil }

type cycleKey struct {
	subscriptionID int64
	renewalDate    string
}

// MemoryLog is an in-memory Log for development and tests.
type MemoryLog struct {
	mu    sync.Mutex
	marks map[cycleKey]time.Time
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{marks: make(map[cycleKey]time.Time)}
}

func key(subscriptionID int64, renewalDate time.Time) cycleKey {
	return cycleKey{subscriptionID, renewalDate.UTC().Format(time.DateOnly)}
}

func (m *MemoryLog) IsMarked(_ context.Context, subscriptionID int64, renewalDate time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.marks[key(subscriptionID, renewalDate)]
	return ok, nil
}

func (m *MemoryLog) Mark(_ context.Context, subscriptionID int64, renewalDate time.Time, _ int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[key(subscriptionID, renewalDate)] = at
	return nil
}

func (m *MemoryLog) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, at := range m.marks {
		if at.Before(cutoff) {
			delete(m.marks, k)
			n++
		}
	}
	return n, nil
}

// PostgresLog stores marks in the renewal_notifications table.
type PostgresLog struct {
	db *sql.DB
}

func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (p *PostgresLog) IsMarked(ctx context.Context, subscriptionID int64, renewalDate time.Time) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM renewal_notifications WHERE subscription_id = $1 AND renewal_date = $2)`,
		subscriptionID, renewalDate.UTC().Format(time.DateOnly),
	).Scan(&exists)
	return exists, err
}

func (p *PostgresLog) Mark(ctx context.Context, subscriptionID int64, renewalDate time.Time, recipients int, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO renewal_notifications (subscription_id, renewal_date, recipients, notified_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subscription_id, renewal_date) DO NOTHING`,
		subscriptionID, renewalDate.UTC().Format(time.DateOnly), recipients, at,
	)
	return err
}

func (p *PostgresLog) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM renewal_notifications WHERE notified_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
