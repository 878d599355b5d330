package auth

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// RevocationStore records token ids that must no longer be accepted.
// Entries are only needed until the token would have expired anyway.
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	// PurgeExpired deletes entries whose token expired before cutoff.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryRevocations is an in-memory RevocationStore.
type MemoryRevocations struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
}

// NewMemoryRevocations creates an empty in-memory store.
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{revoked: make(map[string]time.Time)}
}

func (m *MemoryRevocations) Revoke(_ context.Context, jti string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = expiresAt
	return nil
}

func (m *MemoryRevocations) IsRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[jti]
	return ok, nil
}

func (m *MemoryRevocations) PurgeExpired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for jti, exp := range m.revoked {
		if exp.Before(cutoff) {
			delete(m.revoked, jti)
			n++
		}
	}
	return n, nil
}

// PostgresRevocations persists revoked token ids in PostgreSQL.
type PostgresRevocations struct {
	db *sql.DB
}

// NewPostgresRevocations creates a PostgreSQL-backed revocation store.
func NewPostgresRevocations(db *sql.DB) *PostgresRevocations {
	return &PostgresRevocations{db: db}
}

func (p *PostgresRevocations) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at, revoked_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (jti) DO NOTHING`, jti, expiresAt)
	return err
}

func (p *PostgresRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti = $1)`, jti).Scan(&exists)
	return exists, err
}

func (p *PostgresRevocations) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var (
	_ RevocationStore = (*MemoryRevocations)(nil)
	_ RevocationStore = (*PostgresRevocations)(nil)
)
