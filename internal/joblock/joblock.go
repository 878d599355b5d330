// Package joblock keeps a scheduled job from running on two instances at
// once. Locks expire on their own so a crashed holder cannot wedge a job.
package joblock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/plazashare/escrow/internal/idgen"
	"github.com/redis/go-redis/v9"
)

// Locker hands out named, expiring locks.
type Locker interface {
	// TryLock returns acquired=false without error when someone else holds
	// the lock. unlock is nil unless acquired.
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), acquired bool, err error)
}

// Memory is a single-process Locker.
type Memory struct {
	mu    sync.Mutex
	held  map[string]memoryLease
	clock func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]memoryLease), clock: time.Now}
}

// WithClock replaces the time source (tests).
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) TryLock(_ context.Context, name string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if lease, ok := m.held[name]; ok && now.Before(lease.expires) {
		return nil, false, nil
	}
	token := idgen.New()
	m.held[name] = memoryLease{token: token, expires: now.Add(ttl)}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.held[name].token == token {
			delete(m.held, name)
		}
	}, true, nil
}

// releaseScript deletes the key only while it still carries our token, so
// a holder whose lease expired cannot release the next holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every instance pointing at the same server.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis locker. Keys are prefix + job name.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Open parses a redis:// URL and checks connectivity.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (r *Redis) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := r.prefix + name
	token := idgen.New()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		// The caller's context may already be done when the job finishes.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, r.client, []string{key}, token).Err()
	}, true, nil
}

var (
	_ Locker = (*Memory)(nil)
	_ Locker = (*Redis)(nil)
)
