// Package lock serializes checkout submissions per cart.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrHeld is returned when another holder owns the key.
	ErrHeld = errors.New("lock held")
	// ErrLost is returned by Extend once the lock expired or changed hands.
	ErrLost = errors.New("lock lost")
)

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	release func(ctx context.Context) error
	extend  func(ctx context.Context, ttl time.Duration) error
	once    sync.Once
	err     error
}

func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() { l.err = l.release(ctx) })
	return l.err
}

// Extend pushes the expiry to ttl from now, provided the lease still holds
// the key.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	return l.extend(ctx, ttl)
}

// Locker hands out exclusive, expiring locks keyed by string.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// RedisClient is the subset of the redis client the lock needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// releaseScript deletes the key only while it still carries our token, so an
// expired lock that was re-acquired by someone else is left alone.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

const extendScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

type Redis struct {
	client RedisClient
	prefix string
}

func NewRedis(client RedisClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (l *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	full := l.prefix + key
	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", full, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	return &Lease{
		release: func(ctx context.Context) error {
			if err := l.client.Eval(ctx, releaseScript, []string{full}, token).Err(); err != nil {
				return fmt.Errorf("release %s: %w", full, err)
			}
			return nil
		},
		extend: func(ctx context.Context, ttl time.Duration) error {
			n, err := l.client.Eval(ctx, extendScript, []string{full}, token, ttl.Milliseconds()).Int64()
			if err != nil {
				return fmt.Errorf("extend %s: %w", full, err)
			}
			if n == 0 {
				return ErrLost
			}
			return nil
		},
	}, nil
}

// Memory is a process-local Locker for single-instance deployments and tests.
type Memory struct {
	mu   sync.Mutex
	held map[string]memoryEntry
	now  func() time.Time
	seq  uint64
}

type memoryEntry struct {
	id        uint64
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]memoryEntry), now: time.Now}
}

func (l *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expiresAt) {
		return nil, ErrHeld
	}
	l.seq++
	id := l.seq
	l.held[key] = memoryEntry{id: id, expiresAt: now.Add(ttl)}

	return &Lease{
		release: func(context.Context) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			if e, ok := l.held[key]; ok && e.id == id {
				delete(l.held, key)
			}
			return nil
		},
		extend: func(_ context.Context, ttl time.Duration) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			e, ok := l.held[key]
			if !ok || e.id != id || !l.now().Before(e.expiresAt) {
				return ErrLost
			}
			e.expiresAt = l.now().Add(ttl)
			l.held[key] = e
			return nil
		},
	}, nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
