package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"portal/internal/token"
)

// Revocations remembers logged-out tokens until they would have expired on
// their own. Entries are keyed by revocationID and stored as a SHA-256
// fingerprint, never in clear.
type Revocations interface {
	Revoke(ctx context.Context, id string, until time.Time) error
	IsRevoked(ctx context.Context, id string) (bool, error)
	Purge(ctx context.Context) (int, error)
}

// revocationID names one issued token. Tokens carry a unique jti; a token
// minted without one falls back to its raw encoding.
func revocationID(raw string, claims token.Claims) string {
	if claims.ID != "" {
		return "jti:" + claims.ID
	}
	return raw
}

func fingerprint(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

type MemoryRevocations struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryRevocations) Revoke(_ context.Context, id string, until time.Time) error {
	if id == "" || !until.After(m.now()) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[fingerprint(id)] = until
	return nil
}

func (m *MemoryRevocations) IsRevoked(_ context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.entries[fingerprint(id)]
	if !ok {
		return false, nil
	}
	if !until.After(m.now()) {
		delete(m.entries, fingerprint(id))
		return false, nil
	}
	return true, nil
}

// Purge drops entries whose token has expired anyway.
func (m *MemoryRevocations) Purge(_ context.Context) (int, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, until := range m.entries {
		if !until.After(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

const DefaultRevocationKeyPrefix = "portal:revoked:"

type RedisRevocations struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

type RedisRevocationsConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisRevocations connects and pings before returning.
func NewRedisRevocations(ctx context.Context, cfg RedisRevocationsConfig) (*RedisRevocations, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return newRedisRevocations(client, cfg.KeyPrefix), nil
}

func newRedisRevocations(client *redis.Client, keyPrefix string) *RedisRevocations {
	if keyPrefix == "" {
		keyPrefix = DefaultRevocationKeyPrefix
	}
	return &RedisRevocations{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func (r *RedisRevocations) key(id string) string {
	return r.keyPrefix + fingerprint(id)
}

func (r *RedisRevocations) Revoke(ctx context.Context, id string, until time.Time) error {
	ttl := until.Sub(r.now())
	if id == "" || ttl <= 0 {
		return nil
	}

	if err := r.client.Set(ctx, r.key(id), "1", ttl).Err(); err != nil {
		return fmt.Errorf("store revocation: %w", err)
	}
	return nil
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}

	err := r.client.Get(ctx, r.key(id)).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, fmt.Errorf("lookup revocation: %w", err)
	}
}

// Purge is a no-op: redis expires entries through their TTL.
func (r *RedisRevocations) Purge(context.Context) (int, error) {
	return 0, nil
}

func (r *RedisRevocations) Close() error {
	return r.client.Close()
}

func (r *RedisRevocations) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
