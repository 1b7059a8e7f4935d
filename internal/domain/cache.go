package domain

import (
	"context"
	"time"
)

// Cache is a byte cache with typed helpers for the decision idempotency
// entries keyed by provider transaction token. Implementations: in-process
// LRU, Redis, or both layered (two-phase).
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// GetDecision returns the decision recorded for a provider transaction
	// token, or nil, nil when none is cached.
	GetDecision(ctx context.Context, token string) (*DecisionLog, error)

	// SetDecision records a decision so network retries are answered identically.
	SetDecision(ctx context.Context, token string, log *DecisionLog, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and tunes the cache implementation.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string

	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase puts the local LRU in front of Redis.
	EnableTwoPhase bool
}
