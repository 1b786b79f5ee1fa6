package domain

import (
	"context"
	"time"
)

// TrustCache provides fast trust status lookups for the match ranker.
type TrustCache interface {
	// GetMany omits misses.
	GetMany(ctx context.Context, userIDs []string) (map[string]TrustStatus, error)
	Set(ctx context.Context, statuses ...TrustStatus) error
	Invalidate(ctx context.Context, userIDs ...string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
