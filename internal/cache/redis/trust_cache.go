package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/billix/billswap/internal/domain"
)

// TrustCache implements domain.TrustCache with one JSON string per user. The
// store stays authoritative: entries expire after ttl and are dropped
// whenever a swap outcome changes a user's trust.
type TrustCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTrustCache creates a TrustCache. A zero ttl keeps entries until they
// are invalidated.
func NewTrustCache(c *Client, ttl time.Duration) *TrustCache {
	return &TrustCache{rdb: c.Underlying(), ttl: ttl}
}

// GetMany returns the cached statuses among userIDs; misses are omitted.
func (tc *TrustCache) GetMany(ctx context.Context, userIDs []string) (map[string]domain.TrustStatus, error) {
	out := make(map[string]domain.TrustStatus, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = key("trust", id)
	}
	vals, err := tc.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: mget trust: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var t domain.TrustStatus
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			// A corrupt entry counts as a miss.
			continue
		}
		out[userIDs[i]] = t
	}
	return out, nil
}

// Set caches statuses in one pipeline.
func (tc *TrustCache) Set(ctx context.Context, statuses ...domain.TrustStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	_, err := tc.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, t := range statuses {
			raw, err := json.Marshal(t)
			if err != nil {
				return err
			}
			p.Set(ctx, key("trust", t.UserID), raw, tc.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set trust: %w", err)
	}
	return nil
}

// Invalidate drops the cached statuses of userIDs.
func (tc *TrustCache) Invalidate(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = key("trust", id)
	}
	if err := tc.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: invalidate trust: %w", err)
	}
	return nil
}

var _ domain.TrustCache = (*TrustCache)(nil)
