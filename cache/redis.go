package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
)

// redisTier is the distributed tier: a thin wrapper over
// redisv8.UniversalClient exposing raw byte get/set/del, since the
// cache stores pre-serialized payloads handed to it by its callers.
type redisTier struct {
	db redisv8.UniversalClient
}

// NewRedisTier wraps an already-configured redis client. The
// composition root decides TLS, auth, and cluster vs. single-node
// topology via the client options it constructs.
func NewRedisTier(db redisv8.UniversalClient) *redisTier {
	return &redisTier{db: db}
}

func (r *redisTier) get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.db.Get(ctx, key).Bytes()
	if errors.Is(err, redisv8.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: redis get: %w", err)
	}
	return val, nil
}

func (r *redisTier) set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.db.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (r *redisTier) del(ctx context.Context, key string) error {
	if err := r.db.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: redis del: %w", err)
	}
	return nil
}

func (r *redisTier) ping(ctx context.Context) error {
	return r.db.Ping(ctx).Err()
}
