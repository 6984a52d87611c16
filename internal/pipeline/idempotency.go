package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const idempotencyTTL = 24 * time.Hour

// Idempotency deduplicates submissions by the caller-supplied
// Idempotency-Key header. A key maps to the email ID created by the
// first submission and replays it for 24 hours.
type Idempotency struct {
	redis *redis.Client
}

// NewIdempotency wraps a Redis client.
func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{redis: client}
}

func idemKey(tenantID, key string) string {
	return "idem:" + tenantID + ":" + key
}

// Reserve claims the key for emailID. When the key is already claimed it
// returns the original email ID and replay=true.
func (i *Idempotency) Reserve(ctx context.Context, tenantID, key, emailID string) (existingID string, replay bool, err error) {
	if i == nil || i.redis == nil || key == "" {
		return "", false, nil
	}
	ok, err := i.redis.SetNX(ctx, idemKey(tenantID, key), emailID, idempotencyTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("pipeline: idempotency reserve: %w", err)
	}
	if ok {
		return "", false, nil
	}
	existing, err := i.redis.Get(ctx, idemKey(tenantID, key)).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SetNX and Get; treat as fresh
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pipeline: idempotency lookup: %w", err)
	}
	return existing, true, nil
}

// Release frees a reserved key after a failed submission so the caller
// can retry with the same key.
func (i *Idempotency) Release(ctx context.Context, tenantID, key string) {
	if i == nil || i.redis == nil || key == "" {
		return
	}
	i.redis.Del(ctx, idemKey(tenantID, key))
}
