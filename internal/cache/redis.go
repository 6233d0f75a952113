// Package cache layers step result caches: an in-process ristretto tier,
// an optional shared Redis tier, and the durable store underneath.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sitegen/internal/step"
)

// DefaultRedisTTL keeps step results long enough to resume a failed
// instance the next day.
const DefaultRedisTTL = 72 * time.Hour

// Redis stores step results in Redis. Writes are first-write-wins so a
// replayed step can never replace the value that downstream steps already
// consumed.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ step.Cache = (*Redis)(nil)

// NewRedis wraps an existing client. An empty prefix defaults to "sitegen:step:".
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "sitegen:step:"
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "cache: ping redis %s", addr)
	}
	return NewRedis(client, prefix, ttl), nil
}

func (r *Redis) key(instanceID, stepName string) string {
	return r.prefix + step.Key(instanceID, stepName)
}

// GetStep implements step.Cache.
func (r *Redis) GetStep(ctx context.Context, instanceID, stepName string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key(instanceID, stepName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "cache: redis get %s/%s", instanceID, stepName)
	}
	return data, true, nil
}

// PutStep implements step.Cache.
func (r *Redis) PutStep(ctx context.Context, instanceID, stepName string, result []byte) error {
	_, err := r.client.SetNX(ctx, r.key(instanceID, stepName), result, r.ttl).Result()
	return eris.Wrapf(err, "cache: redis put %s/%s", instanceID, stepName)
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
