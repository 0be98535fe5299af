package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// Redis is a redigo-backed cache for deployments with a shared cache
// endpoint (CACHE_URL).
type Redis struct {
	pool *redis.Pool
}

// NewRedis connects to the given redis:// URL and verifies the
// connection with a PING.
func NewRedis(url string) (*Redis, error) {
	pool := &redis.Pool{
		MaxIdle:     10,
		MaxActive:   50,
		IdleTimeout: 240 * time.Second,
		Wait:        true,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, url)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	conn, err := pool.GetContext(context.Background())
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{pool: pool}, nil
}

var _ Cache = (*Redis)(nil)

// Get fetches a key; a missing key is (nil, false, nil).
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	value, err := redis.Bytes(conn.Do("GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set stores value with a TTL via SETEX.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("SETEX", key, int(ttl.Seconds()), value)
	return err
}

// Delete removes one key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("DEL", key)
	return err
}

// DeletePrefix walks SCAN MATCH prefix* and deletes the matches in
// batches.
func (r *Redis) DeletePrefix(ctx context.Context, prefix string) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	cursor := 0
	for {
		values, err := redis.Values(conn.Do("SCAN", cursor, "MATCH", prefix+"*", "COUNT", 200))
		if err != nil {
			return err
		}
		var keys []string
		if _, err := redis.Scan(values, &cursor, &keys); err != nil {
			return err
		}
		if len(keys) > 0 {
			args := make([]any, len(keys))
			for i, k := range keys {
				args[i] = k
			}
			if _, err := conn.Do("DEL", args...); err != nil {
				return err
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.pool.Close()
}
