// Package cache provides the best-effort key-value cache behind search
// results and module stats.
//
// Keys are namespaced moduleID:userID:... so a write can invalidate one
// user's entries in one module without touching anyone else, and a hit
// can never leak across users. A miss must never fail a request.
package cache

import (
	"context"
	"strings"
	"time"
)

// DefaultTTL is the cache lifetime for query results and module stats.
const DefaultTTL = 300 * time.Second

// Cache is any key-value store with TTL and prefix invalidation.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Key builds a namespaced cache key.
func Key(moduleID, userID string, parts ...string) string {
	elems := append([]string{moduleID, userID}, parts...)
	return strings.Join(elems, ":")
}

// UserPrefix is the invalidation prefix for one user in one module.
func UserPrefix(moduleID, userID string) string {
	return moduleID + ":" + userID + ":"
}
