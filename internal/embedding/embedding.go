// Package embedding provides dual-fidelity text embedding generation.
//
// Every memory gets a full-precision vector (dim F) for module-side
// search and a compressed vector (dim C) for CMI routing. Both are
// unit-normalised; similarity is cosine everywhere.
package embedding

import (
	"context"
	"math/rand"
	"time"

	"github.com/plexmem/plexmem/internal/errs"
)

// Retry policy for transient provider failures.
const (
	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
)

// Provider produces unit-length embeddings for arbitrary text.
type Provider interface {
	// Full returns the full-precision vector used for module search.
	Full(ctx context.Context, text string) ([]float32, error)
	// Compressed returns the routing vector used by the CMI.
	Compressed(ctx context.Context, text string) ([]float32, error)

	FullDims() int
	CompressedDims() int
	Name() string
	Close() error
}

// withRetry runs fn up to retryAttempts times, backing off exponentially
// with jitter between attempts. Only transient errors are retried.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBase << (attempt - 1)
			// Jitter between 50% and 150% of the backoff.
			sleep := time.Duration(float64(backoff) * (0.5 + rand.Float64()))
			select {
			case <-ctx.Done():
				return errs.Wrap(errs.KindTransient, ctx.Err())
			case <-time.After(sleep):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !errs.IsTransient(err) {
			return err
		}
	}
	return err
}
