// Package replay guarantees that an authorization nonce is settled at most
// once. A Guard reserves nonces in a Store with a TTL covering the
// authorization's validity window plus a grace margin.
package replay

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrNotFound is returned by Store.Get when the key is absent or expired.
var ErrNotFound = errors.New("replay: key not found")

// Store is a TTL key-value store with an atomic set-if-absent.
// Implementations must make SetNX atomic across every process sharing
// the store: of N concurrent SetNX calls for one key, exactly one returns true.
type Store interface {
	// SetNX stores value under key if key is absent or expired.
	// Returns true if the value was stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Set stores value under key unconditionally.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// runJanitor calls purge every interval until ctx is done.
func runJanitor(ctx context.Context, interval time.Duration, logger *slog.Logger, name string, purge func(context.Context) (int64, error)) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := purge(ctx)
				if err != nil {
					logger.Warn("replay store purge failed", "store", name, "error", err)
					continue
				}
				if n > 0 {
					logger.Debug("purged expired nonces", "store", name, "count", n)
				}
			}
		}
	}()
}
