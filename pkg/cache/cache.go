// Package cache defines the persistent response cache used in front of agents.
package cache

import (
	"context"
	"errors"

	perrors "github.com/jmgilman/go/errors"

	"github.com/pario-ai/agentgate/pkg/models"
)

// DefaultTopN is the number of most-hit entries reported by Stats when the
// caller does not ask for a specific count.
const DefaultTopN = 10

// ErrStoreUnavailable marks failures of the backing store. Callers on the cache
// path treat it as a miss; the rate limiter rejects unless configured to fail open.
var ErrStoreUnavailable = perrors.New(perrors.CodeUnavailable, "store unavailable")

// Store persists cache entries keyed by (agent, fingerprint).
//
// Every mutation is a single-row atomic statement so Get, Put and the sweeps
// may run concurrently without a process-wide lock.
type Store interface {
	// Get returns the unexpired entry for the key and atomically increments
	// its hit count. The returned entry carries the post-increment count.
	Get(ctx context.Context, agent, fingerprint string) (models.CacheEntry, bool, error)
	// Put upserts an entry expiring TTL from now. An existing row is fully
	// replaced and its hit count reset to zero.
	Put(ctx context.Context, req models.PutRequest) error
	// SweepExpired deletes every expired entry and returns how many were removed.
	SweepExpired(ctx context.Context) (int64, error)
	// FlushAgent deletes every entry for agent.
	FlushAgent(ctx context.Context, agent string) (int64, error)
	// Stats aggregates entry and hit counts, listing the topN most-hit entries.
	Stats(ctx context.Context, topN int) (models.CacheStats, error)
	// Close releases the store's resources.
	Close() error
}

// StoreError wraps a backend failure so that errors.Is(err, ErrStoreUnavailable)
// holds while the original cause stays reachable.
func StoreError(err error, op string) error {
	if err == nil {
		return nil
	}
	return perrors.Wrap(errors.Join(ErrStoreUnavailable, err), perrors.CodeDatabase, op)
}
