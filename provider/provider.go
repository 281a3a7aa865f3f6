// Package provider defines the in-memory hot layer used by fpcache.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the same []byte that was previously passed to Set for a key (no prepended
// metadata, no re-encoding, no mutation). Internal transforms such as
// compression must be fully reversed before Get returns.
//
// The hot layer is strictly a cache of the persistent store. It may drop
// entries at any time (pressure, TTL, restart); it must never be the sole
// holder of a value. The facade guarantees Clear runs under the same lock as
// the persistent clear; implementations only need Clear itself to be safe
// for concurrent use.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs.
// Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// IO/remote errors return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Clear removes every entry this cache instance wrote. Shared stores
	// (e.g. Redis) must scope the wipe to the instance's key prefix.
	Clear(ctx context.Context) error

	// Close releases resources.
	Close(ctx context.Context) error
}
