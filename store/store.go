// Package store defines the durable tier of the cache: a transactional table
// of fingerprint-keyed entries, one table per cache flavor. The memory index
// is always a cache of this layer, never the other way around.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/unkn0wn-root/fpcache/fingerprint"
)

// ErrNotFound is returned by Get when no row exists for a key.
var ErrNotFound = errors.New("fpcache/store: entry not found")

// Entry is one cached result. Payload and ArtifactRef are mutually exclusive:
// small results are stored inline, large ones live as files under the
// artifact directory and the row keeps only the reference.
type Entry struct {
	Key         fingerprint.Fingerprint
	Source      string // path/URL that produced the content; diagnostics only
	Payload     []byte // inline payload; nil when file-backed
	ArtifactRef string // artifact file name; "" when inline
	Size        int64  // payload size in bytes, inline or file-backed
	CreatedAt   time.Time
	AccessedAt  time.Time
	AccessCount int64
	Metadata    []byte    // opaque flavor-specific blob; never interpreted here
	ExpiresAt   time.Time // zero means no TTL
}

// FileBacked reports whether the payload lives outside the row.
func (e *Entry) FileBacked() bool { return e.ArtifactRef != "" }

// Expired reports whether the entry's TTL has passed at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Victim is the slim row shape used by eviction and maintenance scans, where
// loading payloads would defeat the point.
type Victim struct {
	Key         fingerprint.Fingerprint
	Size        int64
	ArtifactRef string
	AccessedAt  time.Time
}

// Store is the persistent table contract. Implementations must allow
// concurrent readers during writes; mutation serialization is the facade's
// job, not the store's.
type Store interface {
	// Put upserts by key. A re-put of an existing key replaces the payload
	// and metadata but preserves CreatedAt and AccessCount.
	Put(ctx context.Context, e *Entry) error

	// Get returns the entry for key or ErrNotFound.
	Get(ctx context.Context, key fingerprint.Fingerprint) (*Entry, error)

	// Touch bumps last-access time and access count for key. Missing keys
	// are not an error; the entry may have been evicted concurrently.
	Touch(ctx context.Context, key fingerprint.Fingerprint, at time.Time) error

	// DeleteMany removes the given keys and returns the removed rows so the
	// caller can clean up backing artifacts.
	DeleteMany(ctx context.Context, keys []fingerprint.Fingerprint) ([]Victim, error)

	// OldestFirst returns all rows ordered by ascending last-access time.
	OldestFirst(ctx context.Context) ([]Victim, error)

	// SweepExpired deletes rows whose TTL passed before now and returns them.
	SweepExpired(ctx context.Context, now time.Time) ([]Victim, error)

	// FileRefs returns every row that references a backing artifact.
	FileRefs(ctx context.Context) ([]Victim, error)

	// TotalSize is the byte sum over all rows; Count the row count.
	TotalSize(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int64, error)

	// Clear removes every row.
	Clear(ctx context.Context) error

	Close() error
}
