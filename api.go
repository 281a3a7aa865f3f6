package fpcache

import (
	"context"
	"io"
	"time"

	"github.com/unkn0wn-root/fpcache/artifact"
	cd "github.com/unkn0wn-root/fpcache/codec"
	"github.com/unkn0wn-root/fpcache/fingerprint"
	pr "github.com/unkn0wn-root/fpcache/provider"
	"github.com/unkn0wn-root/fpcache/store"
)

// Entry is the cached row shape; see the store package for field semantics.
type Entry = store.Entry

// Cache is the public facade over the two tiers. All blocking methods honor
// ctx cancellation; see individual methods for failure semantics.
type Cache interface {
	// Initialize opens the persistent store (unless one was injected),
	// creates the schema if absent, and runs startup maintenance: expire
	// TTL'd rows and remove orphans whose backing artifact is missing.
	//
	// An open failure is returned AND the cache drops into pass-through
	// mode (every Get a miss, every Put a no-op) so the hosting
	// application can keep running uncached.
	Initialize(ctx context.Context) error

	// Enabled reports whether the cache is active (configured on and not
	// degraded).
	Enabled() bool

	// Fingerprint streams r and returns its content fingerprint.
	Fingerprint(ctx context.Context, r io.Reader) (fingerprint.Fingerprint, error)

	// Lookup fingerprints r, then performs Get. On a hashing failure it
	// returns a *ComputeError and behaves as a miss.
	Lookup(ctx context.Context, r io.Reader) (fingerprint.Fingerprint, *Entry, bool, error)

	// Get returns the entry for a known fingerprint: hot layer first, then
	// the persistent store (re-hydrating the hot layer on a store hit).
	// Store failures degrade to a miss and are logged, never returned; the
	// only error Get reports is ctx cancellation.
	Get(ctx context.Context, fp fingerprint.Fingerprint) (*Entry, bool, error)

	// Put stores a computed value under fp: persistent store first, then
	// the hot layer, then an asynchronous eviction pass if the capacity
	// ceiling is now exceeded. Store failures are logged and dropped;
	// only misuse (no payload, file payload without an artifact store) is
	// returned.
	Put(ctx context.Context, fp fingerprint.Fingerprint, p Put) error

	// Open returns a reader over an entry's payload bytes, inline or
	// file-backed.
	Open(e *Entry) (io.ReadCloser, error)

	// Serve is the interception hook for flavors that own retrieval: it
	// fingerprints the identifier, serves from cache, and on a miss calls
	// the configured Fetcher (deduplicating concurrent fetches of the same
	// identifier), stores the result, and returns it with its metadata.
	Serve(ctx context.Context, identifier string) (payload, metadata []byte, err error)

	// Clear atomically empties both tiers under one lock, deletes backing
	// artifacts, and resets statistics.
	Clear(ctx context.Context) error

	// Stats returns the statistics snapshot.
	Stats(ctx context.Context) (Stats, error)

	Close(ctx context.Context) error
}

// Put describes one payload to cache. Exactly one of Data and File must be
// set; File streams into the artifact store and requires Options.Artifacts.
type Put struct {
	// Source is the path/URL that produced the content. Diagnostics only,
	// never identity.
	Source string

	Data []byte    // inline payload
	File io.Reader // file-backed payload

	// Metadata is an opaque flavor-specific blob (conditional-request
	// headers, geospatial bounds, ...). Stored verbatim.
	Metadata []byte
}

// Fetcher retrieves a payload on a cache miss, for flavors that also own
// network retrieval (e.g. a tile cache). Returned metadata is stored
// alongside the payload.
type Fetcher interface {
	Fetch(ctx context.Context, identifier string) (payload, metadata []byte, err error)
}

// Options tune the cache. Namespace and Provider are required; everything
// else has a default or is optional.
type Options struct {
	// Required
	Namespace string // one per cache flavor, e.g. "predictions", "thumbs", "tiles"
	Provider  pr.Provider

	// StorePath locates the SQLite database file. Required unless Store is
	// injected directly (tests, alternative backends).
	StorePath string
	Store     store.Store

	// Artifacts enables file-backed payloads. Optional; Put with File set
	// fails without it.
	Artifacts artifact.Store

	// Fetcher enables Serve. Optional.
	Fetcher Fetcher

	CapacityBytes int64         // eviction ceiling; 0 => 256 MiB
	LoadFactor    float64       // post-eviction fill target; 0 => 0.8
	TTL           time.Duration // entry lifetime; 0 => never expires
	HotTTL        time.Duration // hot-layer TTL; 0 => 10m

	// EntryCodec serializes entries for the hot layer; nil => CBOR.
	EntryCodec cd.Codec[Entry]

	TouchQueue int  // access-update queue length; 0 => 1024
	Disabled   bool // pass-through mode from the start

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks
}

// New builds a Cache. Call Initialize before first use.
func New(opts Options) (Cache, error) {
	return newCache(opts)
}
