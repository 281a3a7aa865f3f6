// Package fpcache implements a fingerprinted, two-tier result cache: an
// in-memory hot layer (Provider) mirroring an embedded persistent store, with
// LRU eviction to a capacity budget, TTL expiration, and orphan cleanup for
// file-backed payloads.
//
// Identity is content-addressed: the key is a streaming 64-bit fingerprint of
// the source bytes, so identical inputs always land on the same entry and
// the cache never serves a stale value for a key. The cache stores results
// computed elsewhere; on a miss the caller computes the value and hands it
// back via Put (or configures a Fetcher and lets Serve do both sides).
//
// Components:
//   - fingerprint: streaming content hashing (xxhash64).
//   - store: the durable transactional table, one per cache flavor (SQLite).
//   - provider: byte-transparent hot layer (Ristretto, BigCache, Redis).
//   - artifact: file-backed payload storage named by fingerprint.
//   - codec: hot-layer and metadata serialization (CBOR by default).
//
// Caching is best-effort by design: read-path failures degrade to a miss and
// write-path failures are logged and dropped, so the primary pipeline the
// cache accelerates can never be blocked by it. The one exception the engine
// insists on: background access-time updates report their failures through
// Hooks instead of disappearing.
package fpcache
