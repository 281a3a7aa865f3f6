package fpcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/fpcache/artifact"
	cd "github.com/unkn0wn-root/fpcache/codec"
	"github.com/unkn0wn-root/fpcache/fingerprint"
	"github.com/unkn0wn-root/fpcache/internal/wire"
	pr "github.com/unkn0wn-root/fpcache/provider"
	"github.com/unkn0wn-root/fpcache/store"
)

const (
	defaultCapacity   = 256 << 20 // bytes
	defaultLoadFactor = 0.8
	defaultHotTTL     = 10 * time.Minute
	defaultTouchQueue = 1024
)

type cache struct {
	ns        string
	comp      *fingerprint.Computer
	provider  pr.Provider
	codec     cd.Codec[Entry]
	artifacts artifact.Store
	fetcher   Fetcher
	log       Logger
	hooks     Hooks

	storePath string
	st        store.Store

	enabled     bool
	degraded    atomic.Bool
	initialized atomic.Bool

	capacity   int64
	loadFactor float64
	ttl        time.Duration
	hotTTL     time.Duration

	stats counters

	// mu serializes mutations (put, eviction, clear) on the shared store.
	// Clear and eviction hold it for their full duration so both layers are
	// always observed in a consistent state; the read path never takes it.
	mu       sync.Mutex
	evicting atomic.Bool

	// access-time updates: bounded queue, one drain worker, overflow dropped
	// (and counted), failures always reported.
	touchCh   chan fingerprint.Fingerprint
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	fetches singleflight.Group
}

func newCache(opts Options) (*cache, error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("fpcache: namespace is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("fpcache: provider is required")
	}
	if opts.Store == nil && opts.StorePath == "" {
		return nil, fmt.Errorf("fpcache: store path is required")
	}
	if opts.LoadFactor < 0 || opts.LoadFactor >= 1 {
		return nil, fmt.Errorf("fpcache: load factor must be in [0, 1)")
	}

	c := &cache{
		ns:        opts.Namespace,
		comp:      fingerprint.NewComputer(opts.Namespace),
		provider:  opts.Provider,
		artifacts: opts.Artifacts,
		fetcher:   opts.Fetcher,
		storePath: opts.StorePath,
		st:        opts.Store,
		enabled:   !opts.Disabled,
		ttl:       opts.TTL,
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.capacity = coalesce[int64](opts.CapacityBytes, defaultCapacity)
	c.loadFactor = coalesce[float64](opts.LoadFactor, defaultLoadFactor)
	c.hotTTL = coalesce[time.Duration](opts.HotTTL, defaultHotTTL)

	if opts.EntryCodec != nil {
		c.codec = opts.EntryCodec
	} else {
		cbor, err := cd.NewCBOR[Entry](false)
		if err != nil {
			return nil, err
		}
		c.codec = cbor
	}

	c.touchCh = make(chan fingerprint.Fingerprint, coalesce[int](opts.TouchQueue, defaultTouchQueue))
	c.stopCh = make(chan struct{})
	return c, nil
}

func (c *cache) Initialize(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	if c.st == nil {
		st, err := store.OpenSQLite(ctx, c.storePath, c.ns)
		if err != nil {
			// Pass-through mode: the host keeps running uncached.
			c.degraded.Store(true)
			c.hooks.Degraded(err)
			c.log.Error("store open failed; running in pass-through mode",
				Fields{"path": c.storePath, "err": err})
			return &StoreError{Op: "open", Err: err}
		}
		c.st = st
	}
	if err := c.maintain(ctx); err != nil {
		// Maintenance trouble is not fatal; the store itself is open.
		c.log.Warn("startup maintenance incomplete", Fields{"err": err})
	}

	c.wg.Add(1)
	go c.touchLoop()
	c.initialized.Store(true)
	return nil
}

func (c *cache) Enabled() bool {
	return c.enabled && !c.degraded.Load()
}

func (c *cache) usable() bool {
	return c.enabled && !c.degraded.Load() && c.initialized.Load()
}

func (c *cache) Close(ctx context.Context) error {
	var first error
	c.closeOnce.Do(func() {
		if c.initialized.Load() {
			close(c.stopCh)
			c.wg.Wait()
		}
		if err := c.provider.Close(ctx); err != nil {
			first = err
		}
		if c.st != nil {
			if err := c.st.Close(); err != nil && first == nil {
				first = err
			}
		}
	})
	return first
}

func (c *cache) Fingerprint(ctx context.Context, r io.Reader) (fingerprint.Fingerprint, error) {
	fp, err := c.comp.Compute(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &ComputeError{Err: err}
	}
	return fp, nil
}

func (c *cache) Lookup(ctx context.Context, r io.Reader) (fingerprint.Fingerprint, *Entry, bool, error) {
	fp, err := c.Fingerprint(ctx, r)
	if err != nil {
		// A source we cannot hash is a source we cannot cache: miss.
		c.stats.miss()
		return 0, nil, false, err
	}
	e, ok, err := c.Get(ctx, fp)
	return fp, e, ok, err
}

func (c *cache) Get(ctx context.Context, fp fingerprint.Fingerprint) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !c.usable() {
		c.stats.miss()
		return nil, false, nil
	}

	k := c.key(fp)
	if e, ok := c.hotGet(ctx, k, fp); ok {
		c.stats.hit()
		c.queueTouch(fp)
		return e, true, nil
	}

	e, err := c.st.Get(ctx, fp)
	if errors.Is(err, store.ErrNotFound) {
		c.stats.miss()
		return nil, false, nil
	}
	if err != nil {
		// Read-path store trouble degrades to a miss, never to the caller.
		c.stats.miss()
		c.log.Warn("store read failed; degrading to miss", Fields{"key": fp.String(), "err": err})
		return nil, false, nil
	}
	if e.Expired(time.Now()) {
		// Stale row; the next maintenance sweep deletes it.
		c.stats.miss()
		return nil, false, nil
	}

	c.hydrate(ctx, e)
	c.stats.hit()
	c.queueTouch(fp)
	return e, true, nil
}

// hotGet reads the hot layer. Corrupt, foreign, or expired bytes are deleted
// (self-heal) and reported as a miss so the store stays authoritative.
func (c *cache) hotGet(ctx context.Context, k string, fp fingerprint.Fingerprint) (*Entry, bool) {
	raw, ok, err := c.provider.Get(ctx, k)
	if err != nil {
		c.log.Warn("hot layer read failed", Fields{"key": k, "err": err})
		return nil, false
	}
	if !ok {
		return nil, false
	}
	echo, body, err := wire.Decode(raw)
	if err != nil {
		_ = c.provider.Del(ctx, k)
		c.hooks.SelfHeal(k, "corrupt")
		return nil, false
	}
	if fingerprint.Fingerprint(echo) != fp {
		_ = c.provider.Del(ctx, k)
		c.hooks.SelfHeal(k, "key_mismatch")
		return nil, false
	}
	e, err := c.codec.Decode(body)
	if err != nil {
		_ = c.provider.Del(ctx, k)
		c.hooks.SelfHeal(k, "decode")
		return nil, false
	}
	if e.Expired(time.Now()) {
		_ = c.provider.Del(ctx, k)
		return nil, false
	}
	return &e, true
}

// hydrate mirrors a store entry into the hot layer, best-effort.
func (c *cache) hydrate(ctx context.Context, e *Entry) {
	body, err := c.codec.Encode(*e)
	if err != nil {
		c.log.Warn("entry encode failed; hot layer skipped", Fields{"key": e.Key.String(), "err": err})
		return
	}
	framed := wire.Encode(uint64(e.Key), body)
	ttl := c.hotTTL
	if !e.ExpiresAt.IsZero() {
		if left := time.Until(e.ExpiresAt); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return
	}
	ok, err := c.provider.Set(ctx, c.key(e.Key), framed, e.Size, ttl)
	if err != nil {
		c.log.Warn("hot layer write failed", Fields{"key": e.Key.String(), "err": err})
	} else if !ok {
		c.log.Debug("hot layer rejected entry (pressure)", Fields{"key": e.Key.String()})
	}
}

func (c *cache) Put(ctx context.Context, fp fingerprint.Fingerprint, p Put) error {
	if (p.Data == nil) == (p.File == nil) {
		return fmt.Errorf("fpcache: exactly one of Data and File must be set")
	}
	if p.File != nil && c.artifacts == nil {
		return fmt.Errorf("fpcache: file-backed payload without an artifact store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.usable() {
		return nil
	}

	now := time.Now()
	e := &Entry{
		Key:        fp,
		Source:     p.Source,
		Metadata:   p.Metadata,
		CreatedAt:  now,
		AccessedAt: now,
	}
	if c.ttl > 0 {
		e.ExpiresAt = now.Add(c.ttl)
	}

	if p.File != nil {
		ref := fp.String()
		n, err := c.artifacts.Write(ref, p.File)
		if err != nil {
			// Best-effort write path: log and drop.
			c.log.Warn("artifact write failed; entry not cached", Fields{"key": fp.String(), "err": err})
			return nil
		}
		e.ArtifactRef = ref
		e.Size = n
	} else {
		e.Payload = p.Data
		e.Size = int64(len(p.Data))
	}

	c.mu.Lock()
	err := c.st.Put(ctx, e)
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("store put failed; entry dropped", Fields{"key": fp.String(), "err": err})
		if e.ArtifactRef != "" {
			// Don't leave a stray artifact behind a failed row write.
			_ = c.artifacts.Remove(e.ArtifactRef)
		}
		return nil
	}

	c.hydrate(ctx, e)
	c.maybeEvict(ctx)
	return nil
}

func (c *cache) Open(e *Entry) (io.ReadCloser, error) {
	if e == nil {
		return nil, fmt.Errorf("fpcache: nil entry")
	}
	if !e.FileBacked() {
		return io.NopCloser(bytes.NewReader(e.Payload)), nil
	}
	if c.artifacts == nil {
		return nil, fmt.Errorf("fpcache: file-backed entry without an artifact store")
	}
	return c.artifacts.Open(e.ArtifactRef)
}

func (c *cache) payloadBytes(e *Entry) ([]byte, error) {
	rc, err := c.Open(e)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

type served struct {
	payload  []byte
	metadata []byte
}

func (c *cache) Serve(ctx context.Context, identifier string) ([]byte, []byte, error) {
	fp := c.comp.ComputeBytes([]byte(identifier))

	if e, ok, err := c.Get(ctx, fp); err != nil {
		return nil, nil, err
	} else if ok {
		payload, perr := c.payloadBytes(e)
		if perr == nil {
			return payload, e.Metadata, nil
		}
		// Row present but payload unreadable (orphan caught mid-flight);
		// fall through to a fresh fetch.
		c.hooks.Consistency(&ConsistencyWarning{Key: fp, Detail: "payload unreadable on hit"})
		c.log.Warn("cached payload unreadable; refetching", Fields{"key": fp.String(), "err": perr})
	}

	if c.fetcher == nil {
		return nil, nil, fmt.Errorf("fpcache: no fetcher configured")
	}

	v, err, _ := c.fetches.Do(identifier, func() (any, error) {
		payload, metadata, err := c.fetcher.Fetch(ctx, identifier)
		if err != nil {
			return nil, err
		}
		_ = c.Put(ctx, fp, Put{Source: identifier, Data: payload, Metadata: metadata})
		return served{payload: payload, metadata: metadata}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	sv := v.(served)
	return sv.payload, sv.metadata, nil
}

func (c *cache) Clear(ctx context.Context) error {
	if !c.usable() {
		return nil
	}

	// One lock spans both tiers: a concurrent reader can never observe an
	// entry removed from one layer but alive in the other.
	c.mu.Lock()
	defer c.mu.Unlock()

	refs, err := c.st.FileRefs(ctx)
	if err != nil {
		return &StoreError{Op: "clear", Err: err}
	}
	if err := c.st.Clear(ctx); err != nil {
		return &StoreError{Op: "clear", Err: err}
	}
	if err := c.provider.Clear(ctx); err != nil {
		return err
	}
	if c.artifacts != nil {
		for _, r := range refs {
			if err := c.artifacts.Remove(r.ArtifactRef); err != nil {
				c.hooks.EvictionArtifactError(r.Key.String(), r.ArtifactRef, err)
				c.log.Warn("artifact remove failed during clear",
					Fields{"key": r.Key.String(), "ref": r.ArtifactRef, "err": err})
			}
		}
	}
	c.stats.reset()
	c.log.Info("cache cleared", Fields{"namespace": c.ns})
	return nil
}

func (c *cache) Stats(ctx context.Context) (Stats, error) {
	s := c.stats.snapshot()
	if !c.usable() {
		return s, nil
	}
	n, err := c.st.Count(ctx)
	if err != nil {
		return s, &StoreError{Op: "get", Err: err}
	}
	total, err := c.st.TotalSize(ctx)
	if err != nil {
		return s, &StoreError{Op: "get", Err: err}
	}
	s.Entries = n
	s.TotalBytes = total
	return s, nil
}

func (c *cache) key(fp fingerprint.Fingerprint) string {
	return c.ns + ":" + fp.String()
}

func (c *cache) queueTouch(fp fingerprint.Fingerprint) {
	select {
	case c.touchCh <- fp:
	default:
		// Losing a touch under load is allowed; losing it silently is not.
		c.stats.touchDropped()
		c.hooks.AccessUpdateDropped(fp.String())
	}
}

func (c *cache) touchLoop() {
	defer c.wg.Done()
	for {
		select {
		case fp := <-c.touchCh:
			if err := c.st.Touch(context.Background(), fp, time.Now()); err != nil {
				c.hooks.AccessUpdateFailed(fp.String(), err)
				c.log.Warn("access-time update failed", Fields{"key": fp.String(), "err": err})
			}
		case <-c.stopCh:
			// Drain what's queued so shutdown doesn't discard touches that
			// were already accepted.
			for {
				select {
				case fp := <-c.touchCh:
					if err := c.st.Touch(context.Background(), fp, time.Now()); err != nil {
						c.hooks.AccessUpdateFailed(fp.String(), err)
					}
				default:
					return
				}
			}
		}
	}
}
