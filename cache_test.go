package fpcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/fpcache/artifact"
	"github.com/unkn0wn-root/fpcache/fingerprint"
	pr "github.com/unkn0wn-root/fpcache/provider"
	"github.com/unkn0wn-root/fpcache/store"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type memProvider struct {
	mu sync.RWMutex
	m  map[string]memEntry
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.RLock()
	e, ok := p.m[key]
	p.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		_ = p.Del(context.Background(), key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.mu.Lock()
	p.m[key] = memEntry{v: value, exp: exp}
	p.mu.Unlock()
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *memProvider) Clear(_ context.Context) error {
	p.mu.Lock()
	p.m = make(map[string]memEntry)
	p.mu.Unlock()
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

func (p *memProvider) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.m)
}

type recorderHooks struct {
	mu         sync.Mutex
	selfHeals  []string
	touchFails []string
	touchDrops int
	orphans    []fingerprint.Fingerprint
	artErrs    int
	degraded   int
}

var _ Hooks = (*recorderHooks)(nil)

func (r *recorderHooks) AccessUpdateFailed(key string, _ error) {
	r.mu.Lock()
	r.touchFails = append(r.touchFails, key)
	r.mu.Unlock()
}

func (r *recorderHooks) AccessUpdateDropped(string) {
	r.mu.Lock()
	r.touchDrops++
	r.mu.Unlock()
}

func (r *recorderHooks) EvictionArtifactError(string, string, error) {
	r.mu.Lock()
	r.artErrs++
	r.mu.Unlock()
}

func (r *recorderHooks) SelfHeal(_, reason string) {
	r.mu.Lock()
	r.selfHeals = append(r.selfHeals, reason)
	r.mu.Unlock()
}

func (r *recorderHooks) Consistency(w *ConsistencyWarning) {
	r.mu.Lock()
	r.orphans = append(r.orphans, w.Key)
	r.mu.Unlock()
}

func (r *recorderHooks) Degraded(error) {
	r.mu.Lock()
	r.degraded++
	r.mu.Unlock()
}

// newTestCache builds an initialized cache over a temp sqlite store and an
// in-test memory provider. The store is injected so tests can inspect the
// persistent tier directly.
func newTestCache(t *testing.T, mutate func(*Options)) (Cache, *store.SQLite, *memProvider) {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "cache.db"), "thumbs")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	mp := newMemProvider()

	opts := Options{
		Namespace: "thumbs",
		Provider:  mp,
		Store:     st,
	}
	if mutate != nil {
		mutate(&opts)
	}
	cc, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cc.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { cc.Close(ctx) })
	return cc, st, mp
}

func mustImpl(t *testing.T, c Cache) *cache {
	t.Helper()
	impl, ok := c.(*cache)
	if !ok {
		t.Fatalf("unexpected concrete type for Cache")
	}
	return impl
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func payload(n int, fill byte) []byte { return bytes.Repeat([]byte{fill}, n) }

// ==============================
// Round trip and idempotence
// ==============================

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	cc, _, _ := newTestCache(t, nil)

	data := []byte("predicted street address blob")
	fp, err := cc.Fingerprint(ctx, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}

	if err := cc.Put(ctx, fp, Put{Source: "/photos/a.jpg", Data: data, Metadata: []byte("m")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	e, ok, err := cc.Get(ctx, fp)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	rc, err := cc.Open(e)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, data) {
		t.Fatalf("payload mismatch: %q", got)
	}
	if string(e.Metadata) != "m" || e.Source != "/photos/a.jpg" {
		t.Fatalf("entry fields mismatch: %+v", e)
	}
}

func TestLookupComputesAndFetches(t *testing.T) {
	ctx := context.Background()
	cc, _, _ := newTestCache(t, nil)

	data := []byte("lookup source bytes")
	fp, _, ok, err := cc.Lookup(ctx, bytes.NewReader(data))
	if err != nil || ok {
		t.Fatalf("first Lookup: ok=%v err=%v", ok, err)
	}
	if err := cc.Put(ctx, fp, Put{Data: []byte("value")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	fp2, e, ok, err := cc.Lookup(ctx, bytes.NewReader(data))
	if err != nil || !ok || fp2 != fp {
		t.Fatalf("second Lookup: fp=%v ok=%v err=%v", fp2, ok, err)
	}
	if string(e.Payload) != "value" {
		t.Fatalf("payload mismatch: %q", e.Payload)
	}
}

func TestLookupHashFailureDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	cc, _, _ := newTestCache(t, nil)

	_, _, ok, err := cc.Lookup(ctx, failingReader{})
	if ok {
		t.Fatalf("failed hash must not hit")
	}
	var ce *ComputeError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ComputeError, got %v", err)
	}
	s, _ := cc.Stats(ctx)
	if s.Misses != 1 {
		t.Fatalf("miss not counted: %+v", s)
	}
}

func TestPutIdempotentAndAccessCountReflectsGets(t *testing.T) {
	ctx := context.Background()
	cc, st, _ := newTestCache(t, nil)

	data := payload(64, 'a')
	fp, _ := cc.Fingerprint(ctx, bytes.NewReader(data))

	for i := 0; i < 3; i++ {
		if err := cc.Put(ctx, fp, Put{Data: data}); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}
	if n, _ := st.Count(ctx); n != 1 {
		t.Fatalf("repeated put produced %d rows", n)
	}

	for i := 0; i < 2; i++ {
		if _, ok, err := cc.Get(ctx, fp); !ok || err != nil {
			t.Fatalf("Get #%d: ok=%v err=%v", i, ok, err)
		}
	}
	// Touches are asynchronous; wait for both to land.
	waitFor(t, "access count", func() bool {
		e, err := st.Get(ctx, fp)
		return err == nil && e.AccessCount == 2
	})
}

// ==============================
// Eviction
// ==============================

// TestEvictionScenario: ceiling 1000, load factor 0.8; six 200-byte entries.
// After the sixth put total is 1200 > 1000; eviction removes the two oldest
// (400 bytes), leaving four entries totalling 800.
func TestEvictionScenario(t *testing.T) {
	ctx := context.Background()
	cc, st, _ := newTestCache(t, func(o *Options) {
		o.CapacityBytes = 1000
		o.LoadFactor = 0.8
	})

	fps := make([]fingerprint.Fingerprint, 6)
	for i := range fps {
		data := payload(200, byte('0'+i))
		fp, _ := cc.Fingerprint(ctx, bytes.NewReader(data))
		fps[i] = fp
		if err := cc.Put(ctx, fp, Put{Data: data}); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond) // distinct last-access times
	}

	waitFor(t, "eviction", func() bool {
		n, err := st.Count(ctx)
		return err == nil && n == 4
	})

	total, _ := st.TotalSize(ctx)
	if total != 800 {
		t.Fatalf("total after eviction = %d, want 800", total)
	}
	for i, fp := range fps {
		_, err := st.Get(ctx, fp)
		if i < 2 && err == nil {
			t.Fatalf("entry #%d survived eviction", i)
		}
		if i >= 2 && err != nil {
			t.Fatalf("entry #%d was over-evicted: %v", i, err)
		}
	}

	s, _ := cc.Stats(ctx)
	if s.Evictions != 2 || s.BytesEvicted != 400 {
		t.Fatalf("eviction stats: %+v", s)
	}
}

// TestEvictionLRUOrder freshens the oldest entry via Get and verifies the
// next pass removes strictly least-recently-used rows instead.
func TestEvictionLRUOrder(t *testing.T) {
	ctx := context.Background()
	cc, st, _ := newTestCache(t, func(o *Options) {
		o.CapacityBytes = 350
		o.LoadFactor = 0.8
	})

	var fps []fingerprint.Fingerprint
	for _, fill := range []byte{'a', 'b', 'c'} {
		data := payload(100, fill)
		fp, _ := cc.Fingerprint(ctx, bytes.NewReader(data))
		fps = append(fps, fp)
		if err := cc.Put(ctx, fp, Put{Data: data}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	// Freshen "a" so "b" becomes the oldest.
	if _, ok, _ := cc.Get(ctx, fps[0]); !ok {
		t.Fatalf("warm get missed")
	}
	waitFor(t, "touch", func() bool {
		e, err := st.Get(ctx, fps[0])
		return err == nil && e.AccessCount == 1
	})

	data := payload(100, 'd')
	fpD, _ := cc.Fingerprint(ctx, bytes.NewReader(data))
	if err := cc.Put(ctx, fpD, Put{Data: data}); err != nil {
		t.Fatalf("Put d: %v", err)
	}

	// 400 > 350; evict down to 280: b then c go, a and d stay.
	waitFor(t, "eviction", func() bool {
		n, err := st.Count(ctx)
		return err == nil && n == 2
	})
	if _, err := st.Get(ctx, fps[0]); err != nil {
		t.Fatalf("freshened entry was evicted: %v", err)
	}
	if _, err := st.Get(ctx, fpD); err != nil {
		t.Fatalf("newest entry was evicted: %v", err)
	}
	for _, fp := range fps[1:] {
		if _, err := st.Get(ctx, fp); err == nil {
			t.Fatalf("stale entry survived")
		}
	}
}

func TestEvictionRemovesBackingArtifacts(t *testing.T) {
	ctx := context.Background()
	arts, err := artifact.NewDir(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	cc, st, _ := newTestCache(t, func(o *Options) {
		o.CapacityBytes = 250
		o.Artifacts = arts
	})

	var fps []fingerprint.Fingerprint
	for _, fill := range []byte{'x', 'y', 'z'} {
		data := payload(100, fill)
		fp, _ := cc.Fingerprint(ctx, bytes.NewReader(data))
		fps = append(fps, fp)
		if err := cc.Put(ctx, fp, Put{File: bytes.NewReader(data)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, "eviction", func() bool {
		n, err := st.Count(ctx)
		return err == nil && n == 2
	})
	if ok, _ := arts.Exists(fps[0].String()); ok {
		t.Fatalf("victim artifact not deleted")
	}
	if ok, _ := arts.Exists(fps[2].String()); !ok {
		t.Fatalf("survivor artifact deleted")
	}
}

// ==============================
// Statistics (Scenario B) and Clear (Scenario C)
// ==============================

func TestStatsHitMissCounting(t *testing.T) {
	ctx := context.Background()
	cc, _, _ := newTestCache(t, nil)

	unknown := fingerprint.Fingerprint(0xabcdef)
	if _, ok, err := cc.Get(ctx, unknown); ok || err != nil {
		t.Fatalf("Get unknown: ok=%v err=%v", ok, err)
	}
	s, _ := cc.Stats(ctx)
	if s.Misses != 1 || s.Hits != 0 {
		t.Fatalf("after miss: %+v", s)
	}

	if err := cc.Put(ctx, unknown, Put{Data: []byte("v")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok, _ := cc.Get(ctx, unknown); !ok {
		t.Fatalf("Get after put missed")
	}
	s, _ = cc.Stats(ctx)
	if s.Misses != 1 || s.Hits != 1 {
		t.Fatalf("after hit: %+v", s)
	}
	if s.HitRate != 0.5 {
		t.Fatalf("hit rate = %v, want 0.5", s.HitRate)
	}
	if s.Entries != 1 || s.TotalBytes != 1 {
		t.Fatalf("store totals: %+v", s)
	}
}

func TestClearEmptiesBothLayersAndResetsStats(t *testing.T) {
	ctx := context.Background()
	arts, err := artifact.NewDir(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	cc, st, mp := newTestCache(t, func(o *Options) { o.Artifacts = arts })

	inline := payload(32, 'i')
	fpI, _ := cc.Fingerprint(ctx, bytes.NewReader(inline))
	if err := cc.Put(ctx, fpI, Put{Data: inline}); err != nil {
		t.Fatalf("Put inline: %v", err)
	}
	backed := payload(32, 'f')
	fpF, _ := cc.Fingerprint(ctx, bytes.NewReader(backed))
	if err := cc.Put(ctx, fpF, Put{File: bytes.NewReader(backed)}); err != nil {
		t.Fatalf("Put file: %v", err)
	}
	if _, ok, _ := cc.Get(ctx, fpI); !ok {
		t.Fatalf("warm get missed")
	}

	if err := cc.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if n, _ := st.Count(ctx); n != 0 {
		t.Fatalf("store not empty after clear: %d", n)
	}
	if mp.len() != 0 {
		t.Fatalf("hot layer not empty after clear: %d", mp.len())
	}
	if ok, _ := arts.Exists(fpF.String()); ok {
		t.Fatalf("artifact survived clear")
	}
	s, _ := cc.Stats(ctx)
	if s.Hits != 0 || s.Misses != 0 || s.Evictions != 0 {
		t.Fatalf("stats not reset: %+v", s)
	}
	if _, ok, _ := cc.Get(ctx, fpI); ok {
		t.Fatalf("entry returned from Absent without a fresh put")
	}
}

// ==============================
// TTL and orphan maintenance
// ==============================

func TestInitializeSweepsExpiredRows(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "cache.db"), "tiles")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	now := time.Now()
	expired := &store.Entry{
		Key: 1, Payload: []byte("old"), Size: 3,
		CreatedAt: now.Add(-72 * time.Hour), AccessedAt: now.Add(-72 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
	live := &store.Entry{
		Key: 2, Payload: []byte("new"), Size: 3,
		CreatedAt: now, AccessedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	for _, e := range []*store.Entry{expired, live} {
		if err := st.Put(ctx, e); err != nil {
			t.Fatalf("seed Put: %v", err)
		}
	}

	cc, err := New(Options{Namespace: "tiles", Provider: newMemProvider(), Store: st})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cc.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer cc.Close(ctx)

	if _, ok, _ := cc.Get(ctx, 1); ok {
		t.Fatalf("expired entry survived startup sweep")
	}
	if _, ok, _ := cc.Get(ctx, 2); !ok {
		t.Fatalf("live entry swept")
	}
}

func TestInitializeRemovesOrphans(t *testing.T) {
	ctx := context.Background()
	arts, err := artifact.NewDir(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "cache.db"), "tiles")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}

	now := time.Now()
	// Row 1 has its artifact; row 2 is an orphan.
	if _, err := arts.Write(fingerprint.Fingerprint(1).String(), strings.NewReader("present")); err != nil {
		t.Fatalf("artifact Write: %v", err)
	}
	for _, key := range []fingerprint.Fingerprint{1, 2} {
		e := &store.Entry{
			Key: key, ArtifactRef: key.String(), Size: 7,
			CreatedAt: now, AccessedAt: now,
		}
		if err := st.Put(ctx, e); err != nil {
			t.Fatalf("seed Put: %v", err)
		}
	}

	hooks := &recorderHooks{}
	cc, err := New(Options{Namespace: "tiles", Provider: newMemProvider(), Store: st, Artifacts: arts, Hooks: hooks})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cc.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer cc.Close(ctx)

	if _, ok, _ := cc.Get(ctx, 2); ok {
		t.Fatalf("orphan row survived maintenance")
	}
	if _, ok, _ := cc.Get(ctx, 1); !ok {
		t.Fatalf("healthy row removed by maintenance")
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.orphans) != 1 || hooks.orphans[0] != 2 {
		t.Fatalf("consistency warnings: %v", hooks.orphans)
	}
}

// ==============================
// Self-heal and degraded mode
// ==============================

func TestHotLayerSelfHealOnCorrupt(t *testing.T) {
	ctx := context.Background()
	hooks := &recorderHooks{}
	cc, _, mp := newTestCache(t, func(o *Options) { o.Hooks = hooks })
	impl := mustImpl(t, cc)

	data := []byte("healthy")
	fp, _ := cc.Fingerprint(ctx, bytes.NewReader(data))
	if err := cc.Put(ctx, fp, Put{Data: data}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Corrupt the hot-layer bytes under the entry's key.
	k := impl.key(fp)
	if _, err := mp.Set(ctx, k, []byte("not-wire-format"), 1, time.Minute); err != nil {
		t.Fatalf("inject: %v", err)
	}

	// Get must self-heal the hot layer and recover from the store.
	e, ok, err := cc.Get(ctx, fp)
	if err != nil || !ok || string(e.Payload) != "healthy" {
		t.Fatalf("Get after corruption: ok=%v err=%v", ok, err)
	}
	hooks.mu.Lock()
	heals := len(hooks.selfHeals)
	hooks.mu.Unlock()
	if heals != 1 {
		t.Fatalf("self-heal not reported: %d", heals)
	}
}

func TestDegradedPassThroughMode(t *testing.T) {
	ctx := context.Background()
	hooks := &recorderHooks{}
	cc, err := New(Options{
		Namespace: "thumbs",
		Provider:  newMemProvider(),
		StorePath: filepath.Join(t.TempDir(), "missing-dir", "sub", "cache.db"),
		Hooks:     hooks,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cc.Close(ctx)

	err = cc.Initialize(ctx)
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected StoreError from Initialize, got %v", err)
	}
	if cc.Enabled() {
		t.Fatalf("degraded cache reports enabled")
	}

	// Pass-through: everything misses, nothing errors, the host keeps going.
	if _, ok, err := cc.Get(ctx, 1); ok || err != nil {
		t.Fatalf("degraded Get: ok=%v err=%v", ok, err)
	}
	if err := cc.Put(ctx, 1, Put{Data: []byte("v")}); err != nil {
		t.Fatalf("degraded Put: %v", err)
	}
	hooks.mu.Lock()
	deg := hooks.degraded
	hooks.mu.Unlock()
	if deg != 1 {
		t.Fatalf("degraded hook fired %d times", deg)
	}
}

func TestDisabledCacheIsPassThrough(t *testing.T) {
	ctx := context.Background()
	cc, st, _ := newTestCache(t, func(o *Options) { o.Disabled = true })

	if err := cc.Put(ctx, 7, Put{Data: []byte("v")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok, _ := cc.Get(ctx, 7); ok {
		t.Fatalf("disabled cache served a value")
	}
	if n, _ := st.Count(ctx); n != 0 {
		t.Fatalf("disabled cache wrote to the store")
	}
}

func TestPutValidation(t *testing.T) {
	ctx := context.Background()
	cc, _, _ := newTestCache(t, nil)

	if err := cc.Put(ctx, 1, Put{}); err == nil {
		t.Fatalf("empty Put accepted")
	}
	if err := cc.Put(ctx, 1, Put{Data: []byte("d"), File: strings.NewReader("f")}); err == nil {
		t.Fatalf("double payload accepted")
	}
	if err := cc.Put(ctx, 1, Put{File: strings.NewReader("f")}); err == nil {
		t.Fatalf("file payload without artifact store accepted")
	}
}

// ==============================
// Serve / Fetcher interception
// ==============================

type countingFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *countingFetcher) Fetch(_ context.Context, identifier string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return []byte("tile:" + identifier), []byte(`etag:"abc"`), nil
}

func TestServeFetchesOnceThenServesFromCache(t *testing.T) {
	ctx := context.Background()
	f := &countingFetcher{}
	cc, _, _ := newTestCache(t, func(o *Options) { o.Fetcher = f })

	const id = "https://tiles.example/12/654/1583.png"
	body, meta, err := cc.Serve(ctx, id)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if string(body) != "tile:"+id || string(meta) != `etag:"abc"` {
		t.Fatalf("served %q / %q", body, meta)
	}

	body2, _, err := cc.Serve(ctx, id)
	if err != nil || !bytes.Equal(body, body2) {
		t.Fatalf("second Serve: %q err=%v", body2, err)
	}
	f.mu.Lock()
	calls := f.calls
	f.mu.Unlock()
	if calls != 1 {
		t.Fatalf("fetcher called %d times, want 1", calls)
	}
}

func TestServeWithoutFetcher(t *testing.T) {
	cc, _, _ := newTestCache(t, nil)
	if _, _, err := cc.Serve(context.Background(), "anything"); err == nil {
		t.Fatalf("Serve without fetcher must error")
	}
}

// ==============================
// Concurrency
// ==============================

// TestConcurrentPutGet runs 100 parallel put+get pairs on distinct keys:
// no lost entries, no errors.
func TestConcurrentPutGet(t *testing.T) {
	ctx := context.Background()
	cc, st, _ := newTestCache(t, func(o *Options) {
		o.CapacityBytes = 1 << 30 // no eviction in this test
	})

	const n = 100
	errCh := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := []byte(fmt.Sprintf("payload-%d", i))
			fp, err := cc.Fingerprint(ctx, bytes.NewReader(data))
			if err != nil {
				errCh <- err
				return
			}
			if err := cc.Put(ctx, fp, Put{Data: data}); err != nil {
				errCh <- err
				return
			}
			e, ok, err := cc.Get(ctx, fp)
			if err != nil || !ok || !bytes.Equal(e.Payload, data) {
				errCh <- fmt.Errorf("get %d: ok=%v err=%v", i, ok, err)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent op failed: %v", err)
	}
	if count, _ := st.Count(ctx); count != n {
		t.Fatalf("lost entries: %d/%d", count, n)
	}
}

func TestConcurrentClearAndGet(t *testing.T) {
	ctx := context.Background()
	cc, _, _ := newTestCache(t, nil)

	data := []byte("contended")
	fp, _ := cc.Fingerprint(ctx, bytes.NewReader(data))
	if err := cc.Put(ctx, fp, Put{Data: data}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				// A hit must always carry the full payload: never a value
				// half-removed by the concurrent clear.
				if e, ok, _ := cc.Get(ctx, fp); ok && !bytes.Equal(e.Payload, data) {
					t.Errorf("torn read: %q", e.Payload)
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 10; j++ {
			if err := cc.Clear(ctx); err != nil {
				t.Errorf("Clear: %v", err)
				return
			}
			_ = cc.Put(ctx, fp, Put{Data: data})
		}
	}()
	wg.Wait()
}

func TestCancelledContext(t *testing.T) {
	cc, _, _ := newTestCache(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := cc.Get(ctx, 1); err == nil {
		t.Fatalf("Get ignored cancellation")
	}
	if err := cc.Put(ctx, 1, Put{Data: []byte("v")}); err == nil {
		t.Fatalf("Put ignored cancellation")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }
