// Package asynchook decouples hook sinks from the cache's hot paths: events
// are handed to a bounded queue and delivered by worker goroutines. When the
// queue is full, events are dropped rather than blocking a Get.
//
//	raw := sloghook.New(slog.Default(), sloghook.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/fpcache"
)

type Hooks struct {
	inner fpcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ fpcache.Hooks = (*Hooks)(nil)

func New(inner fpcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) AccessUpdateFailed(key string, err error) {
	h.try(func() { h.inner.AccessUpdateFailed(key, err) })
}

func (h *Hooks) AccessUpdateDropped(key string) {
	h.try(func() { h.inner.AccessUpdateDropped(key) })
}

func (h *Hooks) EvictionArtifactError(key, ref string, err error) {
	h.try(func() { h.inner.EvictionArtifactError(key, ref, err) })
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	h.try(func() { h.inner.SelfHeal(storageKey, reason) })
}

func (h *Hooks) Consistency(w *fpcache.ConsistencyWarning) {
	h.try(func() { h.inner.Consistency(w) })
}

func (h *Hooks) Degraded(err error) {
	h.try(func() { h.inner.Degraded(err) })
}
