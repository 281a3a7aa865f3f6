// Package sloghook logs fpcache hook events through log/slog, with sampling
// for the chatty ones.
package sloghook

import (
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/fpcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery    uint64
	TouchDropEvery   uint64
	TouchFailedEvery uint64
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr    atomic.Uint64
	touchDropCtr   atomic.Uint64
	touchFailedCtr atomic.Uint64
}

var _ fpcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) AccessUpdateFailed(key string, err error) {
	if h.l == nil || !sample(h.opts.TouchFailedEvery, &h.touchFailedCtr) {
		return
	}
	h.l.Warn("fpcache.access_update_failed",
		"key", key,
		"err", err)
}

func (h *Hooks) AccessUpdateDropped(key string) {
	if h.l == nil || !sample(h.opts.TouchDropEvery, &h.touchDropCtr) {
		return
	}
	h.l.Debug("fpcache.access_update_dropped",
		"key", key)
}

func (h *Hooks) EvictionArtifactError(key, ref string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("fpcache.eviction_artifact_error",
		"key", key,
		"ref", ref,
		"err", err)
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("fpcache.self_heal",
		"key", storageKey,
		"reason", reason)
}

func (h *Hooks) Consistency(w *fpcache.ConsistencyWarning) {
	if h.l == nil {
		return
	}
	h.l.Warn("fpcache.consistency_warning",
		"key", w.Key.String(),
		"detail", w.Detail)
}

func (h *Hooks) Degraded(err error) {
	if h.l == nil {
		return
	}
	h.l.Error("fpcache.degraded",
		"err", err)
}
