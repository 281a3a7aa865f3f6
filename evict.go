package fpcache

import (
	"context"

	"github.com/dustin/go-humanize"

	"github.com/unkn0wn-root/fpcache/fingerprint"
)

// maybeEvict kicks off an eviction pass off the caller's critical path when
// the persisted total exceeds the ceiling. Only one pass runs at a time;
// put-heavy bursts collapse into it.
func (c *cache) maybeEvict(ctx context.Context) {
	total, err := c.st.TotalSize(ctx)
	if err != nil {
		c.log.Warn("size check failed; eviction skipped", Fields{"err": err})
		return
	}
	if total <= c.capacity {
		return
	}
	if !c.evicting.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.evicting.Store(false)
		c.evictToTarget(context.Background())
	}()
}

// evictToTarget deletes oldest-first until the persisted total falls to
// loadFactor × ceiling. Not to zero: draining fully would make every
// near-threshold write pay for a full refill. The whole scan-and-delete runs
// under the mutation lock so a concurrent put cannot invalidate the size
// snapshot mid-pass.
func (c *cache) evictToTarget(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	total, err := c.st.TotalSize(ctx)
	if err != nil {
		c.log.Warn("eviction size snapshot failed", Fields{"err": err})
		return
	}
	if total <= c.capacity {
		return // a concurrent clear or earlier pass already got us under
	}
	target := int64(float64(c.capacity) * c.loadFactor)

	victims, err := c.st.OldestFirst(ctx)
	if err != nil {
		c.log.Warn("eviction scan failed", Fields{"err": err})
		return
	}

	var (
		keys  []fingerprint.Fingerprint
		freed int64
	)
	for _, v := range victims {
		if total-freed <= target {
			break
		}
		keys = append(keys, v.Key)
		freed += v.Size
	}
	if len(keys) == 0 {
		return
	}

	removed, err := c.st.DeleteMany(ctx, keys)
	if err != nil {
		c.log.Warn("eviction delete failed", Fields{"err": err})
		return
	}

	var removedBytes int64
	for _, v := range removed {
		removedBytes += v.Size
		_ = c.provider.Del(ctx, c.key(v.Key))
		if v.ArtifactRef != "" && c.artifacts != nil {
			if err := c.artifacts.Remove(v.ArtifactRef); err != nil {
				evErr := &EvictionError{Key: v.Key, Ref: v.ArtifactRef, Err: err}
				c.hooks.EvictionArtifactError(v.Key.String(), v.ArtifactRef, err)
				c.log.Warn("victim artifact not removed; maintenance will retry", Fields{"err": evErr})
			}
		}
	}

	c.stats.evicted(uint64(len(removed)), removedBytes)
	c.log.Info("eviction pass complete", Fields{
		"namespace": c.ns,
		"removed":   len(removed),
		"freed":     humanize.Bytes(uint64(removedBytes)),
		"remaining": humanize.Bytes(uint64(total - removedBytes)),
	})
}
