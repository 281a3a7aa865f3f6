package fpcache

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/fpcache/fingerprint"
)

// orphanCheckParallelism bounds concurrent stat calls during the orphan scan.
const orphanCheckParallelism = 8

// maintain runs the startup pass: expire TTL'd rows, then drop orphan rows
// whose backing artifact has gone missing. Stray artifacts from earlier
// failed evictions disappear with their rows here.
func (c *cache) maintain(ctx context.Context) error {
	now := time.Now()

	swept, err := c.st.SweepExpired(ctx, now)
	if err != nil {
		return &StoreError{Op: "maintenance", Err: err}
	}
	var sweptBytes int64
	for _, v := range swept {
		sweptBytes += v.Size
		_ = c.provider.Del(ctx, c.key(v.Key))
		if v.ArtifactRef != "" && c.artifacts != nil {
			if err := c.artifacts.Remove(v.ArtifactRef); err != nil {
				c.log.Warn("expired artifact not removed",
					Fields{"key": v.Key.String(), "ref": v.ArtifactRef, "err": err})
			}
		}
	}
	if len(swept) > 0 {
		c.log.Info("TTL sweep complete", Fields{
			"namespace": c.ns,
			"expired":   len(swept),
			"freed":     humanize.Bytes(uint64(sweptBytes)),
		})
	}

	if c.artifacts == nil {
		return nil
	}

	refs, err := c.st.FileRefs(ctx)
	if err != nil {
		return &StoreError{Op: "maintenance", Err: err}
	}
	if len(refs) == 0 {
		return nil
	}

	var (
		mu      sync.Mutex
		orphans []fingerprint.Fingerprint
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(orphanCheckParallelism)
	for _, r := range refs {
		r := r
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok, err := c.artifacts.Exists(r.ArtifactRef)
			if err != nil {
				c.log.Warn("artifact check failed", Fields{"ref": r.ArtifactRef, "err": err})
				return nil // unknown is not orphaned; keep the row
			}
			if !ok {
				c.hooks.Consistency(&ConsistencyWarning{Key: r.Key, Detail: "backing artifact missing"})
				mu.Lock()
				orphans = append(orphans, r.Key)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	removed, err := c.st.DeleteMany(ctx, orphans)
	if err != nil {
		return &StoreError{Op: "maintenance", Err: err}
	}
	for _, v := range removed {
		_ = c.provider.Del(ctx, c.key(v.Key))
	}
	c.log.Info("orphan cleanup complete", Fields{"namespace": c.ns, "removed": len(removed)})
	return nil
}
