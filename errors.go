package fpcache

import (
	"fmt"

	"github.com/unkn0wn-root/fpcache/fingerprint"
)

// ComputeError wraps a failure while fingerprinting a content source.
// A partial digest is never cached; the operation simply did not happen.
type ComputeError struct {
	Source string // path/URL/identifier being fingerprinted, if known
	Err    error
}

func (e *ComputeError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("fingerprint %q: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("fingerprint: %v", e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// StoreError wraps a persistent-store failure. On the read path these degrade
// to a miss; on the write path they are logged and dropped; only Initialize
// and Clear surface them to the caller.
type StoreError struct {
	Op  string // "open", "put", "get", "clear", "maintenance"
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("cache store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// EvictionError records a failed delete of a victim's backing artifact.
// Never fatal: the row is already gone, the stray file is picked up by the
// next maintenance sweep.
type EvictionError struct {
	Key fingerprint.Fingerprint
	Ref string
	Err error
}

func (e *EvictionError) Error() string {
	return fmt.Sprintf("evict %s: remove artifact %q: %v", e.Key, e.Ref, e.Err)
}

func (e *EvictionError) Unwrap() error { return e.Err }

// ConsistencyWarning describes a mismatch between the layers found during
// maintenance, e.g. a persisted row whose backing artifact is missing.
// Reported through Hooks, not returned as an error.
type ConsistencyWarning struct {
	Key    fingerprint.Fingerprint
	Detail string
}

func (w *ConsistencyWarning) Error() string {
	return fmt.Sprintf("consistency: %s: %s", w.Key, w.Detail)
}
