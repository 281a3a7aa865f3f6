package fpcache

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; the cache calls them on hot
// paths. Wrap with hooks/async to decouple slow sinks.
type Hooks interface {
	// A background access-time update failed. Best-effort does not mean
	// silent: every failed touch is reported here.
	AccessUpdateFailed(key string, err error)

	// A background access-time update was dropped because the queue was
	// full. Expected under heavy read load; counted in Stats as well.
	AccessUpdateDropped(key string)

	// Eviction removed a row but could not delete its backing artifact.
	// The stray file is retried by the next maintenance sweep.
	EvictionArtifactError(key, ref string, err error)

	// A hot-layer entry was deleted on read.
	// reason ∈ {"corrupt", "key_mismatch", "decode"}
	SelfHeal(storageKey, reason string)

	// Maintenance found the layers out of agreement (e.g. an orphan row).
	Consistency(w *ConsistencyWarning)

	// The persistent store failed to open; the cache is running in
	// pass-through mode.
	Degraded(err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) AccessUpdateFailed(string, error)            {}
func (NopHooks) AccessUpdateDropped(string)                  {}
func (NopHooks) EvictionArtifactError(string, string, error) {}
func (NopHooks) SelfHeal(string, string)                     {}
func (NopHooks) Consistency(*ConsistencyWarning)             {}
func (NopHooks) Degraded(error)                              {}
