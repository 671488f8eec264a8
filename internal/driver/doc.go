// Package driver adapts the sans-IO connection core in internal/wire into
// concurrently usable, byte-oriented duplex streams with real backpressure.
// It is built leaf-first: buffer pool, control block, stream handle,
// runner, endpoint — the same order the runner's own dependencies resolve
// in, so each layer only ever reaches downward.
package driver
