//go:build !(linux && cgo)

package dma

import "sync/atomic"

// fenceGuard is touched by the portable fences below so the compiler cannot
// reorder the surrounding accesses across them; it carries no state of its
// own.
var fenceGuard atomic.Uint64

// releaseFence is the portable fallback for platforms without the cgo
// sfence: an atomic store is a release operation in the Go memory model,
// sufficient to order preceding plain writes before it.
func releaseFence() {
	fenceGuard.Add(1)
}

// acquireFence is the portable fallback for mfence: an atomic load is an
// acquire operation, sufficient to order it before subsequent plain reads.
func acquireFence() {
	_ = fenceGuard.Load()
}
