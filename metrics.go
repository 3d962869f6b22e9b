package async

import (
	"sync/atomic"
	"time"

	"github.com/ohcifw/async-engine/internal/ohci"
)

// LatencyBuckets defines the transaction-completion latency histogram
// buckets in nanoseconds, log-spaced from 1us to 10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks per-tcode transaction counts, retry activity, and
// completion latency for one Engine.
type Metrics struct {
	QuadletReads  atomic.Uint64
	QuadletWrites atomic.Uint64
	BlockReads    atomic.Uint64
	BlockWrites   atomic.Uint64
	Locks         atomic.Uint64
	PhyOps        atomic.Uint64

	Completed atomic.Uint64
	Failed    atomic.Uint64
	TimedOut  atomic.Uint64
	Cancelled atomic.Uint64

	BusyRetries       atomic.Uint64
	ATPostedRetries   atomic.Uint64
	AwaitingARRetries atomic.Uint64

	Path1Submits   atomic.Uint64
	Path2Submits   atomic.Uint64
	Path2Fallbacks atomic.Uint64

	ARPacketsReceived  atomic.Uint64
	ARBusResets        atomic.Uint64
	CompletionsDropped atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics returns a fresh Metrics with StartTime stamped to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit increments the per-tcode submission counter for tc.
func (m *Metrics) RecordSubmit(tc ohci.TCode) {
	switch tc {
	case ohci.TCodeReadQuadlet:
		m.QuadletReads.Add(1)
	case ohci.TCodeWriteQuadlet:
		m.QuadletWrites.Add(1)
	case ohci.TCodeReadBlock:
		m.BlockReads.Add(1)
	case ohci.TCodeWriteBlock:
		m.BlockWrites.Add(1)
	case ohci.TCodeLockRequest:
		m.Locks.Add(1)
	case ohci.TCodePhy:
		m.PhyOps.Add(1)
	}
}

// RecordCompletion records a terminal outcome and its latency.
func (m *Metrics) RecordCompletion(code TxErrorCode, latencyNs uint64) {
	switch code {
	case "":
		m.Completed.Add(1)
	case ErrCodeTimeout:
		m.TimedOut.Add(1)
	case ErrCodeCancelled:
		m.Cancelled.Add(1)
	default:
		m.Failed.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			m.LatencyBuckets[i].Add(1)
			break
		}
	}
}

// AverageLatencyNs returns the mean completion latency across every
// recorded operation, or 0 if none have completed yet.
func (m *Metrics) AverageLatencyNs() uint64 {
	count := m.OpCount.Load()
	if count == 0 {
		return 0
	}
	return m.TotalLatencyNs.Load() / count
}
