// Package ring implements the fixed-size circular structures backing AT
// descriptor chains and AR buffer-fill contexts.
package ring

import (
	"fmt"
	"sync"

	"github.com/ohcifw/async-engine/internal/dma"
)

// InvalidIndex is an out-of-range block index. ReserveBlocks does not return
// it: a reservation that does not fit is reported by ok=false.
const InvalidIndex = ^uint32(0)

// Chain is a transient record of a just-built submission.
type Chain struct {
	Empty          bool
	FirstIOVA      uint32
	LastIOVA       uint32
	FirstBlocks    int
	LastBlocks     int
	FirstRingIndex uint32
	LastRingIndex  uint32
	TxID           uint64
	NeedsFlush     bool
}

// DescriptorRing is a contiguous array of BlockSize-byte descriptor slots
// addressed by block index, with head/tail cursors and the previous
// chain's terminating block count for PATH-2 branch patching.
type DescriptorRing struct {
	mu             sync.Mutex
	slab           *dma.Slab
	base           dma.Region
	capacityBlocks uint32 // total blocks, including the 2 reserved sentinels
	head           uint32
	tail           uint32
	prevLastBlocks int
	prevLastIndex  uint32
}

// NewDescriptorRing allocates capacityBlocks*BlockSize bytes from slab for
// the ring backing store.
func NewDescriptorRing(slab *dma.Slab, capacityBlocks uint32) (*DescriptorRing, error) {
	if capacityBlocks < 4 {
		return nil, fmt.Errorf("ring: capacity must be at least 4 blocks")
	}
	region, err := slab.Alloc(int(capacityBlocks) * 16)
	if err != nil {
		return nil, fmt.Errorf("ring: allocate backing store: %w", err)
	}
	return &DescriptorRing{slab: slab, base: region, capacityBlocks: capacityBlocks}, nil
}

// usableCapacity is capacityBlocks minus the two sentinel reservations the
// ring must always keep free.
func (r *DescriptorRing) usableCapacity() uint32 {
	return r.capacityBlocks - 2
}

// Empty reports whether head equals tail.
func (r *DescriptorRing) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head == r.tail
}

// Head returns the current head block index.
func (r *DescriptorRing) Head() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}

// Tail returns the current tail block index.
func (r *DescriptorRing) Tail() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tail
}

// PrevLastBlocks returns the block count recorded by the most recent
// RecordChain, or 0 if none was recorded since construction or the last
// ClearPrevLast. Draining completions does not reset it, so a non-zero
// value does not by itself mean a chain is still between head and tail.
func (r *DescriptorRing) PrevLastBlocks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prevLastBlocks
}

// freeBlocks returns capacityBlocks minus the blocks between head and tail.
// It does not subtract the two sentinel blocks; ReserveBlocks adds that
// margin itself.
func (r *DescriptorRing) freeBlocks() uint32 {
	var used uint32
	if r.tail >= r.head {
		used = r.tail - r.head
	} else {
		used = r.capacityBlocks - r.head + r.tail
	}
	return r.capacityBlocks - used
}

// ReserveBlocks advances tail by n blocks, refusing to split a reservation
// across the physical end of the ring: if the contiguous space from tail to
// the end of the ring is too small, it wraps to 0 and reserves there
// instead, provided room exists before head. Returns ok=false (with
// startBlock 0) if the ring cannot satisfy the request without violating
// the 2-block sentinel margin.
func (r *DescriptorRing) ReserveBlocks(n uint32) (startBlock uint32, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n == 0 || n > r.usableCapacity() {
		return 0, false
	}
	if r.freeBlocks() < n+2 {
		return 0, false
	}

	if r.tail >= r.head {
		toEnd := r.capacityBlocks - r.tail
		if toEnd >= n {
			start := r.tail
			r.tail = (r.tail + n) % r.capacityBlocks
			return start, true
		}
		// Not enough room to the physical end; wrapping abandons the
		// toEnd blocks between tail and the physical end of the ring —
		// they are skipped, not reserved, but they are unusable until
		// head eventually passes them, so they count against the free
		// margin exactly as if they were a live reservation. Checking
		// n+2 against freeBlocks() alone (the guard above) is not enough:
		// it charges nothing for toEnd, which is how a wrap could land
		// tail on top of head and corrupt the empty/full invariant.
		if toEnd+n+2 > r.freeBlocks() {
			return 0, false
		}
		r.tail = n
		return 0, true
	}

	// tail < head: single contiguous region [tail, head).
	if r.head-r.tail >= n {
		start := r.tail
		r.tail += n
		return start, true
	}
	return 0, false
}

// AdvanceHead moves head forward by n blocks (mod capacity), called as
// completions drain.
func (r *DescriptorRing) AdvanceHead(n uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = (r.head + n) % r.capacityBlocks
}

// RecordChain stores the block count and index of chain's terminating
// descriptor for a later PATH-2 patch, and records the chain boundaries.
func (r *DescriptorRing) RecordChain(lastBlocks int, lastIndex uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prevLastBlocks = lastBlocks
	r.prevLastIndex = lastIndex
}

// ClearPrevLast clears the previous-chain bookkeeping, called on Stop.
func (r *DescriptorRing) ClearPrevLast() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prevLastBlocks = 0
	r.prevLastIndex = 0
}

// PrevLastIndex returns the block index of the previous chain's LAST
// descriptor, for PATH-2 branch patching.
func (r *DescriptorRing) PrevLastIndex() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prevLastIndex
}

// SlotIOVA returns the device address of the descriptor slot at blockIndex.
func (r *DescriptorRing) SlotIOVA(blockIndex uint32) uint32 {
	return r.base.IOVA + blockIndex*16
}

// Slot returns a direct slice into the ring's backing store for the
// descriptor at blockIndex, sized size bytes (16 standard, 32 immediate).
func (r *DescriptorRing) Slot(blockIndex uint32, size int) []byte {
	start := blockIndex * 16
	return r.base.Bytes[start : start+uint32(size) : start+uint32(size)]
}

// Publish flushes a descriptor write to the device.
func (r *DescriptorRing) Publish(slot []byte) {
	r.slab.PublishToDevice(slot)
}

// Fetch acquires a descriptor's hardware-written fields before reading.
func (r *DescriptorRing) Fetch(slot []byte) {
	r.slab.FetchFromDevice(slot)
}
