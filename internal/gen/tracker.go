// Package gen tracks the current IEEE 1394 bus generation and local node
// ID, bridging hardware self-ID completion and synthetic bus-reset packets
// into the label allocator's extended generation counter.
package gen

import (
	"sync/atomic"

	"github.com/ohcifw/async-engine/internal/label"
)

// BusState is the atomic snapshot GetCurrentState returns.
type BusState struct {
	Generation16 uint16
	Generation8  uint8
	LocalNodeID  uint16
	NodeIDValid  bool
}

// Tracker owns the canonical (generation, local node ID) pair and is the
// sole authority permitted to mutate the label allocator's extended
// generation field.
type Tracker struct {
	// packed: bits[15:0]=generation16, bits[31:16]=localNodeID, bit32=valid
	state  atomic.Uint64
	setter label.Setter
}

// New returns a tracker bound to allocator a's generation field.
func New(a *label.Allocator) *Tracker {
	return &Tracker{setter: label.NewSetter(a)}
}

func pack(gen16, nodeID uint16, valid bool) uint64 {
	v := uint64(0)
	if valid {
		v = 1
	}
	return uint64(gen16) | uint64(nodeID)<<16 | v<<32
}

func unpack(packed uint64) BusState {
	return BusState{
		Generation16: uint16(packed),
		Generation8:  uint8(packed),
		LocalNodeID:  uint16(packed >> 16),
		NodeIDValid:  packed&(1<<32) != 0,
	}
}

// GetCurrentState returns the generation and node ID atomically.
func (t *Tracker) GetCurrentState() BusState {
	return unpack(t.state.Load())
}

// OnSelfIDComplete records the local node ID hardware assigned after
// self-ID; bits 15:6 are the bus number, bits 5:0 are the node number, but
// this layer stores the raw PHY ID and leaves interpretation to callers.
func (t *Tracker) OnSelfIDComplete(nodeID uint16) {
	for {
		cur := t.state.Load()
		s := unpack(cur)
		next := pack(s.Generation16, nodeID, true)
		if t.state.CompareAndSwap(cur, next) {
			return
		}
	}
}

// OnSyntheticBusReset applies a new 8-bit wire generation observed in an
// AR-Request bus-reset packet: clears the local node ID (no longer valid
// until the next self-ID completes) and rolls the extended 16-bit
// generation's high byte if the new low byte wrapped backward.
func (t *Tracker) OnSyntheticBusReset(gen8 uint8) {
	for {
		cur := t.state.Load()
		s := unpack(cur)
		newGen16 := t.applyBusGeneration(s.Generation16, gen8)
		next := pack(newGen16, 0, false)
		if t.state.CompareAndSwap(cur, next) {
			t.setter.SetGeneration(newGen16)
			return
		}
	}
}

// applyBusGeneration implements the wraparound rule: the extended
// generation's high byte increments whenever the newly observed 8-bit
// generation is strictly less than the current low byte, signalling the
// hardware counter rolled over.
func (t *Tracker) applyBusGeneration(current16 uint16, gen8 uint8) uint16 {
	currentLow8 := uint8(current16 & 0xFF)
	newHigh := current16 & 0xFF00
	if gen8 < currentLow8 {
		newHigh += 0x0100
	}
	return newHigh | uint16(gen8)
}

// Reset clears generation and node-ID state to zero, used at teardown.
func (t *Tracker) Reset() {
	t.state.Store(0)
	t.setter.SetGeneration(0)
}
