package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohcifw/async-engine/internal/dma"
)

func newTestSlab(t *testing.T) *dma.Slab {
	t.Helper()
	slab, err := dma.NewSlab(1<<20, 0x1000_0000)
	require.NoError(t, err)
	t.Cleanup(func() { _ = slab.Close() })
	return slab
}

func TestDescriptorRing_EmptyWhenHeadEqualsTail(t *testing.T) {
	slab := newTestSlab(t)
	r, err := NewDescriptorRing(slab, 16)
	require.NoError(t, err)

	assert.True(t, r.Empty())
	assert.Equal(t, r.Head(), r.Tail())
}

func TestDescriptorRing_ReserveAdvancesTail(t *testing.T) {
	slab := newTestSlab(t)
	r, err := NewDescriptorRing(slab, 16)
	require.NoError(t, err)

	start, ok := r.ReserveBlocks(2)
	require.True(t, ok)
	assert.Equal(t, uint32(0), start)
	assert.Equal(t, uint32(2), r.Tail())
	assert.False(t, r.Empty())
}

func TestDescriptorRing_RespectsSentinelMargin(t *testing.T) {
	slab := newTestSlab(t)
	r, err := NewDescriptorRing(slab, 8)
	require.NoError(t, err)

	// Usable capacity is 6 (8 - 2 sentinels); reserving 7 or more must
	// always fail since 2 blocks must stay free.
	_, ok := r.ReserveBlocks(7)
	assert.False(t, ok, "reservation must always leave the 2-block sentinel margin")

	// Reserving exactly the usable capacity is fine: it leaves exactly the
	// 2 sentinel blocks free.
	_, ok = r.ReserveBlocks(6)
	assert.True(t, ok)
}

func TestDescriptorRing_AdvanceHeadWrapsModCapacity(t *testing.T) {
	slab := newTestSlab(t)
	r, err := NewDescriptorRing(slab, 8)
	require.NoError(t, err)

	_, ok := r.ReserveBlocks(4)
	require.True(t, ok)
	r.AdvanceHead(4)
	_, ok = r.ReserveBlocks(4)
	require.True(t, ok)
	r.AdvanceHead(4) // 4+4 wraps to 0 with capacity 8
	assert.Equal(t, uint32(0), r.Head())
	assert.True(t, r.Empty())
}

func TestDescriptorRing_ReserveWrapsToZeroWhenTailNearEnd(t *testing.T) {
	slab := newTestSlab(t)
	r, err := NewDescriptorRing(slab, 8)
	require.NoError(t, err)

	_, ok := r.ReserveBlocks(6)
	require.True(t, ok)
	r.AdvanceHead(6) // head=6, tail=6, ring empty again but tail sits near the end

	// Only 2 blocks remain to the physical end (tail=6..8); request 3,
	// which cannot fit contiguously to the end (toEnd=2 < 3) but fits
	// wrapped to 0: toEnd+n+sentinel = 2+3+2 = 7 <= freeBlocks 8.
	start, ok := r.ReserveBlocks(3)
	require.True(t, ok)
	assert.Equal(t, uint32(0), start)
}

// TestDescriptorRing_ReserveRejectsWrapThatWouldConsumeLiveBlocks reproduces
// the exact capacity=10/head=5/tail=8 scenario where the toEnd blocks
// wasted by a wrap are not charged against the free margin: naively
// checking freeBlocks() < n+2 lets a 5-block reservation wrap tail onto
// head (5), falsely reporting the ring empty while blocks 5-7 are still
// genuinely in flight. The fix must charge the wasted toEnd blocks too and
// reject this reservation outright.
func TestDescriptorRing_ReserveRejectsWrapThatWouldConsumeLiveBlocks(t *testing.T) {
	slab := newTestSlab(t)
	r, err := NewDescriptorRing(slab, 10)
	require.NoError(t, err)

	_, ok := r.ReserveBlocks(8)
	require.True(t, ok)
	r.AdvanceHead(5) // head=5, tail=8: blocks 5,6,7 remain live/in-flight

	start, ok := r.ReserveBlocks(5)
	assert.False(t, ok, "reservation must fail: toEnd(2)+n(5)+sentinel(2) exceeds freeBlocks(7)")
	assert.Equal(t, uint32(0), start)

	// The rejected attempt must leave the ring's bookkeeping untouched:
	// head and tail still bound the 3 genuinely live blocks.
	assert.Equal(t, uint32(5), r.Head())
	assert.Equal(t, uint32(8), r.Tail())
	assert.False(t, r.Empty(), "blocks 5-7 are still in flight; the ring must not report empty")
}

// TestDescriptorRing_ReserveWrapsSuccessfullyAroundLiveInFlightChain is the
// companion positive case: a wrap that genuinely has enough margin (once
// the wasted toEnd blocks are charged) must still succeed, and must not
// collide with the blocks still live between head and the old tail.
func TestDescriptorRing_ReserveWrapsSuccessfullyAroundLiveInFlightChain(t *testing.T) {
	slab := newTestSlab(t)
	r, err := NewDescriptorRing(slab, 10)
	require.NoError(t, err)

	_, ok := r.ReserveBlocks(8)
	require.True(t, ok)
	r.AdvanceHead(6) // head=6, tail=8: blocks 6,7 remain live/in-flight

	start, ok := r.ReserveBlocks(3)
	require.True(t, ok, "toEnd(2)+n(3)+sentinel(2)=7 fits within freeBlocks(8)")
	assert.Equal(t, uint32(0), start)
	assert.Equal(t, uint32(6), r.Head())
	assert.Equal(t, uint32(3), r.Tail())
	assert.False(t, r.Empty())
}

func TestDescriptorRing_ReserveRejectsZeroOrOversized(t *testing.T) {
	slab := newTestSlab(t)
	r, err := NewDescriptorRing(slab, 8)
	require.NoError(t, err)

	_, ok := r.ReserveBlocks(0)
	assert.False(t, ok)

	_, ok = r.ReserveBlocks(100)
	assert.False(t, ok)
}

func TestDescriptorRing_RecordAndClearPrevLast(t *testing.T) {
	slab := newTestSlab(t)
	r, err := NewDescriptorRing(slab, 16)
	require.NoError(t, err)

	r.RecordChain(2, 4)
	assert.Equal(t, 2, r.PrevLastBlocks())
	assert.Equal(t, uint32(4), r.PrevLastIndex())

	r.ClearPrevLast()
	assert.Equal(t, 0, r.PrevLastBlocks())
	assert.Equal(t, uint32(0), r.PrevLastIndex())
}

func TestDescriptorRing_SlotIOVAIsAlignedAndWithinSlab(t *testing.T) {
	slab := newTestSlab(t)
	r, err := NewDescriptorRing(slab, 16)
	require.NoError(t, err)

	iova := r.SlotIOVA(3)
	assert.Equal(t, uint32(0), iova%16, "descriptor slot IOVA must be 16-byte aligned")
	assert.LessOrEqual(t, uint64(iova), uint64(0xFFFFFFFF))
}

func TestDescriptorRing_MinimumCapacityEnforced(t *testing.T) {
	slab := newTestSlab(t)
	_, err := NewDescriptorRing(slab, 2)
	assert.Error(t, err)
}

func TestDescriptorRing_PublishFetchRoundTrip(t *testing.T) {
	slab := newTestSlab(t)
	r, err := NewDescriptorRing(slab, 16)
	require.NoError(t, err)

	slot := r.Slot(0, 16)
	slot[0] = 0xAB
	r.Publish(slot)

	slot2 := r.Slot(0, 16)
	r.Fetch(slot2)
	assert.Equal(t, byte(0xAB), slot2[0])
}
