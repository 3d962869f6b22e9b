// Package descbuild builds OHCI descriptor chains into an AT descriptor
// ring, sitting between the packet builder (internal/ohci) and the AT
// context manager (internal/atctx).
package descbuild

import (
	"encoding/binary"
	"fmt"

	"github.com/ohcifw/async-engine/internal/dma"
	"github.com/ohcifw/async-engine/internal/ohci"
	"github.com/ohcifw/async-engine/internal/ring"
)

// Builder composes header bytes and an optional payload region into a
// descriptor chain reserved from a DescriptorRing.
type Builder struct {
	ring *ring.DescriptorRing
}

// New returns a Builder writing into r.
func New(r *ring.DescriptorRing) *Builder {
	return &Builder{ring: r}
}

// BuildTransactionChain builds the chain for one outbound packet: a single
// 32-byte immediate descriptor for header-only tcodes (quadlet read,
// quadlet write, PHY), or an OUTPUT_MORE immediate followed by an
// OUTPUT_LAST standard descriptor for tcodes that carry a payload (block
// write, lock request, block-read response, lock response).
// The returned chain is not yet linked into the ring's head/tail
// bookkeeping beyond its block reservation: the caller (internal/atctx)
// decides PATH 1 vs PATH 2, links or arms accordingly, and only then
// calls the ring's RecordChain so the next submission's PATH-2 decision
// still sees the correct previous-tail pointer.
func (b *Builder) BuildTransactionChain(headerBytes []byte, tc ohci.TCode, payload dma.Region, txID uint64) (ring.Chain, error) {
	if tc.HasPayload() {
		return b.buildWithPayload(headerBytes, payload, txID)
	}
	return b.buildHeaderOnly(headerBytes, txID)
}

func (b *Builder) buildHeaderOnly(headerBytes []byte, txID uint64) (ring.Chain, error) {
	if len(headerBytes) > 16 {
		return ring.Chain{}, fmt.Errorf("descbuild: header-only packet exceeds 16 inline bytes")
	}
	start, ok := b.ring.ReserveBlocks(2)
	if !ok {
		return ring.Chain{}, fmt.Errorf("descbuild: ring full")
	}
	slot := b.ring.Slot(start, ohci.ImmediateDescriptorSize)
	control := ohci.BuildControl(ohci.CmdOutputLast, ohci.KeyImmediate, false, ohci.InterruptAlways, ohci.BranchAlways, ohci.WaitNever, uint16(len(headerBytes)))
	binary.BigEndian.PutUint32(slot[0:4], uint32(control))
	binary.BigEndian.PutUint32(slot[4:8], 0)
	binary.BigEndian.PutUint32(slot[8:12], 0) // branch word: EOL until LinkTailTo patches it
	binary.BigEndian.PutUint32(slot[12:16], 0)
	copy(slot[16:32], headerBytes)
	b.ring.Publish(slot)

	iova := b.ring.SlotIOVA(start)
	return ring.Chain{
		FirstIOVA: iova, LastIOVA: iova,
		FirstBlocks: 2, LastBlocks: 2,
		FirstRingIndex: start, LastRingIndex: start,
		TxID: txID, NeedsFlush: true,
	}, nil
}

func (b *Builder) buildWithPayload(headerBytes []byte, payload dma.Region, txID uint64) (ring.Chain, error) {
	if len(headerBytes) > 16 {
		return ring.Chain{}, fmt.Errorf("descbuild: header exceeds 16 inline bytes")
	}
	start, ok := b.ring.ReserveBlocks(3) // immediate (2 blocks) + standard (1 block), contiguous
	if !ok {
		return ring.Chain{}, fmt.Errorf("descbuild: ring full")
	}
	immIndex := start
	stdIndex := start + 2

	imm := b.ring.Slot(immIndex, ohci.ImmediateDescriptorSize)
	immControl := ohci.BuildControl(ohci.CmdOutputMore, ohci.KeyImmediate, false, ohci.InterruptNever, ohci.BranchNever, ohci.WaitNever, uint16(len(headerBytes)))
	binary.BigEndian.PutUint32(imm[0:4], uint32(immControl))
	binary.BigEndian.PutUint32(imm[4:8], 0)
	binary.BigEndian.PutUint32(imm[8:12], 0)
	binary.BigEndian.PutUint32(imm[12:16], 0)
	copy(imm[16:32], headerBytes)
	b.ring.Publish(imm)

	std := b.ring.Slot(stdIndex, ohci.StandardDescriptorSize)
	stdControl := ohci.BuildControl(ohci.CmdOutputLast, ohci.KeyStandard, false, ohci.InterruptAlways, ohci.BranchAlways, ohci.WaitNever, uint16(len(payload.Bytes)))
	binary.BigEndian.PutUint32(std[0:4], uint32(stdControl))
	binary.BigEndian.PutUint32(std[4:8], payload.IOVA)
	binary.BigEndian.PutUint32(std[8:12], 0) // EOL until LinkTailTo patches it
	binary.BigEndian.PutUint32(std[12:16], 0)
	b.ring.Publish(std)

	firstIOVA := b.ring.SlotIOVA(immIndex)
	lastIOVA := b.ring.SlotIOVA(stdIndex)
	return ring.Chain{
		FirstIOVA: firstIOVA, LastIOVA: lastIOVA,
		FirstBlocks: 2, LastBlocks: 1,
		FirstRingIndex: immIndex, LastRingIndex: stdIndex,
		TxID: txID, NeedsFlush: true,
	}, nil
}

// LinkTailTo patches the ring's previously recorded LAST descriptor's
// branch word to point at chain's first descriptor, publishing the patch
// before the caller pulses WAKE (PATH 2).
func (b *Builder) LinkTailTo(chain ring.Chain) error {
	prevIndex := b.ring.PrevLastIndex()
	prevBlocks := b.ring.PrevLastBlocks()
	if prevBlocks == 0 {
		return fmt.Errorf("descbuild: no previous chain to link")
	}
	slot := b.slotForBlocks(prevIndex, prevBlocks)
	branch, err := ohci.MakeBranchWord(chain.FirstIOVA, uint8(chain.FirstBlocks))
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(slot[8:12], uint32(branch))
	b.ring.Publish(slot)
	return nil
}

// UnlinkTail reverts a LinkTailTo patch back to end-of-list. Used when
// PATH 2 discovers RUN=0 or DEAD=1 after patching and must fall back to
// PATH 1.
func (b *Builder) UnlinkTail() error {
	prevIndex := b.ring.PrevLastIndex()
	prevBlocks := b.ring.PrevLastBlocks()
	if prevBlocks == 0 {
		return nil
	}
	slot := b.slotForBlocks(prevIndex, prevBlocks)
	binary.BigEndian.PutUint32(slot[8:12], 0)
	b.ring.Publish(slot)
	return nil
}

func (b *Builder) slotForBlocks(index uint32, blocks int) []byte {
	size := ohci.StandardDescriptorSize
	if blocks == 2 {
		size = ohci.ImmediateDescriptorSize
	}
	return b.ring.Slot(index, size)
}
