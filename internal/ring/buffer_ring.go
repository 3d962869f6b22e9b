package ring

import (
	"encoding/binary"
	"fmt"

	"github.com/ohcifw/async-engine/internal/dma"
	"github.com/ohcifw/async-engine/internal/ohci"
)

// BufferRing is the AR buffer-fill ring: a parallel array of fixed-size
// data buffers and their INPUT_MORE descriptors. Hardware writes each
// descriptor's status word as it fills (or partially fills) a buffer.
type BufferRing struct {
	buffers           []dma.Region
	descriptors       []dma.Region // 16-byte INPUT_MORE descriptor per buffer
	bufferSize        int
	head              int
	lastDequeuedBytes int
	slab              *dma.Slab
}

// NewBufferRing allocates count buffers of bufferSize bytes each, plus
// their descriptors, from slab, and wires each descriptor's control word
// (cmd INPUT_MORE, reqCount=bufferSize) and branch word (the next
// descriptor's IOVA, Z=1) so the ring reads as a closed circular chain
// hardware can walk on its own, mirroring how the AT descriptor builder
// wires OUTPUT descriptors in internal/descbuild.
func NewBufferRing(slab *dma.Slab, count int, bufferSize int) (*BufferRing, error) {
	if count < 2 {
		return nil, fmt.Errorf("ring: buffer ring needs at least 2 buffers")
	}
	br := &BufferRing{slab: slab, bufferSize: bufferSize, buffers: make([]dma.Region, count), descriptors: make([]dma.Region, count)}
	for i := 0; i < count; i++ {
		buf, err := slab.Alloc(bufferSize)
		if err != nil {
			return nil, fmt.Errorf("ring: allocate AR buffer %d: %w", i, err)
		}
		desc, err := slab.Alloc(16)
		if err != nil {
			return nil, fmt.Errorf("ring: allocate AR descriptor %d: %w", i, err)
		}
		br.buffers[i] = buf
		br.descriptors[i] = desc
	}
	for i := 0; i < count; i++ {
		if err := br.initDescriptor(i); err != nil {
			return nil, err
		}
	}
	return br, nil
}

// initDescriptor writes buffer i's INPUT_MORE descriptor: reqCount is the
// buffer's full capacity, and the branch word links circularly to buffer
// i+1 (mod count) so hardware never runs off the end of the ring.
func (br *BufferRing) initDescriptor(i int) error {
	next := (i + 1) % len(br.descriptors)
	branch, err := ohci.MakeBranchWord(br.descriptors[next].IOVA, 1)
	if err != nil {
		return fmt.Errorf("ring: AR descriptor %d branch word: %w", i, err)
	}
	control := ohci.BuildControl(ohci.CmdInputMore, ohci.KeyStandard, false, ohci.InterruptAlways, ohci.BranchAlways, ohci.WaitNever, uint16(br.bufferSize))
	desc := br.descriptors[i].Bytes
	binary.BigEndian.PutUint32(desc[0:4], uint32(control))
	binary.BigEndian.PutUint32(desc[4:8], br.buffers[i].IOVA)
	binary.BigEndian.PutUint32(desc[8:12], uint32(branch))
	binary.BigEndian.PutUint32(desc[12:16], uint32(ohci.BuildARStatus(0, uint16(br.bufferSize))))
	br.slab.PublishToDevice(desc)
	return nil
}

// Head returns the index of the buffer currently being inspected.
func (br *BufferRing) Head() int {
	return br.head
}

// LastDequeuedBytes returns how many bytes of the head buffer have already
// been delivered to software during the current fill.
func (br *BufferRing) LastDequeuedBytes() int {
	return br.lastDequeuedBytes
}

// Descriptor returns the raw descriptor bytes for buffer index i.
func (br *BufferRing) Descriptor(i int) []byte {
	return br.descriptors[i].Bytes
}

// Buffer returns the raw data bytes for buffer index i.
func (br *BufferRing) Buffer(i int) []byte {
	return br.buffers[i].Bytes
}

// Dequeue returns the newly filled byte range of the head buffer: the
// start offset (lastDequeuedBytes) and the count of bytes filled so far
// this pass (reqCount - resCount, read by the caller from the descriptor
// status word and passed in as filled). It does not advance head; call
// Advance once the caller determines hardware has moved past this buffer.
func (br *BufferRing) Dequeue(filled int) (virtualBase []byte, startOffset int, bytesFilled int) {
	start := br.lastDequeuedBytes
	if filled < start {
		filled = start
	}
	return br.buffers[br.head].Bytes, start, filled - start
}

// MarkDelivered records that bytes up to newOffset in the head buffer have
// been handed to the parser.
func (br *BufferRing) MarkDelivered(newOffset int) {
	br.lastDequeuedBytes = newOffset
}

// Advance recycles the head buffer and moves to the next one. Callers must
// only call this after confirming (via the next descriptor's resCount !=
// reqCount check) that hardware has actually moved past the current
// buffer — recycling mid-fill would race a write hardware is still making.
func (br *BufferRing) Advance() {
	br.head = (br.head + 1) % len(br.buffers)
	br.lastDequeuedBytes = 0
}

// Count returns the number of buffers in the ring.
func (br *BufferRing) Count() int {
	return len(br.buffers)
}

// BufferSize returns the fixed reqCount every descriptor in the ring was
// initialized with.
func (br *BufferRing) BufferSize() int {
	return br.bufferSize
}

// ResCountAt reads buffer i's descriptor status word and returns the
// resCount hardware has written: bytes still unfilled in that buffer.
func (br *BufferRing) ResCountAt(i int) uint16 {
	desc := br.descriptors[i].Bytes
	br.slab.FetchFromDevice(desc)
	status := ohci.StatusWord(binary.BigEndian.Uint32(desc[12:16]))
	_, resCount := status.DecodeAR()
	return resCount
}

// HeadFilledBytes returns how many bytes of the head buffer hardware has
// written so far: reqCount - resCount, before any of it has been
// delivered to software.
func (br *BufferRing) HeadFilledBytes() int {
	return br.bufferSize - int(br.ResCountAt(br.head))
}

// HardwareMovedOn reports whether hardware has advanced past the head
// buffer into the next one: the next descriptor's resCount no longer
// equals its initial (untouched) reqCount. A buffer must never be
// recycled until this is true.
func (br *BufferRing) HardwareMovedOn() bool {
	next := (br.head + 1) % len(br.descriptors)
	return int(br.ResCountAt(next)) != br.bufferSize
}

// SimFill is a test/simulation hook standing in for hardware DMA: it
// writes n bytes into buffer i starting at its current fill point and
// updates the descriptor's resCount to reqCount-n, as real hardware would
// as it streams packets into the buffer.
func (br *BufferRing) SimFill(i int, data []byte) {
	desc := br.descriptors[i].Bytes
	filledSoFar := br.bufferSize - int(br.ResCountAt(i))
	copy(br.buffers[i].Bytes[filledSoFar:], data)
	resCount := br.bufferSize - filledSoFar - len(data)
	if resCount < 0 {
		resCount = 0
	}
	binary.BigEndian.PutUint32(desc[12:16], uint32(ohci.BuildARStatus(0, uint16(resCount))))
	br.slab.PublishToDevice(desc)
}
