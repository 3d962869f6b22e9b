// Package dma manages the single contiguous, uncached DMA-capable memory
// region the async engine shares with the OHCI controller: descriptor
// rings, AR buffers, and small payloads are all bump-allocated from one
// slab, addressed by both a CPU virtual pointer and a device IOVA.
package dma

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Alignment every allocation from the slab is rounded up to; matches the
// OHCI requirement that descriptor and data addresses be 16-byte aligned.
const Alignment = 16

// Slab is a bump-allocated region of anonymous memory standing in
// for a real uncached DMA mapping. Its IOVA space is a synthetic identity
// mapping offset from a fixed base: real hardware would program this base
// via an IOMMU or a physically-contiguous allocation, which is outside
// this engine's scope (see internal/hw for the collaborator boundary).
type Slab struct {
	mu       sync.Mutex
	mem      []byte
	iovaBase uint32
	cursor   uint32
}

// NewSlab allocates size bytes of anonymous memory via mmap and returns a
// Slab whose IOVA space starts at iovaBase. size and iovaBase must keep
// every address within the slab at or below ohci.MaxIOVA.
func NewSlab(size int, iovaBase uint32) (*Slab, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: slab size must be positive")
	}
	if uint64(iovaBase)+uint64(size) > 0xFFFFFFFF {
		return nil, fmt.Errorf("dma: slab would exceed 32-bit IOVA space")
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("dma: mmap slab: %w", err)
	}
	return &Slab{mem: mem, iovaBase: iovaBase}, nil
}

// Close unmaps the backing memory.
func (s *Slab) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}

// Region is a bump-allocated span: its CPU virtual slice and device IOVA.
type Region struct {
	Bytes []byte
	IOVA  uint32
}

// Alloc bump-allocates n bytes, rounded up to Alignment. It never reclaims
// memory; the slab is sized at construction time for the engine's fixed
// descriptor rings, AR buffers, and payload pool.
func (s *Slab) Alloc(n int) (Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	aligned := (n + Alignment - 1) &^ (Alignment - 1)
	if s.cursor+uint32(aligned) > uint32(len(s.mem)) {
		return Region{}, fmt.Errorf("dma: slab exhausted: want %d, have %d free", aligned, uint32(len(s.mem))-s.cursor)
	}
	start := s.cursor
	s.cursor += uint32(aligned)
	return Region{
		Bytes: s.mem[start : start+uint32(n) : start+uint32(aligned)],
		IOVA:  s.iovaBase + start,
	}, nil
}

// VirtForIOVA translates a device IOVA back to the CPU-visible slice that
// backs it, given the caller already knows the length.
func (s *Slab) VirtForIOVA(iova uint32, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if iova < s.iovaBase {
		return nil, fmt.Errorf("dma: iova %#x below slab base %#x", iova, s.iovaBase)
	}
	off := iova - s.iovaBase
	if uint64(off)+uint64(length) > uint64(len(s.mem)) {
		return nil, fmt.Errorf("dma: iova %#x length %d out of slab bounds", iova, length)
	}
	return s.mem[off : off+uint32(length)], nil
}

// PublishToDevice issues a release fence after software has finished
// writing [addr, addr+len) so the write is visible to the controller
// before a subsequent CommandPtr/RUN/WAKE register write.
func (s *Slab) PublishToDevice(region []byte) {
	_ = region
	releaseFence()
}

// FetchFromDevice issues an acquire fence before software reads memory the
// device may still be writing (descriptor status, AR buffer contents).
func (s *Slab) FetchFromDevice(region []byte) {
	_ = region
	acquireFence()
}

// BytesAt returns a pointer-stable view at byte offset off within the slab.
// The descriptor ring does not use it; it slices its own Region instead.
func (s *Slab) BytesAt(off uint32, length int) []byte {
	return s.mem[off : off+uint32(length)]
}
