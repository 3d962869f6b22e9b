package hw

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Sim is an in-memory Registers implementation driving the full pipeline
// (descriptor build -> submit -> simulated completion -> AR injection)
// deterministically under go test, without real silicon.
type Sim struct {
	mu       sync.Mutex
	control  [4]uint32
	cmdPtr   [4]uint32
	intEvent uint32
	phy      [64]uint8
}

// NewSim returns a Sim with every context idle.
func NewSim() *Sim {
	return &Sim{}
}

func (s *Sim) ContextControlSet(ctx ContextKind, bits uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.control[ctx] |= bits
}

func (s *Sim) ContextControlClear(ctx ContextKind, bits uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.control[ctx] &^= bits
}

func (s *Sim) ContextControlRead(ctx ContextKind) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control[ctx]
}

func (s *Sim) SetCommandPtr(ctx ContextKind, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmdPtr[ctx] = value
}

func (s *Sim) CommandPtr(ctx ContextKind) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmdPtr[ctx]
}

func (s *Sim) IntEventSnapshot() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intEvent
}

func (s *Sim) IntEventClear(bits uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intEvent &^= bits
}

func (s *Sim) PhyRead(addr uint8) (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phy[addr%64], nil
}

func (s *Sim) PhyWrite(addr uint8, value uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phy[addr%64] = value
	return nil
}

// RaiseInterrupt ORs bits into IntEvent, simulating a hardware interrupt
// (e.g. a completed descriptor or a filled AR buffer).
func (s *Sim) RaiseInterrupt(bits uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intEvent |= bits
}

// ClearActive drops the ACTIVE bit for ctx, simulating a context that has
// drained its descriptor chain and gone idle between WAKE pulses.
func (s *Sim) ClearActive(ctx ContextKind) {
	s.ContextControlClear(ctx, BitActive)
}

// MarkActive sets the ACTIVE bit for ctx, simulating hardware having begun
// processing a freshly armed or woken context.
func (s *Sim) MarkActive(ctx ContextKind) {
	s.ContextControlSet(ctx, BitActive)
}

// MarkDead sets the DEAD bit for ctx, simulating a fatal OHCI §7.2.3
// hardware fault.
func (s *Sim) MarkDead(ctx ContextKind) {
	s.ContextControlSet(ctx, BitDead)
}

// SimAllocator is a DMAAllocator backed by anonymous mmap, standing in for
// a real IOMMU-aware kernel allocator. It is the same primitive
// internal/dma.Slab uses directly; SimAllocator exists so test harnesses
// can exercise the hw.DMAAllocator interface boundary itself.
type SimAllocator struct {
	mu       sync.Mutex
	iovaBase uint32
	cursor   uint32
}

// NewSimAllocator returns an allocator whose IOVA space starts at
// iovaBase.
func NewSimAllocator(iovaBase uint32) *SimAllocator {
	return &SimAllocator{iovaBase: iovaBase}
}

func (a *SimAllocator) Allocate(size int) ([]byte, uint32, error) {
	if size <= 0 {
		return nil, 0, fmt.Errorf("hw: allocate size must be positive")
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, 0, fmt.Errorf("hw: mmap: %w", err)
	}
	a.mu.Lock()
	iova := a.iovaBase + a.cursor
	a.cursor += uint32(size)
	a.mu.Unlock()
	return mem, iova, nil
}

func (a *SimAllocator) Release(virt []byte) error {
	return unix.Munmap(virt)
}
