//go:build linux

package hw

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// contextControlSetOffset/contextControlClearOffset/commandPtrOffset give
// the per-context register layout OHCI 1.1 §5 defines, relative to the
// context's base offset within the 2 KiB OHCI register window.
const (
	contextControlSetOffset   = 0x00
	contextControlClearOffset = 0x04
	commandPtrOffset          = 0x0C
	contextStride             = 0x10
)

// MMIORegisters maps a real OHCI register window via mmap of a char
// device (conventionally /dev/mem or a vendor-supplied UIO node) and
// implements Registers directly against it. This is the one place in the
// repository that touches real hardware; everything above it is written
// against the Registers interface and is exercised in tests via Sim.
type MMIORegisters struct {
	mem []byte
}

// OpenMMIORegisters maps length bytes of path at the given physical
// offset. Callers typically pass a UIO or /dev/mem-style device node;
// opening it requires privileges this repository does not attempt to
// negotiate.
func OpenMMIORegisters(path string, offset int64, length int) (*MMIORegisters, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("hw: open %s: %w", path, err)
	}
	defer f.Close()
	mem, err := unix.Mmap(int(f.Fd()), offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("hw: mmap register window: %w", err)
	}
	return &MMIORegisters{mem: mem}, nil
}

// Close unmaps the register window.
func (m *MMIORegisters) Close() error {
	return unix.Munmap(m.mem)
}

func (m *MMIORegisters) ctxBase(ctx ContextKind) int {
	return int(ctx) * contextStride
}

func (m *MMIORegisters) readQuadlet(off int) uint32 {
	return binary.LittleEndian.Uint32(m.mem[off : off+4])
}

func (m *MMIORegisters) writeQuadlet(off int, v uint32) {
	binary.LittleEndian.PutUint32(m.mem[off:off+4], v)
}

func (m *MMIORegisters) ContextControlSet(ctx ContextKind, bits uint32) {
	m.writeQuadlet(m.ctxBase(ctx)+contextControlSetOffset, bits)
}

func (m *MMIORegisters) ContextControlClear(ctx ContextKind, bits uint32) {
	m.writeQuadlet(m.ctxBase(ctx)+contextControlClearOffset, bits)
}

func (m *MMIORegisters) ContextControlRead(ctx ContextKind) uint32 {
	return m.readQuadlet(m.ctxBase(ctx) + contextControlSetOffset)
}

func (m *MMIORegisters) SetCommandPtr(ctx ContextKind, value uint32) {
	m.writeQuadlet(m.ctxBase(ctx)+commandPtrOffset, value)
}

func (m *MMIORegisters) CommandPtr(ctx ContextKind) uint32 {
	return m.readQuadlet(m.ctxBase(ctx) + commandPtrOffset)
}

func (m *MMIORegisters) IntEventSnapshot() uint32 {
	return m.readQuadlet(0x80)
}

func (m *MMIORegisters) IntEventClear(bits uint32) {
	m.writeQuadlet(0x84, bits)
}

func (m *MMIORegisters) PhyRead(addr uint8) (uint8, error) {
	m.writeQuadlet(0x90, uint32(addr)<<8|1<<15)
	v := m.readQuadlet(0x90)
	if v&(1<<31) == 0 {
		return 0, fmt.Errorf("hw: PHY read of addr %d did not complete", addr)
	}
	return uint8(v), nil
}

func (m *MMIORegisters) PhyWrite(addr uint8, value uint8) error {
	m.writeQuadlet(0x90, uint32(addr)<<8|uint32(value)|1<<14)
	return nil
}
