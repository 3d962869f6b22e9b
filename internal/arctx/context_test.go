package arctx

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohcifw/async-engine/internal/dma"
	"github.com/ohcifw/async-engine/internal/ohci"
	"github.com/ohcifw/async-engine/internal/ring"
	"github.com/ohcifw/async-engine/internal/router"
)

func newTestBufferRing(t *testing.T) *ring.BufferRing {
	t.Helper()
	slab, err := dma.NewSlab(1<<20, 0x4000_0000)
	require.NoError(t, err)
	t.Cleanup(func() { _ = slab.Close() })
	br, err := ring.NewBufferRing(slab, 4, 256)
	require.NoError(t, err)
	return br
}

func appendTrailer(buf []byte, evt ohci.EventCode, timestamp uint16) []byte {
	trailer := make([]byte, 4)
	binary.BigEndian.PutUint32(trailer, uint32(evt&0x1F)<<16|uint32(timestamp))
	return append(buf, trailer...)
}

func TestContext_PollParsesAndDispatchesRequest(t *testing.T) {
	br := newTestBufferRing(t)
	rt := router.New()

	var dispatched ohci.ParsedPacket
	rt.RegisterRequest(ohci.TCodeWriteQuadlet, func(pkt ohci.ParsedPacket) (bool, uint8, []byte) {
		dispatched = pkt
		return false, 0, nil
	})

	h := ohci.Header{DestinationID: 0x1, TLabel: 3, TCode: ohci.TCodeWriteQuadlet, Offset: 0x10}
	packet := h.EncodeQuadletRequest(0x1122)
	packet = appendTrailer(packet, ohci.EvtAckComplete, 0)
	br.SimFill(br.Head(), packet)

	ctx := NewRequestContext(br, rt, nil)
	result := ctx.Poll(len(packet), false)

	require.Len(t, result.Packets, 1)
	assert.Equal(t, ohci.TCodeWriteQuadlet, dispatched.TCode)
	assert.Equal(t, uint32(0x1122), dispatched.QuadletData)
}

func TestContext_PollRecognizesSyntheticBusReset(t *testing.T) {
	br := newTestBufferRing(t)
	rt := router.New()

	var gotGen uint8
	var called bool
	onReset := func(gen8 uint8) {
		called = true
		gotGen = gen8
	}

	h := ohci.Header{TCode: ohci.TCodePhy}
	packet := h.EncodeQuadletRequest(0)
	packet = appendTrailer(packet, ohci.EvtBusReset, 7)
	br.SimFill(br.Head(), packet)

	ctx := NewRequestContext(br, rt, onReset)
	ctx.Poll(len(packet), false)

	assert.True(t, called)
	assert.Equal(t, uint8(7), gotGen)
}

func TestContext_PollResponseSideIgnoresBusResetRecognition(t *testing.T) {
	br := newTestBufferRing(t)
	rt := router.New()
	var called bool
	rt.RegisterResponse(ohci.TCodePhy, func(ohci.ParsedPacket) { called = true })

	h := ohci.Header{TCode: ohci.TCodePhy}
	packet := h.EncodeQuadletRequest(0)
	packet = appendTrailer(packet, ohci.EvtBusReset, 0)
	br.SimFill(br.Head(), packet)

	ctx := NewResponseContext(br, rt)
	ctx.Poll(len(packet), false)

	assert.True(t, called, "response-side context has no bus-reset special case, dispatches normally")
}

func TestContext_PollWithNoNewBytesReturnsEmptyResult(t *testing.T) {
	br := newTestBufferRing(t)
	rt := router.New()
	ctx := NewRequestContext(br, rt, nil)

	result := ctx.Poll(0, false)
	assert.Empty(t, result.Packets)
}

func TestContext_PollAdvancesBufferWhenHardwareMovedOn(t *testing.T) {
	br := newTestBufferRing(t)
	rt := router.New()
	ctx := NewRequestContext(br, rt, nil)

	startHead := br.Head()
	ctx.Poll(0, true)
	assert.NotEqual(t, startHead, br.Head(), "advance must rotate to the next buffer")
}

func TestContext_PollStopsOnIncompletePacketAndWaitsForMoreBytes(t *testing.T) {
	br := newTestBufferRing(t)
	rt := router.New()
	var callCount int
	rt.RegisterRequest(ohci.TCodeWriteQuadlet, func(ohci.ParsedPacket) (bool, uint8, []byte) {
		callCount++
		return false, 0, nil
	})

	h := ohci.Header{TCode: ohci.TCodeWriteQuadlet, TLabel: 1}
	full := h.EncodeQuadletRequest(0xAA)
	full = appendTrailer(full, ohci.EvtAckComplete, 0)
	br.SimFill(br.Head(), full[:10]) // deliberately short: not a full header yet

	ctx := NewRequestContext(br, rt, nil)
	result := ctx.Poll(10, false)
	assert.Empty(t, result.Packets)
	assert.Equal(t, 0, callCount)
}
