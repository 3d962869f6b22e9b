package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ohcifw/async-engine/internal/ohci"
)

func TestRouter_DispatchRequestCallsRegisteredHandler(t *testing.T) {
	r := New()
	called := false
	r.RegisterRequest(ohci.TCodeWriteQuadlet, func(pkt ohci.ParsedPacket) (bool, uint8, []byte) {
		called = true
		return true, 0, nil
	})

	respond, rcode, payload := r.DispatchRequest(ohci.ParsedPacket{TCode: ohci.TCodeWriteQuadlet})
	assert.True(t, called)
	assert.True(t, respond)
	assert.Equal(t, uint8(0), rcode)
	assert.Nil(t, payload)
}

func TestRouter_DispatchRequestUnregisteredIsNoop(t *testing.T) {
	r := New()
	respond, _, _ := r.DispatchRequest(ohci.ParsedPacket{TCode: ohci.TCodeWriteQuadlet})
	assert.False(t, respond)
}

func TestRouter_DispatchResponseCallsRegisteredHandler(t *testing.T) {
	r := New()
	var got ohci.ParsedPacket
	r.RegisterResponse(ohci.TCodeReadQuadletResp, func(pkt ohci.ParsedPacket) {
		got = pkt
	})

	r.DispatchResponse(ohci.ParsedPacket{TCode: ohci.TCodeReadQuadletResp, TLabel: 9})
	assert.Equal(t, uint8(9), got.TLabel)
}

func TestRouter_DispatchResponseUnregisteredIsNoop(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() {
		r.DispatchResponse(ohci.ParsedPacket{TCode: ohci.TCodeReadQuadletResp})
	})
}

func TestRouter_IsSyntheticBusReset(t *testing.T) {
	assert.True(t, IsSyntheticBusReset(ohci.ParsedPacket{TCode: ohci.TCodePhy, EventCode: ohci.EvtBusReset}))
	assert.False(t, IsSyntheticBusReset(ohci.ParsedPacket{TCode: ohci.TCodePhy, EventCode: ohci.EvtNoStatus}))
	assert.False(t, IsSyntheticBusReset(ohci.ParsedPacket{TCode: ohci.TCodeWriteQuadlet, EventCode: ohci.EvtBusReset}))
}

func TestRouter_RegisteringOverwritesPriorHandler(t *testing.T) {
	r := New()
	first := false
	second := false
	r.RegisterRequest(ohci.TCodeWriteQuadlet, func(ohci.ParsedPacket) (bool, uint8, []byte) {
		first = true
		return false, 0, nil
	})
	r.RegisterRequest(ohci.TCodeWriteQuadlet, func(ohci.ParsedPacket) (bool, uint8, []byte) {
		second = true
		return false, 0, nil
	})

	r.DispatchRequest(ohci.ParsedPacket{TCode: ohci.TCodeWriteQuadlet})
	assert.False(t, first)
	assert.True(t, second)
}
