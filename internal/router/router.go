// Package router dispatches stream-parsed IEEE 1394 packets to per-tcode
// handlers. Parsing itself lives in internal/ohci; this package only owns the two 16-entry
// handler tables and synthetic bus-reset recognition.
package router

import "github.com/ohcifw/async-engine/internal/ohci"

// RequestHandler processes an inbound request packet. If respond is true,
// the caller should emit a response via the response sender collaborator,
// with the given rcode and payload.
type RequestHandler func(pkt ohci.ParsedPacket) (respond bool, rcode uint8, payload []byte)

// ResponseHandler processes an inbound response packet, typically handing
// it to the transaction manager.
type ResponseHandler func(pkt ohci.ParsedPacket)

// Router holds one handler per tcode (0-15) for requests and responses.
type Router struct {
	requests  [16]RequestHandler
	responses [16]ResponseHandler
}

// New returns an empty Router; unregistered tcodes are silently ignored.
func New() *Router {
	return &Router{}
}

// RegisterRequest installs h for tc on the AR-Request side.
func (r *Router) RegisterRequest(tc ohci.TCode, h RequestHandler) {
	r.requests[tc&0xF] = h
}

// RegisterResponse installs h for tc on the AR-Response side.
func (r *Router) RegisterResponse(tc ohci.TCode, h ResponseHandler) {
	r.responses[tc&0xF] = h
}

// DispatchRequest routes pkt to its registered request handler, if any.
func (r *Router) DispatchRequest(pkt ohci.ParsedPacket) (respond bool, rcode uint8, payload []byte) {
	if h := r.requests[pkt.TCode&0xF]; h != nil {
		return h(pkt)
	}
	return false, 0, nil
}

// DispatchResponse routes pkt to its registered response handler, if any.
func (r *Router) DispatchResponse(pkt ohci.ParsedPacket) {
	if h := r.responses[pkt.TCode&0xF]; h != nil {
		h(pkt)
	}
}

// IsSyntheticBusReset reports whether pkt is the synthetic bus-reset
// packet OHCI delivers on the AR-Request context: tcode PHY with event
// code 0x09.
func IsSyntheticBusReset(pkt ohci.ParsedPacket) bool {
	return pkt.TCode == ohci.TCodePhy && pkt.EventCode == ohci.EvtBusReset
}
