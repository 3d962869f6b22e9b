// Package arctx implements the AR (asynchronous receive) dequeue-and-parse
// path: per-interrupt draining of a buffer-fill ring, stream-parsing IEEE
// 1394 packets out of the newly filled range, and recognizing the
// synthetic bus-reset packet on the AR-Request context.
package arctx

import (
	"github.com/ohcifw/async-engine/internal/ohci"
	"github.com/ohcifw/async-engine/internal/ring"
	"github.com/ohcifw/async-engine/internal/router"
)

// BusResetFunc is invoked when the AR-Request context observes the
// synthetic bus-reset packet. gen8 is the wire generation byte carried in
// the packet; the tracker treats it as informational only (authoritative
// generation comes from SelfIDCount, out of this engine's scope).
type BusResetFunc func(gen8 uint8)

// Context drains one AR buffer-fill ring per interrupt and dispatches
// parsed packets to a router. A Context is shared code for both the
// AR-Request and AR-Response contexts; onBusReset is nil for the response
// side, since only requests deliver the synthetic reset packet.
type Context struct {
	ring       *ring.BufferRing
	router     *router.Router
	isRequest  bool
	onBusReset BusResetFunc
}

// NewRequestContext returns a Context wired to the AR-Request side: it
// recognizes the synthetic bus-reset packet and routes every other packet
// through rt as a request.
func NewRequestContext(br *ring.BufferRing, rt *router.Router, onBusReset BusResetFunc) *Context {
	return &Context{ring: br, router: rt, isRequest: true, onBusReset: onBusReset}
}

// NewResponseContext returns a Context wired to the AR-Response side:
// every parsed packet is routed as a response.
func NewResponseContext(br *ring.BufferRing, rt *router.Router) *Context {
	return &Context{ring: br, router: rt, isRequest: false}
}

// DrainResult reports the packets one Poll parsed out of the newly
// filled range. A short/incomplete packet at the end of the range is
// expected; its remainder is delivered on a later interrupt.
type DrainResult struct {
	Packets []ohci.ParsedPacket
}

// Poll is called once per AR interrupt for this context. filledBytes is
// the cumulative reqCount-resCount read from the head buffer's
// descriptor status word; hardwareMovedOn reports whether the *next*
// descriptor's resCount != reqCount, meaning hardware has moved past the
// head buffer and it is now safe to recycle (never recycle a buffer
// mid-fill).
func (c *Context) Poll(filledBytes int, hardwareMovedOn bool) DrainResult {
	virt, start, newBytes := c.ring.Dequeue(filledBytes)
	if newBytes <= 0 {
		if hardwareMovedOn {
			c.ring.Advance()
		}
		return DrainResult{}
	}

	region := virt[start : start+newBytes]
	offset := 0
	var packets []ohci.ParsedPacket
	for offset < len(region) {
		pkt, ok := ohci.ParsePacket(region[offset:])
		if !ok {
			break
		}
		c.handle(pkt)
		packets = append(packets, pkt)
		offset += pkt.ConsumedBytes
	}
	c.ring.MarkDelivered(start + offset)
	if hardwareMovedOn {
		c.ring.Advance()
	}
	return DrainResult{Packets: packets}
}

func (c *Context) handle(pkt ohci.ParsedPacket) {
	if c.isRequest && router.IsSyntheticBusReset(pkt) {
		if c.onBusReset != nil {
			c.onBusReset(uint8(pkt.Timestamp))
		}
		return
	}
	if c.router == nil {
		return
	}
	if c.isRequest {
		c.router.DispatchRequest(pkt)
	} else {
		c.router.DispatchResponse(pkt)
	}
}
