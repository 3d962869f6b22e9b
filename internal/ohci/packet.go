package ohci

import "encoding/binary"

// SpeedCode is the 3-bit transmission speed field of an AT header.
type SpeedCode uint8

const (
	SpeedS100 SpeedCode = 0x0
	SpeedS200 SpeedCode = 0x1
	SpeedS400 SpeedCode = 0x2
)

// Header is the host-byte-order AT packet header the descriptor builder
// writes as immediate inline data. This is the OHCI AT Data format, NOT
// IEEE 1394 wire format — the controller converts it on transmit and
// inserts the source node ID itself, so no source field appears here.
//
// Quadlet 0: srcBusID[23] speed[18:16] tLabel[15:10] rt[9:8] tCode[7:4] pri[3:0]
// Quadlet 1 (request):  destinationID[31:16] destinationOffsetHigh[15:0]
// Quadlet 1 (response): destinationID[31:16] rCode[15:12]
// Quadlet 2 (request):  destinationOffsetLow[31:0]; reserved for responses.
// Quadlet 3: quadlet data, or dataLength[31:16] | extendedTCode[15:0].
type Header struct {
	SourceBusID   bool // quadlet 0 bit[23]; false = local bus
	Speed         SpeedCode
	DestinationID uint16
	TLabel        uint8
	Retry         uint8
	TCode         TCode
	Priority      uint8
	RCode         uint8 // responses only
	Offset        uint64
	DataLength    uint16 // block transfers
	ExtendedTCode uint16 // lock requests
}

// quadlet0 packs the common first quadlet every AT header shares.
func (h Header) quadlet0() uint32 {
	q0 := uint32(h.Speed&0x7)<<16 | uint32(h.TLabel&0x3F)<<10 | uint32(h.Retry&0x3)<<8 | uint32(h.TCode&0xF)<<4 | uint32(h.Priority&0xF)
	if h.SourceBusID {
		q0 |= 1 << 23
	}
	return q0
}

// EncodeQuadletRequest builds the header quadlets for write-quadlet,
// read-quadlet, and PHY packets, returning the immediate-data byte slice
// ready to copy into a descriptor's inline area. data is the quadlet
// payload for write-quadlet (ignored otherwise).
func (h Header) EncodeQuadletRequest(data uint32) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], h.quadlet0())
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.DestinationID)<<16|uint32(h.Offset>>32)&0xFFFF)
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.Offset))
	if h.TCode == TCodeWriteQuadlet {
		binary.BigEndian.PutUint32(buf[12:16], data)
		return buf[:16]
	}
	return buf[:12]
}

// EncodeBlockRequest builds the header quadlets for block-write, block-read,
// and lock requests (header only; payload is a separate descriptor).
func (h Header) EncodeBlockRequest() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], h.quadlet0())
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.DestinationID)<<16|uint32(h.Offset>>32)&0xFFFF)
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.Offset))
	var q3 uint32
	if h.TCode == TCodeLockRequest {
		q3 = uint32(h.DataLength)<<16 | uint32(h.ExtendedTCode&0xFFFF)
	} else {
		q3 = uint32(h.DataLength) << 16
	}
	binary.BigEndian.PutUint32(buf[12:16], q3)
	return buf
}

// EncodeQuadletResponse builds a write-response or read-quadlet-response
// header. data is the returned quadlet for read-quadlet-response.
func (h Header) EncodeQuadletResponse(data uint32) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], h.quadlet0())
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.DestinationID)<<16|uint32(h.RCode&0xF)<<12)
	binary.BigEndian.PutUint32(buf[8:12], 0)
	if h.TCode == TCodeReadQuadletResp {
		binary.BigEndian.PutUint32(buf[12:16], data)
		return buf[:16]
	}
	return buf[:12]
}

// EncodeBlockResponse builds a block-read-response or lock-response header
// (header only; payload follows in a standard descriptor).
func (h Header) EncodeBlockResponse() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], h.quadlet0())
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.DestinationID)<<16|uint32(h.RCode&0xF)<<12)
	binary.BigEndian.PutUint32(buf[8:12], 0)
	if h.TCode == TCodeLockResponse {
		binary.BigEndian.PutUint32(buf[12:16], uint32(h.DataLength)<<16|uint32(h.ExtendedTCode&0xFFFF))
	} else {
		binary.BigEndian.PutUint32(buf[12:16], uint32(h.DataLength)<<16)
	}
	return buf
}

// ParsedPacket is the result of stream-parsing one packet out of an AR
// buffer-fill region.
type ParsedPacket struct {
	TCode         TCode
	SourceID      uint16
	DestinationID uint16
	TLabel        uint8
	RCode         uint8
	Offset        uint64
	ExtendedTCode uint16
	Data          []byte
	QuadletData   uint32
	EventCode     EventCode
	Timestamp     uint16
	ConsumedBytes int
}

// HeaderLength returns the number of header bytes (including any inline
// quadlet payload for quadlet operations) a packet of this tcode carries,
// per IEEE 1394's tcode-driven framing rules.
func HeaderLength(tc TCode) int {
	switch tc {
	case TCodeWriteQuadlet, TCodeReadQuadletResp:
		return 16
	case TCodeWriteResponse:
		return 12
	case TCodeReadQuadlet:
		return 12
	case TCodeWriteBlock, TCodeReadBlockResp, TCodeLockRequest, TCodeLockResponse:
		return 16
	case TCodeReadBlock:
		return 16
	case TCodePhy:
		return 12
	default:
		return 0
	}
}

// ParsePacket parses one packet (header, optional payload, and 4-byte AR
// trailer) beginning at buf[0]. AR packets keep the IEEE 1394 quadlet
// layout: quadlet 0 carries destinationID[31:16] tLabel[15:10] rt[9:8]
// tCode[7:4], quadlet 1 carries sourceID[31:16] and, for responses,
// rCode[15:12] (for requests, destinationOffsetHigh[15:0]). It returns the
// parsed packet and the number of bytes consumed, or ok=false if buf does
// not yet hold a complete packet (the caller should stop and wait for the
// next interrupt).
func ParsePacket(buf []byte) (pkt ParsedPacket, ok bool) {
	if len(buf) < 12 {
		return ParsedPacket{}, false
	}
	q0 := binary.BigEndian.Uint32(buf[0:4])
	q1 := binary.BigEndian.Uint32(buf[4:8])
	destID := uint16(q0 >> 16)
	tLabel := uint8((q0 >> 10) & 0x3F)
	tCode := TCode((q0 >> 4) & 0xF)
	hdrLen := HeaderLength(tCode)
	if hdrLen == 0 || len(buf) < hdrLen {
		return ParsedPacket{}, false
	}

	pkt.TCode = tCode
	pkt.TLabel = tLabel
	pkt.DestinationID = destID
	pkt.SourceID = uint16(q1 >> 16)
	if tCode.IsResponse() {
		pkt.RCode = uint8((q1 >> 12) & 0xF)
	} else {
		pkt.Offset = uint64(q1&0xFFFF)<<32 | uint64(binary.BigEndian.Uint32(buf[8:12]))
	}

	payloadLen := 0
	switch tCode {
	case TCodeWriteQuadlet:
		pkt.QuadletData = binary.BigEndian.Uint32(buf[12:16])
	case TCodeReadQuadletResp:
		pkt.QuadletData = binary.BigEndian.Uint32(buf[12:16])
	case TCodeWriteBlock, TCodeReadBlockResp, TCodeLockRequest, TCodeLockResponse:
		q3 := binary.BigEndian.Uint32(buf[12:16])
		payloadLen = int(q3 >> 16)
		pkt.ExtendedTCode = uint16(q3)
	case TCodeReadBlock:
		// quadlet 3 carries the requested dataLength; no payload follows.
	}

	total := hdrLen + payloadLen + 4 // +4 trailer: xferStatus/timestamp quadlet
	// Round the payload up to quadlet alignment, as OHCI pads odd lengths.
	if payloadLen%4 != 0 {
		total += 4 - payloadLen%4
	}
	if len(buf) < total {
		return ParsedPacket{}, false
	}
	if payloadLen > 0 {
		pkt.Data = append([]byte(nil), buf[hdrLen:hdrLen+payloadLen]...)
	}
	trailer := binary.BigEndian.Uint32(buf[total-4 : total])
	pkt.EventCode = EventCode((trailer >> 16) & 0x1F)
	pkt.Timestamp = uint16(trailer)
	pkt.ConsumedBytes = total
	return pkt, true
}

// SourceIDFromQuadlet extracts the node ID occupying a quadlet's upper 16
// bits (sourceID in AR quadlet 1, destinationID in AR quadlet 0).
func SourceIDFromQuadlet(q uint32) uint16 {
	return uint16(q >> 16)
}
