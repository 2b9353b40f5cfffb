package controller

import (
	"encoding/binary"
)

// Outer-frame wire layout: an 8-byte header followed by payload.
//
//	0      4      seq, big-endian, starts at 1; 0xFFFFFFFF reserved for ACKs
//	4      2      flags; top two bits 00=data 01=ack 1x=invalid version
//	6      2      offset of the first inner-packet boundary in the payload
//
// ACK frames are exactly 20 bytes: the all-ones seq, then one 32-bit word
// holding the 01 discriminator in the top bits and the 24-bit drop count
// below it, then a millisecond timestamp and the acked sequence range.
const (
	hdrLen = 8
	ackLen = 20

	ackSeq           = 0xFFFFFFFF
	frameAck         = 0x40000000
	frameTypeMask    = 0xC0000000
	frameVersionMask = 0x80000000
	maxNdrop         = 0xFFFFFF

	ipv6HdrLen = 40
)

func putHeader(hdr []byte, seq uint32, offset uint16) {
	binary.BigEndian.PutUint32(hdr[0:4], seq)
	hdr[4] = 0
	hdr[5] = 0
	binary.BigEndian.PutUint16(hdr[6:8], offset)
}

func encodeAck(b []byte, ndrop, tsMs, start, last uint32) {
	binary.BigEndian.PutUint32(b[0:4], ackSeq)
	binary.BigEndian.PutUint32(b[4:8], frameAck|(ndrop&maxNdrop))
	binary.BigEndian.PutUint32(b[8:12], tsMs)
	binary.BigEndian.PutUint32(b[12:16], start)
	binary.BigEndian.PutUint32(b[16:20], last)
}

type ackFrame struct {
	ndrop uint32
	tsMs  uint32
	start uint32
	last  uint32
}

func decodeAck(b []byte) ackFrame {
	return ackFrame{
		ndrop: binary.BigEndian.Uint32(b[4:8]) & maxNdrop,
		tsMs:  binary.BigEndian.Uint32(b[8:12]),
		start: binary.BigEndian.Uint32(b[12:16]),
		last:  binary.BigEndian.Uint32(b[16:20]),
	}
}

// innerLen derives an inner packet's total length from its leading bytes.
// IPv4 carries its total length at bytes 2-3; IPv6 carries a payload length
// at bytes 4-5 that excludes the fixed 40-byte header. Returns 0 when more
// leading bytes are needed, -1 when the first byte does not begin an IP
// packet (pad).
func innerLen(head []byte) int {
	if len(head) == 0 {
		return 0
	}
	switch head[0] & 0xF0 {
	case 0x40:
		if len(head) >= 4 {
			return int(binary.BigEndian.Uint16(head[2:4]))
		}
	case 0x60:
		if len(head) >= 6 {
			return int(binary.BigEndian.Uint16(head[4:6])) + ipv6HdrLen
		}
	default:
		return -1
	}
	return 0
}
