// Package wire builds and parses the fixed packet format shared by the
// sender and the receiver: a 2-byte big-endian checksum, a 4-byte
// little-endian sequence number, and the payload.
package wire

import "github.com/pkg/errors"

// MinPacketLen is the smallest legal packet: checksum (2) + seq (4).
const MinPacketLen = 6

// AckPayload is the literal payload carried by an acknowledgement packet.
const AckPayload = "ACK"

// ErrShortPacket is returned by Parse when a datagram is shorter than
// MinPacketLen. Callers must treat this as a silently-droppable wire
// anomaly, never surface it.
var ErrShortPacket = errors.New("wire: packet shorter than minimum length")

// ErrChecksumMismatch is returned by Parse when the checksum does not
// match the remaining bytes. Like ErrShortPacket, this is a droppable wire
// anomaly.
var ErrChecksumMismatch = errors.New("wire: checksum mismatch")

// Build serializes seq and payload into a wire packet: 2-byte checksum,
// 4-byte little-endian seq, then payload.
func Build(seq uint32, payload []byte) []byte {
	pkt := make([]byte, MinPacketLen+len(payload))
	pkt[2] = byte(seq)
	pkt[3] = byte(seq >> 8)
	pkt[4] = byte(seq >> 16)
	pkt[5] = byte(seq >> 24)
	copy(pkt[6:], payload)
	sum := checksum(pkt[2:])
	pkt[0] = byte(sum >> 8)
	pkt[1] = byte(sum)
	return pkt
}

// BuildAck builds the wire representation of an ACK for seq.
func BuildAck(seq uint32) []byte {
	return Build(seq, []byte(AckPayload))
}

// Parse validates and extracts seq/payload from a raw datagram. The
// returned payload aliases pkt and must be copied by the caller before
// pkt is reused.
func Parse(pkt []byte) (seq uint32, payload []byte, err error) {
	if len(pkt) < MinPacketLen {
		return 0, nil, ErrShortPacket
	}
	want := uint16(pkt[0])<<8 | uint16(pkt[1])
	if checksum(pkt[2:]) != want {
		return 0, nil, ErrChecksumMismatch
	}
	seq = uint32(pkt[2]) | uint32(pkt[3])<<8 | uint32(pkt[4])<<16 | uint32(pkt[5])<<24
	return seq, pkt[6:], nil
}

// IsAck reports whether payload is the literal ACK marker.
func IsAck(payload []byte) bool {
	return string(payload) == AckPayload
}

// checksum computes the 16-bit Internet-checksum-family value (RFC 1071)
// over b: the one's complement of the one's-complement sum of 16-bit
// words, zero-padded on an odd trailing byte. Deterministic, and flips of
// a single bit always change the result.
func checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
