// Package segment implements the bTCP segment codec: a fixed 12-byte header
// followed by a fixed-size padded payload, covered end to end by an Internet
// one's-complement checksum. All segments on the wire are the same length,
// which keeps framing trivial on a datagram substrate with no length
// delimiting of its own.
package segment

import (
	"encoding/binary"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 12

	// MaxPayloadSize is the payload block size; shorter payloads are
	// zero-padded up to it.
	MaxPayloadSize = 1008

	// SegmentSize is the uniform on-wire segment length.
	SegmentSize = HeaderSize + MaxPayloadSize

	// MaxSeq is the largest sequence number. Zero is reserved as "unset",
	// so the sequence space is 1..MaxSeq and increments wrap 65535 -> 1.
	MaxSeq = 65535
)

// Flags is the SYN/ACK/FIN bitset in the segment header.
type Flags uint16

const (
	FlagSYN Flags = 1 << iota
	FlagACK
	FlagFIN
)

// Has reports whether all flags in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// ErrChecksum is returned by Decode for segments whose one's-complement
// residual is not all-ones. Corruption is indistinguishable from loss at
// this layer; callers drop such segments silently.
var ErrChecksum = errors.New("segment: checksum mismatch")

// Header is the decoded bTCP segment header.
type Header struct {
	Seq      uint16
	Ack      uint16
	Flags    Flags
	Window   uint16
	Length   uint16
	Checksum uint16
}

// Encode serializes the header and payload into a SegmentSize buffer and
// fills in the checksum so that the one's-complement sum over the whole
// segment folds to 0xFFFF. The Length field is taken from the payload, not
// from h.
func Encode(h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, errors.Errorf("segment: payload %d exceeds max %d", len(payload), MaxPayloadSize)
	}
	buf := make([]byte, SegmentSize)
	binary.BigEndian.PutUint16(buf[0:2], h.Seq)
	binary.BigEndian.PutUint16(buf[2:4], h.Ack)
	binary.BigEndian.PutUint16(buf[4:6], uint16(h.Flags))
	binary.BigEndian.PutUint16(buf[6:8], h.Window)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(payload)))
	// checksum field stays zero while summing
	copy(buf[HeaderSize:], payload)
	sum := header.Checksum(buf, 0)
	binary.BigEndian.PutUint16(buf[10:12], ^sum)
	return buf, nil
}

// Decode verifies the checksum and parses a segment. The returned payload
// slice aliases buf and is truncated to the header's Length field.
func Decode(buf []byte) (Header, []byte, error) {
	if len(buf) != SegmentSize {
		return Header{}, nil, errors.Errorf("segment: bad size %d, want %d", len(buf), SegmentSize)
	}
	if header.Checksum(buf, 0) != 0xFFFF {
		return Header{}, nil, ErrChecksum
	}
	h := Header{
		Seq:      binary.BigEndian.Uint16(buf[0:2]),
		Ack:      binary.BigEndian.Uint16(buf[2:4]),
		Flags:    Flags(binary.BigEndian.Uint16(buf[4:6])),
		Window:   binary.BigEndian.Uint16(buf[6:8]),
		Length:   binary.BigEndian.Uint16(buf[8:10]),
		Checksum: binary.BigEndian.Uint16(buf[10:12]),
	}
	if h.Length > MaxPayloadSize {
		return Header{}, nil, errors.Errorf("segment: bad payload length %d", h.Length)
	}
	return h, buf[HeaderSize : HeaderSize+int(h.Length)], nil
}

// NextSeq increments a sequence number, wrapping 65535 -> 1. Zero is never
// produced; it stays reserved as the "unset" sentinel.
func NextSeq(s uint16) uint16 {
	if s < MaxSeq {
		return s + 1
	}
	return 1
}

// SeqDistance returns the forward distance from a to b on the 65535-value
// sequence ring (zero excluded). Both arguments must be in 1..MaxSeq.
func SeqDistance(a, b uint16) int {
	return (int(b) - int(a) + MaxSeq) % MaxSeq
}

// SeqCovered reports whether a cumulative acknowledgement ack covers seq,
// using the half-space rule: seq is covered when it is no more than half
// the sequence space behind ack.
func SeqCovered(seq, ack uint16) bool {
	return SeqDistance(seq, ack) < MaxSeq/2
}
