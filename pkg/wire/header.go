// Package wire implements the optional timestamped-sequence header carried
// at the front of data payloads: two little-endian 64-bit integers, the send
// time in microseconds since the Unix epoch followed by a monotonic sequence
// number. Receivers use it to compute one-way latency and detect gaps. The
// header is a convention between application endpoints, not something the
// session layer requires or interprets.
package wire

import (
	"encoding/binary"
	"time"
)

// HeaderSize is the encoded size of a Header in bytes.
const HeaderSize = 16

// Header carries the send timestamp and sequence number of one payload.
type Header struct {
	SentMicros uint64 // microseconds since the Unix epoch
	Seq        uint64
}

// Append appends a header for the given send time and sequence number to
// dst and returns the extended slice. Payload bytes follow the header.
func Append(dst []byte, at time.Time, seq uint64) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(at.UnixMicro()))
	return binary.LittleEndian.AppendUint64(dst, seq)
}

// Parse splits a payload into its header and body. ok is false when the
// payload is too short to carry a header, in which case the payload should
// be treated as headerless application data.
func Parse(payload []byte) (h Header, body []byte, ok bool) {
	if len(payload) < HeaderSize {
		return Header{}, payload, false
	}
	h.SentMicros = binary.LittleEndian.Uint64(payload)
	h.Seq = binary.LittleEndian.Uint64(payload[8:])
	return h, payload[HeaderSize:], true
}

// SentAt returns the header timestamp as a time.Time.
func (h Header) SentAt() time.Time {
	return time.UnixMicro(int64(h.SentMicros))
}

// Latency returns the one-way delay observed at now. Clock skew between
// endpoints can make this negative.
func (h Header) Latency(now time.Time) time.Duration {
	return time.Duration(now.UnixMicro()-int64(h.SentMicros)) * time.Microsecond
}
