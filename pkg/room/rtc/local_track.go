package rtc

import (
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const mimeTypeL16 = "audio/L16"

// Packets stay under a conservative 1200-byte MTU, 12 bytes of which are
// the RTP header.
const (
	packetMTU        = 1200
	rtpHeaderSize    = 12
	maxPacketPayload = packetMTU - rtpHeaderSize
)

var (
	errTrackClosed   = errors.New("track closed")
	errTrackNotBound = errors.New("track not bound")
)

// localTrack is a webrtc.TrackLocal carrying uncompressed L16 PCM.
// Samples go on the wire as big-endian 16-bit values, interleaved by
// channel, split into MTU-sized packets. The RTP timestamp advances one
// per frame, so the L16 clock rate equals the sample rate.
type localTrack struct {
	id       string
	streamID string
	rate     int
	channels int

	mu      sync.Mutex
	writer  webrtc.TrackLocalWriter
	ssrc    webrtc.SSRC
	payload webrtc.PayloadType
	seq     uint16
	ts      uint32
	buf     []byte

	bound  atomic.Bool
	closed atomic.Bool
}

var _ webrtc.TrackLocal = (*localTrack)(nil)

func newLocalTrack(id, streamID string, sampleRate, channels int) *localTrack {
	return &localTrack{
		id:       id,
		streamID: streamID,
		rate:     sampleRate,
		channels: channels,
		seq:      uint16(rand.Uint32()),
		ts:       rand.Uint32(),
		buf:      make([]byte, maxPacketPayload),
	}
}

func (t *localTrack) ID() string                { return t.id }
func (t *localTrack) RID() string               { return "" }
func (t *localTrack) StreamID() string          { return t.streamID }
func (t *localTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

// Bind is called by the peer connection once the track is negotiated. It
// picks the L16 codec matching the track's format from the negotiated set
// and captures the write stream.
func (t *localTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	if t.closed.Load() {
		return webrtc.RTPCodecParameters{}, errTrackClosed
	}
	codec, ok := matchL16(ctx.CodecParameters(), t.rate, t.channels)
	if !ok {
		return webrtc.RTPCodecParameters{}, webrtc.ErrUnsupportedCodec
	}

	t.mu.Lock()
	t.writer = ctx.WriteStream()
	t.ssrc = ctx.SSRC()
	t.payload = codec.PayloadType
	t.mu.Unlock()
	t.bound.Store(true)
	return codec, nil
}

func (t *localTrack) Unbind(_ webrtc.TrackLocalContext) error {
	if !t.bound.CompareAndSwap(true, false) {
		return errTrackNotBound
	}
	t.mu.Lock()
	t.writer = nil
	t.mu.Unlock()
	return nil
}

// WritePCM packetizes one batch of interleaved samples and writes it to
// the bound stream. Batches larger than the MTU are split, keeping whole
// frames together.
func (t *localTrack) WritePCM(samples []int16, framesPerChannel int) error {
	if t.closed.Load() {
		return errTrackClosed
	}
	if !t.bound.Load() {
		return errTrackNotBound
	}
	if framesPerChannel <= 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer == nil {
		return errTrackNotBound
	}

	maxFrames := maxPacketFrames(t.channels)
	for off := 0; off < framesPerChannel; off += maxFrames {
		frames := framesPerChannel - off
		if frames > maxFrames {
			frames = maxFrames
		}
		chunk := samples[off*t.channels : (off+frames)*t.channels]
		n := encodeL16(t.buf, chunk)

		hdr := rtp.Header{
			Version:        2,
			PayloadType:    uint8(t.payload),
			SequenceNumber: t.seq,
			Timestamp:      t.ts,
			SSRC:           uint32(t.ssrc),
		}
		t.seq++
		t.ts += uint32(frames)

		if _, err := t.writer.WriteRTP(&hdr, t.buf[:n]); err != nil {
			return err
		}
	}
	return nil
}

func (t *localTrack) close() {
	t.closed.Store(true)
}

// maxPacketFrames is how many whole frames of the given channel count fit
// in one packet payload.
func maxPacketFrames(channels int) int {
	return maxPacketPayload / (2 * channels)
}

// encodeL16 writes samples big-endian into dst and returns the byte count.
func encodeL16(dst []byte, samples []int16) int {
	for i, s := range samples {
		binary.BigEndian.PutUint16(dst[2*i:], uint16(s))
	}
	return 2 * len(samples)
}

// decodeL16 parses a big-endian L16 payload. Returns false when the
// payload is not a whole number of frames.
func decodeL16(payload []byte, channels int) ([]int16, bool) {
	if channels <= 0 || len(payload) == 0 || len(payload)%(2*channels) != 0 {
		return nil, false
	}
	samples := make([]int16, len(payload)/2)
	for i := range samples {
		samples[i] = int16(binary.BigEndian.Uint16(payload[2*i:]))
	}
	return samples, true
}

// matchL16 finds the negotiated L16 codec for the given format.
func matchL16(codecs []webrtc.RTPCodecParameters, rate, channels int) (webrtc.RTPCodecParameters, bool) {
	for _, c := range codecs {
		if strings.EqualFold(c.MimeType, mimeTypeL16) &&
			int(c.ClockRate) == rate && int(c.Channels) == channels {
			return c, true
		}
	}
	return webrtc.RTPCodecParameters{}, false
}
