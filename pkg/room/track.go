package room

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thesyncim/roombridge/pkg/pcm"
)

const (
	// DefaultTrackName is the implicit track behind Session.PublishPCM.
	DefaultTrackName = "default-audio"

	defaultTrackBufferMS = 1000
	minTrackBufferMS     = 100
	maxTrackBufferMS     = 5000

	pacerInterval = 10 * time.Millisecond
)

// AudioTrack is one outbound PCM stream with a fixed format and its own
// ring buffer. Publish calls fill the ring; a pacer goroutine drains it
// toward the engine in 10 ms slices. Safe for concurrent use, though the
// ring is sized for a single producer.
type AudioTrack struct {
	session  *Session
	name     string
	rate     int
	channels int
	bufferMS int

	ring *pcm.Ring

	engMu  sync.RWMutex
	engine EngineTrack

	pacerOnce sync.Once
	pacerOn   atomic.Bool
	pacerStop chan struct{}
	pacerDone chan struct{}

	destroyed atomic.Bool
}

func newAudioTrack(s *Session, name string, sampleRate, channels, bufferMS int, eng EngineTrack) (*AudioTrack, error) {
	bufferMS = clampBufferMS(bufferMS)
	ring, err := pcm.NewRing(sampleRate * channels * bufferMS / 1000)
	if err != nil {
		return nil, wrapError(CodeInvalidTrackParams, "ring buffer", err)
	}
	return &AudioTrack{
		session:  s,
		name:     name,
		rate:     sampleRate,
		channels: channels,
		bufferMS: bufferMS,
		ring:     ring,
		engine:   eng,
	}, nil
}

func clampBufferMS(ms int) int {
	if ms < minTrackBufferMS {
		return minTrackBufferMS
	}
	if ms > maxTrackBufferMS {
		return maxTrackBufferMS
	}
	return ms
}

// Name returns the track's name, unique within its Session.
func (t *AudioTrack) Name() string { return t.name }

// SampleRate returns the frozen publish sample rate in Hz.
func (t *AudioTrack) SampleRate() int { return t.rate }

// Channels returns the frozen interleaved channel count.
func (t *AudioTrack) Channels() int { return t.channels }

// PublishPCM queues interleaved 16-bit samples for transmission.
// len(samples) must equal framesPerChannel times the track's channel
// count. When the ring cannot hold the whole batch the tail is dropped,
// the overrun counter advances and CodeRingFull is returned; the track
// stays usable and the caller may try again on the next frame.
func (t *AudioTrack) PublishPCM(samples []int16, framesPerChannel int) error {
	if t.destroyed.Load() {
		return newError(CodeTrackDestroyed, "track "+t.name+" is destroyed")
	}
	if framesPerChannel <= 0 {
		return newError(CodeInvalidFrames,
			fmt.Sprintf("frames per channel %d", framesPerChannel))
	}
	if len(samples) != framesPerChannel*t.channels {
		return newError(CodeInvalidFrames,
			fmt.Sprintf("%d samples for %d frames x %d channels",
				len(samples), framesPerChannel, t.channels))
	}

	pushed := t.ring.Push(samples)
	t.startPacer()
	if pushed < len(samples) {
		return newError(CodeRingFull,
			fmt.Sprintf("track %s dropped %d samples", t.name, len(samples)-pushed))
	}
	return nil
}

// Stats returns a point-in-time snapshot of the track's ring and format.
func (t *AudioTrack) Stats() AudioStats {
	return AudioStats{
		SampleRate:         t.rate,
		Channels:           t.channels,
		RingCapacityFrames: t.ring.Capacity() / t.channels,
		RingQueuedFrames:   t.ring.Queued() / t.channels,
		Underruns:          t.ring.Underruns(),
		Overruns:           t.ring.Overruns(),
	}
}

// Close stops the pacer, releases the engine track and detaches from the
// Session. Idempotent. Other tracks and the Session are unaffected;
// publishing on a closed track fails with CodeTrackDestroyed.
func (t *AudioTrack) Close() error {
	t.destroy(true)
	return nil
}

func (t *AudioTrack) destroy(detach bool) {
	if !t.destroyed.CompareAndSwap(false, true) {
		return
	}
	if t.pacerOn.Load() {
		close(t.pacerStop)
		<-t.pacerDone
	}

	t.engMu.Lock()
	eng := t.engine
	t.engine = nil
	t.engMu.Unlock()
	if eng != nil {
		_ = eng.Close()
	}
	if detach {
		t.session.removeTrack(t)
	}
}

// rebind swaps in a fresh engine track after a reconnect. Queued samples
// survive; the pacer picks them up against the new track.
func (t *AudioTrack) rebind(eng EngineTrack) {
	t.engMu.Lock()
	if t.destroyed.Load() {
		t.engMu.Unlock()
		_ = eng.Close()
		return
	}
	old := t.engine
	t.engine = eng
	t.engMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (t *AudioTrack) startPacer() {
	t.pacerOnce.Do(func() {
		t.pacerStop = make(chan struct{})
		t.pacerDone = make(chan struct{})
		t.pacerOn.Store(true)
		go t.pace()
	})
}

// pace drains the ring in real time. An empty ring is idle, not an
// underrun; a partially filled slice zero-pads and counts one. While the
// Session is away from Connected the ring simply accrues.
func (t *AudioTrack) pace() {
	defer close(t.pacerDone)

	framesPerTick := t.rate / 100
	buf := make([]int16, framesPerTick*t.channels)

	ticker := time.NewTicker(pacerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.pacerStop:
			return
		case <-ticker.C:
			if t.destroyed.Load() {
				return
			}
			if t.session.State() != StateConnected {
				continue
			}
			if t.ring.Queued() == 0 {
				continue
			}
			t.ring.Pop(buf)

			t.engMu.RLock()
			eng := t.engine
			t.engMu.RUnlock()
			if eng == nil {
				continue
			}
			if err := eng.WritePCM(buf, framesPerTick); err != nil {
				t.session.logger().Debug().Err(err).Str("track", t.name).Msg("pcm write")
			}
		}
	}
}

// CreateAudioTrack adds a named publish stream with a fixed format.
// bufferMS is clamped to [100, 5000]. The Session must be Connected or
// Reconnecting; names must be unique per Session.
func (s *Session) CreateAudioTrack(name string, sampleRate, channels, bufferMS int) (*AudioTrack, error) {
	if s.closed.Load() {
		return nil, newError(CodeSessionClosed, "session is closed")
	}
	if name == "" {
		return nil, newError(CodeInvalidTrackParams, "empty track name")
	}
	if sampleRate <= 0 || channels <= 0 {
		return nil, newError(CodeInvalidTrackParams,
			fmt.Sprintf("format %d Hz / %d ch", sampleRate, channels))
	}

	s.mu.Lock()
	switch s.state {
	case StateConnected, StateReconnecting:
	default:
		s.mu.Unlock()
		return nil, newError(CodeNotConnected, "session is "+s.state.String())
	}
	if _, exists := s.tracks[name]; exists {
		s.mu.Unlock()
		return nil, newError(CodeDuplicateTrack, "track "+name+" already exists")
	}
	s.tracks[name] = nil // reserve the name while the engine call runs
	s.mu.Unlock()

	eng, err := s.engine.CreateAudioTrack(name, sampleRate, channels)
	if err != nil {
		s.mu.Lock()
		delete(s.tracks, name)
		s.mu.Unlock()
		return nil, wrapError(CodeTrackStartFailed, "create track "+name, err)
	}

	t, err := newAudioTrack(s, name, sampleRate, channels, bufferMS, eng)
	if err != nil {
		_ = eng.Close()
		s.mu.Lock()
		delete(s.tracks, name)
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	if s.closed.Load() {
		delete(s.tracks, name)
		s.mu.Unlock()
		t.destroy(false)
		return nil, newError(CodeSessionClosed, "session is closed")
	}
	s.tracks[name] = t
	s.mu.Unlock()

	s.logger().Info().Str("track", name).
		Int("rate", sampleRate).Int("channels", channels).Int("buffer_ms", t.bufferMS).
		Msg("audio track created")
	return t, nil
}

// PublishPCM publishes on the Session's implicit default track. The first
// call creates the track with the supplied format and a 1 s ring; the
// format is frozen from then on and later calls must match it.
func (s *Session) PublishPCM(samples []int16, framesPerChannel, channels, sampleRate int) error {
	if s.closed.Load() {
		return newError(CodeSessionClosed, "session is closed")
	}
	if framesPerChannel <= 0 {
		return newError(CodeInvalidFrames,
			fmt.Sprintf("frames per channel %d", framesPerChannel))
	}
	if sampleRate <= 0 || channels <= 0 {
		return newError(CodeInvalidTrackParams,
			fmt.Sprintf("format %d Hz / %d ch", sampleRate, channels))
	}

	t, err := s.defaultTrack(sampleRate, channels)
	if err != nil {
		return err
	}
	if t.rate != sampleRate || t.channels != channels {
		return newError(CodeFormatMismatch,
			fmt.Sprintf("default track is %d Hz / %d ch, got %d Hz / %d ch",
				t.rate, t.channels, sampleRate, channels))
	}
	return t.PublishPCM(samples, framesPerChannel)
}

// defaultTrack returns the implicit track, creating it on first use.
func (s *Session) defaultTrack(sampleRate, channels int) (*AudioTrack, error) {
	s.mu.Lock()
	t := s.defTrack
	s.mu.Unlock()
	if t != nil {
		return t, nil
	}

	s.defMu.Lock()
	defer s.defMu.Unlock()

	s.mu.Lock()
	t = s.defTrack
	s.mu.Unlock()
	if t != nil {
		return t, nil
	}

	t, err := s.CreateAudioTrack(DefaultTrackName, sampleRate, channels, defaultTrackBufferMS)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.defTrack = t
	s.mu.Unlock()
	return t, nil
}

func (s *Session) removeTrack(t *AudioTrack) {
	s.mu.Lock()
	if cur, ok := s.tracks[t.name]; ok && cur == t {
		delete(s.tracks, t.name)
	}
	if s.defTrack == t {
		s.defTrack = nil
	}
	s.mu.Unlock()
}

// AudioStats returns the default track's snapshot, or a zero snapshot when
// nothing has been published yet.
func (s *Session) AudioStats() AudioStats {
	s.mu.Lock()
	t := s.defTrack
	s.mu.Unlock()
	if t == nil {
		return AudioStats{}
	}
	return t.Stats()
}
