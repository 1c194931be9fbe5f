// Package enginetest provides an in-memory room.Engine for exercising the
// session state machine without a server or a native library.
package enginetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/thesyncim/roombridge/pkg/room"
)

var (
	_ room.Engine         = (*Fake)(nil)
	_ room.Engine         = (*Capable)(nil)
	_ room.TokenRefresher = (*Capable)(nil)
	_ room.RoleSwitcher   = (*Capable)(nil)
)

// SentMessage records one SendData call.
type SentMessage struct {
	Label       string
	Reliability room.Reliability
	Ordered     bool
	Payload     []byte
}

// Fake is a scriptable engine. Set the exported knobs before handing it to
// a Session; everything else is safe to poke from any goroutine.
type Fake struct {
	// ConnectErr fails Connect after the optional gate or delay.
	ConnectErr error
	// ConnectDelay makes Connect sleep, honoring the context.
	ConnectDelay time.Duration
	// ConnectGate, when non-nil, blocks Connect until the channel closes.
	ConnectGate chan struct{}
	// ReconnectErrs is consumed one entry per Reconnect call; a nil entry
	// or an exhausted slice means success.
	ReconnectErrs []error
	// SendErr fails every SendData.
	SendErr error
	// TrackErr fails every CreateAudioTrack.
	TrackErr error
	// EchoData makes SendData synchronously loop the payload back through
	// the sink, tagged with participant "echo".
	EchoData bool

	mu             sync.Mutex
	sink           room.EngineSink
	params         room.ConnectParams
	connectCalls   int
	closeCalls     int
	reconnectCalls int
	sendCalls      int
	reconnectAt    []time.Time
	sent           []SentMessage
	tracks         []*FakeTrack
}

// NewFake returns a Fake that connects instantly and accepts everything.
func NewFake() *Fake { return &Fake{} }

func (f *Fake) Connect(ctx context.Context, params room.ConnectParams, sink room.EngineSink) error {
	f.mu.Lock()
	f.connectCalls++
	gate := f.ConnectGate
	delay := f.ConnectDelay
	err := f.ConnectErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gate:
		}
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.sink = sink
	f.params = params
	f.mu.Unlock()
	return nil
}

func (f *Fake) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnectCalls++
	f.reconnectAt = append(f.reconnectAt, time.Now())
	if len(f.ReconnectErrs) > 0 {
		err := f.ReconnectErrs[0]
		f.ReconnectErrs = f.ReconnectErrs[1:]
		return err
	}
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	return nil
}

func (f *Fake) CreateAudioTrack(name string, sampleRate, channels int) (room.EngineTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TrackErr != nil {
		return nil, f.TrackErr
	}
	t := &FakeTrack{Name: name, SampleRate: sampleRate, Channels: channels}
	f.tracks = append(f.tracks, t)
	return t, nil
}

func (f *Fake) SendData(label string, rel room.Reliability, ordered bool, payload []byte) error {
	f.mu.Lock()
	f.sendCalls++
	if f.SendErr != nil {
		err := f.SendErr
		f.mu.Unlock()
		return err
	}
	cp := append([]byte(nil), payload...)
	f.sent = append(f.sent, SentMessage{Label: label, Reliability: rel, Ordered: ordered, Payload: cp})
	sink := f.sink
	echo := f.EchoData
	f.mu.Unlock()

	if echo && sink != nil {
		sink.HandleEngineEvent(room.EngineEvent{
			Kind:        room.EngineData,
			Label:       label,
			Reliability: rel,
			Payload:     cp,
			Participant: "echo",
		})
	}
	return nil
}

// InjectData delivers an inbound payload as if a remote participant sent it.
func (f *Fake) InjectData(label string, rel room.Reliability, participant string, payload []byte) {
	if sink := f.currentSink(); sink != nil {
		sink.HandleEngineEvent(room.EngineEvent{
			Kind:        room.EngineData,
			Label:       label,
			Reliability: rel,
			Payload:     payload,
			Participant: participant,
		})
	}
}

// InjectAudio delivers one inbound PCM frame.
func (f *Fake) InjectAudio(frame room.AudioFrame) {
	if sink := f.currentSink(); sink != nil {
		sink.HandleEngineEvent(room.EngineEvent{Kind: room.EngineAudio, Audio: &frame})
	}
}

// InjectLinkDown simulates transport-level link loss.
func (f *Fake) InjectLinkDown(reason int, msg string) {
	if sink := f.currentSink(); sink != nil {
		sink.HandleEngineEvent(room.EngineEvent{Kind: room.EngineLinkDown, Reason: reason, Message: msg})
	}
}

// InjectClosed simulates the server ending the session.
func (f *Fake) InjectClosed(reason int, msg string) {
	if sink := f.currentSink(); sink != nil {
		sink.HandleEngineEvent(room.EngineEvent{Kind: room.EngineClosed, Reason: reason, Message: msg})
	}
}

func (f *Fake) currentSink() room.EngineSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sink
}

func (f *Fake) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *Fake) CloseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func (f *Fake) ReconnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnectCalls
}

// SendCalls counts every SendData attempt, including rejected ones.
func (f *Fake) SendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

// ReconnectTimes returns when each Reconnect call arrived, for asserting
// backoff spacing.
func (f *Fake) ReconnectTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.reconnectAt...)
}

// Sent returns a copy of every recorded SendData call.
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

// Params returns the ConnectParams of the most recent successful Connect.
func (f *Fake) Params() room.ConnectParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params
}

// Tracks returns every engine track created so far, including rebinds.
func (f *Fake) Tracks() []*FakeTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeTrack(nil), f.tracks...)
}

// FakeTrack records paced PCM writes.
type FakeTrack struct {
	Name       string
	SampleRate int
	Channels   int

	mu      sync.Mutex
	writes  int
	samples int
	closed  bool
}

func (t *FakeTrack) WritePCM(samples []int16, framesPerChannel int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("engine track closed")
	}
	t.writes++
	t.samples += len(samples)
	return nil
}

func (t *FakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Writes returns how many paced slices arrived.
func (t *FakeTrack) Writes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

// Samples returns the cumulative sample count written.
func (t *FakeTrack) Samples() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samples
}

// Closed reports whether the track was released.
func (t *FakeTrack) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Capable is Fake plus the optional token-refresh and role-switch
// capabilities.
type Capable struct {
	*Fake

	// RefreshErr fails RefreshToken; RoleErr fails SetRole.
	RefreshErr error
	RoleErr    error

	mu     sync.Mutex
	tokens []string
	roles  []room.Role
}

// NewCapable returns a Capable wrapping a fresh Fake.
func NewCapable() *Capable { return &Capable{Fake: NewFake()} }

func (c *Capable) RefreshToken(token string) error {
	if c.RefreshErr != nil {
		return c.RefreshErr
	}
	c.mu.Lock()
	c.tokens = append(c.tokens, token)
	c.mu.Unlock()
	return nil
}

func (c *Capable) SetRole(role room.Role, autoSubscribe bool) error {
	if c.RoleErr != nil {
		return c.RoleErr
	}
	c.mu.Lock()
	c.roles = append(c.roles, role)
	c.mu.Unlock()
	return nil
}

// Tokens returns every token passed to RefreshToken.
func (c *Capable) Tokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tokens...)
}

// Roles returns every role passed to SetRole.
func (c *Capable) Roles() []room.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]room.Role(nil), c.roles...)
}
