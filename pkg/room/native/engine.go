// Package native implements the room Engine on top of the prebuilt
// session engine shared library, bound through internal/ffi. The native
// library owns transport, media, and channels; this package translates
// between its C ABI and the room contract.
//
// The library is process-wide state with explicit ownership: call Load
// before creating engines and Unload when every engine is gone.
package native

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/thesyncim/roombridge/internal/ffi"
	"github.com/thesyncim/roombridge/pkg/room"
)

var (
	errNotConnected = errors.New("native engine not connected")
	errStaleTrack   = errors.New("track belongs to a previous connection")
)

// Load opens the native engine library (see internal/ffi for the search
// order). Idempotent.
func Load() error { return ffi.Load() }

// Unload releases the library. Every Engine must be closed first.
func Unload() error { return ffi.Close() }

// Available reports whether the library is loaded.
func Available() bool { return ffi.IsLoaded() }

// Version returns the native engine version string.
func Version() string { return ffi.Version() }

// Options configures a native Engine.
type Options struct {
	// Logger receives engine logs. Nil disables logging.
	Logger *zerolog.Logger
}

// Engine drives one native engine handle. Command calls are serialized
// against handle teardown; event callbacks route through the ffi registry
// and never touch the command lock.
type Engine struct {
	log zerolog.Logger

	mu     sync.Mutex
	handle uintptr
	params room.ConnectParams

	sink atomic.Value // sinkBox
}

type sinkBox struct{ s room.EngineSink }

var (
	_ room.Engine         = (*Engine)(nil)
	_ room.TokenRefresher = (*Engine)(nil)
	_ room.RoleSwitcher   = (*Engine)(nil)
)

// New builds an Engine. Fails when the library has not been loaded.
func New(opts Options) (*Engine, error) {
	if !ffi.IsLoaded() {
		return nil, ffi.ErrLibraryNotLoaded
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Engine{log: log}, nil
}

func (e *Engine) Connect(ctx context.Context, params room.ConnectParams, sink room.EngineSink) error {
	e.mu.Lock()
	if e.handle != 0 {
		e.mu.Unlock()
		return errors.New("already connected")
	}
	e.mu.Unlock()

	e.sink.Store(sinkBox{sink})
	h, err := e.dial(ctx, params)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.handle = h
	e.params = params
	e.mu.Unlock()
	return nil
}

func (e *Engine) Reconnect(ctx context.Context) error {
	e.mu.Lock()
	params := e.params
	old := e.handle
	e.handle = 0
	e.mu.Unlock()
	if e.sinkRef() == nil {
		return errors.New("reconnect before connect")
	}
	if old != 0 {
		e.teardownHandle(old)
	}

	h, err := e.dial(ctx, params)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.handle = h
	e.mu.Unlock()
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	h := e.handle
	e.handle = 0
	e.mu.Unlock()
	if h != 0 {
		e.teardownHandle(h)
	}
	return nil
}

func (e *Engine) CreateAudioTrack(name string, sampleRate, channels int) (room.EngineTrack, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == 0 {
		return nil, errNotConnected
	}
	id, err := ffi.CreateAudioTrack(e.handle, name, sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return &nativeTrack{eng: e, handle: e.handle, id: id}, nil
}

func (e *Engine) SendData(label string, rel room.Reliability, ordered bool, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == 0 {
		return errNotConnected
	}
	return ffi.SendData(e.handle, label, rel == room.Reliable, ordered, payload)
}

// RefreshToken swaps the credential on the live connection and keeps it
// for a later Reconnect.
func (e *Engine) RefreshToken(token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == 0 {
		return errNotConnected
	}
	if err := ffi.RefreshToken(e.handle, token); err != nil {
		return err
	}
	e.params.Token = token
	return nil
}

func (e *Engine) SetRole(role room.Role, autoSubscribe bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == 0 {
		return errNotConnected
	}
	if err := ffi.SetRole(e.handle, int(role), autoSubscribe); err != nil {
		return err
	}
	e.params.Role = role
	e.params.AutoSubscribe = autoSubscribe
	return nil
}

// dial allocates a handle, wires its callbacks, and runs the blocking
// native handshake. The handshake itself cannot be interrupted; on ctx
// cancellation the handle is abandoned and reaped once the call returns.
func (e *Engine) dial(ctx context.Context, params room.ConnectParams) (uintptr, error) {
	h := ffi.Create()
	if h == 0 {
		if !ffi.IsLoaded() {
			return 0, ffi.ErrLibraryNotLoaded
		}
		return 0, errors.New("create native engine handle")
	}

	ffi.RegisterStateCallback(h, e.onState)
	ffi.RegisterDataCallback(h, e.onData)
	ffi.RegisterAudioCallback(h, e.onAudio)
	if err := ffi.InstallCallbacks(h); err != nil {
		e.teardownHandle(h)
		return 0, err
	}
	if params.OutputSampleRate > 0 && params.OutputChannels > 0 {
		if err := ffi.SetOutputFormat(h, params.OutputSampleRate, params.OutputChannels); err != nil {
			e.log.Warn().Err(err).Msg("output format preference rejected")
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- ffi.Connect(h, params.URL, params.Token, int(params.Role), params.AutoSubscribe)
	}()
	select {
	case err := <-done:
		if err != nil {
			e.teardownHandle(h)
			return 0, err
		}
		e.log.Info().Str("version", ffi.Version()).Msg("native engine connected")
		return h, nil
	case <-ctx.Done():
		go func() {
			<-done
			e.teardownHandle(h)
		}()
		return 0, ctx.Err()
	}
}

// teardownHandle unhooks the callback registry before destroying the
// handle so a late native event cannot route into freed state.
func (e *Engine) teardownHandle(h uintptr) {
	if err := ffi.Disconnect(h); err != nil && !errors.Is(err, ffi.ErrBadState) {
		e.log.Debug().Err(err).Msg("native disconnect")
	}
	ffi.UnregisterCallbacks(h)
	ffi.Destroy(h)
}

func (e *Engine) sinkRef() room.EngineSink {
	if v := e.sink.Load(); v != nil {
		return v.(sinkBox).s
	}
	return nil
}

func (e *Engine) onState(event, reason int, message string) {
	s := e.sinkRef()
	if s == nil {
		return
	}
	switch int32(event) {
	case ffi.EventLinkDown:
		e.log.Warn().Int("reason", reason).Str("message", message).Msg("native link down")
		s.HandleEngineEvent(room.EngineEvent{Kind: room.EngineLinkDown, Reason: reason, Message: message})
	case ffi.EventClosed:
		e.log.Info().Int("reason", reason).Str("message", message).Msg("native session ended")
		s.HandleEngineEvent(room.EngineEvent{Kind: room.EngineClosed, Reason: reason, Message: message})
	default:
		e.log.Debug().Int("event", event).Msg("unknown native event")
	}
}

func (e *Engine) onData(payload []byte, reliable, ordered bool, label, participant string) {
	s := e.sinkRef()
	if s == nil {
		return
	}
	rel := room.Lossy
	if reliable {
		rel = room.Reliable
	}
	s.HandleEngineEvent(room.EngineEvent{
		Kind:        room.EngineData,
		Label:       label,
		Reliability: rel,
		Payload:     payload,
		Participant: participant,
	})
}

func (e *Engine) onAudio(samples []int16, framesPerChannel, channels, sampleRate int, participant, track string) {
	s := e.sinkRef()
	if s == nil {
		return
	}
	s.HandleEngineEvent(room.EngineEvent{
		Kind: room.EngineAudio,
		Audio: &room.AudioFrame{
			PCM:              samples,
			FramesPerChannel: framesPerChannel,
			Channels:         channels,
			SampleRate:       sampleRate,
			Participant:      participant,
			Track:            track,
		},
	})
}

// nativeTrack is an outbound track pinned to the handle it was created
// on. After a reconnect the session re-creates tracks, so writes against
// a retired handle fail instead of touching freed native state.
type nativeTrack struct {
	eng    *Engine
	handle uintptr
	id     uint64
	closed atomic.Bool
}

var _ room.EngineTrack = (*nativeTrack)(nil)

func (t *nativeTrack) WritePCM(samples []int16, framesPerChannel int) error {
	if t.closed.Load() {
		return errStaleTrack
	}
	t.eng.mu.Lock()
	defer t.eng.mu.Unlock()
	if t.eng.handle != t.handle {
		return errStaleTrack
	}
	return ffi.WritePCM(t.handle, t.id, samples, framesPerChannel)
}

func (t *nativeTrack) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.eng.mu.Lock()
	defer t.eng.mu.Unlock()
	if t.eng.handle == t.handle {
		ffi.DestroyAudioTrack(t.handle, t.id)
	}
	return nil
}
