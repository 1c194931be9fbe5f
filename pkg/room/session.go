// Package room manages one real-time connection to a room server and
// multiplexes three planes over it: connection lifecycle, PCM audio publish
// and subscribe, and reliable or lossy labeled data. The transport itself is
// an Engine supplied by the caller.
package room

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Callback signatures. All callbacks are invoked on engine goroutines, never
// on the goroutine that registered them or issued a command. Callbacks must
// not call Disconnect or Close on their own Session; doing so deadlocks the
// quiescence barrier.
type (
	// DataHandler receives raw inbound payloads.
	DataHandler func(payload []byte)
	// DataMessageHandler receives inbound payloads with demultiplexing tags.
	DataMessageHandler func(msg DataMessage)
	// AudioHandler receives inbound PCM frames.
	AudioHandler func(frame AudioFrame)
	// FormatChangeHandler fires before the first audio frame of a new
	// inbound format.
	FormatChangeHandler func(sampleRate, channels int)
	// StateHandler observes connection state transitions. reason is a Code
	// value for failures, 0 otherwise.
	StateHandler func(state ConnectionState, reason int, message string)
)

// Session owns one logical connection to a room server and multiplexes the
// control, audio and data planes over it. All methods are safe for
// concurrent use from any goroutine.
type Session struct {
	engine Engine
	id     string

	mu          sync.Mutex
	log         zerolog.Logger
	state       ConnectionState
	stateVal    atomic.Value // ConnectionState mirror for lock-free reads
	url         string
	token       string
	role        Role
	defaultRole Role
	lastErr     *Error
	backoff     BackoffPolicy
	pubOpts     AudioPublishOptions
	outRate     int
	outCh       int
	relLabel    string
	lossyLabel  string
	tracks      map[string]*AudioTrack
	defTrack    *AudioTrack
	gate        *callGate
	connCtx     context.Context
	connCancel  context.CancelFunc

	defMu  sync.Mutex // serializes default-track creation
	loopWG sync.WaitGroup

	// dispatchMu serializes callback delivery so callbacks observe events
	// in the order the transport reported them.
	dispatchMu  sync.Mutex
	lastFmtRate int
	lastFmtCh   int

	cbMu      sync.RWMutex
	onData    DataHandler
	onDataMsg DataMessageHandler
	onAudio   AudioHandler
	onFormat  FormatChangeHandler
	onState   StateHandler

	relSent      atomic.Uint64
	relDropped   atomic.Uint64
	lossySent    atomic.Uint64
	lossyDropped atomic.Uint64

	closed atomic.Bool
}

// NewSession creates a Session over the given engine. The Session starts
// disconnected; no callback fires until a connect is issued.
func NewSession(opts Options) (*Session, error) {
	if opts.Engine == nil {
		return nil, newError(CodeInternal, "options: engine is required")
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	backoff := defaultBackoffPolicy()
	if opts.ReconnectAttempts > 0 {
		backoff.MaxAttempts = opts.ReconnectAttempts
	}

	s := &Session{
		engine:      opts.Engine,
		id:          uuid.NewString(),
		state:       StateDisconnected,
		role:        opts.Role,
		defaultRole: opts.Role,
		backoff:     backoff,
		pubOpts:     AudioPublishOptions{}.withDefaults(),
		outRate:     48000,
		outCh:       1,
		relLabel:    DefaultReliableLabel,
		lossyLabel:  DefaultLossyLabel,
		tracks:      make(map[string]*AudioTrack),
	}
	s.stateVal.Store(StateDisconnected)
	s.log = logger.With().Str("session", s.id[:8]).Logger()
	return s, nil
}

// ID returns the locally generated session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	return s.stateVal.Load().(ConnectionState)
}

// IsReady reports whether the Session is connected. Polling it is permitted
// but is not a substitute for observing the Connected state callback.
func (s *Session) IsReady() bool {
	return s.State() == StateConnected
}

// LastError returns the most recent connection-level failure, or nil.
func (s *Session) LastError() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SetDataCallback registers the raw inbound data handler. Safe to call at
// any time, including while a delivery with the previous handler runs.
func (s *Session) SetDataCallback(fn DataHandler) {
	s.cbMu.Lock()
	s.onData = fn
	s.cbMu.Unlock()
}

// SetDataMessageCallback registers the tagged inbound data handler.
func (s *Session) SetDataMessageCallback(fn DataMessageHandler) {
	s.cbMu.Lock()
	s.onDataMsg = fn
	s.cbMu.Unlock()
}

// SetAudioCallback registers the inbound audio handler.
func (s *Session) SetAudioCallback(fn AudioHandler) {
	s.cbMu.Lock()
	s.onAudio = fn
	s.cbMu.Unlock()
}

// SetAudioFormatChangeCallback registers the inbound format-change handler.
func (s *Session) SetAudioFormatChangeCallback(fn FormatChangeHandler) {
	s.cbMu.Lock()
	s.onFormat = fn
	s.cbMu.Unlock()
}

// SetConnectionStateCallback registers the state transition handler.
func (s *Session) SetConnectionStateCallback(fn StateHandler) {
	s.cbMu.Lock()
	s.onState = fn
	s.cbMu.Unlock()
}

// SetLogLevel adjusts this Session's log verbosity.
func (s *Session) SetLogLevel(level LogLevel) {
	s.mu.Lock()
	s.log = s.log.Level(level.zerologLevel())
	s.mu.Unlock()
}

// SetAudioPublishOptions stores encoding options applied to tracks created
// after the call. Zero fields take defaults.
func (s *Session) SetAudioPublishOptions(opts AudioPublishOptions) error {
	if s.closed.Load() {
		return newError(CodeSessionClosed, "session is closed")
	}
	s.mu.Lock()
	s.pubOpts = opts.withDefaults()
	s.mu.Unlock()
	return nil
}

// SetAudioOutputFormat sets the preferred inbound PCM format. Takes effect
// on the next connect.
func (s *Session) SetAudioOutputFormat(sampleRate, channels int) error {
	if s.closed.Load() {
		return newError(CodeSessionClosed, "session is closed")
	}
	if sampleRate <= 0 || channels <= 0 {
		return newError(CodeInvalidTrackParams,
			fmt.Sprintf("output format %d Hz / %d ch", sampleRate, channels))
	}
	s.mu.Lock()
	s.outRate = sampleRate
	s.outCh = channels
	s.mu.Unlock()
	return nil
}

// SetDefaultDataLabels replaces the channel labels used by SendData when no
// explicit label is given.
func (s *Session) SetDefaultDataLabels(reliable, lossy string) error {
	if s.closed.Load() {
		return newError(CodeSessionClosed, "session is closed")
	}
	if reliable == "" || lossy == "" {
		return newError(CodeInvalidLabel, "labels must be non-empty")
	}
	s.mu.Lock()
	s.relLabel = reliable
	s.lossyLabel = lossy
	s.mu.Unlock()
	return nil
}

// SetReconnectBackoff configures recovery after link loss: the first retry
// waits initial, each later retry multiplies the wait by multiplier up to
// the max ceiling.
func (s *Session) SetReconnectBackoff(initial, max time.Duration, multiplier float64) error {
	if s.closed.Load() {
		return newError(CodeSessionClosed, "session is closed")
	}
	if initial <= 0 || max < initial || multiplier < 1 {
		return newError(CodeInvalidBackoff,
			fmt.Sprintf("initial=%v max=%v multiplier=%v", initial, max, multiplier))
	}
	s.mu.Lock()
	s.backoff.Initial = initial
	s.backoff.Max = max
	s.backoff.Multiplier = multiplier
	s.mu.Unlock()
	return nil
}

// RefreshToken replaces the credential on the live connection. Fails with
// CodeUnsupported when the engine lacks the capability; the caller then
// falls back to disconnect plus reconnect with the new token.
func (s *Session) RefreshToken(token string) error {
	if s.closed.Load() {
		return newError(CodeSessionClosed, "session is closed")
	}
	if token == "" {
		return newError(CodeInvalidToken, "empty token")
	}
	tr, ok := s.engine.(TokenRefresher)
	if !ok {
		return newError(CodeUnsupported, "engine cannot refresh tokens")
	}
	if err := tr.RefreshToken(token); err != nil {
		return wrapError(CodeInternal, "refresh token", err)
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// SetRole changes the publishing role of the live connection. Same fallback
// contract as RefreshToken.
func (s *Session) SetRole(role Role, autoSubscribe bool) error {
	if s.closed.Load() {
		return newError(CodeSessionClosed, "session is closed")
	}
	rs, ok := s.engine.(RoleSwitcher)
	if !ok {
		return newError(CodeUnsupported, "engine cannot switch roles")
	}
	if err := rs.SetRole(role, autoSubscribe); err != nil {
		return wrapError(CodeInternal, "set role", err)
	}
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
	return nil
}

// Connect establishes the connection synchronously with the Session's
// default role. It blocks until the handshake completes or fails; the
// Connecting and final state callbacks fire before it returns.
func (s *Session) Connect(ctx context.Context, url, token string) error {
	s.mu.Lock()
	role := s.defaultRole
	s.mu.Unlock()
	return s.ConnectWithRole(ctx, url, token, role)
}

// ConnectWithRole is Connect with an explicit role.
func (s *Session) ConnectWithRole(ctx context.Context, url, token string, role Role) error {
	connCtx, err := s.startConnect(url, token, role)
	if err != nil {
		return err
	}
	s.deliverState(StateConnecting, 0, "")
	return s.finishConnect(ctx, connCtx)
}

// ConnectAsync schedules a connection attempt and returns immediately.
// All transitions, including Connecting, are observable only through the
// state callback.
func (s *Session) ConnectAsync(url, token string) error {
	s.mu.Lock()
	role := s.defaultRole
	s.mu.Unlock()
	return s.ConnectAsyncWithRole(url, token, role)
}

// ConnectAsyncWithRole is ConnectAsync with an explicit role.
func (s *Session) ConnectAsyncWithRole(url, token string, role Role) error {
	connCtx, err := s.startConnect(url, token, role)
	if err != nil {
		return err
	}
	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		s.deliverState(StateConnecting, 0, "")
		_ = s.finishConnect(context.Background(), connCtx)
	}()
	return nil
}

// startConnect validates, claims the state machine and prepares the
// per-connection context and delivery gate.
func (s *Session) startConnect(url, token string, role Role) (context.Context, error) {
	if s.closed.Load() {
		return nil, newError(CodeSessionClosed, "session is closed")
	}
	if url == "" {
		return nil, newError(CodeInvalidURL, "empty url")
	}
	if token == "" {
		return nil, newError(CodeInvalidToken, "empty token")
	}

	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateConnected, StateReconnecting:
		st := s.state
		s.mu.Unlock()
		return nil, newError(CodeAlreadyConnected, "session is "+st.String())
	}
	if s.gate != nil {
		// Left over from a Failed connection; stop any stragglers.
		s.gate.close()
	}
	stale := s.takeTracksLocked()

	s.url = url
	s.token = token
	s.role = role
	s.lastErr = nil
	s.gate = &callGate{}
	ctx, cancel := context.WithCancel(context.Background())
	s.connCtx = ctx
	s.connCancel = cancel
	s.setStateLocked(StateConnecting)

	// Baseline for inbound format-change detection.
	s.dispatchMu.Lock()
	s.lastFmtRate = s.outRate
	s.lastFmtCh = s.outCh
	s.dispatchMu.Unlock()
	s.mu.Unlock()

	for _, t := range stale {
		t.destroy(false)
	}
	return ctx, nil
}

// takeTracksLocked empties the track table and returns the evicted tracks.
// Callers destroy them after releasing the lock; destroy joins each pacer.
func (s *Session) takeTracksLocked() []*AudioTrack {
	if len(s.tracks) == 0 {
		return nil
	}
	out := make([]*AudioTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		if t != nil {
			out = append(out, t)
		}
	}
	s.tracks = make(map[string]*AudioTrack)
	s.defTrack = nil
	return out
}

func (s *Session) finishConnect(callerCtx, connCtx context.Context) error {
	params := s.connectParams()

	// Honor both the caller's deadline and a concurrent Disconnect.
	dialCtx, dialCancel := context.WithCancel(callerCtx)
	defer dialCancel()
	stop := context.AfterFunc(connCtx, dialCancel)
	defer stop()

	s.logger().Debug().Str("url", params.URL).Stringer("role", params.Role).Msg("connecting")

	if err := s.engine.Connect(dialCtx, params, s); err != nil {
		if s.transitionIf(StateConnecting, StateFailed) {
			e := wrapError(CodeConnectFailed, err.Error(), err)
			s.setLastError(e)
			s.logger().Warn().Err(err).Msg("connect failed")
			s.deliverState(StateFailed, int(CodeConnectFailed), err.Error())
			return e
		}
		// A concurrent Disconnect won the state machine.
		return newError(CodeConnectFailed, "connection aborted")
	}

	if !s.transitionIf(StateConnecting, StateConnected) {
		_ = s.engine.Close()
		return newError(CodeConnectFailed, "connection aborted")
	}
	s.logger().Info().Str("url", params.URL).Msg("connected")
	s.deliverState(StateConnected, 0, "")
	return nil
}

func (s *Session) connectParams() ConnectParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnectParams{
		URL:              s.url,
		Token:            s.token,
		Role:             s.role,
		AutoSubscribe:    s.role.autoSubscribe(),
		PublishOptions:   s.pubOpts,
		OutputSampleRate: s.outRate,
		OutputChannels:   s.outCh,
		ReliableLabel:    s.relLabel,
		LossyLabel:       s.lossyLabel,
	}
}

// Disconnect tears the connection down and blocks until every in-flight
// callback has drained: after it returns, no further callback fires. Safe
// to call in any state; disconnecting a never-connected Session is a no-op.
func (s *Session) Disconnect() error {
	if s.closed.Load() {
		return newError(CodeSessionClosed, "session is closed")
	}
	s.disconnect()
	return nil
}

func (s *Session) disconnect() {
	s.mu.Lock()
	gate := s.gate
	cancel := s.connCancel
	wasDisconnected := s.state == StateDisconnected
	s.setStateLocked(StateDisconnected)
	s.gate = nil
	s.connCancel = nil
	s.connCtx = nil
	tracks := s.takeTracksLocked()
	s.mu.Unlock()

	if gate == nil {
		return
	}

	if cancel != nil {
		cancel()
	}
	gate.close()
	if err := s.engine.Close(); err != nil {
		s.logger().Debug().Err(err).Msg("engine close")
	}
	s.loopWG.Wait()
	gate.drain()

	for _, t := range tracks {
		t.destroy(false)
	}

	if !wasDisconnected {
		// Final notification, delivered after the barrier so it is the very
		// last callback of this connection.
		s.dispatchMu.Lock()
		s.cbMu.RLock()
		cb := s.onState
		s.cbMu.RUnlock()
		if cb != nil {
			cb(StateDisconnected, 0, "")
		}
		s.dispatchMu.Unlock()
	}
	s.logger().Info().Msg("disconnected")
}

// Close disconnects, destroys all tracks and releases callbacks. Idempotent.
// Every other operation on a closed Session fails with CodeSessionClosed.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.disconnect()

	s.cbMu.Lock()
	s.onData = nil
	s.onDataMsg = nil
	s.onAudio = nil
	s.onFormat = nil
	s.onState = nil
	s.cbMu.Unlock()
	return nil
}

// HandleEngineEvent implements EngineSink. Engines call it; applications
// never should.
func (s *Session) HandleEngineEvent(ev EngineEvent) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate == nil || !gate.enter() {
		return
	}
	defer gate.leave()

	switch ev.Kind {
	case EngineData:
		s.dispatchData(ev)
	case EngineAudio:
		s.dispatchAudio(ev)
	case EngineLinkDown:
		s.handleLinkDown(ev)
	case EngineClosed:
		s.handleRemoteClosed(ev)
	}
}

func (s *Session) dispatchData(ev EngineEvent) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.cbMu.RLock()
	onData := s.onData
	onMsg := s.onDataMsg
	s.cbMu.RUnlock()

	if onData != nil {
		onData(ev.Payload)
	}
	if onMsg != nil {
		onMsg(DataMessage{
			Payload:     ev.Payload,
			Label:       ev.Label,
			Reliability: ev.Reliability,
			Participant: ev.Participant,
		})
	}
}

func (s *Session) dispatchAudio(ev EngineEvent) {
	frame := ev.Audio
	if frame == nil {
		return
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	if frame.SampleRate != s.lastFmtRate || frame.Channels != s.lastFmtCh {
		s.lastFmtRate = frame.SampleRate
		s.lastFmtCh = frame.Channels
		s.cbMu.RLock()
		onFormat := s.onFormat
		s.cbMu.RUnlock()
		if onFormat != nil {
			onFormat(frame.SampleRate, frame.Channels)
		}
	}

	s.cbMu.RLock()
	onAudio := s.onAudio
	s.cbMu.RUnlock()
	if onAudio != nil {
		onAudio(*frame)
	}
}

func (s *Session) handleLinkDown(ev EngineEvent) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateReconnecting)
	ctx := s.connCtx
	policy := s.backoff
	// Add while holding mu so a concurrent disconnect either sees the
	// counter or forced the state first; Wait never races the Add.
	s.loopWG.Add(1)
	s.mu.Unlock()

	s.logger().Warn().Int("reason", ev.Reason).Str("detail", ev.Message).Msg("link lost")
	go s.reconnectLoop(ctx, policy, ev.Reason, ev.Message)
}

func (s *Session) handleRemoteClosed(ev EngineEvent) {
	s.mu.Lock()
	switch s.state {
	case StateConnected, StateReconnecting, StateConnecting:
	default:
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateDisconnected)
	s.loopWG.Add(1)
	s.mu.Unlock()

	s.logger().Info().Int("reason", ev.Reason).Str("detail", ev.Message).Msg("session ended by server")

	// Teardown must leave the delivering goroutine: Engine.Close waits out
	// engine internals that can include the very goroutine carrying this
	// event.
	go func() {
		defer s.loopWG.Done()
		s.releaseConn()
		s.deliverState(StateDisconnected, ev.Reason, ev.Message)
	}()
}

// releaseConn cancels the connection context and shuts the engine down,
// without touching the delivery gate. Used when the connection dies on its
// own rather than by a Disconnect call.
func (s *Session) releaseConn() {
	s.mu.Lock()
	cancel := s.connCancel
	s.connCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := s.engine.Close(); err != nil {
		s.logger().Debug().Err(err).Msg("engine close")
	}
}

// deliverState pushes one state notification through the delivery gate.
func (s *Session) deliverState(st ConnectionState, reason int, msg string) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate == nil || !gate.enter() {
		return
	}
	defer gate.leave()

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.cbMu.RLock()
	cb := s.onState
	s.cbMu.RUnlock()
	if cb != nil {
		cb(st, reason, msg)
	}
}

func (s *Session) setStateLocked(st ConnectionState) {
	s.state = st
	s.stateVal.Store(st)
}

// transitionIf moves from -> to atomically and reports whether it happened.
func (s *Session) transitionIf(from, to ConnectionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.setStateLocked(to)
	return true
}

func (s *Session) setLastError(e *Error) {
	s.mu.Lock()
	s.lastErr = e
	s.mu.Unlock()
}

// logger returns a snapshot of the Session logger. The copy keeps the
// pointer-receiver event methods callable on the result and means a
// concurrent SetLogLevel never mutates a logger already handed out.
func (s *Session) logger() *zerolog.Logger {
	s.mu.Lock()
	l := s.log
	s.mu.Unlock()
	return &l
}

// callGate is the quiescence barrier: event deliveries enter and leave it,
// Disconnect closes it and waits for the stragglers.
type callGate struct {
	mu   sync.Mutex
	wg   sync.WaitGroup
	shut bool
}

func (g *callGate) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shut {
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *callGate) leave() {
	g.wg.Done()
}

func (g *callGate) close() {
	g.mu.Lock()
	g.shut = true
	g.mu.Unlock()
}

func (g *callGate) drain() {
	g.wg.Wait()
}
