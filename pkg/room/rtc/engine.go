// Package rtc is the WebRTC transport for room sessions. Signaling runs
// over a websocket carrying JSON envelopes (join, offer, answer,
// candidate). Audio travels as uncompressed L16 PCM over RTP, and the two
// data planes map onto SCTP data channels: ordered-reliable and
// unordered-lossy.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/thesyncim/roombridge/pkg/room"
)

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultKeepaliveInterval = 15 * time.Second
	signalWriteTimeout       = 5 * time.Second
)

// Reasons reported with link-down events.
const (
	ReasonICEFailed  = 1
	ReasonSignalLost = 2
)

// l16Formats are the PCM formats offered on every connection. The payload
// types are from the dynamic range and must match the server's media
// engine.
var l16Formats = []struct {
	pt       webrtc.PayloadType
	rate     uint32
	channels uint16
}{
	{96, 48000, 1},
	{97, 48000, 2},
	{98, 44100, 2},
	{99, 16000, 1},
}

// Options configures an Engine. The zero value works against a server
// reachable without TURN.
type Options struct {
	// Logger receives engine and pion logs. Nil disables logging.
	Logger *zerolog.Logger

	// ICEServers override the default public STUN server.
	ICEServers []webrtc.ICEServer

	// HandshakeTimeout bounds the signaling dial and each offer/answer
	// exchange. Zero means 10 seconds.
	HandshakeTimeout time.Duration

	// KeepaliveInterval spaces signal pings. Zero means 15 seconds.
	KeepaliveInterval time.Duration
}

// Engine carries one room connection over WebRTC. It implements
// room.Engine plus the token-refresh and role-switch capabilities, which
// it forwards to the server as signal messages.
type Engine struct {
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	conn   *conn
	params room.ConnectParams
	sink   room.EngineSink
}

var (
	_ room.Engine         = (*Engine)(nil)
	_ room.TokenRefresher = (*Engine)(nil)
	_ room.RoleSwitcher   = (*Engine)(nil)
)

func New(opts Options) *Engine {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = defaultKeepaliveInterval
	}
	return &Engine{opts: opts, log: log}
}

func (e *Engine) Connect(ctx context.Context, params room.ConnectParams, sink room.EngineSink) error {
	e.mu.Lock()
	if e.conn != nil {
		e.mu.Unlock()
		return errors.New("already connected")
	}
	e.params = params
	e.sink = sink
	e.mu.Unlock()

	c, err := e.dial(ctx, params, sink)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.conn = c
	e.mu.Unlock()
	return nil
}

// Reconnect retires whatever is left of the previous connection and dials
// a fresh one with the saved params, including any refreshed token.
func (e *Engine) Reconnect(ctx context.Context) error {
	e.mu.Lock()
	params, sink := e.params, e.sink
	old := e.conn
	e.conn = nil
	e.mu.Unlock()
	if sink == nil {
		return errors.New("reconnect before connect")
	}
	if old != nil {
		old.shutdown(false)
	}

	c, err := e.dial(ctx, params, sink)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.conn = c
	e.mu.Unlock()
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	c := e.conn
	e.conn = nil
	e.mu.Unlock()
	if c != nil {
		c.shutdown(true)
	}
	return nil
}

func (e *Engine) CreateAudioTrack(name string, sampleRate, channels int) (room.EngineTrack, error) {
	c, err := e.current()
	if err != nil {
		return nil, err
	}
	return c.addTrack(name, sampleRate, channels)
}

func (e *Engine) SendData(label string, rel room.Reliability, ordered bool, payload []byte) error {
	c, err := e.current()
	if err != nil {
		return err
	}
	return c.sendData(label, rel, ordered, payload)
}

// RefreshToken forwards the replacement credential and keeps it for any
// later Reconnect.
func (e *Engine) RefreshToken(token string) error {
	c, err := e.current()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.params.Token = token
	e.mu.Unlock()
	return c.writeSignal(envelope{Type: sigRefreshToken, Token: token})
}

func (e *Engine) SetRole(role room.Role, autoSubscribe bool) error {
	c, err := e.current()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.params.Role = role
	e.params.AutoSubscribe = autoSubscribe
	e.mu.Unlock()
	auto := autoSubscribe
	return c.writeSignal(envelope{Type: sigSetRole, Role: role.String(), AutoSubscribe: &auto})
}

func (e *Engine) current() (*conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil, errors.New("not connected")
	}
	return e.conn, nil
}

func (e *Engine) dial(ctx context.Context, params room.ConnectParams, sink room.EngineSink) (*conn, error) {
	if err := checkURL(params.URL); err != nil {
		return nil, err
	}
	identity := uuid.NewString()

	dialer := websocket.Dialer{HandshakeTimeout: e.opts.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, params.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}

	pc, err := e.newPeerConnection()
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	c := &conn{
		log:         e.log.With().Str("identity", identity[:8]).Logger(),
		sink:        sink,
		identity:    identity,
		keepalive:   e.opts.KeepaliveInterval,
		hsTimeout:   e.opts.HandshakeTimeout,
		ws:          ws,
		pc:          pc,
		answerCh:    make(chan webrtc.SessionDescription, 1),
		dcs:         make(map[string]*webrtc.DataChannel),
		connectedCh: make(chan struct{}),
		dcOpenCh:    make(chan struct{}),
		readDone:    make(chan struct{}),
	}
	if err := c.start(ctx, params); err != nil {
		c.shutdown(false)
		return nil, err
	}
	return c, nil
}

func (e *Engine) newPeerConnection() (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	for _, f := range l16Formats {
		codec := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  mimeTypeL16,
				ClockRate: f.rate,
				Channels:  f.channels,
			},
			PayloadType: f.pt,
		}
		if err := m.RegisterCodec(codec, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("register codec: %w", err)
		}
	}

	se := webrtc.SettingEngine{LoggerFactory: newLoggerFactory(e.log)}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))

	servers := e.opts.ICEServers
	if len(servers) == 0 {
		servers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return pc, nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return nil
	default:
		return fmt.Errorf("server url: scheme %q is not ws or wss", u.Scheme)
	}
}

// conn is one connection epoch: a signaling socket plus the peer
// connection negotiated over it. A link loss retires the whole epoch and
// Reconnect builds a fresh one.
type conn struct {
	log      zerolog.Logger
	sink     room.EngineSink
	identity string

	keepalive time.Duration
	hsTimeout time.Duration

	ws   *websocket.Conn
	wsMu sync.Mutex

	pc *webrtc.PeerConnection

	// negoMu serialises offer/answer exchanges so a track added
	// mid-session cannot interleave with another negotiation.
	negoMu   sync.Mutex
	answerCh chan webrtc.SessionDescription

	pendMu  sync.Mutex
	pending []webrtc.ICECandidateInit

	dcMu sync.Mutex
	dcs  map[string]*webrtc.DataChannel

	connectedCh   chan struct{}
	connectedOnce sync.Once
	dcOpenCh      chan struct{}
	dcOpenOnce    sync.Once

	readDone chan struct{}
	closed   atomic.Bool
	ended    atomic.Bool
	downOnce sync.Once
}

func (c *conn) start(ctx context.Context, params room.ConnectParams) error {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if err := c.writeSignal(candidateEnvelope(cand.ToJSON())); err != nil {
			c.log.Debug().Err(err).Msg("send candidate")
		}
	})
	c.pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		c.log.Debug().Str("state", st.String()).Msg("ice state")
		switch st {
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
			c.linkDown(ReasonICEFailed, "ice "+st.String())
		}
	})
	c.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		c.log.Debug().Str("state", st.String()).Msg("peer state")
		switch st {
		case webrtc.PeerConnectionStateConnected:
			c.connectedOnce.Do(func() { close(c.connectedCh) })
		case webrtc.PeerConnectionStateFailed:
			c.linkDown(ReasonICEFailed, "peer connection failed")
		}
	})
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go c.readTrack(track)
	})
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.watchDataChannel(dc)
	})

	go c.readLoop()
	go c.pingLoop()

	reliable, lossy := params.ReliableLabel, params.LossyLabel
	if reliable == "" {
		reliable = room.DefaultReliableLabel
	}
	if lossy == "" {
		lossy = room.DefaultLossyLabel
	}
	relDC, err := c.channel(reliable, room.Reliable, true)
	if err != nil {
		return err
	}
	relDC.OnOpen(func() {
		c.dcOpenOnce.Do(func() { close(c.dcOpenCh) })
	})
	if _, err := c.channel(lossy, room.Lossy, false); err != nil {
		return err
	}

	auto := params.AutoSubscribe
	pub := params.PublishOptions
	join := envelope{
		Type:           sigJoin,
		Token:          params.Token,
		Identity:       c.identity,
		Role:           params.Role.String(),
		AutoSubscribe:  &auto,
		BitrateBPS:     pub.BitrateBPS,
		DTX:            pub.DTX,
		Stereo:         pub.Stereo,
		OutputRate:     params.OutputSampleRate,
		OutputChannels: params.OutputChannels,
	}
	if err := c.writeSignal(join); err != nil {
		return err
	}
	if err := c.negotiate(ctx); err != nil {
		return err
	}

	// Connected means media and the reliable channel are both usable, so a
	// send issued right after the state callback cannot bounce.
	for _, ready := range []<-chan struct{}{c.connectedCh, c.dcOpenCh} {
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.hsTimeout):
			return errors.New("timed out waiting for media")
		}
	}
	c.log.Info().Msg("connected")
	return nil
}

// shutdown retires the epoch. graceful sends a leave first so the server
// drops state immediately instead of waiting out its timeout.
func (c *conn) shutdown(graceful bool) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if graceful && !c.ended.Load() {
		if err := c.writeSignal(envelope{Type: sigLeave}); err != nil {
			c.log.Debug().Err(err).Msg("send leave")
		}
	}
	_ = c.ws.Close()
	if err := c.pc.Close(); err != nil {
		c.log.Debug().Err(err).Msg("close peer connection")
	}
	<-c.readDone
	c.log.Info().Msg("closed")
}

func (c *conn) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !c.ended.Load() {
				c.linkDown(ReasonSignalLost, "signaling connection lost")
			}
			return
		}
		c.handleSignal(data)
	}
}

func (c *conn) pingLoop() {
	t := time.NewTicker(c.keepalive)
	defer t.Stop()
	for {
		select {
		case <-c.readDone:
			return
		case <-t.C:
			if err := c.writeSignal(envelope{Type: sigPing}); err != nil {
				return
			}
		}
	}
}

func (c *conn) handleSignal(data []byte) {
	env, err := decodeSignal(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("bad signal")
		return
	}
	switch env.Type {
	case sigAnswer:
		select {
		case c.answerCh <- webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP}:
		default:
			c.log.Warn().Msg("unsolicited answer dropped")
		}
	case sigCandidate:
		ci := env.candidateInit()
		c.pendMu.Lock()
		if c.pc.RemoteDescription() == nil {
			c.pending = append(c.pending, ci)
			c.pendMu.Unlock()
			return
		}
		c.pendMu.Unlock()
		if err := c.pc.AddICECandidate(ci); err != nil {
			c.log.Warn().Err(err).Msg("add candidate")
		}
	case sigPing:
		if err := c.writeSignal(envelope{Type: sigPong}); err != nil {
			c.log.Debug().Err(err).Msg("send pong")
		}
	case sigPong:
	case sigBye:
		c.ended.Store(true)
		c.log.Info().Int("reason", env.Reason).Str("message", env.Message).Msg("server ended session")
		c.emit(room.EngineEvent{Kind: room.EngineClosed, Reason: env.Reason, Message: env.Message})
	default:
		c.log.Debug().Str("type", env.Type).Msg("ignoring signal")
	}
}

// negotiate runs one offer/answer exchange. Candidates trickle separately
// in both directions.
func (c *conn) negotiate(ctx context.Context) error {
	c.negoMu.Lock()
	defer c.negoMu.Unlock()

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := c.writeSignal(envelope{Type: sigOffer, SDP: c.pc.LocalDescription().SDP}); err != nil {
		return err
	}

	select {
	case answer := <-c.answerCh:
		if err := c.pc.SetRemoteDescription(answer); err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
		c.flushCandidates()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.hsTimeout):
		return errors.New("timed out waiting for answer")
	}
}

// flushCandidates applies candidates that arrived before the remote
// description was in place.
func (c *conn) flushCandidates() {
	c.pendMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendMu.Unlock()
	for _, ci := range pending {
		if err := c.pc.AddICECandidate(ci); err != nil {
			c.log.Warn().Err(err).Msg("add candidate")
		}
	}
}

func (c *conn) writeSignal(env envelope) error {
	b, err := encodeSignal(env)
	if err != nil {
		return err
	}
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(signalWriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *conn) sendData(label string, rel room.Reliability, ordered bool, payload []byte) error {
	dc, err := c.channel(label, rel, ordered)
	if err != nil {
		return err
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("channel %q not open", label)
	}
	return dc.Send(payload)
}

// channel returns the channel for label, opening one on first use of a
// custom label. A fresh SCTP stream takes a round trip to open, so the
// first send on a new label can report not-open; the caller's next send
// goes through.
func (c *conn) channel(label string, rel room.Reliability, ordered bool) (*webrtc.DataChannel, error) {
	c.dcMu.Lock()
	defer c.dcMu.Unlock()
	if dc, ok := c.dcs[label]; ok {
		return dc, nil
	}
	init := &webrtc.DataChannelInit{Ordered: &ordered}
	if rel == room.Lossy {
		var zero uint16
		init.MaxRetransmits = &zero
	}
	dc, err := c.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, fmt.Errorf("create data channel %q: %w", label, err)
	}
	c.watchDataChannel(dc)
	c.dcs[label] = dc
	return dc, nil
}

func (c *conn) watchDataChannel(dc *webrtc.DataChannel) {
	rel := room.Reliable
	if dc.MaxRetransmits() != nil || dc.MaxPacketLifeTime() != nil {
		rel = room.Lossy
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.emit(room.EngineEvent{
			Kind:        room.EngineData,
			Label:       dc.Label(),
			Reliability: rel,
			Payload:     msg.Data,
		})
	})
}

func (c *conn) addTrack(name string, sampleRate, channels int) (room.EngineTrack, error) {
	if !supportedFormat(sampleRate, channels) {
		return nil, fmt.Errorf("no codec for %d Hz %d-channel audio", sampleRate, channels)
	}
	lt := newLocalTrack(name, c.identity, sampleRate, channels)
	sender, err := c.pc.AddTrack(lt)
	if err != nil {
		return nil, fmt.Errorf("add track %q: %w", name, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.hsTimeout)
	defer cancel()
	if err := c.negotiate(ctx); err != nil {
		_ = c.pc.RemoveTrack(sender)
		return nil, err
	}
	return &engineTrack{conn: c, track: lt, sender: sender}, nil
}

// readTrack pumps one remote track into the sink until the track or the
// epoch ends.
func (c *conn) readTrack(track *webrtc.TrackRemote) {
	codec := track.Codec()
	channels := int(codec.Channels)
	if channels <= 0 {
		channels = 1
	}
	rate := int(codec.ClockRate)
	log := c.log.With().Str("track", track.ID()).Str("participant", track.StreamID()).Logger()
	if !strings.EqualFold(codec.MimeType, mimeTypeL16) {
		log.Warn().Str("mime", codec.MimeType).Msg("unsupported remote codec, ignoring track")
		return
	}
	log.Info().Int("rate", rate).Int("channels", channels).Msg("remote track")

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !c.closed.Load() {
				log.Debug().Err(err).Msg("remote track ended")
			}
			return
		}
		samples, ok := decodeL16(pkt.Payload, channels)
		if !ok {
			continue
		}
		c.emit(room.EngineEvent{
			Kind: room.EngineAudio,
			Audio: &room.AudioFrame{
				PCM:              samples,
				FramesPerChannel: len(samples) / channels,
				Channels:         channels,
				SampleRate:       rate,
				Participant:      track.StreamID(),
				Track:            track.ID(),
			},
		})
	}
}

func (c *conn) linkDown(reason int, msg string) {
	if c.closed.Load() || c.ended.Load() {
		return
	}
	c.downOnce.Do(func() {
		c.log.Warn().Int("reason", reason).Str("cause", msg).Msg("link down")
		c.emit(room.EngineEvent{Kind: room.EngineLinkDown, Reason: reason, Message: msg})
	})
}

func (c *conn) emit(ev room.EngineEvent) {
	if c.closed.Load() {
		return
	}
	c.sink.HandleEngineEvent(ev)
}

func supportedFormat(rate, channels int) bool {
	for _, f := range l16Formats {
		if int(f.rate) == rate && int(f.channels) == channels {
			return true
		}
	}
	return false
}

// engineTrack pairs a local track with its sender so closing the track
// also withdraws it from the session.
type engineTrack struct {
	conn   *conn
	track  *localTrack
	sender *webrtc.RTPSender

	closeOnce sync.Once
}

var _ room.EngineTrack = (*engineTrack)(nil)

func (t *engineTrack) WritePCM(samples []int16, framesPerChannel int) error {
	return t.track.WritePCM(samples, framesPerChannel)
}

func (t *engineTrack) Close() error {
	t.closeOnce.Do(func() {
		t.track.close()
		if t.conn.closed.Load() {
			return
		}
		if err := t.conn.pc.RemoveTrack(t.sender); err != nil {
			t.conn.log.Debug().Err(err).Msg("remove track")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.conn.hsTimeout)
		defer cancel()
		if err := t.conn.negotiate(ctx); err != nil {
			t.conn.log.Debug().Err(err).Msg("renegotiate after track removal")
		}
	})
	return nil
}
