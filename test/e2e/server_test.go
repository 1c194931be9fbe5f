package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// signalMsg mirrors the client signal codec field for field. It is kept as a
// separate definition so these tests check what is actually on the wire, not
// what the client package believes it sends.
type signalMsg struct {
	Type          string `json:"type"`
	Token         string `json:"token,omitempty"`
	Identity      string `json:"identity,omitempty"`
	Role          string `json:"role,omitempty"`
	SDP           string `json:"sdp,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
	Reason        int    `json:"reason,omitempty"`
	Message       string `json:"message,omitempty"`
}

// echoServer is a minimal in-process room server. It answers client offers,
// echoes every data channel message back on the channel it arrived on, and
// loops inbound audio back to the sender on an "echo" track.
type echoServer struct {
	t   *testing.T
	api *webrtc.API
	srv *httptest.Server

	mu    sync.Mutex
	conns []*serverConn
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()

	m := &webrtc.MediaEngine{}
	for _, f := range []struct {
		pt       webrtc.PayloadType
		rate     uint32
		channels uint16
	}{
		{96, 48000, 1},
		{97, 48000, 2},
		{98, 44100, 2},
		{99, 16000, 1},
	} {
		codec := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  "audio/L16",
				ClockRate: f.rate,
				Channels:  f.channels,
			},
			PayloadType: f.pt,
		}
		if err := m.RegisterCodec(codec, webrtc.RTPCodecTypeAudio); err != nil {
			t.Fatalf("register codec: %v", err)
		}
	}

	s := &echoServer{
		t:   t,
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m)),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the server address with a websocket scheme.
func (s *echoServer) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *echoServer) Close() {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()
	for _, sc := range conns {
		sc.close()
	}
	s.srv.Close()
}

func (s *echoServer) handle(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.t.Logf("upgrade: %v", err)
		return
	}
	sc := &serverConn{
		t:      s.t,
		api:    s.api,
		ws:     ws,
		joined: make(chan string, 1),
		left:   make(chan struct{}),
	}
	s.mu.Lock()
	s.conns = append(s.conns, sc)
	s.mu.Unlock()
	go sc.run()
}

// conn returns the n-th accepted client connection, or nil.
func (s *echoServer) conn(n int) *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= len(s.conns) {
		return nil
	}
	return s.conns[n]
}

func (s *echoServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// serverConn speaks the signal protocol with one client. Messages are
// dispatched sequentially by run, so handler state needs no locking beyond
// the fields callbacks touch.
type serverConn struct {
	t   *testing.T
	api *webrtc.API

	ws   *websocket.Conn
	wsMu sync.Mutex

	mu   sync.Mutex
	pc   *webrtc.PeerConnection
	echo *webrtc.TrackLocalStaticRTP

	joined   chan string
	left     chan struct{}
	leftOnce sync.Once
}

func (sc *serverConn) run() {
	for {
		_, data, err := sc.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg signalMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			sc.t.Logf("server: bad signal: %v", err)
			continue
		}
		sc.dispatch(msg)
	}
}

func (sc *serverConn) dispatch(msg signalMsg) {
	switch msg.Type {
	case "join":
		select {
		case sc.joined <- msg.Identity:
		default:
		}
	case "offer":
		sc.handleOffer(msg.SDP)
	case "candidate":
		sc.mu.Lock()
		pc := sc.pc
		sc.mu.Unlock()
		if pc == nil {
			sc.t.Log("server: candidate before offer, dropped")
			return
		}
		ci := webrtc.ICECandidateInit{Candidate: msg.Candidate}
		if msg.SDPMid != "" {
			mid := msg.SDPMid
			ci.SDPMid = &mid
		}
		idx := msg.SDPMLineIndex
		ci.SDPMLineIndex = &idx
		if err := pc.AddICECandidate(ci); err != nil {
			sc.t.Logf("server: add candidate: %v", err)
		}
	case "ping":
		sc.send(signalMsg{Type: "pong"})
	case "leave":
		sc.leftOnce.Do(func() { close(sc.left) })
	case "refresh_token", "set_role":
		// accepted silently
	default:
		sc.t.Logf("server: unhandled signal %q", msg.Type)
	}
}

func (sc *serverConn) handleOffer(sdp string) {
	sc.mu.Lock()
	pc := sc.pc
	sc.mu.Unlock()

	if pc == nil {
		var err error
		pc, err = sc.api.NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			sc.t.Errorf("server: new peer connection: %v", err)
			return
		}
		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}
			ci := c.ToJSON()
			m := signalMsg{Type: "candidate", Candidate: ci.Candidate}
			if ci.SDPMid != nil {
				m.SDPMid = *ci.SDPMid
			}
			if ci.SDPMLineIndex != nil {
				m.SDPMLineIndex = *ci.SDPMLineIndex
			}
			sc.send(m)
		})
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			dc.OnMessage(func(m webrtc.DataChannelMessage) {
				if err := dc.Send(m.Data); err != nil {
					sc.t.Logf("server: echo on %q: %v", dc.Label(), err)
				}
			})
		})
		pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			for {
				pkt, _, err := remote.ReadRTP()
				if err != nil {
					return
				}
				sc.mu.Lock()
				echo := sc.echo
				sc.mu.Unlock()
				if echo != nil {
					if err := echo.WriteRTP(pkt); err != nil {
						sc.t.Logf("server: echo rtp: %v", err)
					}
				}
			}
		})
		sc.mu.Lock()
		sc.pc = pc
		sc.mu.Unlock()
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		sc.t.Errorf("server: set remote: %v", err)
		return
	}

	// The first offer carries only data channels. Once the client offers an
	// audio section, attach the loopback track so the answer reuses that
	// m-line.
	sc.mu.Lock()
	needEcho := sc.echo == nil && strings.Contains(sdp, "m=audio")
	sc.mu.Unlock()
	if needEcho {
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
			MimeType:  "audio/L16",
			ClockRate: 48000,
			Channels:  1,
		}, "echo", "server")
		if err != nil {
			sc.t.Errorf("server: echo track: %v", err)
			return
		}
		if _, err := pc.AddTrack(track); err != nil {
			sc.t.Errorf("server: add echo track: %v", err)
			return
		}
		sc.mu.Lock()
		sc.echo = track
		sc.mu.Unlock()
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		sc.t.Errorf("server: create answer: %v", err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		sc.t.Errorf("server: set local: %v", err)
		return
	}
	sc.send(signalMsg{Type: "answer", SDP: pc.LocalDescription().SDP})
}

func (sc *serverConn) send(msg signalMsg) {
	data, err := json.Marshal(msg)
	if err != nil {
		sc.t.Errorf("server: marshal %s: %v", msg.Type, err)
		return
	}
	sc.wsMu.Lock()
	defer sc.wsMu.Unlock()
	if err := sc.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		sc.t.Logf("server: write %s: %v", msg.Type, err)
	}
}

// bye tells the client the session is over, server side.
func (sc *serverConn) bye(reason int, message string) {
	sc.send(signalMsg{Type: "bye", Reason: reason, Message: message})
}

// drop severs the transport without a bye, as a crashed server would.
func (sc *serverConn) drop() {
	sc.ws.Close()
	sc.mu.Lock()
	pc := sc.pc
	sc.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
}

func (sc *serverConn) close() {
	sc.mu.Lock()
	pc := sc.pc
	sc.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
	sc.ws.Close()
}
