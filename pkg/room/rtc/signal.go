package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Signal message types exchanged with the room server. The client joins,
// offers, and trickles candidates; the server answers, trickles its own
// candidates, and may end the session with a bye.
const (
	sigJoin         = "join"
	sigLeave        = "leave"
	sigOffer        = "offer"
	sigAnswer       = "answer"
	sigCandidate    = "candidate"
	sigPing         = "ping"
	sigPong         = "pong"
	sigBye          = "bye"
	sigRefreshToken = "refresh_token"
	sigSetRole      = "set_role"
)

// envelope is the wire shape of every signal message. Only the fields for
// the message's Type are populated; omitempty keeps the rest off the wire.
type envelope struct {
	Type string `json:"type"`

	// join, refresh_token, set_role
	Token          string `json:"token,omitempty"`
	Identity       string `json:"identity,omitempty"`
	Role           string `json:"role,omitempty"`
	AutoSubscribe  *bool  `json:"autoSubscribe,omitempty"`
	BitrateBPS     int    `json:"bitrateBps,omitempty"`
	DTX            bool   `json:"dtx,omitempty"`
	Stereo         bool   `json:"stereo,omitempty"`
	OutputRate     int    `json:"outputSampleRate,omitempty"`
	OutputChannels int    `json:"outputChannels,omitempty"`

	// offer, answer
	SDP string `json:"sdp,omitempty"`

	// candidate
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`

	// bye, error
	Reason  int    `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func encodeSignal(env envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s signal: %w", env.Type, err)
	}
	return b, nil
}

func decodeSignal(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode signal: %w", err)
	}
	if env.Type == "" {
		return envelope{}, fmt.Errorf("decode signal: missing type")
	}
	return env, nil
}

// candidateEnvelope flattens a pion candidate into the wire shape.
func candidateEnvelope(ci webrtc.ICECandidateInit) envelope {
	env := envelope{Type: sigCandidate, Candidate: ci.Candidate}
	if ci.SDPMid != nil {
		env.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		env.SDPMLineIndex = *ci.SDPMLineIndex
	}
	return env
}

// candidateInit rebuilds the pion candidate from the wire shape.
func (e envelope) candidateInit() webrtc.ICECandidateInit {
	ci := webrtc.ICECandidateInit{Candidate: e.Candidate}
	if e.SDPMid != "" {
		mid := e.SDPMid
		ci.SDPMid = &mid
	}
	idx := e.SDPMLineIndex
	ci.SDPMLineIndex = &idx
	return ci
}
