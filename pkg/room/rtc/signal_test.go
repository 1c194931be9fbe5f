package rtc

import (
	"reflect"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestSignalRoundTrip(t *testing.T) {
	auto := true
	cases := []envelope{
		{
			Type:           sigJoin,
			Token:          "tok-abc",
			Identity:       "client-1",
			Role:           "publisher",
			AutoSubscribe:  &auto,
			BitrateBPS:     32000,
			OutputRate:     48000,
			OutputChannels: 1,
		},
		{Type: sigOffer, SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"},
		{Type: sigAnswer, SDP: "v=0\r\n"},
		{Type: sigCandidate, Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host", SDPMid: "0", SDPMLineIndex: 0},
		{Type: sigBye, Reason: 7, Message: "room closed"},
		{Type: sigPing},
	}

	for _, in := range cases {
		b, err := encodeSignal(in)
		if err != nil {
			t.Fatalf("%s: encodeSignal: %v", in.Type, err)
		}
		out, err := decodeSignal(b)
		if err != nil {
			t.Fatalf("%s: decodeSignal: %v", in.Type, err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("%s: round trip changed the envelope:\n in: %+v\nout: %+v", in.Type, in, out)
		}
	}
}

func TestDecodeSignalErrors(t *testing.T) {
	if _, err := decodeSignal([]byte("{not json")); err == nil {
		t.Fatal("decodeSignal accepted malformed JSON")
	}
	if _, err := decodeSignal([]byte(`{"sdp":"v=0"}`)); err == nil {
		t.Fatal("decodeSignal accepted a message without a type")
	}
}

func TestEncodeSignalOmitsUnsetFields(t *testing.T) {
	b, err := encodeSignal(envelope{Type: sigPing})
	if err != nil {
		t.Fatalf("encodeSignal: %v", err)
	}
	if got := string(b); got != `{"type":"ping"}` {
		t.Fatalf("ping payload = %s", got)
	}
}

func TestCandidateConversion(t *testing.T) {
	mid := "audio"
	idx := uint16(1)
	ci := webrtc.ICECandidateInit{
		Candidate:     "candidate:2 1 udp 1694498815 198.51.100.7 61000 typ srflx",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}

	env := candidateEnvelope(ci)
	if env.Type != sigCandidate || env.Candidate != ci.Candidate {
		t.Fatalf("candidateEnvelope = %+v", env)
	}
	if env.SDPMid != "audio" || env.SDPMLineIndex != 1 {
		t.Fatalf("mid/index = %q/%d", env.SDPMid, env.SDPMLineIndex)
	}

	back := env.candidateInit()
	if back.Candidate != ci.Candidate {
		t.Fatalf("Candidate = %q", back.Candidate)
	}
	if back.SDPMid == nil || *back.SDPMid != "audio" {
		t.Fatalf("SDPMid = %v", back.SDPMid)
	}
	if back.SDPMLineIndex == nil || *back.SDPMLineIndex != 1 {
		t.Fatalf("SDPMLineIndex = %v", back.SDPMLineIndex)
	}
}

func TestCandidateConversionWithoutMid(t *testing.T) {
	env := candidateEnvelope(webrtc.ICECandidateInit{Candidate: "candidate:3 1 udp 1 10.0.0.1 5000 typ host"})
	if env.SDPMid != "" {
		t.Fatalf("SDPMid = %q, want empty", env.SDPMid)
	}
	back := env.candidateInit()
	if back.SDPMid != nil {
		t.Fatalf("SDPMid = %v, want nil", back.SDPMid)
	}
	if back.SDPMLineIndex == nil || *back.SDPMLineIndex != 0 {
		t.Fatalf("SDPMLineIndex = %v, want pointer to 0", back.SDPMLineIndex)
	}
}
