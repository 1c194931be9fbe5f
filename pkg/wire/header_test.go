package wire

import (
	"bytes"
	"testing"
	"time"
)

func TestHeaderRoundTrip(t *testing.T) {
	at := time.UnixMicro(1700000000123456)
	payload := Append(nil, at, 42)
	payload = append(payload, []byte("hello")...)

	h, body, ok := Parse(payload)
	if !ok {
		t.Fatal("Parse: header not recognized")
	}
	if h.Seq != 42 {
		t.Errorf("Seq = %d, want 42", h.Seq)
	}
	if !h.SentAt().Equal(at) {
		t.Errorf("SentAt() = %v, want %v", h.SentAt(), at)
	}
	if !bytes.Equal(body, []byte("hello")) {
		t.Errorf("body = %q, want %q", body, "hello")
	}
}

func TestParseShortPayload(t *testing.T) {
	short := []byte{1, 2, 3}
	h, body, ok := Parse(short)
	if ok {
		t.Error("Parse accepted a 3-byte payload as headered")
	}
	if h != (Header{}) {
		t.Errorf("header = %+v, want zero", h)
	}
	if !bytes.Equal(body, short) {
		t.Errorf("body = %v, want original payload", body)
	}
}

func TestHeaderEncodingIsLittleEndian(t *testing.T) {
	payload := Append(nil, time.UnixMicro(0x0102030405060708), 0x1122334455667788)
	wantTime := []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	wantSeq := []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	if !bytes.Equal(payload[:8], wantTime) {
		t.Errorf("time bytes = % x, want % x", payload[:8], wantTime)
	}
	if !bytes.Equal(payload[8:16], wantSeq) {
		t.Errorf("seq bytes = % x, want % x", payload[8:16], wantSeq)
	}
}

func TestLatency(t *testing.T) {
	sent := time.UnixMicro(1000000)
	h, _, _ := Parse(Append(nil, sent, 1))

	if got := h.Latency(sent.Add(250 * time.Millisecond)); got != 250*time.Millisecond {
		t.Errorf("Latency = %v, want 250ms", got)
	}
	// Skewed clocks may observe arrival before send.
	if got := h.Latency(sent.Add(-1 * time.Millisecond)); got != -1*time.Millisecond {
		t.Errorf("Latency = %v, want -1ms", got)
	}
}
