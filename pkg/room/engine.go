package room

import "context"

// Engine is the transport collaborator a Session drives. Implementations
// wrap whatever actually moves media (a WebRTC stack, a native library, an
// in-memory loopback for tests); the Session owns all lifecycle and
// multiplexing policy on top of it.
//
// Connect blocks until the transport handshake completes and may be called
// again after Close or a link loss. After Close returns the engine must not
// deliver further events for the torn-down connection. Engines should
// deliver events sequentially; the Session serializes dispatch regardless.
type Engine interface {
	// Connect establishes the transport session and registers the sink
	// that will receive every event for it.
	Connect(ctx context.Context, params ConnectParams, sink EngineSink) error

	// Reconnect re-establishes the transport after a link loss using the
	// params of the preceding Connect.
	Reconnect(ctx context.Context) error

	// Close tears the transport down. Idempotent.
	Close() error

	// CreateAudioTrack allocates an outbound audio stream. The returned
	// track accepts paced PCM writes until closed.
	CreateAudioTrack(name string, sampleRate, channels int) (EngineTrack, error)

	// SendData transmits one payload on the logical channel identified by
	// label with the given delivery class. The error reflects an immediate
	// transport accept or reject, not end-to-end delivery.
	SendData(label string, rel Reliability, ordered bool, payload []byte) error
}

// EngineTrack is an engine-side outbound audio stream fed by the Session's
// pacer in fixed 10 ms frames.
type EngineTrack interface {
	WritePCM(samples []int16, framesPerChannel int) error
	Close() error
}

// TokenRefresher is an optional Engine capability. Engines that cannot
// refresh credentials in place simply do not implement it and the Session
// reports CodeUnsupported, leaving the caller the disconnect+reconnect
// fallback.
type TokenRefresher interface {
	RefreshToken(token string) error
}

// RoleSwitcher is an optional Engine capability for changing the publishing
// role of a live connection. Same fallback contract as TokenRefresher.
type RoleSwitcher interface {
	SetRole(role Role, autoSubscribe bool) error
}

// ConnectParams carries everything an engine needs to establish a session.
type ConnectParams struct {
	URL   string
	Token string
	Role  Role

	// AutoSubscribe controls whether remote audio is received.
	AutoSubscribe bool

	// PublishOptions apply to outbound audio tracks.
	PublishOptions AudioPublishOptions

	// Preferred inbound PCM format. Engines that cannot convert deliver
	// the remote track's native format instead.
	OutputSampleRate int
	OutputChannels   int

	// Default channel labels, for engines that pre-open their channels.
	ReliableLabel string
	LossyLabel    string
}

// EngineSink receives transport events. The Session implements it.
type EngineSink interface {
	HandleEngineEvent(ev EngineEvent)
}

// EngineEventKind discriminates EngineEvent payloads.
type EngineEventKind int

const (
	// EngineLinkDown reports transport-level link loss. The Session moves
	// to Reconnecting and drives recovery.
	EngineLinkDown EngineEventKind = iota
	// EngineClosed reports that the remote end or server terminated the
	// session. No recovery is attempted.
	EngineClosed
	// EngineData carries one inbound data payload.
	EngineData
	// EngineAudio carries one inbound PCM frame.
	EngineAudio
)

func (k EngineEventKind) String() string {
	switch k {
	case EngineLinkDown:
		return "link-down"
	case EngineClosed:
		return "closed"
	case EngineData:
		return "data"
	case EngineAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// EngineEvent is the tagged union engines deliver through an EngineSink.
// Only the fields for the event's Kind are set.
type EngineEvent struct {
	Kind EngineEventKind

	// EngineLinkDown, EngineClosed
	Reason  int
	Message string

	// EngineData
	Label       string
	Reliability Reliability
	Payload     []byte
	Participant string

	// EngineAudio
	Audio *AudioFrame
}

// AudioFrame is one chunk of inbound interleaved PCM.
type AudioFrame struct {
	PCM              []int16
	FramesPerChannel int
	Channels         int
	SampleRate       int
	Participant      string
	Track            string
}

// DataMessage is one inbound data payload with its demultiplexing tags.
type DataMessage struct {
	Payload     []byte
	Label       string
	Reliability Reliability
	Participant string
}
