package room

import "github.com/rs/zerolog"

// ConnectionState represents the lifecycle state of a Session's connection.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateReconnecting
	StateDisconnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Role declares how a Session intends to use the connection. RoleAuto lets
// the server decide and currently behaves like RoleBoth.
type Role int

const (
	RoleAuto Role = iota
	RolePublisher
	RoleSubscriber
	RoleBoth
)

func (r Role) String() string {
	switch r {
	case RoleAuto:
		return "auto"
	case RolePublisher:
		return "publisher"
	case RoleSubscriber:
		return "subscriber"
	case RoleBoth:
		return "both"
	default:
		return "unknown"
	}
}

// autoSubscribe reports whether this role receives remote media by default.
func (r Role) autoSubscribe() bool {
	return r != RolePublisher
}

// Reliability selects the delivery class of a data send.
type Reliability int

const (
	// Reliable delivery retransmits until acknowledged and orders by default.
	Reliable Reliability = iota
	// Lossy delivery is best effort with a small payload budget and is
	// unordered by default.
	Lossy
)

func (r Reliability) String() string {
	switch r {
	case Reliable:
		return "reliable"
	case Lossy:
		return "lossy"
	default:
		return "unknown"
	}
}

// LogLevel controls the verbosity of a Session's logger.
type LogLevel int

const (
	LogError LogLevel = iota
	LogWarn
	LogInfo
	LogDebug
	LogTrace
)

func (l LogLevel) String() string {
	switch l {
	case LogError:
		return "error"
	case LogWarn:
		return "warn"
	case LogInfo:
		return "info"
	case LogDebug:
		return "debug"
	case LogTrace:
		return "trace"
	default:
		return "unknown"
	}
}

func (l LogLevel) zerologLevel() zerolog.Level {
	switch l {
	case LogError:
		return zerolog.ErrorLevel
	case LogWarn:
		return zerolog.WarnLevel
	case LogInfo:
		return zerolog.InfoLevel
	case LogDebug:
		return zerolog.DebugLevel
	case LogTrace:
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}
