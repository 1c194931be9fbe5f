package room

import "fmt"

// Payload ceilings per reliability class. Lossy messages ride unacknowledged
// transport and must fit a single MTU-ish datagram; reliable messages get a
// larger budget. Exceeding either is a caller error, not a transient drop.
const (
	MaxLossyPayload    = 1300
	MaxReliablePayload = 15 * 1024
)

// Channel labels used when the caller supplies none.
const (
	DefaultReliableLabel = "data-reliable"
	DefaultLossyLabel    = "data-lossy"
)

// SendDataOptions overrides per-send routing. Nil fields keep the class
// default: reliable sends are ordered, lossy sends are not, and labels come
// from the Session's defaults.
type SendDataOptions struct {
	Ordered *bool
	Label   string
}

// SendData hands a payload to the transport and returns immediately. The
// result reflects local validation plus the transport's accept or reject,
// never end-to-end delivery. A transport reject counts one drop for the
// class and is reported as CodeSendFailed; there is no internal retry, the
// caller decides whether the next message matters more than this one.
func (s *Session) SendData(payload []byte, rel Reliability, opts *SendDataOptions) error {
	if s.closed.Load() {
		return newError(CodeSessionClosed, "session is closed")
	}
	if len(payload) == 0 {
		return newError(CodeEmptyPayload, "empty payload")
	}
	switch rel {
	case Lossy:
		if len(payload) > MaxLossyPayload {
			return newError(CodeOversizeLossy,
				fmt.Sprintf("lossy payload %d bytes exceeds %d", len(payload), MaxLossyPayload))
		}
	case Reliable:
		if len(payload) > MaxReliablePayload {
			return newError(CodeOversizeReliable,
				fmt.Sprintf("reliable payload %d bytes exceeds %d", len(payload), MaxReliablePayload))
		}
	default:
		return newError(CodeSendFailed, fmt.Sprintf("unknown reliability %d", rel))
	}

	switch s.State() {
	case StateConnected, StateReconnecting:
	default:
		return newError(CodeNotConnected, "session is "+s.State().String())
	}

	ordered := rel == Reliable
	if opts != nil && opts.Ordered != nil {
		ordered = *opts.Ordered
	}
	label := ""
	if opts != nil {
		label = opts.Label
	}
	if label == "" {
		s.mu.Lock()
		if rel == Reliable {
			label = s.relLabel
		} else {
			label = s.lossyLabel
		}
		s.mu.Unlock()
	}

	if err := s.engine.SendData(label, rel, ordered, payload); err != nil {
		if rel == Reliable {
			s.relDropped.Add(1)
		} else {
			s.lossyDropped.Add(1)
		}
		s.logger().Debug().Err(err).Str("label", label).Stringer("class", rel).Msg("send rejected")
		return wrapError(CodeSendFailed, "send on "+label, err)
	}

	if rel == Reliable {
		s.relSent.Add(uint64(len(payload)))
	} else {
		s.lossySent.Add(uint64(len(payload)))
	}
	return nil
}

// DataChannel is a value object binding a label, reliability class and
// ordering mode to the Session. An empty label resolves to the class
// default at send time. The binding is only as alive as its Session.
type DataChannel struct {
	session *Session
	label   string
	rel     Reliability
	ordered bool
}

// DataChannel returns a reusable binding for repeated sends with the same
// routing.
func (s *Session) DataChannel(label string, rel Reliability, ordered bool) DataChannel {
	return DataChannel{session: s, label: label, rel: rel, ordered: ordered}
}

// Send publishes through the channel's binding.
func (c DataChannel) Send(payload []byte) error {
	ordered := c.ordered
	return c.session.SendData(payload, c.rel, &SendDataOptions{Ordered: &ordered, Label: c.label})
}

// Label returns the bound label, empty when the class default applies.
func (c DataChannel) Label() string { return c.label }

// Reliability returns the bound class.
func (c DataChannel) Reliability() Reliability { return c.rel }
