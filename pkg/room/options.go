package room

import "github.com/rs/zerolog"

// Options configures a Session. Engine is required; everything else has a
// usable default.
type Options struct {
	// Engine supplies the transport. See pkg/room/rtc and pkg/room/native
	// for the built-in implementations.
	Engine Engine

	// Logger receives structured session logs. Nil disables logging.
	Logger *zerolog.Logger

	// Role used by Connect/ConnectAsync when no explicit role is given.
	Role Role

	// ReconnectAttempts bounds recovery after a link loss. Zero means the
	// default of 5 attempts.
	ReconnectAttempts int
}

// AudioPublishOptions tune outbound audio encoding. Zero fields take the
// defaults (32 kbps, DTX off, mono).
type AudioPublishOptions struct {
	BitrateBPS int
	DTX        bool
	Stereo     bool
}

const defaultAudioBitrateBPS = 32000

func (o AudioPublishOptions) withDefaults() AudioPublishOptions {
	if o.BitrateBPS <= 0 {
		o.BitrateBPS = defaultAudioBitrateBPS
	}
	return o
}
