package room

import (
	"errors"
	"fmt"
)

// Code classifies an operation failure. Ranges mirror the command group that
// produced the error: 1xx connection, 2xx data send, 3xx audio publish,
// 4xx lifecycle, 5xx internal.
type Code int

const (
	CodeOK Code = 0

	// Connection and token errors.
	CodeInvalidURL       Code = 101
	CodeInvalidToken     Code = 102
	CodeConnectFailed    Code = 103
	CodeAlreadyConnected Code = 104
	CodeInvalidBackoff   Code = 105

	// Data-send errors.
	CodeOversizeLossy    Code = 201
	CodeOversizeReliable Code = 202
	CodeSendFailed       Code = 203
	CodeEmptyPayload     Code = 204
	CodeInvalidLabel     Code = 205

	// Audio-publish errors.
	CodeInvalidTrackParams Code = 301
	CodeDuplicateTrack     Code = 302
	CodeRingFull           Code = 303
	CodeInvalidFrames      Code = 304
	CodeFormatMismatch     Code = 305
	CodeTrackStartFailed   Code = 306

	// Lifecycle errors.
	CodeSessionClosed  Code = 401
	CodeNotConnected   Code = 402
	CodeTrackDestroyed Code = 403

	// Internal errors.
	CodeInternal    Code = 500
	CodeUnsupported Code = 501
)

// Sentinels for errors.Is. Every error returned by this package wraps
// exactly one of these.
var (
	ErrInvalidURL       = errors.New("invalid server url")
	ErrInvalidToken     = errors.New("invalid token")
	ErrConnectFailed    = errors.New("connect failed")
	ErrAlreadyConnected = errors.New("already connected or connecting")
	ErrInvalidBackoff   = errors.New("invalid backoff policy")

	ErrOversizePayload = errors.New("payload exceeds reliability class limit")
	ErrSendFailed      = errors.New("transport rejected send")
	ErrEmptyPayload    = errors.New("empty payload")
	ErrInvalidLabel    = errors.New("invalid channel label")

	ErrInvalidTrackParams = errors.New("invalid track parameters")
	ErrDuplicateTrack     = errors.New("track name already in use")
	ErrRingFull           = errors.New("audio ring full")
	ErrInvalidFrames      = errors.New("invalid frame count")
	ErrFormatMismatch     = errors.New("audio format mismatch")
	ErrTrackStartFailed   = errors.New("track start failed")

	ErrSessionClosed  = errors.New("session closed")
	ErrNotConnected   = errors.New("not connected")
	ErrTrackDestroyed = errors.New("track destroyed")

	ErrInternal    = errors.New("internal transport failure")
	ErrUnsupported = errors.New("not supported by this engine")
)

var codeSentinels = map[Code]error{
	CodeInvalidURL:         ErrInvalidURL,
	CodeInvalidToken:       ErrInvalidToken,
	CodeConnectFailed:      ErrConnectFailed,
	CodeAlreadyConnected:   ErrAlreadyConnected,
	CodeInvalidBackoff:     ErrInvalidBackoff,
	CodeOversizeLossy:      ErrOversizePayload,
	CodeOversizeReliable:   ErrOversizePayload,
	CodeSendFailed:         ErrSendFailed,
	CodeEmptyPayload:       ErrEmptyPayload,
	CodeInvalidLabel:       ErrInvalidLabel,
	CodeInvalidTrackParams: ErrInvalidTrackParams,
	CodeDuplicateTrack:     ErrDuplicateTrack,
	CodeRingFull:           ErrRingFull,
	CodeInvalidFrames:      ErrInvalidFrames,
	CodeFormatMismatch:     ErrFormatMismatch,
	CodeTrackStartFailed:   ErrTrackStartFailed,
	CodeSessionClosed:      ErrSessionClosed,
	CodeNotConnected:       ErrNotConnected,
	CodeTrackDestroyed:     ErrTrackDestroyed,
	CodeInternal:           ErrInternal,
	CodeUnsupported:        ErrUnsupported,
}

// Error is the coded error type returned by every Session operation.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	sentinel := codeSentinels[e.Code]
	switch {
	case e.Message != "" && sentinel != nil:
		return fmt.Sprintf("%v: %s (code %d)", sentinel, e.Message, e.Code)
	case sentinel != nil:
		return fmt.Sprintf("%v (code %d)", sentinel, e.Code)
	default:
		return fmt.Sprintf("room error (code %d): %s", e.Code, e.Message)
	}
}

// Unwrap exposes the sentinel for the code plus any transport cause, so both
// errors.Is(err, room.ErrSendFailed) and errors.Is(err, engineErr) hold.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := codeSentinels[e.Code]; s != nil {
		out = append(out, s)
	}
	if e.cause != nil {
		out = append(out, e.cause)
	}
	return out
}

// CodeOf extracts the Code from an error produced by this package.
// Returns CodeOK for nil and CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func wrapError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}
