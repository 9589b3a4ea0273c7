package http2

import (
	"errors"
	"fmt"
)

// ErrorCode is the 32-bit error code carried by RST_STREAM and GOAWAY frames.
//
// https://tools.ietf.org/html/rfc7540#section-7
type ErrorCode uint32

const (
	NoError              ErrorCode = 0x0
	ProtocolError        ErrorCode = 0x1
	InternalError        ErrorCode = 0x2
	FlowControlError     ErrorCode = 0x3
	SettingsTimeoutError ErrorCode = 0x4
	StreamClosedError    ErrorCode = 0x5
	FrameSizeError       ErrorCode = 0x6
	RefusedStreamError   ErrorCode = 0x7
	StreamCanceled       ErrorCode = 0x8
	CompressionError     ErrorCode = 0x9
	ConnectError         ErrorCode = 0xa
	EnhanceYourCalm      ErrorCode = 0xb
	InadequateSecurity   ErrorCode = 0xc
	HTTP11Required       ErrorCode = 0xd
)

var errCodeStrings = [...]string{
	NoError:              "NO_ERROR",
	ProtocolError:        "PROTOCOL_ERROR",
	InternalError:        "INTERNAL_ERROR",
	FlowControlError:     "FLOW_CONTROL_ERROR",
	SettingsTimeoutError: "SETTINGS_TIMEOUT",
	StreamClosedError:    "STREAM_CLOSED",
	FrameSizeError:       "FRAME_SIZE_ERROR",
	RefusedStreamError:   "REFUSED_STREAM",
	StreamCanceled:       "CANCEL",
	CompressionError:     "COMPRESSION_ERROR",
	ConnectError:         "CONNECT_ERROR",
	EnhanceYourCalm:      "ENHANCE_YOUR_CALM",
	InadequateSecurity:   "INADEQUATE_SECURITY",
	HTTP11Required:       "HTTP_1_1_REQUIRED",
}

func (code ErrorCode) String() string {
	if int(code) < len(errCodeStrings) && errCodeStrings[code] != "" {
		return errCodeStrings[code]
	}
	return fmt.Sprintf("UNKNOWN_ERROR(0x%x)", uint32(code))
}

// Error is the tagged result every fault in the connection engine is reduced
// to: either a connection-wide fault (answered with GOAWAY) or a single
// stream fault (answered with RST_STREAM). Replaces exception-based error
// signaling with an explicit, inspectable value.
type Error struct {
	frameType FrameType
	code      ErrorCode
	msg       string
}

// NewError builds a bare tagged error carrying code, with no stream-vs-
// connection severity attached yet. RstStream.Error uses this to describe
// a frame it has already decoded off the wire.
func NewError(code ErrorCode, msg string) Error {
	return Error{code: code, msg: msg}
}

// NewGoAwayError builds a connection error: the caller must tear down the
// connection with a GOAWAY carrying code after handling it.
func NewGoAwayError(code ErrorCode, msg string) Error {
	return Error{frameType: FrameGoAway, code: code, msg: msg}
}

// NewResetStreamError builds a stream error: only the offending stream is
// reset, the connection keeps running.
func NewResetStreamError(code ErrorCode, msg string) Error {
	return Error{frameType: FrameResetStream, code: code, msg: msg}
}

func (e Error) Code() ErrorCode { return e.code }

// IsConnectionError reports whether the fault must be answered with GOAWAY.
func (e Error) IsConnectionError() bool { return e.frameType == FrameGoAway }

func (e Error) Error() string {
	if e.msg == "" {
		return e.code.String()
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

var (
	// ErrMissingBytes is returned when a frame payload is shorter than the
	// fixed size its type requires.
	ErrMissingBytes = errors.New("http2: frame is missing bytes")
	// ErrUnknownFrameType is returned by the frame codec for a frame type
	// outside [FrameData, FrameContinuation]. Per RFC 9113 it MUST be
	// ignored, not treated as an error; the read loop discards the payload
	// and continues.
	ErrUnknownFrameType = errors.New("http2: unknown frame type")
	// ErrPayloadExceeds is returned when a frame's length exceeds the
	// negotiated MAX_FRAME_SIZE.
	ErrPayloadExceeds = errors.New("http2: frame payload exceeds the negotiated maximum size")
	// ErrBadPreface is returned when the connection preface does not match
	// the expected 24-byte magic.
	ErrBadPreface = errors.New("http2: bad connection preface")
	// ErrUnexpectedSize is returned by the HPACK decoder when a header
	// block representation is cut across frame boundaries and more
	// CONTINUATION bytes are required to complete it.
	ErrUnexpectedSize = errors.New("http2: incomplete header block representation")
	// ErrCompression is returned when the HPACK decoder hits a state it
	// cannot recover from (bad index, corrupt Huffman string, a dynamic
	// table size update that violates the negotiated bound). Per RFC 7541
	// §4.3 this always kills the connection: the decoder's state is shared
	// across the whole connection, so one bad header block desyncs every
	// subsequent one.
	ErrCompression = errors.New("http2: header compression error")
	// ErrServerSupport is returned by Dial when the peer does not
	// negotiate "h2" over ALPN.
	ErrServerSupport = errors.New("http2: server doesn't support HTTP/2")
	// ErrNotAvailableStreams is returned when opening another stream would
	// exceed the server-advertised concurrency limit.
	ErrNotAvailableStreams = errors.New("http2: ran out of available streams")
	// ErrTimeout is returned when the peer stops acknowledging PINGs.
	ErrTimeout = errors.New("http2: peer is not replying to pings")
)

// WriteError wraps a transport write failure so callers can still use
// errors.Is/As against the original cause.
type WriteError struct {
	err error
}

func (we WriteError) Error() string { return fmt.Sprintf("http2: write error: %s", we.err) }
func (we WriteError) Unwrap() error { return we.err }
