package http2

import "fmt"

// FrameType identifies the ten frame types defined by RFC 9113 §6.
//
// https://tools.ietf.org/html/rfc7540#section-6
type FrameType uint8

var frameTypeStrings = [...]string{
	FrameData:         "DATA",
	FrameHeaders:      "HEADERS",
	FramePriority:     "PRIORITY",
	FrameResetStream:  "RST_STREAM",
	FrameSettings:     "SETTINGS",
	FramePushPromise:  "PUSH_PROMISE",
	FramePing:         "PING",
	FrameGoAway:       "GOAWAY",
	FrameWindowUpdate: "WINDOW_UPDATE",
	FrameContinuation: "CONTINUATION",
}

func (ft FrameType) String() string {
	if int(ft) < len(frameTypeStrings) {
		return frameTypeStrings[ft]
	}
	return fmt.Sprintf("UNKNOWN(0x%x)", uint8(ft))
}

// FrameFlags is the one-byte flag field of a frame header. Only a handful
// of bit positions are defined and they're reused across frame types
// (FlagAck and FlagEndStream share 0x1 because no frame type sets both).
type FrameFlags uint8

// Has reports whether f is set in ff.
func (ff FrameFlags) Has(f FrameFlags) bool {
	return ff&f == f
}

// Add returns ff with f set.
func (ff FrameFlags) Add(f FrameFlags) FrameFlags {
	return ff | f
}

// Delete returns ff with f cleared.
func (ff FrameFlags) Delete(f FrameFlags) FrameFlags {
	return ff &^ f
}

// Frame is the payload of a single HTTP/2 frame. Every frame type
// (Data, Headers, Priority, RstStream, Settings, PushPromise, Ping, GoAway,
// WindowUpdate, Continuation) implements this against a shared FrameHeader,
// which carries the 9-byte wire header (length, type, flags, stream id).
//
// Frame implementations MUST NOT be used from more than one goroutine.
type Frame interface {
	// Type returns the frame type this value decodes/encodes.
	Type() FrameType
	// Reset clears the frame body so it can be reused from a pool.
	Reset()
	// Deserialize populates the frame body from fr's raw payload bytes.
	// fr.Flags() and fr.Stream() are valid and may change how the payload
	// is interpreted (e.g. FlagPadded).
	Deserialize(fr *FrameHeader) error
	// Serialize writes the frame body into fr, setting fr's payload and
	// any flags the body implies (e.g. FlagEndStream).
	Serialize(fr *FrameHeader)
}

// AcquireFrame returns a pooled Frame body for the given type. The caller
// owns it until passing it to ReleaseFrame.
func AcquireFrame(kind FrameType) Frame {
	switch kind {
	case FrameData:
		return AcquireData()
	case FrameHeaders:
		return AcquireHeaders()
	case FramePriority:
		return AcquirePriority()
	case FrameResetStream:
		return AcquireRstStream()
	case FrameSettings:
		return AcquireSettings()
	case FramePushPromise:
		return AcquirePushPromise()
	case FramePing:
		return AcquirePing()
	case FrameGoAway:
		return AcquireGoAway()
	case FrameWindowUpdate:
		return AcquireWindowUpdate()
	case FrameContinuation:
		return AcquireContinuation()
	default:
		return nil
	}
}

// ReleaseFrame resets fr and returns it to its type-specific pool.
// ReleaseFrame(nil) is a no-op, matching FrameHeader.Reset's pre-first-read
// state where no body has been acquired yet.
func ReleaseFrame(fr Frame) {
	if fr == nil {
		return
	}

	switch fr.Type() {
	case FrameData:
		ReleaseData(fr.(*Data))
	case FrameHeaders:
		ReleaseHeaders(fr.(*Headers))
	case FramePriority:
		ReleasePriority(fr.(*Priority))
	case FrameResetStream:
		ReleaseRstStream(fr.(*RstStream))
	case FrameSettings:
		ReleaseSettings(fr.(*Settings))
	case FramePushPromise:
		ReleasePushPromise(fr.(*PushPromise))
	case FramePing:
		ReleasePing(fr.(*Ping))
	case FrameGoAway:
		ReleaseGoAway(fr.(*GoAway))
	case FrameWindowUpdate:
		ReleaseWindowUpdate(fr.(*WindowUpdate))
	case FrameContinuation:
		ReleaseContinuation(fr.(*Continuation))
	}
}
