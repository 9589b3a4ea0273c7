package http2

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/nwire/h2/http2utils"
)

const (
	// DefaultFrameSize is the fixed size of the frame header: 24-bit length,
	// 8-bit type, 8-bit flags, 31-bit stream id (+1 reserved bit).
	//
	// https://httpwg.org/specs/rfc7540.html#FrameHeader
	DefaultFrameSize = 9

	// defaultMaxLen is the frame size a connection accepts before SETTINGS
	// negotiates a larger (or smaller) SETTINGS_MAX_FRAME_SIZE.
	defaultMaxLen = 1 << 14

	// Frame flags, shared across the frame types that define them. Some
	// bit positions are reused with a different meaning depending on the
	// frame type they appear on (FlagAck / FlagEndStream both use 0x1).
	FlagAck        FrameFlags = 0x1
	FlagEndStream  FrameFlags = 0x1
	FlagEndHeaders FrameFlags = 0x4
	FlagPadded     FrameFlags = 0x8
	FlagPriority   FrameFlags = 0x20
)

var frameHeaderPool = sync.Pool{New: allocFrameHeader}

func allocFrameHeader() interface{} {
	return &FrameHeader{}
}

// FrameHeader couples the 9-byte wire header with its decoded/to-be-encoded
// payload (the Frame stored in fr).
//
// Obtain one with AcquireFrameHeader and return it with ReleaseFrameHeader;
// an instance must never cross goroutines.
//
// https://tools.ietf.org/html/rfc7540#section-4.1
type FrameHeader struct {
	length int        // 24 bits on the wire
	kind   FrameType  // 8 bits
	flags  FrameFlags // 8 bits
	stream uint32     // 31 bits; the reserved bit is cleared on read

	maxLen uint32

	rawHeader [DefaultFrameSize]byte
	payload   []byte

	fr Frame
}

// AcquireFrameHeader returns a reset FrameHeader from the shared pool.
func AcquireFrameHeader() *FrameHeader {
	frh := frameHeaderPool.Get().(*FrameHeader)
	frh.Reset()
	return frh
}

// ReleaseFrameHeader releases the FrameHeader's body (if any) and returns
// frh to the pool.
func ReleaseFrameHeader(frh *FrameHeader) {
	ReleaseFrame(frh.Body())
	frameHeaderPool.Put(frh)
}

// Reset clears every field so the FrameHeader can be reused for an
// unrelated frame.
func (frh *FrameHeader) Reset() {
	frh.length = 0
	frh.kind = 0
	frh.flags = 0
	frh.stream = 0
	frh.maxLen = defaultMaxLen
	frh.fr = nil
	frh.payload = frh.payload[:0]
}

// Type reports the frame's wire type.
//
// https://httpwg.org/specs/rfc7540.html#Frame_types
func (frh *FrameHeader) Type() FrameType { return frh.kind }

// Flags returns the frame's flag byte.
func (frh *FrameHeader) Flags() FrameFlags { return frh.flags }

// SetFlags overwrites the frame's flag byte.
func (frh *FrameHeader) SetFlags(flags FrameFlags) { frh.flags = flags }

// Stream returns the frame's 31-bit stream identifier.
func (frh *FrameHeader) Stream() uint32 { return frh.stream }

// SetStream sets the frame's stream identifier.
//
// The reserved top bit is left untouched, so a caller relying on a
// nonstandard use of that bit isn't silently overridden.
func (frh *FrameHeader) SetStream(stream uint32) { frh.stream = stream }

// Len reports the payload length as read off (or about to go on) the wire.
func (frh *FrameHeader) Len() int { return frh.length }

// MaxLen reports the negotiated upper bound this FrameHeader enforces on
// its own payload.
func (frh *FrameHeader) MaxLen() uint32 { return frh.maxLen }

// Body returns the decoded/pending typed payload, or nil before one has
// been attached.
func (frh *FrameHeader) Body() Frame { return frh.fr }

// SetBody attaches fr as this header's payload and adopts its frame type.
func (frh *FrameHeader) SetBody(fr Frame) {
	if fr == nil {
		panic("Body cannot be nil")
	}

	frh.fr = fr
	frh.kind = fr.Type()
}

func (frh *FrameHeader) setPayload(payload []byte) {
	frh.payload = append(frh.payload[:0], payload...)
}

// decodeHeaderBytes unpacks the 9-byte wire header into frh's fields.
func (frh *FrameHeader) decodeHeaderBytes(raw []byte) {
	frh.length = int(http2utils.BytesToUint24(raw[:3]))
	frh.kind = FrameType(raw[3])
	frh.flags = FrameFlags(raw[4])
	frh.stream = http2utils.BytesToUint32(raw[5:]) & (1<<31 - 1)
}

// encodeHeaderBytes packs frh's fields into the 9-byte wire header.
func (frh *FrameHeader) encodeHeaderBytes(raw []byte) {
	http2utils.Uint24ToBytes(raw[:3], uint32(frh.length))
	raw[3] = byte(frh.kind)
	raw[4] = byte(frh.flags)
	http2utils.Uint32ToBytes(raw[5:], frh.stream)
}

func (frh *FrameHeader) enforceMaxLen() error {
	if frh.maxLen != 0 && frh.length > int(frh.maxLen) {
		return ErrPayloadExceeds
	}
	return nil
}

func (frh *FrameHeader) appendCheckingLen(dst, src []byte) (n int, err error) {
	n = len(src)
	if frh.maxLen > 0 && uint32(n+len(dst)) > frh.maxLen {
		return n, ErrPayloadExceeds
	}

	frh.payload = append(dst, src...)
	frh.length = len(frh.payload)
	return n, nil
}

// ReadFrameFrom reads one full frame (header + typed payload) from br,
// enforcing the default maximum payload length.
func ReadFrameFrom(br *bufio.Reader) (*FrameHeader, error) {
	return readFrameWithLimit(br, defaultMaxLen)
}

// ReadFrameFromWithSize is ReadFrameFrom but enforcing max as the payload
// ceiling instead of the library default, for connections that have
// negotiated a different SETTINGS_MAX_FRAME_SIZE.
func ReadFrameFromWithSize(br *bufio.Reader, max uint32) (*FrameHeader, error) {
	return readFrameWithLimit(br, max)
}

func readFrameWithLimit(br *bufio.Reader, max uint32) (*FrameHeader, error) {
	frh := AcquireFrameHeader()
	frh.maxLen = max

	_, err := frh.ReadFrom(br)
	if err != nil {
		if frh.Body() != nil {
			ReleaseFrameHeader(frh)
		} else {
			frameHeaderPool.Put(frh)
		}

		return nil, err
	}

	return frh, nil
}

// ReadFrom reads a frame from br.
//
// Unlike io.ReaderFrom, it never reads until io.EOF: exactly one frame is
// consumed per call.
func (frh *FrameHeader) ReadFrom(br *bufio.Reader) (int64, error) {
	raw, err := br.Peek(DefaultFrameSize)
	if err != nil {
		return -1, err
	}

	if _, err := br.Discard(DefaultFrameSize); err != nil {
		return -1, err
	}

	read := int64(DefaultFrameSize)

	frh.decodeHeaderBytes(raw)
	if err := frh.enforceMaxLen(); err != nil {
		return 0, err
	}

	if frh.kind > FrameContinuation {
		_, _ = br.Discard(frh.length)
		return 0, ErrUnknownFrameType
	}

	frh.fr = AcquireFrame(frh.kind)

	if frh.length > 0 {
		want := frh.length
		if want < 0 {
			panic(fmt.Sprintf("negative frame length %d (overflow?)", want))
		}

		frh.payload = http2utils.Resize(frh.payload, want)

		n, err := io.ReadFull(br, frh.payload[:want])
		read += int64(n)
		if err != nil {
			return read, err
		}
	}

	return read, frh.fr.Deserialize(frh)
}

// WriteTo serializes the attached Frame body and writes the header plus
// payload to w.
func (frh *FrameHeader) WriteTo(w *bufio.Writer) (int64, error) {
	frh.fr.Serialize(frh)
	frh.length = len(frh.payload)
	frh.encodeHeaderBytes(frh.rawHeader[:])

	written, err := w.Write(frh.rawHeader[:])
	if err != nil {
		return int64(written), err
	}

	n, err := w.Write(frh.payload)
	return int64(written + n), err
}
