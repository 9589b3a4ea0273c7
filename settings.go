package http2

import (
	"sync"

	"github.com/nwire/h2/http2utils"
)

const FrameSettings FrameType = 0x4

// Default values and bounds from RFC 9113 §6.5.2, except
// defaultMaxConcurrency: the RFC sets no initial limit on concurrent
// streams, while this package assumes 250 until the peer advertises one.
const (
	defaultHeaderTableSize    = 4096
	defaultMaxConcurrency     = 250
	defaultWindowSize         = (1 << 16) - 1
	defaultMaxFrameSize       = 1 << 14
	maxFrameSize              = (1 << 24) - 1
	maxWindowSize             = (1 << 31) - 1
	defaultMaxHeaderListSize  = 1<<32 - 1
)

const (
	idHeaderTableSize      uint16 = 0x1
	idEnablePush           uint16 = 0x2
	idMaxConcurrentStreams uint16 = 0x3
	idInitialWindowSize    uint16 = 0x4
	idMaxFrameSize         uint16 = 0x5
	idMaxHeaderListSize    uint16 = 0x6
)

var _ Frame = &Settings{}

var settingsPool = sync.Pool{
	New: func() interface{} {
		return defaultSettings()
	},
}

func defaultSettings() *Settings {
	return &Settings{
		headerTableSize:   defaultHeaderTableSize,
		push:              true,
		maxStreams:        defaultMaxConcurrency,
		windowSize:        defaultWindowSize,
		frameSize:         defaultMaxFrameSize,
		maxHeaderListSize: defaultMaxHeaderListSize,
	}
}

// AcquireSettings returns a Settings initialized to the package defaults
// from the pool.
func AcquireSettings() *Settings {
	return settingsPool.Get().(*Settings)
}

// ReleaseSettings resets st to the package defaults and returns it to the pool.
func ReleaseSettings(st *Settings) {
	st.Reset()
	settingsPool.Put(st)
}

// Settings is both the wire payload of a SETTINGS frame and the config bag
// a Conn/serverConn keeps for "what I last told my peer" (local) and "what
// my peer last told me" (remote). Two Settings values, one per direction,
// is the settings store: there's no separate synchronized type because
// each direction is only ever mutated by the single goroutine that reads
// frames off that direction's connection.
//
// https://tools.ietf.org/html/rfc7540#section-6.5
type Settings struct {
	ack bool

	headerTableSize   uint32
	push              bool
	maxStreams        uint32
	windowSize        uint32
	frameSize         uint32
	maxHeaderListSize uint32
}

func (st *Settings) Type() FrameType {
	return FrameSettings
}

// Reset restores st to the package defaults (see the constants above).
func (st *Settings) Reset() {
	st.ack = false
	st.headerTableSize = defaultHeaderTableSize
	st.push = true
	st.maxStreams = defaultMaxConcurrency
	st.windowSize = defaultWindowSize
	st.frameSize = defaultMaxFrameSize
	st.maxHeaderListSize = defaultMaxHeaderListSize
}

// CopyTo copies st into dst.
func (st *Settings) CopyTo(dst *Settings) {
	dst.ack = st.ack
	dst.headerTableSize = st.headerTableSize
	dst.push = st.push
	dst.maxStreams = st.maxStreams
	dst.windowSize = st.windowSize
	dst.frameSize = st.frameSize
	dst.maxHeaderListSize = st.maxHeaderListSize
}

// IsAck reports whether this SETTINGS frame is the 0-length frame
// acknowledging the peer's settings.
func (st *Settings) IsAck() bool {
	return st.ack
}

// SetAck marks the frame as a SETTINGS ack. An ack frame carries no values.
func (st *Settings) SetAck(ack bool) {
	st.ack = ack
}

// HeaderTableSize is the SETTINGS_HEADER_TABLE_SIZE value, bounding how
// large the HPACK dynamic table the sender is willing to maintain may grow.
func (st *Settings) HeaderTableSize() uint32 {
	return st.headerTableSize
}

func (st *Settings) SetHeaderTableSize(size uint32) {
	st.headerTableSize = size
}

// Push reports SETTINGS_ENABLE_PUSH.
func (st *Settings) Push() bool {
	return st.push
}

// SetPush sets SETTINGS_ENABLE_PUSH. Only 0 and 1 are valid on the wire;
// Serialize encodes the bool as such.
func (st *Settings) SetPush(push bool) {
	st.push = push
}

// MaxConcurrentStreams is SETTINGS_MAX_CONCURRENT_STREAMS.
func (st *Settings) MaxConcurrentStreams() uint32 {
	return st.maxStreams
}

func (st *Settings) SetMaxConcurrentStreams(n uint32) {
	st.maxStreams = n
}

// MaxWindowSize is SETTINGS_INITIAL_WINDOW_SIZE: the initial flow-control
// window the sender grants to every new stream it opens.
func (st *Settings) MaxWindowSize() uint32 {
	return st.windowSize
}

// SetMaxWindowSize sets SETTINGS_INITIAL_WINDOW_SIZE, clamped to the
// 31-bit signed range RFC 9113 requires.
func (st *Settings) SetMaxWindowSize(win uint32) {
	if win > maxWindowSize {
		win = maxWindowSize
	}
	st.windowSize = win
}

// FrameSize is SETTINGS_MAX_FRAME_SIZE, the largest frame payload the
// sender is willing to receive.
func (st *Settings) FrameSize() uint32 {
	return st.frameSize
}

// SetMaxFrameSize sets SETTINGS_MAX_FRAME_SIZE, clamped to
// [defaultMaxFrameSize, maxFrameSize] per RFC 9113 §6.5.2.
func (st *Settings) SetMaxFrameSize(size uint32) {
	if size < defaultMaxFrameSize {
		size = defaultMaxFrameSize
	} else if size > maxFrameSize {
		size = maxFrameSize
	}
	st.frameSize = size
}

// MaxHeaderListSize is SETTINGS_MAX_HEADER_LIST_SIZE.
func (st *Settings) MaxHeaderListSize() uint32 {
	return st.maxHeaderListSize
}

func (st *Settings) SetMaxHeaderListSize(size uint32) {
	st.maxHeaderListSize = size
}

// Deserialize decodes a sequence of (16-bit id, 32-bit value) entries.
// Invalid values for ENABLE_PUSH, INITIAL_WINDOW_SIZE or MAX_FRAME_SIZE are
// a connection error per RFC 9113 §6.5.2; unknown ids are ignored.
func (st *Settings) Deserialize(fr *FrameHeader) error {
	st.ack = fr.Flags().Has(FlagAck)
	if st.ack {
		return nil
	}

	payload := fr.payload
	if len(payload)%6 != 0 {
		return ErrMissingBytes
	}

	for len(payload) > 0 {
		id := uint16(payload[0])<<8 | uint16(payload[1])
		value := http2utils.BytesToUint32(payload[2:6])
		payload = payload[6:]

		switch id {
		case idHeaderTableSize:
			st.headerTableSize = value
		case idEnablePush:
			if value > 1 {
				return NewGoAwayError(ProtocolError, "invalid ENABLE_PUSH value")
			}
			st.push = value == 1
		case idMaxConcurrentStreams:
			st.maxStreams = value
		case idInitialWindowSize:
			if value > maxWindowSize {
				return NewGoAwayError(FlowControlError, "invalid INITIAL_WINDOW_SIZE value")
			}
			st.windowSize = value
		case idMaxFrameSize:
			if value < defaultMaxFrameSize || value > maxFrameSize {
				return NewGoAwayError(ProtocolError, "invalid MAX_FRAME_SIZE value")
			}
			st.frameSize = value
		case idMaxHeaderListSize:
			st.maxHeaderListSize = value
		}
	}

	return nil
}

// Serialize encodes st as a full (non-ack) SETTINGS frame, or a 0-length
// ack frame if SetAck(true) was called.
func (st *Settings) Serialize(fr *FrameHeader) {
	if st.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
		fr.setPayload(nil)
		return
	}

	payload := fr.payload[:0]
	payload = appendSetting(payload, idHeaderTableSize, st.headerTableSize)
	payload = appendSetting(payload, idEnablePush, boolToUint32(st.push))
	payload = appendSetting(payload, idMaxConcurrentStreams, st.maxStreams)
	payload = appendSetting(payload, idInitialWindowSize, st.windowSize)
	payload = appendSetting(payload, idMaxFrameSize, st.frameSize)
	payload = appendSetting(payload, idMaxHeaderListSize, st.maxHeaderListSize)

	fr.setPayload(payload)
}

func appendSetting(dst []byte, id uint16, value uint32) []byte {
	dst = append(dst, byte(id>>8), byte(id))
	return http2utils.AppendUint32Bytes(dst, value)
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
