package http2

import (
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// StreamState is one node of the RFC 9113 §5.1 stream state machine.
type StreamState int8

const (
	StreamStateIdle StreamState = iota
	StreamStateReserved
	StreamStateOpen
	StreamStateHalfClosed
	StreamStateClosed
)

func (ss StreamState) String() string {
	switch ss {
	case StreamStateIdle:
		return "Idle"
	case StreamStateReserved:
		return "Reserved"
	case StreamStateOpen:
		return "Open"
	case StreamStateHalfClosed:
		return "HalfClosed"
	case StreamStateClosed:
		return "Closed"
	}

	return "IDK"
}

// Stream is a single server-side HTTP/2 stream: its flow-control window,
// its place in the RFC 9113 §5.1 state machine, and the in-progress HPACK
// header block it's still assembling.
//
// Apart from window, a Stream is only touched by the connection's
// handleStreams goroutine, which creates and retires every Stream.
type Stream struct {
	id    uint32
	state StreamState

	// window is the stream's flow-control credit, mutated with atomic
	// ops because the read loop credits WINDOW_UPDATE frames to it while
	// handleStreams debits it streaming DATA out.
	window int64

	origType  FrameType
	startedAt time.Time

	ctx *fasthttp.RequestCtx

	headersFinished     bool
	previousHeaderBytes []byte
	headerBlockNum      int
	scheme              []byte
}

var streamPool = sync.Pool{
	New: func() interface{} {
		return &Stream{}
	},
}

// NewStream pulls a Stream from the shared pool and resets it to
// StreamStateIdle with win as its initial flow-control window (the peer's
// SETTINGS_INITIAL_WINDOW_SIZE). Return it to the pool with
// streamPool.Put once the stream closes.
func NewStream(id uint32, win int32) *Stream {
	s := streamPool.Get().(*Stream)
	s.id = id
	s.state = StreamStateIdle
	s.window = int64(win)
	s.origType = 0
	s.startedAt = time.Time{}
	s.ctx = nil
	s.headersFinished = false
	s.previousHeaderBytes = s.previousHeaderBytes[:0]
	s.headerBlockNum = 0
	s.scheme = s.scheme[:0]
	return s
}

func (s *Stream) ID() uint32 {
	return s.id
}

func (s *Stream) State() StreamState {
	return s.state
}

func (s *Stream) SetState(state StreamState) {
	s.state = state
}

// Window returns the stream's current flow-control window. Read racily
// against WINDOW_UPDATE processing; callers needing a consistent value use
// atomic.LoadInt64(&s.window) directly.
func (s *Stream) Window() int64 {
	return s.window
}

func (s *Stream) SetData(ctx *fasthttp.RequestCtx) {
	s.ctx = ctx
}

func (s *Stream) Data() *fasthttp.RequestCtx {
	return s.ctx
}
