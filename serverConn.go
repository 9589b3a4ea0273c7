package http2

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// lifecyclePhase tracks whether a serverConn is still accepting new streams
// or has already announced its last one via GOAWAY.
type lifecyclePhase int32

const (
	phaseActive lifecyclePhase = iota
	phaseClosing
)

// serverConn is the server-role connection engine: one instance owns a
// single accepted net.Conn for its entire HTTP/2 lifetime, coordinating a
// reader goroutine (readLoop/handleStreams) and a writer goroutine
// (writeLoop) over the inbound/outbound channel pair.
type serverConn struct {
	conn    net.Conn
	handler fasthttp.RequestHandler

	reader *bufio.Reader
	writer *bufio.Writer

	encoder HPACK
	decoder HPACK

	// highWaterMark is the greatest client-initiated stream id accepted so
	// far; used both to reject a HEADERS whose id regresses and as the
	// reference GOAWAY reports.
	highWaterMark uint32

	// peerWindow is the connection-level send budget the client granted us,
	// tracked as int64 so a malicious/buggy increment can be caught before
	// wrapping a 32-bit value.
	peerWindow int64

	windowCap int32
	// recvWindow is what's left of the connection-level receive budget this
	// side advertised; replenished once it drops below half of windowCap.
	recvWindow int32

	// activeStreams mirrors the stream goroutine's live set so the read
	// loop can credit stream-level WINDOW_UPDATEs in place while that
	// goroutine is busy streaming a response body.
	activeStreams sync.Map

	// windowSignal is poked whenever the peer grants send credit, waking a
	// body writer blocked in reserveSendWindow.
	windowSignal chan struct{}

	// pendingHeaderBlock is the stream whose header block is still missing
	// its END_HEADERS; while nonzero, only CONTINUATION frames on that
	// stream are legal. Owned by the read loop.
	pendingHeaderBlock uint32

	outbound chan *FrameHeader
	inbound  chan *FrameHeader

	phase lifecyclePhase
	// drainMark is the highest stream id that still owes a response when a
	// GOAWAY goes out; the connection isn't torn down until every stream at
	// or below it has closed.
	drainMark uint32

	// streamDeadline bounds how long any one stream may stay open.
	streamDeadline time.Duration
	pingPeriod     time.Duration
	// idleDeadline closes the connection after this long without a request.
	idleDeadline time.Duration

	local Settings
	peer  Settings

	pingClock *time.Timer
	reapClock *time.Timer
	idleClock *time.Timer

	done     chan struct{}
	doneOnce sync.Once

	verbose bool
	log     fasthttp.Logger
}

func (sv *serverConn) onIdleTimeout() {
	sv.shutdownWithGoAway(0, NoError, "connection has been idle for a long time")
	if sv.verbose {
		sv.log.Printf("Connection is idle. Closing\n")
	}
	// the idle timer can be rearmed by a request racing the timeout; only
	// the first firing may close the channel
	sv.doneOnce.Do(func() { close(sv.done) })
}

// Handshake performs the server side of the wire handshake: the caller has
// already consumed the client preface, so what goes out is the server's
// SETTINGS frame followed by a connection-level WINDOW_UPDATE of windowCap.
func (sv *serverConn) Handshake() error {
	return Handshake(false, sv.writer, &sv.local, sv.windowCap)
}

// Serve drives the connection until it closes, running the writer and the
// stream-bookkeeping goroutines alongside the blocking read loop on the
// calling goroutine.
func (sv *serverConn) Serve() error {
	sv.done = make(chan struct{}, 1)
	sv.windowSignal = make(chan struct{}, 1)
	sv.reapClock = time.NewTimer(0)
	sv.peerWindow = int64(sv.peer.MaxWindowSize())
	sv.recvWindow = sv.windowCap

	if sv.idleDeadline > 0 {
		sv.idleClock = time.AfterFunc(sv.idleDeadline, sv.onIdleTimeout)
	}

	defer func() {
		if r := recover(); r != nil {
			sv.log.Printf("Serve panicked: %s:\n%s\n", r, debug.Stack())
		}
	}()

	go func() {
		defer func() { _ = sv.conn.Close() }()
		sv.writeLoop()
	}()

	go func() {
		sv.handleStreams()
		// the ping and reaper timers may still be armed while we're tearing
		// down; stop them here so nothing keeps writing to a channel we're
		// about to close
		if sv.pingClock != nil {
			sv.pingClock.Stop()
		}
		sv.reapClock.Stop()
		close(sv.outbound)
	}()

	defer close(sv.inbound)

	if err := sv.conn.SetWriteDeadline(time.Time{}); err != nil {
		return err
	}
	if err := sv.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	err := sv.readLoop()
	if errors.Is(err, io.EOF) {
		err = nil
	}

	// wake anything still blocked on flow-control credit
	sv.doneOnce.Do(func() { close(sv.done) })

	sv.close()

	return err
}

func (sv *serverConn) close() {
	if sv.pingClock != nil {
		sv.pingClock.Stop()
	}
	if sv.idleClock != nil {
		sv.idleClock.Stop()
	}
	sv.reapClock.Stop()
}

func (sv *serverConn) replyPing(ping *Ping) {
	// ping still belongs to the inbound frame the read loop is about to
	// release, so the ack gets its own copy
	ack := AcquireFrame(FramePing).(*Ping)
	ping.CopyTo(ack)
	ack.SetAck(true)

	frh := AcquireFrameHeader()
	frh.SetBody(ack)

	sv.outbound <- frh
}

func (sv *serverConn) sendPing() {
	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetCurrentTime()

	frh := AcquireFrameHeader()
	frh.SetBody(ping)

	sv.outbound <- frh
}

// validateStreamedFrame rejects frames that are never legal carrying a
// nonzero stream id, before a Stream is even looked up.
func (sv *serverConn) validateStreamedFrame(frh *FrameHeader) error {
	if frh.Stream()&1 == 0 {
		return NewGoAwayError(ProtocolError, "invalid stream id")
	}

	switch frh.Type() {
	case FramePing:
		return NewGoAwayError(ProtocolError, "ping is carrying a stream id")
	case FramePushPromise:
		return NewGoAwayError(ProtocolError, "clients can't send push_promise frames")
	}

	return nil
}

// readLoop is the connection's single reader: it owns sv.reader
// exclusively, parsing one frame at a time and either
// handling it inline (connection-level frames) or forwarding it to
// handleStreams (stream-level frames).
func (sv *serverConn) readLoop() (err error) {
	defer func() {
		if r := recover(); r != nil {
			sv.log.Printf("readLoop panicked: %s\n%s\n", r, debug.Stack())
		}
	}()

	for err == nil {
		var frh *FrameHeader
		frh, err = ReadFrameFromWithSize(sv.reader, sv.local.frameSize)
		if err != nil {
			if errors.Is(err, ErrUnknownFrameType) {
				// undefined frame types MUST be ignored; the codec already
				// consumed the payload
				err = nil
				continue
			}
			break
		}

		// once a header block is open, nothing but its own CONTINUATION
		// frames may appear on the connection
		if sv.pendingHeaderBlock != 0 &&
			(frh.Type() != FrameContinuation || frh.Stream() != sv.pendingHeaderBlock) {
			sv.shutdownWithGoAway(0, ProtocolError, "frame interleaved in a header block")
			ReleaseFrameHeader(frh)
			continue
		}

		if frh.Stream() != 0 {
			if verr := sv.validateStreamedFrame(frh); verr != nil {
				sv.dispatchError(nil, verr)
				ReleaseFrameHeader(frh)
				continue
			}

			switch frh.Type() {
			case FrameHeaders:
				if !frh.Flags().Has(FlagEndHeaders) {
					sv.pendingHeaderBlock = frh.Stream()
				}
			case FrameContinuation:
				if frh.Flags().Has(FlagEndHeaders) {
					sv.pendingHeaderBlock = 0
				}
			case FrameWindowUpdate:
				if sv.creditStreamWindow(frh) {
					continue
				}
			}

			sv.inbound <- frh
			continue
		}

		sv.handleConnectionFrame(frh, &err)
		ReleaseFrameHeader(frh)
	}

	return
}

// creditStreamWindow applies a stream-level WINDOW_UPDATE in place when the
// stream is live, so a body writer blocked on that window wakes up even
// while the stream goroutine is busy. Frames for streams that aren't live
// report false and fall through to the stream loop's idle/closed handling.
func (sv *serverConn) creditStreamWindow(frh *FrameHeader) bool {
	v, ok := sv.activeStreams.Load(frh.Stream())
	if !ok {
		return false
	}
	st := v.(*Stream)

	increment := int64(frh.Body().(*WindowUpdate).Increment())
	if increment == 0 {
		sv.shutdownWithGoAway(0, ProtocolError, "window increment of 0")
	} else if atomic.AddInt64(&st.window, increment) > 1<<31-1 {
		sv.resetStream(st.ID(), FlowControlError)
	} else {
		sv.signalWindow()
	}

	ReleaseFrameHeader(frh)
	return true
}

// handleConnectionFrame dispatches a stream-id-0 frame. err is set when the
// frame signals the read loop should stop (a clean or unclean GOAWAY from
// the peer).
func (sv *serverConn) handleConnectionFrame(frh *FrameHeader, err *error) {
	switch frh.Type() {
	case FrameSettings:
		st := frh.Body().(*Settings)
		if !st.IsAck() {
			sv.handleSettings(st)
		}
	case FrameWindowUpdate:
		increment := int64(frh.Body().(*WindowUpdate).Increment())
		if increment == 0 {
			sv.shutdownWithGoAway(0, ProtocolError, "window increment of 0")
			return
		}

		if atomic.AddInt64(&sv.peerWindow, increment) > 1<<31-1 {
			sv.shutdownWithGoAway(0, FlowControlError, "window is above limits")
		} else {
			sv.signalWindow()
		}
	case FramePing:
		ping := frh.Body().(*Ping)
		if !ping.IsAck() {
			sv.replyPing(ping)
		}
	case FrameGoAway:
		ga := frh.Body().(*GoAway)
		if ga.Code() == NoError {
			*err = io.EOF
		} else {
			*err = fmt.Errorf("goaway: %s: %s", ga.Code(), ga.Data())
		}
	default:
		sv.shutdownWithGoAway(0, ProtocolError, "invalid frame")
	}
}

// handleStreams owns every Stream for this connection's lifetime and is
// the only goroutine that mutates the HPACK decoder table, so it also owns
// the per-stream HEADERS/CONTINUATION reassembly.
func (sv *serverConn) handleStreams() {
	defer func() {
		if r := recover(); r != nil {
			sv.log.Printf("handleStreams panicked: %s\n%s\n", r, debug.Stack())
		}
	}()

	var live Streams
	var reaperArmed bool
	var openCount int

	retired := make(map[uint32]struct{})

	retire := func(st *Stream) {
		if st.origType == FrameHeaders {
			openCount--
		}

		id := st.ID()
		retired[id] = struct{}{}
		live.Del(id)
		sv.activeStreams.Delete(id)

		ctxPool.Put(st.Data())
		streamPool.Put(st)

		if sv.verbose {
			sv.log.Printf("Stream destroyed %d. Open streams: %d\n", id, openCount)
		}
	}

runLoop:
	for {
		select {
		case <-sv.done:
			break runLoop

		case <-sv.reapClock.C:
			reaperArmed = false
			sv.reapExpiredStreams(&live, retire)

			if len(live) != 0 && sv.streamDeadline > 0 {
				if oldest := live.GetFirstOf(FrameHeaders); oldest != nil {
					reaperArmed = true
					wait := time.Until(oldest.startedAt.Add(sv.streamDeadline))
					sv.reapClock.Reset(wait)

					if sv.verbose {
						sv.log.Printf("Next request will timeout in %f seconds\n", wait.Seconds())
					}
				}
			}

		case frh, ok := <-sv.inbound:
			if !ok {
				return
			}

			closing := atomic.LoadInt32((*int32)(&sv.phase)) == int32(phaseClosing)

			st := sv.resolveStream(frh, &live, retired)
			if st == nil {
				if sv.admitOrRefuse(frh, &live, retired, &openCount, closing) {
					continue
				}

				st = live.Search(frh.Stream())

				if !reaperArmed && sv.streamDeadline > 0 {
					reaperArmed = true
					sv.reapClock.Reset(sv.streamDeadline)

					if sv.verbose {
						sv.log.Printf("Next request will timeout in %f seconds\n", sv.streamDeadline.Seconds())
					}
				}
			}

			if frh.Type() == FrameHeaders {
				if blocked := sv.checkHeaderOrdering(&live, st, frh, retire); blocked {
					continue
				}
			}

			if err := sv.handleFrame(st, frh); err != nil {
				sv.dispatchError(st, err)
				st.SetState(StreamStateClosed)
			}

			advanceStreamState(frh, st)

			switch st.State() {
			case StreamStateHalfClosed:
				sv.handleEndRequest(st)
				fallthrough
			case StreamStateClosed:
				retire(st)
			}

			if closing && sv.drained(live) {
				break runLoop
			}
		}
	}
}

// reapExpiredStreams resets every stream whose deadline has already
// passed, oldest first (live is kept sorted by id, which for
// HEADERS-originated streams also means creation order).
func (sv *serverConn) reapExpiredStreams(live *Streams, retire func(*Stream)) {
	due := 0
	for _, st := range *live {
		if !time.Now().After(st.startedAt.Add(sv.streamDeadline)) {
			break
		}
		due++
	}

	for due > 0 {
		st := (*live)[0]

		if sv.verbose {
			sv.log.Printf("Stream timed out: %d\n", st.ID())
		}

		sv.resetStream(st.ID(), StreamCanceled)
		st.SetState(StreamStateClosed)
		retire(st)

		due--
	}
}

// resolveStream looks up the Stream a just-read frame belongs to, or nil
// if it hasn't been created yet (or never will be).
func (sv *serverConn) resolveStream(frh *FrameHeader, live *Streams, retired map[uint32]struct{}) *Stream {
	if frh.Stream() > sv.highWaterMark {
		return nil
	}
	return live.Search(frh.Stream())
}

// admitOrRefuse is called when a frame arrives for a stream id that hasn't
// been created yet. It either creates the stream (and appends it to live)
// or answers with RST_STREAM/GOAWAY and reports true so the caller skips
// further processing of this frame.
func (sv *serverConn) admitOrRefuse(frh *FrameHeader, live *Streams, retired map[uint32]struct{}, openCount *int, closing bool) bool {
	if frh.Type() == FrameResetStream {
		if _, seen := retired[frh.Stream()]; !seen {
			sv.shutdownWithGoAway(frh.Stream(), ProtocolError, "RST_STREAM on idle stream")
		}
		return true
	}

	if _, seen := retired[frh.Stream()]; seen {
		// closed streams still tolerate trailing PRIORITY and
		// WINDOW_UPDATE frames; anything else is a fault
		if frh.Type() != FramePriority && frh.Type() != FrameWindowUpdate {
			sv.shutdownWithGoAway(frh.Stream(), StreamClosedError, "frame on closed stream")
		}
		return true
	}

	if *openCount >= int(sv.local.maxStreams) || closing {
		if sv.verbose {
			if closing {
				sv.log.Printf("Closing the connection. Rejecting stream %d\n", frh.Stream())
			} else {
				sv.log.Printf("Max open streams reached: %d >= %d\n", *openCount, sv.local.maxStreams)
			}
		}

		sv.resetStream(frh.Stream(), RefusedStreamError)
		return true
	}

	if frh.Stream() < sv.highWaterMark {
		sv.shutdownWithGoAway(frh.Stream(), ProtocolError, "stream ID is lower than the latest")
		return true
	}

	st := NewStream(frh.Stream(), int32(sv.peer.MaxWindowSize()))
	live.Insert(st)

	// RFC 9113 §5.1.1: a newly established stream id MUST be numerically
	// greater than every stream the peer has opened or reserved so far.
	if frh.Type() == FrameHeaders {
		*openCount++
		sv.highWaterMark = frh.Stream()
	}

	sv.createStream(sv.conn, frh.Type(), st)

	if sv.verbose {
		sv.log.Printf("Stream %d created. Open streams: %d\n", st.ID(), *openCount)
	}

	return false
}

// checkHeaderOrdering enforces that a new HEADERS stream doesn't appear
// while the previously-opened one still has an incomplete header block,
// and implicitly closes any idle lower-id streams RFC 9113 §5.1.1 says a
// new stream id closes. Returns true if the current frame was rejected and
// the caller should stop processing it.
func (sv *serverConn) checkHeaderOrdering(live *Streams, st *Stream, frh *FrameHeader, retire func(*Stream)) bool {
	if prev := live.getPrevious(FrameHeaders); prev != nil && !prev.headersFinished {
		sv.dispatchError(prev, NewGoAwayError(ProtocolError, "previous stream headers not ended"))
		return true
	}

	for len(*live) != 0 {
		oldest := (*live)[0]
		if oldest.ID() < st.ID() && oldest.State() == StreamStateIdle && oldest.origType == FrameHeaders {
			oldest.SetState(StreamStateClosed)

			if sv.verbose {
				sv.log.Printf("Cancelling stream in idle state: %d\n", oldest.ID())
			}

			sv.resetStream(oldest.ID(), StreamCanceled)
			retire(oldest)
			continue
		}
		break
	}

	if sv.idleClock != nil {
		sv.idleClock.Reset(sv.idleDeadline)
	}

	return false
}

// drained reports whether every stream at or below sv.drainMark (the
// reference recorded when GOAWAY went out) has finished, meaning the
// connection can now close.
func (sv *serverConn) drained(live Streams) bool {
	ref := atomic.LoadUint32(&sv.drainMark)
	if ref == 0 {
		return true
	}

	for _, st := range live {
		if st.origType == FrameHeaders && st.ID() <= ref {
			return false
		}
	}

	return true
}

func (sv *serverConn) resetStream(id uint32, code ErrorCode) {
	rst := AcquireFrame(FrameResetStream).(*RstStream)
	rst.SetCode(code)

	frh := AcquireFrameHeader()
	frh.SetStream(id)
	frh.SetBody(rst)

	sv.outbound <- frh

	if sv.verbose {
		sv.log.Printf("%s: Reset(stream=%d, code=%s)\n", sv.conn.RemoteAddr(), id, code)
	}
}

func (sv *serverConn) shutdownWithGoAway(id uint32, code ErrorCode, message string) {
	ga := AcquireFrame(FrameGoAway).(*GoAway)
	ga.SetStream(id)
	ga.SetCode(code)
	ga.SetData([]byte(message))

	frh := AcquireFrameHeader()
	frh.SetBody(ga)

	sv.outbound <- frh

	if id != 0 {
		atomic.StoreUint32(&sv.drainMark, sv.highWaterMark)
	}

	atomic.StoreInt32((*int32)(&sv.phase), int32(phaseClosing))

	if sv.verbose {
		sv.log.Printf("%s: GoAway(stream=%d, code=%s): %s\n", sv.conn.RemoteAddr(), id, code, message)
	}
}

// dispatchError answers err with RST_STREAM or GOAWAY depending on its
// tagged severity. A non-Error (a bug, not a protocol fault) is treated as
// INTERNAL_ERROR on the offending stream.
func (sv *serverConn) dispatchError(st *Stream, err error) {
	var tagged Error
	if !errors.As(err, &tagged) {
		sv.resetStream(st.ID(), InternalError)
		st.SetState(StreamStateClosed)
		return
	}

	switch tagged.frameType {
	case FrameGoAway:
		id := uint32(0)
		if st != nil {
			id = st.ID()
		}
		sv.shutdownWithGoAway(id, tagged.Code(), tagged.Error())
	case FrameResetStream:
		sv.resetStream(st.ID(), tagged.Code())
	}

	if st != nil {
		st.SetState(StreamStateClosed)
	}
}

// advanceStreamState applies a just-handled frame's effect on the stream
// state machine (RFC 9113 §5.1).
func advanceStreamState(frh *FrameHeader, st *Stream) {
	if frh.Type() == FrameResetStream {
		st.SetState(StreamStateClosed)
		return
	}

	switch st.State() {
	case StreamStateIdle:
		if frh.Type() == FrameHeaders {
			st.SetState(StreamStateOpen)
			if frh.Flags().Has(FlagEndStream) {
				st.SetState(StreamStateHalfClosed)
			}
		}
		// TODO: else push promise ...
	case StreamStateReserved:
		// TODO: ...
	case StreamStateOpen:
		if frh.Flags().Has(FlagEndStream) {
			st.SetState(StreamStateHalfClosed)
		}
	case StreamStateHalfClosed:
		// a half-closed stream can only advance to Closed via RST_STREAM;
		// the other half already finished, and a second END_STREAM is
		// caught as an error earlier in handleFrame.
	case StreamStateClosed:
	}
}

var logger = log.New(os.Stdout, "[HTTP/2] ", log.LstdFlags)

var ctxPool = sync.Pool{
	New: func() interface{} {
		return &fasthttp.RequestCtx{}
	},
}

func (sv *serverConn) createStream(c net.Conn, frameType FrameType, st *Stream) {
	ctx := ctxPool.Get().(*fasthttp.RequestCtx)
	ctx.Request.Reset()
	ctx.Response.Reset()
	ctx.Init2(c, sv.log, false)

	st.origType = frameType
	st.startedAt = time.Now()
	st.SetData(ctx)

	sv.activeStreams.Store(st.ID(), st)
}

func (sv *serverConn) handleFrame(st *Stream, frh *FrameHeader) error {
	if err := sv.verifyState(st, frh); err != nil {
		return err
	}

	switch frh.Type() {
	case FrameHeaders, FrameContinuation:
		return sv.handleHeadersOrContinuation(st, frh)
	case FrameData:
		return sv.handleDataFrame(st, frh)
	case FrameResetStream:
		if st.State() == StreamStateIdle {
			return NewGoAwayError(ProtocolError, "RST_STREAM on idle stream")
		}
	case FramePriority:
		// RFC 9113 §6.3: the payload is exactly 5 bytes; any other length
		// is a stream-level FRAME_SIZE_ERROR, not a connection teardown.
		if frh.Len() != 5 {
			return NewResetStreamError(FrameSizeError, "priority payload must be 5 bytes")
		}
		if st.State() != StreamStateIdle && !st.headersFinished {
			return NewGoAwayError(ProtocolError, "frame priority on an open stream")
		}
		if p, ok := frh.Body().(*Priority); ok && p.Stream() == st.ID() {
			return NewGoAwayError(ProtocolError, "stream that depends on itself")
		}
	case FrameWindowUpdate:
		return sv.handleWindowUpdateFrame(st, frh)
	default:
		return NewGoAwayError(ProtocolError, "invalid frame")
	}

	return nil
}

func (sv *serverConn) handleHeadersOrContinuation(st *Stream, frh *FrameHeader) error {
	if st.State() >= StreamStateHalfClosed {
		return NewGoAwayError(ProtocolError, "received headers on a finished stream")
	}

	if err := sv.handleHeaderFrame(st, frh); err != nil {
		return err
	}

	if !frh.Flags().Has(FlagEndHeaders) {
		return nil
	}

	st.headersFinished = len(st.previousHeaderBytes) == 0
	if !st.headersFinished {
		return NewGoAwayError(ProtocolError, "END_HEADERS received on an incomplete stream")
	}

	// req.URI() triggers URL parsing, so it's deferred until the scheme is known.
	st.ctx.Request.URI().SetSchemeBytes(st.scheme)
	return nil
}

func (sv *serverConn) handleDataFrame(st *Stream, frh *FrameHeader) error {
	if !st.headersFinished {
		return NewGoAwayError(ProtocolError, "stream didn't end the headers")
	}
	if st.State() >= StreamStateHalfClosed {
		return NewGoAwayError(StreamClosedError, "stream closed")
	}

	st.ctx.Request.AppendBody(frh.Body().(*Data).Data())

	sv.recvWindow -= int32(frh.Len())
	if sv.recvWindow < sv.windowCap/2 {
		sv.updateWindow(0, int(sv.windowCap-sv.recvWindow))
		sv.recvWindow = sv.windowCap
	}

	return nil
}

// updateWindow credits size bytes back to the peer, either on the whole
// connection (streamID 0) or on a single stream.
func (sv *serverConn) updateWindow(streamID uint32, size int) {
	frh := AcquireFrameHeader()
	frh.SetStream(streamID)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(size)

	frh.SetBody(wu)

	sv.outbound <- frh
}

func (sv *serverConn) handleWindowUpdateFrame(st *Stream, frh *FrameHeader) error {
	if st.State() == StreamStateIdle {
		return NewGoAwayError(ProtocolError, "window update on idle stream")
	}

	increment := int64(frh.Body().(*WindowUpdate).Increment())
	if increment == 0 {
		return NewGoAwayError(ProtocolError, "window increment of 0")
	}

	if atomic.AddInt64(&st.window, increment) > 1<<31-1 {
		return NewResetStreamError(FlowControlError, "window is above limits")
	}

	sv.signalWindow()

	return nil
}

// handleHeaderFrame folds a HEADERS/CONTINUATION header-block fragment
// into the request, decoding it field by field against the shared HPACK
// decoder table and tallying RFC 7541 §4.1-style sizes against
// SETTINGS_MAX_HEADER_LIST_SIZE as it goes.
func (sv *serverConn) handleHeaderFrame(st *Stream, frh *FrameHeader) error {
	if st.headersFinished && !frh.Flags().Has(FlagEndStream|FlagEndHeaders) {
		// TODO handle trailers
		return NewGoAwayError(ProtocolError, "stream not open")
	}

	if h, ok := frh.Body().(*Headers); ok && h.Stream() == st.ID() {
		return NewGoAwayError(ProtocolError, "stream that depends on itself")
	}

	block := append(st.previousHeaderBytes, frh.Body().(FrameWithHeaders).Headers()...)
	st.previousHeaderBytes = st.previousHeaderBytes[:0]

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	req := &st.ctx.Request

	fieldsProcessed := 0
	headerListSize := 0

	var err error
	for len(block) > 0 {
		remaining := block

		block, err = sv.decoder.nextField(hf, st.headerBlockNum, fieldsProcessed, block)
		if err != nil {
			if errors.Is(err, ErrUnexpectedSize) && len(remaining) > 0 {
				st.previousHeaderBytes = append(st.previousHeaderBytes, remaining...)
				err = nil
			} else {
				err = NewGoAwayError(CompressionError, err.Error())
			}
			break
		}

		if hf.Empty() {
			// dynamic table size update: decoder state changed, no field emitted
			continue
		}
		fieldsProcessed++

		headerListSize += hf.Size()
		if uint32(headerListSize) > sv.local.MaxHeaderListSize() {
			return NewResetStreamError(RefusedStreamError, "header list too large")
		}

		k, v := hf.KeyBytes(), hf.ValueBytes()
		if !hf.IsPseudo() && !bytes.Equal(k, StringUserAgent) && !bytes.Equal(k, StringContentType) {
			req.Header.AddBytesKV(k, v)
			continue
		}

		if hf.IsPseudo() {
			k = k[1:]
		}

		switch k[0] {
		case 'm': // method
			req.Header.SetMethodBytes(v)
		case 'p': // path
			req.Header.SetRequestURIBytes(v)
		case 's': // scheme
			if !bytes.Equal(k, StringScheme[1:]) {
				return NewGoAwayError(ProtocolError, "invalid pseudoheader")
			}
			st.scheme = append(st.scheme[:0], v...)
		case 'a': // authority
			req.Header.SetHostBytes(v)
			req.Header.AddBytesV("Host", v)
		case 'u': // user-agent
			req.Header.SetUserAgentBytes(v)
		case 'c': // content-type
			req.Header.SetContentTypeBytes(v)
		default:
			return NewGoAwayError(ProtocolError, fmt.Sprintf("unknown header field %s", k))
		}
	}

	st.headerBlockNum++

	return err
}

func (sv *serverConn) verifyState(st *Stream, frh *FrameHeader) error {
	switch st.State() {
	case StreamStateIdle:
		if frh.Type() != FrameHeaders && frh.Type() != FramePriority {
			return NewGoAwayError(ProtocolError, "wrong frame on idle stream")
		}
	case StreamStateHalfClosed:
		if frh.Type() != FrameWindowUpdate && frh.Type() != FramePriority && frh.Type() != FrameResetStream {
			return NewGoAwayError(StreamClosedError, "wrong frame on half-closed stream")
		}
	}

	return nil
}

// handleEndRequest dispatches a fully-received request to the configured
// fasthttp.RequestHandler, then streams the response back as HEADERS
// followed by zero or more DATA frames.
func (sv *serverConn) handleEndRequest(st *Stream) {
	ctx := st.ctx
	ctx.Request.Header.SetProtocolBytes(StringHTTP2)

	sv.handler(ctx)

	hasBody := ctx.Response.IsBodyStream() || len(ctx.Response.Body()) > 0

	h := AcquireFrame(FrameHeaders).(*Headers)
	h.SetEndHeaders(true)
	h.SetEndStream(!hasBody)

	frh := AcquireFrameHeader()
	frh.SetStream(st.ID())
	frh.SetBody(h)

	encodeResponseHeaders(h, &sv.encoder, &ctx.Response)

	sv.outbound <- frh

	if !hasBody {
		return
	}

	if ctx.Response.IsBodyStream() {
		bw := acquireBodyWriter()
		bw.stream = st
		bw.sv = sv
		bw.total = int64(ctx.Response.Header.ContentLength())

		_ = ctx.Response.BodyWriteTo(bw)
		bw.finish()

		releaseBodyWriter(bw)
	} else {
		sv.sendBody(st, ctx.Response.Body())
	}
}

func (sv *serverConn) signalWindow() {
	select {
	case sv.windowSignal <- struct{}{}:
	default:
	}
}

// reserveSendWindow debits up to want bytes from both the stream and the
// connection send windows, blocking until at least one byte of credit is
// available on each or the connection is going away (then 0 is returned).
// The result is capped at the peer's MAX_FRAME_SIZE, so it's always a legal
// DATA payload length.
func (sv *serverConn) reserveSendWindow(st *Stream, want int) int {
	if max := int(sv.peer.FrameSize()); want > max {
		want = max
	}

	for {
		n := int64(want)
		if w := atomic.LoadInt64(&st.window); w < n {
			n = w
		}
		if w := atomic.LoadInt64(&sv.peerWindow); w < n {
			n = w
		}

		if n > 0 {
			atomic.AddInt64(&st.window, -n)
			atomic.AddInt64(&sv.peerWindow, -n)
			return int(n)
		}

		// one of the windows is empty; wait for the peer's next
		// WINDOW_UPDATE
		select {
		case <-sv.done:
			return 0
		case <-sv.windowSignal:
		}
	}
}

var (
	copyBufPool = sync.Pool{
		New: func() interface{} {
			return make([]byte, defaultMaxLen)
		},
	}
	bodyWriterPool = sync.Pool{
		New: func() interface{} {
			return &bodyWriter{}
		},
	}
)

// bodyWriter turns the bytes fasthttp pulls out of a handler-provided body
// stream into flow-controlled DATA frames: every chunk waits for send
// credit on both the stream and the connection before it's queued.
type bodyWriter struct {
	total   int64
	written int64
	ended   bool
	stream  *Stream
	sv      *serverConn
}

func acquireBodyWriter() *bodyWriter {
	if v := bodyWriterPool.Get(); v != nil {
		return v.(*bodyWriter)
	}
	return &bodyWriter{}
}

func releaseBodyWriter(bw *bodyWriter) {
	bw.total = 0
	bw.written = 0
	bw.ended = false
	bw.stream = nil
	bw.sv = nil
	bodyWriterPool.Put(bw)
}

// send queues one window-sized DATA frame holding body[sent:] and reports
// how far it got. A short (or zero) return means the connection went away
// while waiting for credit.
func (bw *bodyWriter) send(body []byte, sent int, last bool) int {
	n := bw.sv.reserveSendWindow(bw.stream, len(body)-sent)
	if n == 0 {
		return sent
	}

	end := sent + n

	data := AcquireFrame(FrameData).(*Data)
	data.SetEndStream(last && end == len(body))
	data.SetPadding(false)
	data.SetData(body[sent:end])

	if last && end == len(body) {
		bw.ended = true
	}

	frh := AcquireFrameHeader()
	frh.SetStream(bw.stream.ID())
	frh.SetBody(data)

	bw.sv.outbound <- frh

	return end
}

// finish closes the stream with an empty END_STREAM DATA frame for bodies
// whose length wasn't known up front, so the peer sees the response end.
func (bw *bodyWriter) finish() {
	if bw.ended {
		return
	}
	bw.ended = true

	data := AcquireFrame(FrameData).(*Data)
	data.SetEndStream(true)

	frh := AcquireFrameHeader()
	frh.SetStream(bw.stream.ID())
	frh.SetBody(data)

	bw.sv.outbound <- frh
}

func (bw *bodyWriter) Write(body []byte) (int, error) {
	if (bw.total <= 0 && bw.written > 0) || (bw.total > 0 && bw.written >= bw.total) {
		return 0, errors.New("writer closed")
	}

	n := len(body)
	bw.written += int64(n)
	last := bw.total > 0 && bw.written >= bw.total

	for sent := 0; sent < n; {
		next := bw.send(body, sent, last)
		if next == sent {
			return sent, errors.New("connection closed while waiting for window credit")
		}
		sent = next
	}

	return n, nil
}

func (bw *bodyWriter) ReadFrom(r io.Reader) (int64, error) {
	buf := copyBufPool.Get().([]byte)
	defer copyBufPool.Put(buf)

	if bw.total < 0 {
		if lr, ok := r.(*io.LimitedReader); ok {
			bw.total = lr.N
		}
	}

	var total int64
	for {
		n, err := r.Read(buf)
		if n <= 0 && err == nil {
			return total, errors.New("BUG: io.Reader returned 0, nil")
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}

		last := bw.total >= 0 && total+int64(n) >= bw.total

		for sent := 0; sent < n; {
			next := bw.send(buf[:n], sent, last)
			if next == sent {
				return total, errors.New("connection closed while waiting for window credit")
			}
			sent = next
		}

		total += int64(n)
		if last {
			return total, nil
		}
	}
}

// sendBody streams an already-buffered response body as DATA frames, each
// chunk gated on the stream and connection send windows.
func (sv *serverConn) sendBody(st *Stream, body []byte) {
	for sent := 0; sent < len(body); {
		n := sv.reserveSendWindow(st, len(body)-sent)
		if n == 0 {
			return
		}

		end := sent + n

		data := AcquireFrame(FrameData).(*Data)
		data.SetEndStream(end == len(body))
		data.SetPadding(false)
		data.SetData(body[sent:end])

		frh := AcquireFrameHeader()
		frh.SetStream(st.ID())
		frh.SetBody(data)

		sv.outbound <- frh
		sent = end
	}
}

func (sv *serverConn) scheduleNextPing() {
	sv.sendPing()
	sv.pingClock.Reset(sv.pingPeriod)
}

// writeLoop is the connection's single writer, draining sv.outbound in
// order; everything else only ever hands it frames, never writes directly.
func (sv *serverConn) writeLoop() {
	if sv.pingPeriod > 0 {
		sv.pingClock = time.AfterFunc(sv.pingPeriod, sv.scheduleNextPing)
	}

	pending := 0

	for frh := range sv.outbound {
		_, err := frh.WriteTo(sv.writer)
		if err == nil {
			if len(sv.outbound) == 0 || pending > 10 {
				err = sv.writer.Flush()
				pending = 0
			} else {
				pending++
			}
		}

		ReleaseFrameHeader(frh)

		if err != nil {
			sv.log.Printf("ERROR: writeLoop: %s\n", err)
			return
		}
	}
}

func (sv *serverConn) handleSettings(st *Settings) {
	prevWin := int64(sv.peer.MaxWindowSize())
	st.CopyTo(&sv.peer)
	sv.encoder.SetMaxTableSize(int(sv.peer.HeaderTableSize()))

	// a new INITIAL_WINDOW_SIZE shifts every live stream's send window by
	// the difference; the connection-level window is not affected
	if delta := int64(sv.peer.MaxWindowSize()) - prevWin; delta != 0 {
		sv.activeStreams.Range(func(_, v interface{}) bool {
			atomic.AddInt64(&v.(*Stream).window, delta)
			return true
		})
		sv.signalWindow()
	}

	ack := AcquireFrame(FrameSettings).(*Settings)
	ack.SetAck(true)

	frh := AcquireFrameHeader()
	frh.SetBody(ack)

	sv.outbound <- frh
}

// encodeResponseHeaders HPACK-encodes a fasthttp.Response as the header
// block of dst: :status first, then every response header lowercased
// (RFC 9113 forbids Connection/Transfer-Encoding over HTTP/2, so both are
// stripped before encoding).
func encodeResponseHeaders(dst *Headers, hp *HPACK, res *fasthttp.Response) {
	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	hf.SetKeyBytes(StringStatus)
	hf.SetValue(strconv.FormatInt(int64(res.Header.StatusCode()), 10))
	dst.AppendHeaderField(hp, hf, true)

	if !res.IsBodyStream() {
		res.Header.SetContentLength(len(res.Body()))
	}
	res.Header.Del("Connection")
	res.Header.Del("Transfer-Encoding")

	res.Header.VisitAll(func(k, v []byte) {
		hf.SetBytes(ToLower(k), v)
		dst.AppendHeaderField(hp, hf, false)
	})
}
