package http2

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// ConnOpts defines the connection options.
type ConnOpts struct {
	// PingInterval defines the interval in which the client will ping the server.
	//
	// An interval of 0 will make the library to use DefaultPingInterval. Because ping intervals can't be disabled
	PingInterval time.Duration
	// DisablePingChecking ...
	DisablePingChecking bool
	// OnDisconnect is a callback that fires when the Conn disconnects.
	OnDisconnect func(c *Conn)
	// OnRTT, when set, is called after every RTT measurement (after
	// receiving the ack for a PING this side sent).
	OnRTT func(time.Duration)
}

// Handshake performs an HTTP/2 handshake. That means, it will send
// the preface if `preface` is true, send a settings frame and a
// window update frame (for the connection's window).
func Handshake(preface bool, bw *bufio.Writer, st *Settings, maxWin int32) error {
	if preface {
		err := WritePreface(bw)
		if err != nil {
			return err
		}
	}

	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	// write the settings
	st2 := &Settings{}
	st.CopyTo(st2)

	fr.SetBody(st2)

	_, err := fr.WriteTo(bw)
	if err == nil {
		// then send a window update
		fr2 := AcquireFrameHeader()
		defer ReleaseFrameHeader(fr2)

		wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
		wu.SetIncrement(int(maxWin))

		fr2.SetBody(wu)

		_, err = fr2.WriteTo(bw)
		if err == nil {
			err = bw.Flush()
		}
	}

	return err
}

// Conn represents a raw HTTP/2 connection over TLS + TCP.
type Conn struct {
	c net.Conn

	br *bufio.Reader
	bw *bufio.Writer

	enc *HPACK
	dec *HPACK

	nextID uint32

	// sendWindow is the connection-level send budget the server has granted,
	// tracked as int64 so an overflowing WINDOW_UPDATE can be caught before
	// wrapping a 32-bit value.
	sendWindow int64

	// windowSignal is poked whenever the server grants send credit, waking
	// a request-body writer blocked in reserveSendWindow.
	windowSignal chan struct{}

	maxWindow     int32
	currentWindow int32

	openStreams int32

	current Settings
	serverS Settings

	reqQueued sync.Map

	in  chan *Ctx
	out chan *FrameHeader

	pingInterval time.Duration

	unacks      int
	disableAcks bool

	lastErr      error
	onDisconnect func(*Conn)
	onRTT        func(time.Duration)

	closed uint64
}

// NewConn returns a new HTTP/2 connection.
// To start using the connection you need to call Handshake.
func NewConn(c net.Conn, opts ConnOpts) *Conn {
	nc := &Conn{
		c:             c,
		br:            bufio.NewReaderSize(c, 4096),
		bw:            bufio.NewWriterSize(c, maxFrameSize),
		enc:           AcquireHPACK(),
		dec:           AcquireHPACK(),
		nextID:        1,
		sendWindow:    65535,
		windowSignal:  make(chan struct{}, 1),
		maxWindow:     1 << 20,
		currentWindow: 1 << 20,
		in:            make(chan *Ctx, 128),
		out:           make(chan *FrameHeader, 128),
		pingInterval:  opts.PingInterval,
		disableAcks:   opts.DisablePingChecking,
		onDisconnect:  opts.OnDisconnect,
		onRTT:         opts.OnRTT,
	}

	nc.current.SetMaxWindowSize(1 << 20)
	nc.current.SetPush(false)

	return nc
}

// Dialer allows to create HTTP/2 connections by specifying an address and tls configuration.
type Dialer struct {
	// Addr is the server's address in the form: `host:port`.
	Addr string

	// TLSConfig is the tls configuration.
	//
	// If TLSConfig is nil, a default one will be defined on the Dial call.
	TLSConfig *tls.Config

	// PingInterval defines the interval in which the client will ping the server.
	//
	// An interval of 0 will make the library to use DefaultPingInterval. Because ping intervals can't be disabled.
	PingInterval time.Duration
}

func (d *Dialer) tryDial() (net.Conn, error) {
	if d.TLSConfig == nil || !func() bool {
		for _, proto := range d.TLSConfig.NextProtos {
			if proto == "h2" {
				return true
			}
		}

		return false
	}() {
		configureDialer(d)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", d.Addr)
	if err != nil {
		return nil, err
	}

	c, err := net.DialTCP("tcp", nil, tcpAddr)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(c, d.TLSConfig)

	if err := tlsConn.Handshake(); err != nil {
		_ = c.Close()
		return nil, err
	}

	if tlsConn.ConnectionState().NegotiatedProtocol != "h2" {
		_ = c.Close()
		return nil, ErrServerSupport
	}

	return tlsConn, nil
}

// Dial creates an HTTP/2 connection or returns an error.
//
// An expected error is ErrServerSupport.
func (d *Dialer) Dial(opts ConnOpts) (*Conn, error) {
	c, err := d.tryDial()
	if err != nil {
		return nil, err
	}

	if opts.PingInterval <= 0 {
		opts.PingInterval = d.PingInterval
	}

	nc := NewConn(c, opts)

	err = nc.Handshake()
	return nc, err
}

// SetOnDisconnect sets the callback that will fire when the HTTP/2 connection is closed.
func (c *Conn) SetOnDisconnect(cb func(*Conn)) {
	c.onDisconnect = cb
}

// LastErr returns the last registered error in case the connection was closed by the server.
func (c *Conn) LastErr() error {
	return c.lastErr
}

// Handshake will perform the necessary handshake to establish the connection
// with the server. If an error is returned you can assume the TCP connection has been closed.
func (c *Conn) Handshake() error {
	var err error

	if err = Handshake(true, c.bw, &c.current, c.maxWindow-65535); err != nil {
		_ = c.c.Close()
		return err
	}

	var fr *FrameHeader

	if fr, err = ReadFrameFrom(c.br); err == nil && fr.Type() != FrameSettings {
		_ = c.c.Close()
		return fmt.Errorf("unexpected frame, expected settings, got %s", fr.Type())
	} else if err == nil {
		st := fr.Body().(*Settings)
		if !st.IsAck() {
			st.CopyTo(&c.serverS)

			if st.HeaderTableSize() <= defaultHeaderTableSize {
				c.enc.SetMaxTableSize(int(st.HeaderTableSize()))
			}
			ReleaseFrameHeader(fr)

			// reply back
			fr = AcquireFrameHeader()

			stRes := AcquireFrame(FrameSettings).(*Settings)
			stRes.SetAck(true)

			fr.SetBody(stRes)

			if _, err = fr.WriteTo(c.bw); err == nil {
				err = c.bw.Flush()
			}
		}
	}

	if err != nil {
		_ = c.Close()
	} else {
		ReleaseFrameHeader(fr)

		go c.writeLoop()
		go c.readLoop()
	}

	return err
}

// doHandshake performs the same wire handshake as Handshake, but doesn't
// start the asynchronous writeLoop/readLoop goroutines afterwards. It's
// meant for callers that want to drive the connection by hand with
// writeFrame and readNext, such as tests exercising specific frame
// sequences.
func (c *Conn) doHandshake() error {
	if err := Handshake(true, c.bw, &c.current, c.maxWindow-65535); err != nil {
		_ = c.c.Close()
		return err
	}

	fr, err := ReadFrameFrom(c.br)
	if err != nil {
		_ = c.c.Close()
		return err
	}
	defer ReleaseFrameHeader(fr)

	if fr.Type() != FrameSettings {
		_ = c.c.Close()
		return fmt.Errorf("unexpected frame, expected settings, got %s", fr.Type())
	}

	st := fr.Body().(*Settings)
	if st.IsAck() {
		return nil
	}

	st.CopyTo(&c.serverS)
	if st.HeaderTableSize() <= defaultHeaderTableSize {
		c.enc.SetMaxTableSize(int(st.HeaderTableSize()))
	}

	ackFr := AcquireFrameHeader()
	defer ReleaseFrameHeader(ackFr)

	stRes := AcquireFrame(FrameSettings).(*Settings)
	stRes.SetAck(true)
	ackFr.SetBody(stRes)

	if _, err = ackFr.WriteTo(c.bw); err == nil {
		err = c.bw.Flush()
	}

	if err != nil {
		_ = c.Close()
	}

	return err
}

// writeFrame writes fr to the wire immediately, bypassing the
// asynchronous write loop. Meant for callers driving the connection by
// hand; see doHandshake.
func (c *Conn) writeFrame(fr *FrameHeader) error {
	_, err := fr.WriteTo(c.bw)
	if err == nil {
		err = c.bw.Flush()
	}
	ReleaseFrameHeader(fr)
	return err
}

// CanOpenStream returns whether the client will be able to open a new stream or not.
func (c *Conn) CanOpenStream() bool {
	return atomic.LoadInt32(&c.openStreams) < int32(c.serverS.maxStreams)
}

// Closed indicates whether the connection is closed or not.
func (c *Conn) Closed() bool {
	return atomic.LoadUint64(&c.closed) == 1
}

// Close closes the connection gracefully, sending a GoAway message
// and then closing the underlying TCP connection.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapUint64(&c.closed, 0, 1) {
		return io.EOF
	}

	close(c.in)

	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	ga := AcquireFrame(FrameGoAway).(*GoAway)
	ga.SetStream(0)
	ga.SetCode(NoError)

	fr.SetBody(ga)

	_, err := fr.WriteTo(c.bw)
	if err == nil {
		err = c.bw.Flush()
	}

	_ = c.c.Close()

	if c.onDisconnect != nil {
		c.onDisconnect(c)
	}

	return err
}

// Write queues the request to be sent to the server.
//
// Check if `c` has been previously closed before accessing this function.
func (c *Conn) Write(r *Ctx) {
	c.in <- r
}

func (c *Conn) writeLoop() {
	defer func() { _ = c.Close() }()

	if c.pingInterval <= 0 {
		c.pingInterval = DefaultPingInterval
	}

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	var lastErr error

loop:
	for {
		select {
		case r, ok := <-c.in: // sending requests
			if !ok {
				break loop
			}

			uid, err := c.writeRequest(r)
			if err != nil {
				r.Err <- err

				if errors.Is(err, ErrNotAvailableStreams) {
					continue
				}

				lastErr = WriteError{err}

				break loop
			}

			c.reqQueued.Store(uid, r)
		case fr := <-c.out: // generic output
			if _, err := fr.WriteTo(c.bw); err == nil {
				if err = c.bw.Flush(); err != nil {
					lastErr = WriteError{err}
					break loop
				}
			} else {
				lastErr = WriteError{err}
				break loop
			}

			ReleaseFrameHeader(fr)
		case <-ticker.C: // ping
			if err := c.writePing(); err != nil {
				lastErr = WriteError{err}
				break loop
			}
		}

		if !c.disableAcks && c.unacks >= 3 {
			lastErr = ErrTimeout
			break loop
		}
	}

	if lastErr == nil {
		lastErr = io.EOF
	}

	// send eofs to pending requests
	c.reqQueued.Range(func(_, v interface{}) bool {
		r := v.(*Ctx)
		r.Err <- lastErr
		return true
	})
}

func (c *Conn) finish(r *Ctx, stream uint32, err error) {
	atomic.AddInt32(&c.openStreams, -1)

	r.Err <- err

	c.reqQueued.Delete(stream)

	close(r.Err)
}

func (c *Conn) readLoop() {
	defer func() { _ = c.Close() }()

	for {
		fr, err := c.readNext()
		if err != nil {
			c.lastErr = err
			break
		}

		if fr.Type() == FrameGoAway {
			// the frame body goes back to the pool below, so lastErr keeps
			// its own copy
			c.lastErr = fr.Body().(*GoAway).Copy()
			ReleaseFrameHeader(fr)
			break
		}

		// TODO: panic otherwise?
		if ri, ok := c.reqQueued.Load(fr.Stream()); ok {
			r := ri.(*Ctx)

			err := c.readStream(fr, r)
			if err == nil {
				if fr.Flags().Has(FlagEndStream) {
					c.finish(r, fr.Stream(), nil)
				}
			} else {
				c.finish(r, fr.Stream(), err)

				fmt.Fprintf(os.Stderr, "%s. payload=%v\n", err, fr.payload)

				var streamErr Error
				if (errors.As(err, &streamErr) && streamErr.Code() == FlowControlError) ||
					errors.Is(err, ErrCompression) {
					break
				}
			}
		}

		ReleaseFrameHeader(fr)
	}
}

func (c *Conn) writeRequest(r *Ctx) (uint32, error) {
	if !c.CanOpenStream() {
		return 0, ErrNotAvailableStreams
	}

	req := r.Request

	hasBody := len(req.Body()) != 0

	enc := c.enc

	id := c.nextID
	c.nextID += 2

	// register the stream before any body bytes go out, so the read loop
	// can credit WINDOW_UPDATEs for it while the body is still streaming
	atomic.StoreInt64(&r.window, int64(c.serverS.MaxWindowSize()))
	c.reqQueued.Store(id, r)

	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	fr.SetStream(id)

	h := AcquireFrame(FrameHeaders).(*Headers)
	fr.SetBody(h)

	hf := AcquireHeaderField()

	hf.SetBytes(StringAuthority, req.URI().Host())
	enc.AppendHeaderField(h, hf, true)

	hf.SetBytes(StringMethod, req.Header.Method())
	enc.AppendHeaderField(h, hf, true)

	hf.SetBytes(StringPath, req.URI().RequestURI())
	enc.AppendHeaderField(h, hf, true)

	hf.SetBytes(StringScheme, req.URI().Scheme())
	enc.AppendHeaderField(h, hf, true)

	hf.SetBytes(StringUserAgent, req.Header.UserAgent())
	enc.AppendHeaderField(h, hf, true)

	req.Header.VisitAll(func(k, v []byte) {
		if bytes.EqualFold(k, StringUserAgent) {
			return
		}

		hf.SetBytes(ToLower(k), v)
		enc.AppendHeaderField(h, hf, false)
	})

	h.SetPadding(false)
	h.SetEndStream(!hasBody)
	h.SetEndHeaders(true)

	_, err := fr.WriteTo(c.bw)
	if err == nil && hasBody {
		// release headers bc it's going to get replaced by the data frame
		ReleaseFrame(h)

		err = c.writeData(fr, r, req.Body())
	}

	if err == nil {
		err = c.bw.Flush()
		if err == nil {
			atomic.AddInt32(&c.openStreams, 1)
		}
	}

	if err != nil {
		c.lastErr = err
		c.reqQueued.Delete(id)
	}

	ReleaseHeaderField(hf)

	return id, err
}

// writeData streams a request body as DATA frames, each chunk gated on the
// stream and connection send windows.
func (c *Conn) writeData(fh *FrameHeader, r *Ctx, body []byte) error {
	data := AcquireFrame(FrameData).(*Data)
	fh.SetBody(data)

	for sent := 0; sent < len(body); {
		n, err := c.reserveSendWindow(r, len(body)-sent)
		if err != nil {
			return err
		}

		data.SetEndStream(sent+n == len(body))
		data.SetPadding(false)
		data.SetData(body[sent : sent+n])

		if _, err := fh.WriteTo(c.bw); err != nil {
			return err
		}

		sent += n
	}

	return nil
}

func (c *Conn) signalWindow() {
	select {
	case c.windowSignal <- struct{}{}:
	default:
	}
}

// reserveSendWindow debits up to want bytes from both the stream and the
// connection send windows, blocking until at least one byte of credit is
// available on each. Buffered frames are flushed before waiting, since the
// server can't grant more credit until it has drained what was already
// written. The result is capped at the server's MAX_FRAME_SIZE.
func (c *Conn) reserveSendWindow(r *Ctx, want int) (int, error) {
	if max := int(c.serverS.FrameSize()); want > max {
		want = max
	}

	for {
		n := int64(want)
		if w := atomic.LoadInt64(&r.window); w < n {
			n = w
		}
		if w := atomic.LoadInt64(&c.sendWindow); w < n {
			n = w
		}

		if n > 0 {
			atomic.AddInt64(&r.window, -n)
			atomic.AddInt64(&c.sendWindow, -n)
			return int(n), nil
		}

		if err := c.bw.Flush(); err != nil {
			return 0, err
		}

		select {
		case <-c.windowSignal:
		case <-time.After(time.Second):
			if c.Closed() {
				return 0, io.EOF
			}
		}
	}
}

func (c *Conn) readNext() (fr *FrameHeader, err error) {
	for err == nil {
		fr, err = ReadFrameFrom(c.br)
		if err != nil {
			break
		}

		// GOAWAY always carries stream id 0 (it names the peer's last
		// processed stream, not its own), but it's handed back to the
		// caller like any other frame instead of being swallowed here:
		// the caller decides whether/when to stop reading.
		if fr.Stream() != 0 || fr.Type() == FrameGoAway {
			break
		}

		switch fr.Type() {
		case FrameSettings:
			st := fr.Body().(*Settings)
			if !st.IsAck() { // if has ack, just ignore
				c.handleSettings(st)
			}
		case FrameWindowUpdate:
			win := int64(fr.Body().(*WindowUpdate).Increment())

			if atomic.AddInt64(&c.sendWindow, win) > 1<<31-1 {
				err = NewGoAwayError(FlowControlError, "window is above limits")
			} else {
				c.signalWindow()
			}
		case FramePing:
			ping := fr.Body().(*Ping)
			if !ping.IsAck() {
				c.handlePing(ping)
			} else {
				c.unacks--
				if c.onRTT != nil {
					c.onRTT(ping.Elapsed())
				}
			}
		}

		ReleaseFrameHeader(fr)
	}

	if err != nil {
		fr = nil
	}

	return
}

func (c *Conn) writePing() error {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetCurrentTime()

	fr.SetBody(ping)

	_, err := fr.WriteTo(c.bw)
	if err == nil {
		err = c.bw.Flush()
		if err == nil {
			c.unacks++
		}
	}

	return err
}

func (c *Conn) handleSettings(st *Settings) {
	prevWin := int64(c.serverS.MaxWindowSize())
	st.CopyTo(&c.serverS)
	c.enc.SetMaxTableSize(int(st.HeaderTableSize()))

	// a new INITIAL_WINDOW_SIZE shifts every in-flight stream's send
	// window by the difference; the connection-level window stays as it is
	if delta := int64(c.serverS.MaxWindowSize()) - prevWin; delta != 0 {
		c.reqQueued.Range(func(_, v interface{}) bool {
			atomic.AddInt64(&v.(*Ctx).window, delta)
			return true
		})
		c.signalWindow()
	}

	// reply back
	fr := AcquireFrameHeader()

	stRes := AcquireFrame(FrameSettings).(*Settings)
	stRes.SetAck(true)

	fr.SetBody(stRes)

	c.out <- fr
}

func (c *Conn) handlePing(ping *Ping) {
	// reply back; ping belongs to the frame readNext is about to release,
	// so the ack carries its own copy of the opaque data
	ack := AcquireFrame(FramePing).(*Ping)
	ping.CopyTo(ack)
	ack.SetAck(true)

	fr := AcquireFrameHeader()
	fr.SetBody(ack)

	c.out <- fr
}

func (c *Conn) readStream(fr *FrameHeader, r *Ctx) (err error) {
	res := r.Response

	switch fr.Type() {
	case FrameHeaders, FrameContinuation:
		h := fr.Body().(FrameWithHeaders)
		err = c.readHeader(h.Headers(), res)
	case FrameWindowUpdate:
		win := int64(fr.Body().(*WindowUpdate).Increment())

		if atomic.AddInt64(&r.window, win) > 1<<31-1 {
			err = NewResetStreamError(FlowControlError, "window is above limits")
		} else {
			c.signalWindow()
		}
	case FrameData:
		c.currentWindow -= int32(fr.Len())
		currentWin := c.currentWindow

		data := fr.Body().(*Data)
		if data.Len() != 0 {
			res.AppendBody(data.Data())

			// let's send the window update
			c.updateWindow(fr.Stream(), fr.Len())
		}

		if currentWin < c.maxWindow/2 {
			nValue := c.maxWindow - currentWin

			c.currentWindow = c.maxWindow

			c.updateWindow(0, int(nValue))
		}
	}

	return
}

func (c *Conn) updateWindow(streamID uint32, size int) {
	fr := AcquireFrameHeader()

	fr.SetStream(streamID)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(size)

	fr.SetBody(wu)

	c.out <- fr
}

func (c *Conn) readHeader(b []byte, res *fasthttp.Response) error {
	var err error
	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	dec := c.dec

	for len(b) > 0 {
		b, err = dec.Next(hf, b)
		if err != nil {
			return err
		}

		if hf.Empty() {
			// dynamic table size update, no field to store
			continue
		}

		if hf.IsPseudo() {
			if hf.KeyBytes()[1] == 's' { // status
				n, err := strconv.ParseInt(hf.Value(), 10, 64)
				if err != nil {
					return err
				}

				res.SetStatusCode(int(n))
				continue
			}
		}

		if bytes.Equal(hf.KeyBytes(), StringContentLength) {
			n, _ := strconv.Atoi(hf.Value())
			res.Header.SetContentLength(n)
		} else {
			res.Header.AddBytesKV(hf.KeyBytes(), hf.ValueBytes())
		}
	}

	return nil
}
