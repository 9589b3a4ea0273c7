package http2

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nwire/h2/http2utils"
)

func serve(s *Server, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			break
		}

		go s.ServeConn(c)
	}
}

func getConn(s *Server) (*Conn, net.Listener, error) {
	s.cnf.defaults()

	ln := fasthttputil.NewInmemoryListener()

	go serve(s, ln)

	c, err := ln.Dial()
	if err != nil {
		return nil, nil, err
	}

	nc := NewConn(c, ConnOpts{})

	return nc, ln, nc.doHandshake()
}

func makeHeaders(id uint32, enc *HPACK, endHeaders, endStream bool, hs map[string]string) *FrameHeader {
	fr := AcquireFrameHeader()

	fr.SetStream(id)

	h := AcquireFrame(FrameHeaders).(*Headers)
	fr.SetBody(h)

	hf := AcquireHeaderField()

	for k, v := range hs {
		hf.Set(k, v)
		enc.AppendHeaderField(h, hf, k[0] == ':')
	}

	h.SetPadding(false)
	h.SetEndStream(endStream)
	h.SetEndHeaders(endHeaders)

	return fr
}

func TestIssue52(t *testing.T) {
	for i := 0; i < 100; i++ {
		testIssue52(t)
	}
}

func testIssue52(t *testing.T) {
	s := &Server{
		s: &fasthttp.Server{
			Handler: func(ctx *fasthttp.RequestCtx) {
				io.WriteString(ctx, "Hello world")
			},
			ReadTimeout: time.Second * 30,
		},
		cnf: ServerConfig{
			Debug: false,
		},
	}

	c, ln, err := getConn(s)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	defer ln.Close()

	msg := []byte("Hello world, how are you doing?")

	h1 := makeHeaders(3, c.enc, true, false, map[string]string{
		string(StringAuthority): "localhost",
		string(StringMethod):    "POST",
		string(StringPath):      "/hello/world",
		string(StringScheme):    "https",
		"Content-Length":        strconv.Itoa(len(msg)),
	})
	h2 := makeHeaders(9, c.enc, true, false, map[string]string{
		string(StringAuthority): "localhost",
		string(StringMethod):    "POST",
		string(StringPath):      "/hello/world",
		string(StringScheme):    "https",
		"Content-Length":        strconv.Itoa(len(msg)),
	})
	h3 := makeHeaders(7, c.enc, true, true, map[string]string{
		string(StringAuthority): "localhost",
		string(StringMethod):    "GET",
		string(StringPath):      "/hello/world",
		string(StringScheme):    "https",
	})
	h4 := makeHeaders(11, c.enc, true, true, map[string]string{
		string(StringAuthority): "localhost",
		string(StringMethod):    "GET",
		string(StringPath):      "/hello/world",
		string(StringScheme):    "https",
	})

	c.writeFrame(h1)
	c.writeFrame(h2)
	c.writeFrame(h3)
	c.writeFrame(h4)

	for _, id := range []uint32{3, 9} {
		data := AcquireFrame(FrameData).(*Data)
		data.SetEndStream(true)
		data.SetData(msg)

		fr := AcquireFrameHeader()
		fr.SetStream(id)
		fr.SetBody(data)

		if err = c.writeFrame(fr); err != nil {
			t.Fatal(err)
		}
	}

	// expect [GOAWAY, RESET, HEADERS, DATA, HEADERS, DATA]
	expect := []FrameType{
		FrameGoAway, FrameResetStream, FrameHeaders,
		FrameData, FrameHeaders, FrameData,
	}

	for len(expect) != 0 {
		next := expect[0]

		fr, err := c.readNext()
		if err != nil {
			t.Fatal(err)
		}

		if fr.Type() != next {
			t.Fatalf("unexpected frame type: %s <> %s", next, fr.Type())
		}

		if fr.Type() == FrameResetStream {
			rst := fr.Body().(*RstStream)
			if rst.Code() != RefusedStreamError {
				t.Fatalf("expected RefusedStreamError, got %s", rst.Code())
			}
		}

		expect = expect[1:]
	}

	_, err = c.readNext()
	if err == nil {
		t.Fatal("Expecting error")
	}

	if err != io.EOF {
		t.Fatalf("expected EOF, got %s", err)
	}
}

func TestIssue27(t *testing.T) {
	s := &Server{
		s: &fasthttp.Server{
			Handler: func(ctx *fasthttp.RequestCtx) {
				io.WriteString(ctx, "Hello world")
			},
			ReadTimeout: time.Second * 1,
		},
		cnf: ServerConfig{
			Debug: false,
		},
	}

	c, ln, err := getConn(s)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	defer ln.Close()

	msg := []byte("Hello world, how are you doing?")

	h1 := makeHeaders(3, c.enc, true, false, map[string]string{
		string(StringAuthority): "localhost",
		string(StringMethod):    "POST",
		string(StringPath):      "/hello/world",
		string(StringScheme):    "https",
		"Content-Length":        strconv.Itoa(len(msg)),
	})
	h2 := makeHeaders(5, c.enc, true, false, map[string]string{
		string(StringAuthority): "localhost",
		string(StringMethod):    "POST",
		string(StringPath):      "/hello/world",
		string(StringScheme):    "https",
		"Content-Length":        strconv.Itoa(len(msg)),
	})
	h3 := makeHeaders(7, c.enc, false, false, map[string]string{
		string(StringAuthority): "localhost",
		string(StringMethod):    "GET",
		string(StringPath):      "/hello/world",
		string(StringScheme):    "https",
		"Content-Length":        strconv.Itoa(len(msg)),
	})

	c.writeFrame(h1)
	c.writeFrame(h2)

	time.Sleep(time.Second)
	c.writeFrame(h3)

	id := uint32(3)

	for i := 0; i < 3; i++ {
		fr, err := c.readNext()
		if err != nil {
			t.Fatal(err)
		}

		if fr.Stream() != id {
			t.Fatalf("Expecting update on stream %d, got %d", id, fr.Stream())
		}

		if fr.Type() != FrameResetStream {
			t.Fatalf("Expecting Reset, got %s", fr.Type())
		}

		rst := fr.Body().(*RstStream)
		if rst.Code() != StreamCanceled {
			t.Fatalf("Expecting StreamCanceled, got %s", rst.Code())
		}

		id += 2
	}
}

// TestConnectionWindowOverflow grows the connection-level window past
// 2^31-1 with WINDOW_UPDATE frames on stream 0; the server must answer
// with GOAWAY(FLOW_CONTROL_ERROR).
func TestConnectionWindowOverflow(t *testing.T) {
	s := &Server{
		s: &fasthttp.Server{
			Handler: func(ctx *fasthttp.RequestCtx) {},
		},
		cnf: ServerConfig{},
	}

	c, ln, err := getConn(s)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	defer ln.Close()

	for i := 0; i < 2; i++ {
		fr := AcquireFrameHeader()

		wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
		wu.SetIncrement(1<<31 - 1)
		fr.SetBody(wu)

		if err := c.writeFrame(fr); err != nil {
			t.Fatal(err)
		}
	}

	fr, err := c.readNext()
	if err != nil {
		t.Fatal(err)
	}
	defer ReleaseFrameHeader(fr)

	if fr.Type() != FrameGoAway {
		t.Fatalf("expected GoAway, got %s", fr.Type())
	}
	if code := fr.Body().(*GoAway).Code(); code != FlowControlError {
		t.Fatalf("expected FlowControlError, got %s", code)
	}
}

// TestPriorityWrongSize sends a PRIORITY frame with a 6-byte payload. The
// server must reset only that stream with FRAME_SIZE_ERROR and keep
// serving requests on the same connection.
func TestPriorityWrongSize(t *testing.T) {
	s := &Server{
		s: &fasthttp.Server{
			Handler: func(ctx *fasthttp.RequestCtx) {
				io.WriteString(ctx, "still alive")
			},
		},
		cnf: ServerConfig{},
	}

	c, ln, err := getConn(s)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	defer ln.Close()

	var raw [9 + 6]byte
	http2utils.Uint24ToBytes(raw[:3], 6)
	raw[3] = byte(FramePriority)
	http2utils.Uint32ToBytes(raw[5:9], 3) // stream id
	http2utils.Uint32ToBytes(raw[9:13], 0)
	raw[13] = 10 // weight; raw[14] is the stray sixth payload byte

	if _, err := c.bw.Write(raw[:]); err != nil {
		t.Fatal(err)
	}
	if err := c.bw.Flush(); err != nil {
		t.Fatal(err)
	}

	fr, err := c.readNext()
	if err != nil {
		t.Fatal(err)
	}

	if fr.Type() != FrameResetStream {
		t.Fatalf("expected Reset, got %s", fr.Type())
	}
	if fr.Stream() != 3 {
		t.Fatalf("expected reset on stream 3, got %d", fr.Stream())
	}
	if code := fr.Body().(*RstStream).Code(); code != FrameSizeError {
		t.Fatalf("expected FrameSizeError, got %s", code)
	}
	ReleaseFrameHeader(fr)

	// the connection survived: a normal request still gets a response
	h := makeHeaders(5, c.enc, true, true, map[string]string{
		string(StringAuthority): "localhost",
		string(StringMethod):    "GET",
		string(StringPath):      "/",
		string(StringScheme):    "https",
	})
	if err := c.writeFrame(h); err != nil {
		t.Fatal(err)
	}

	fr, err = c.readNext()
	if err != nil {
		t.Fatal(err)
	}
	defer ReleaseFrameHeader(fr)

	if fr.Type() != FrameHeaders || fr.Stream() != 5 {
		t.Fatalf("expected response headers on stream 5, got %s on %d", fr.Type(), fr.Stream())
	}
}

// TestHeadersInterleavedWithData opens a header block without END_HEADERS
// and then sends DATA on the same stream. Anything but CONTINUATION at that
// point is a connection error.
func TestHeadersInterleavedWithData(t *testing.T) {
	s := &Server{
		s: &fasthttp.Server{
			Handler: func(ctx *fasthttp.RequestCtx) {},
		},
		cnf: ServerConfig{},
	}

	c, ln, err := getConn(s)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	defer ln.Close()

	h := makeHeaders(1, c.enc, false, false, map[string]string{
		string(StringAuthority): "localhost",
		string(StringMethod):    "POST",
		string(StringPath):      "/",
		string(StringScheme):    "https",
	})
	if err := c.writeFrame(h); err != nil {
		t.Fatal(err)
	}

	fr := AcquireFrameHeader()
	fr.SetStream(1)

	data := AcquireFrame(FrameData).(*Data)
	data.SetEndStream(true)
	data.SetData([]byte("hello"))
	fr.SetBody(data)

	if err := c.writeFrame(fr); err != nil {
		t.Fatal(err)
	}

	got, err := c.readNext()
	if err != nil {
		t.Fatal(err)
	}
	defer ReleaseFrameHeader(got)

	if got.Type() != FrameGoAway {
		t.Fatalf("expected GoAway, got %s", got.Type())
	}
	if code := got.Body().(*GoAway).Code(); code != ProtocolError {
		t.Fatalf("expected ProtocolError, got %s", code)
	}
}

// TestUnknownFrameTypeIgnored sends a frame of an undefined type; the server
// must discard it and keep serving the connection.
func TestUnknownFrameTypeIgnored(t *testing.T) {
	s := &Server{
		s: &fasthttp.Server{
			Handler: func(ctx *fasthttp.RequestCtx) {
				io.WriteString(ctx, "ok")
			},
		},
		cnf: ServerConfig{},
	}

	c, ln, err := getConn(s)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	defer ln.Close()

	var raw [9 + 4]byte
	http2utils.Uint24ToBytes(raw[:3], 4)
	raw[3] = 0xbe // undefined frame type
	raw[9] = 1

	if _, err := c.bw.Write(raw[:]); err != nil {
		t.Fatal(err)
	}
	if err := c.bw.Flush(); err != nil {
		t.Fatal(err)
	}

	h := makeHeaders(1, c.enc, true, true, map[string]string{
		string(StringAuthority): "localhost",
		string(StringMethod):    "GET",
		string(StringPath):      "/",
		string(StringScheme):    "https",
	})
	if err := c.writeFrame(h); err != nil {
		t.Fatal(err)
	}

	fr, err := c.readNext()
	if err != nil {
		t.Fatal(err)
	}
	defer ReleaseFrameHeader(fr)

	if fr.Type() != FrameHeaders || fr.Stream() != 1 {
		t.Fatalf("expected response headers on stream 1, got %s on %d", fr.Type(), fr.Stream())
	}
}
