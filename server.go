package http2

import (
	"bufio"
	"net"
	"time"

	"github.com/valyala/fasthttp"
)

// ServerConfig tunes the per-connection behavior of a Server.
type ServerConfig struct {
	// Debug turns on verbose per-stream logging.
	Debug bool

	// Logger receives the Debug and error output. Defaults to the
	// package's stdout logger.
	Logger fasthttp.Logger

	// PingInterval is how often the server pings the connection, whether
	// or not requests are in flight.
	// Zero means DefaultPingInterval.
	PingInterval time.Duration

	// MaxRequestTime bounds how long a single stream may stay open before
	// the server resets it with StreamCanceled. Zero falls back to the
	// fasthttp server's ReadTimeout; if both are zero the check is off.
	MaxRequestTime time.Duration

	// MaxIdleTime closes a connection that hasn't received a new request
	// HEADERS frame in this long. Zero disables the check.
	MaxIdleTime time.Duration
}

func (cnf *ServerConfig) defaults() {
	if cnf.Logger == nil {
		cnf.Logger = logger
	}

	if cnf.PingInterval <= 0 {
		cnf.PingInterval = DefaultPingInterval
	}
}

// Server adapts a fasthttp.Server's request handler to run over HTTP/2.
type Server struct {
	s   *fasthttp.Server
	cnf ServerConfig
}

// ConfigureServer registers HTTP/2 as the ALPN protocol s negotiates over
// TLS, dispatching negotiated connections to the returned Server.
func ConfigureServer(s *fasthttp.Server, cnf ServerConfig) *Server {
	cnf.defaults()

	h2s := &Server{s: s, cnf: cnf}
	s.NextProto(H2TLSProto, h2s.ServeConn)

	return h2s
}

// ServeConn speaks HTTP/2 over an already-accepted connection, dispatching
// requests to the underlying fasthttp.Server's Handler. It blocks until the
// connection is closed, returning the reason.
func (s *Server) ServeConn(c net.Conn) error {
	s.cnf.defaults()

	br := bufio.NewReaderSize(c, 4096)

	if err := ReadPrefaceFrom(br); err != nil {
		_ = c.Close()
		return err
	}

	streamDeadline := s.cnf.MaxRequestTime
	if streamDeadline <= 0 {
		streamDeadline = s.s.ReadTimeout
	}

	sv := &serverConn{
		conn:    c,
		handler: s.s.Handler,

		reader: br,
		writer: bufio.NewWriterSize(c, maxFrameSize),

		encoder: HPACK{maxTableSize: defaultDynamicTableSize},
		decoder: HPACK{maxTableSize: defaultDynamicTableSize},

		windowCap: 1 << 20,

		outbound: make(chan *FrameHeader, 128),
		inbound:  make(chan *FrameHeader, 128),

		streamDeadline: streamDeadline,
		pingPeriod:     s.cnf.PingInterval,
		idleDeadline:   s.cnf.MaxIdleTime,

		verbose: s.cnf.Debug,
		log:     s.cnf.Logger,
	}

	sv.local.Reset()
	sv.local.SetMaxWindowSize(uint32(sv.windowCap))
	sv.local.SetMaxConcurrentStreams(1024)
	sv.peer.Reset()

	if err := sv.Handshake(); err != nil {
		_ = c.Close()
		return err
	}

	return sv.Serve()
}
