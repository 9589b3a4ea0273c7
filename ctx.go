package http2

import (
	"github.com/valyala/fasthttp"
)

// Ctx carries a single request/response pair through a Conn's async
// write/read loops. Write enqueues it, and Err delivers the outcome: the
// read loop's result once the matching response has been fully read
// (after which Err is closed), or the write loop's error when the request
// could not be sent or the connection died (Err is left open then).
type Ctx struct {
	Request  *fasthttp.Request
	Response *fasthttp.Response

	Err chan error

	// window is the stream-level send credit left for Request's body,
	// seeded from the server's INITIAL_WINDOW_SIZE when the stream opens
	// and refilled by WINDOW_UPDATE frames on it.
	window int64
}

// AcquireCtx returns a new Ctx wrapping req/res, ready to be passed to
// Conn.Write.
func AcquireCtx(req *fasthttp.Request, res *fasthttp.Response) *Ctx {
	return &Ctx{
		Request:  req,
		Response: res,
		Err:      make(chan error, 1),
	}
}
