package http2

// Pseudo-header names, RFC 9113 §8.3. These MUST come before any regular
// header field in a HEADERS block.
var (
	StringMethod    = []byte(":method")
	StringScheme    = []byte(":scheme")
	StringPath      = []byte(":path")
	StringAuthority = []byte(":authority")
	StringStatus    = []byte(":status")
)

// Regular header names the connection engine inspects or rewrites on the
// wire (the rest pass through HPACK untouched).
var (
	StringServer        = []byte("server")
	StringContentLength = []byte("content-length")
	StringContentType   = []byte("content-type")
	StringUserAgent     = []byte("user-agent")
	StringGzip          = []byte("gzip")
)

// HTTP methods and the protocol marker written into a decoded request's
// fasthttp.RequestHeader.
var (
	StringGET   = []byte("GET")
	StringHEAD  = []byte("HEAD")
	StringPOST  = []byte("POST")
	StringHTTP2 = []byte("HTTP/2")
)

const (
	// H2TLSProto is the ALPN protocol id negotiated over TLS.
	H2TLSProto = "h2"
	// H2Clean is the Upgrade token used to request h2 over cleartext.
	H2Clean = "h2c"
)

// ToLower lowercases b in place (header field names are required to be
// lowercase by RFC 9113 §8.2) and returns it.
func ToLower(b []byte) []byte {
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c | 0x20
		}
	}
	return b
}
