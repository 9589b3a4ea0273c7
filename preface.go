package http2

import (
	"bufio"
	"bytes"
)

// connectionPreface is the fixed 24-byte sequence a client must send
// before any frame, guaranteeing the peer is actually speaking HTTP/2.
//
// https://tools.ietf.org/html/rfc7540#section-3.5
var connectionPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// WritePreface writes the HTTP/2 connection preface to bw.
func WritePreface(bw *bufio.Writer) error {
	_, err := bw.Write(connectionPreface)
	return err
}

// ReadPrefaceFrom reads and verifies the HTTP/2 connection preface from br,
// returning ErrBadPreface if it doesn't match.
func ReadPrefaceFrom(br *bufio.Reader) error {
	n := len(connectionPreface)

	b, err := br.Peek(n)
	if err != nil {
		return err
	}

	if !bytes.Equal(b, connectionPreface) {
		return ErrBadPreface
	}

	_, err = br.Discard(n)
	return err
}
