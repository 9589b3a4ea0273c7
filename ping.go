package http2

import (
	"encoding/binary"
	"sync"
	"time"
)

const FramePing FrameType = 0x6

// DefaultPingInterval is the keepalive interval a Conn falls back to when
// ConnOpts.PingInterval is left at its zero value.
const DefaultPingInterval = 10 * time.Second

var _ Frame = &Ping{}

var pingPool = sync.Pool{
	New: func() interface{} {
		return &Ping{}
	},
}

// AcquirePing returns a Ping from the pool.
func AcquirePing() *Ping {
	return pingPool.Get().(*Ping)
}

// ReleasePing resets ping and returns it to the pool.
func ReleasePing(ping *Ping) {
	ping.Reset()
	pingPool.Put(ping)
}

// Ping is the keepalive/RTT-measurement frame.
//
// https://tools.ietf.org/html/rfc7540#section-6.7
type Ping struct {
	ack  bool
	data [8]byte
}

func (ping *Ping) Type() FrameType {
	return FramePing
}

// Reset ...
func (ping *Ping) Reset() {
	ping.ack = false
	ping.data = [8]byte{}
}

// CopyTo ...
func (ping *Ping) CopyTo(p *Ping) {
	p.ack = ping.ack
	p.data = ping.data
}

// IsAck reports whether this PING is an acknowledgement of one this peer sent.
func (ping *Ping) IsAck() bool {
	return ping.ack
}

// SetAck marks this PING as an acknowledgement.
func (ping *Ping) SetAck(ack bool) {
	ping.ack = ack
}

// Write ...
func (ping *Ping) Write(b []byte) (n int, err error) {
	n = copy(ping.data[:], b)
	return
}

// SetData ...
func (ping *Ping) SetData(b []byte) {
	copy(ping.data[:], b)
}

func (ping *Ping) Data() []byte {
	return ping.data[:]
}

// SetCurrentTime stamps the opaque payload with the current monotonic clock
// reading, so the sender can subtract it from the matching ack to get an RTT
// sample. See ConnOpts.OnRTT.
func (ping *Ping) SetCurrentTime() {
	binary.BigEndian.PutUint64(ping.data[:], uint64(time.Now().UnixNano()))
}

// Elapsed returns the duration since SetCurrentTime was called on the PING
// this is the ack for.
func (ping *Ping) Elapsed() time.Duration {
	sent := int64(binary.BigEndian.Uint64(ping.data[:]))
	return time.Duration(time.Now().UnixNano() - sent)
}

// Deserialize ...
func (ping *Ping) Deserialize(frh *FrameHeader) error {
	if len(frh.payload) < 8 {
		return ErrMissingBytes
	}

	ping.ack = frh.Flags().Has(FlagAck)
	ping.SetData(frh.payload)
	return nil
}

// Serialize ...
func (ping *Ping) Serialize(fr *FrameHeader) {
	if ping.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
	}

	fr.setPayload(ping.data[:])
}
