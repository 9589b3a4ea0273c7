package http2

import (
	"sync"

	"github.com/nwire/h2/http2utils"
)

const FrameWindowUpdate FrameType = 0x8

var _ Frame = &WindowUpdate{}

// WindowUpdate carries a flow-control window increment, either for the
// whole connection (stream id 0) or for a single stream.
//
// https://tools.ietf.org/html/rfc7540#section-6.9
type WindowUpdate struct {
	increment uint32
}

var windowUpdatePool = sync.Pool{
	New: func() interface{} {
		return &WindowUpdate{}
	},
}

// AcquireWindowUpdate returns a WindowUpdate from the pool.
func AcquireWindowUpdate() *WindowUpdate {
	wu := windowUpdatePool.Get().(*WindowUpdate)
	wu.Reset()
	return wu
}

// ReleaseWindowUpdate resets wu and returns it to the pool.
func ReleaseWindowUpdate(wu *WindowUpdate) {
	wu.Reset()
	windowUpdatePool.Put(wu)
}

func (wu *WindowUpdate) Type() FrameType {
	return FrameWindowUpdate
}

// Reset ...
func (wu *WindowUpdate) Reset() {
	wu.increment = 0
}

// CopyTo ...
func (wu *WindowUpdate) CopyTo(w *WindowUpdate) {
	w.increment = wu.increment
}

// Increment returns the window size increment, in [0, 2^31-1]; a zero
// increment is decoded as-is and left for the caller to reject.
func (wu *WindowUpdate) Increment() uint32 {
	return wu.increment
}

// SetIncrement sets the window size increment.
func (wu *WindowUpdate) SetIncrement(increment int) {
	wu.increment = uint32(increment) & (1<<31 - 1)
}

func (wu *WindowUpdate) Deserialize(fr *FrameHeader) error {
	if len(fr.payload) < 4 {
		wu.increment = 0
		return ErrMissingBytes
	}

	wu.increment = http2utils.BytesToUint32(fr.payload) & (1<<31 - 1)

	return nil
}

func (wu *WindowUpdate) Serialize(fr *FrameHeader) {
	fr.payload = http2utils.AppendUint32Bytes(fr.payload[:0], wu.increment)
}
